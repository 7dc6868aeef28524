// Package model 定义票据实体与持久化模型
package model

import (
	"time"

	"github.com/pu-ac-cn/uac-sso/internal/expiration"
)

// 票据类型（目录中的类型标识）
const (
	TypeTicketGrantingTicket = "TicketGrantingTicket"
	TypeServiceTicket        = "ServiceTicket"
	TypeProxyGrantingTicket  = "ProxyGrantingTicket"
	TypeProxyTicket          = "ProxyTicket"
	TypeOAuthCode            = "OAuthCode"
	TypeAccessToken          = "AccessToken"
)

// 票据 ID 前缀
const (
	PrefixTicketGrantingTicket   = "TGT"
	PrefixServiceTicket          = "ST"
	PrefixProxyGrantingTicket    = "PGT"
	PrefixProxyTicket            = "PT"
	PrefixOAuthCode              = "OC"
	PrefixAccessToken            = "AT"
	PrefixProxyGrantingTicketIou = "PGTIOU"
)

// Ticket 票据公共行为
// 具体类型是封闭集合：TGT、PGT、ST、PT、OAuthCode、AccessToken
type Ticket interface {
	expiration.TicketState

	GetID() string
	GetType() string
	GetExpirationPolicy() expiration.Policy
	SetExpirationPolicy(policy expiration.Policy)
	// GetGrantingTicketID 返回签发该票据的父票据 ID，根票据返回空串
	GetGrantingTicketID() string
	IsExpiredAt(now time.Time) bool
	IsExpired() bool
	// Update 记录一次使用
	Update(now time.Time)
	// MarkExpired 显式失效，不再依赖策略
	MarkExpired()
	GetVersion() int64
	SetVersion(version int64)
}

// TicketBase 票据公共字段
type TicketBase struct {
	ID                 string    `json:"id"`
	CreatedAt          time.Time `json:"createdAt"`
	LastUsedAt         time.Time `json:"lastUsedAt"`
	PreviousLastUsedAt time.Time `json:"previousLastUsedAt,omitempty"`
	CountOfUses        int       `json:"countOfUses"`
	Expired            bool      `json:"expired,omitempty"`

	// Version 为存储层的乐观锁版本，不进入载荷
	Version int64             `json:"-"`
	Policy  expiration.Policy `json:"-"`
}

func newTicketBase(id string, policy expiration.Policy, now time.Time) TicketBase {
	return TicketBase{
		ID:         id,
		CreatedAt:  now,
		LastUsedAt: now,
		Policy:     policy,
	}
}

func (t *TicketBase) GetID() string { return t.ID }
func (t *TicketBase) GetCreationTime() time.Time { return t.CreatedAt }
func (t *TicketBase) GetLastTimeUsed() time.Time { return t.LastUsedAt }
func (t *TicketBase) GetCountOfUses() int { return t.CountOfUses }
func (t *TicketBase) GetVersion() int64 { return t.Version }
func (t *TicketBase) SetVersion(version int64) { t.Version = version }
func (t *TicketBase) MarkExpired() { t.Expired = true }
func (t *TicketBase) GetExpirationPolicy() expiration.Policy { return t.Policy }

func (t *TicketBase) SetExpirationPolicy(policy expiration.Policy) {
	t.Policy = policy
}

// IsExpiredAt 判断票据在 now 时刻是否失效（仅检查自身，不检查父票据）
func (t *TicketBase) IsExpiredAt(now time.Time) bool {
	if t.Expired {
		return true
	}
	if t.Policy == nil {
		return false
	}
	return t.Policy.IsExpired(t, now)
}

// IsExpired 以当前时间判断
func (t *TicketBase) IsExpired() bool {
	return t.IsExpiredAt(time.Now())
}

// Update 使用计数加一并刷新最后使用时间
func (t *TicketBase) Update(now time.Time) {
	t.PreviousLastUsedAt = t.LastUsedAt
	t.LastUsedAt = now
	t.CountOfUses++
}

// TimeToLive 返回写入时刻的剩余存活时间
func TimeToLive(t Ticket, now time.Time) time.Duration {
	policy := t.GetExpirationPolicy()
	if policy == nil {
		return expiration.Infinite
	}
	return policy.TimeToLive(t, now)
}
