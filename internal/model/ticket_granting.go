package model

import (
	"sort"
	"time"

	"github.com/pu-ac-cn/uac-sso/internal/expiration"
)

// TicketGrantingTicket 登录会话票据（TGT），代理链的根
type TicketGrantingTicket struct {
	TicketBase
	Authentication *Authentication `json:"authentication"`
	// ParentTicketID 仅 PGT 非空，按 ID 弱引用父票据
	ParentTicketID string `json:"parentTicketId,omitempty"`
	// Services 已签发的 ST/PT：票据 ID -> 服务
	Services map[string]Service `json:"services,omitempty"`
	// ProxyGrantingTickets 由本票据派生的 PGT：票据 ID -> 代理服务
	ProxyGrantingTickets map[string]Service `json:"proxyGrantingTickets,omitempty"`
	// DescendantTickets 其他子票据（授权码、访问令牌）
	DescendantTickets []string `json:"descendantTickets,omitempty"`
}

// NewTicketGrantingTicket 创建 TGT
func NewTicketGrantingTicket(id string, auth *Authentication, policy expiration.Policy, now time.Time) *TicketGrantingTicket {
	return &TicketGrantingTicket{
		TicketBase:     newTicketBase(id, policy, now),
		Authentication: auth,
	}
}

func (t *TicketGrantingTicket) GetType() string { return TypeTicketGrantingTicket }

func (t *TicketGrantingTicket) GetGrantingTicketID() string { return t.ParentTicketID }

// IsRoot 是否为交互式登录产生的根 TGT
func (t *TicketGrantingTicket) IsRoot() bool {
	return t.ParentTicketID == ""
}

// GrantServiceTicket 签发 ST
// 只有根 TGT 登录后的第一次签发 FromNewLogin 为 true
func (t *TicketGrantingTicket) GrantServiceTicket(id string, service Service, policy expiration.Policy, now time.Time, onlyTrackMostRecent bool) *ServiceTicket {
	st := &ServiceTicket{
		TicketBase:             newTicketBase(id, policy, now),
		TicketGrantingTicketID: t.ID,
		Service:                service,
		FromNewLogin:           t.IsRoot() && t.CountOfUses == 0,
	}
	t.trackService(id, service, now, onlyTrackMostRecent)
	return st
}

func (t *TicketGrantingTicket) trackService(id string, service Service, now time.Time, onlyTrackMostRecent bool) {
	t.Update(now)
	if t.Services == nil {
		t.Services = make(map[string]Service)
	}
	if onlyTrackMostRecent {
		for existing, s := range t.Services {
			if s.Matches(service) {
				delete(t.Services, existing)
			}
		}
	}
	t.Services[id] = service
}

// AddProxyGrantingTicket 记录派生的 PGT
func (t *TicketGrantingTicket) AddProxyGrantingTicket(id string, proxiedBy Service) {
	if t.ProxyGrantingTickets == nil {
		t.ProxyGrantingTickets = make(map[string]Service)
	}
	t.ProxyGrantingTickets[id] = proxiedBy
}

// AddDescendant 记录其他子票据
func (t *TicketGrantingTicket) AddDescendant(id string) {
	for _, existing := range t.DescendantTickets {
		if existing == id {
			return
		}
	}
	t.DescendantTickets = append(t.DescendantTickets, id)
}

// RemoveChild 从所有子票据记录中移除 id
func (t *TicketGrantingTicket) RemoveChild(id string) {
	delete(t.Services, id)
	delete(t.ProxyGrantingTickets, id)
	for i, existing := range t.DescendantTickets {
		if existing == id {
			t.DescendantTickets = append(t.DescendantTickets[:i], t.DescendantTickets[i+1:]...)
			break
		}
	}
}

// UndoGrant 撤销一次未能落库的签发：移除子票据记录并回退使用计数
// 子票据不在记录中时不做任何修改
func (t *TicketGrantingTicket) UndoGrant(id string) bool {
	if !t.hasChild(id) {
		return false
	}
	t.RemoveChild(id)
	if t.CountOfUses > 0 {
		t.CountOfUses--
	}
	return true
}

func (t *TicketGrantingTicket) hasChild(id string) bool {
	if _, ok := t.Services[id]; ok {
		return true
	}
	if _, ok := t.ProxyGrantingTickets[id]; ok {
		return true
	}
	for _, existing := range t.DescendantTickets {
		if existing == id {
			return true
		}
	}
	return false
}

// ChildTicketIDs 返回全部直接子票据 ID，顺序稳定
func (t *TicketGrantingTicket) ChildTicketIDs() []string {
	ids := make([]string, 0, len(t.Services)+len(t.ProxyGrantingTickets)+len(t.DescendantTickets))
	for id := range t.Services {
		ids = append(ids, id)
	}
	for id := range t.ProxyGrantingTickets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return append(ids, t.DescendantTickets...)
}

// GrantOAuthCode 签发 OAuth 授权码
func (t *TicketGrantingTicket) GrantOAuthCode(id, clientID, redirectURI string, scopes []string, policy expiration.Policy, now time.Time) *OAuthCode {
	t.Update(now)
	t.AddDescendant(id)
	return &OAuthCode{
		TicketBase:             newTicketBase(id, policy, now),
		TicketGrantingTicketID: t.ID,
		ClientID:               clientID,
		RedirectURI:            redirectURI,
		Scopes:                 scopes,
	}
}

// GrantAccessToken 用授权码换取访问令牌
func (t *TicketGrantingTicket) GrantAccessToken(id string, code *OAuthCode, policy expiration.Policy, now time.Time) *AccessToken {
	t.Update(now)
	t.AddDescendant(id)
	return &AccessToken{
		TicketBase:             newTicketBase(id, policy, now),
		TicketGrantingTicketID: t.ID,
		ClientID:               code.ClientID,
		Scopes:                 code.Scopes,
		CodeID:                 code.ID,
	}
}

// ProxyGrantingTicket 代理授权票据（PGT），TGT 的变体
type ProxyGrantingTicket struct {
	TicketGrantingTicket
	// ProxiedBy 获得代理能力的服务
	ProxiedBy              Service `json:"proxiedBy"`
	ProxyGrantingTicketIou string  `json:"proxyGrantingTicketIou,omitempty"`
}

func (t *ProxyGrantingTicket) GetType() string { return TypeProxyGrantingTicket }

// GrantProxyTicket 由 PGT 签发代理票据（PT），FromNewLogin 恒为 false
func (t *ProxyGrantingTicket) GrantProxyTicket(id string, service Service, policy expiration.Policy, now time.Time, onlyTrackMostRecent bool) *ProxyTicket {
	pt := &ProxyTicket{ServiceTicket: ServiceTicket{
		TicketBase:             newTicketBase(id, policy, now),
		TicketGrantingTicketID: t.ID,
		Service:                service,
	}}
	t.trackService(id, service, now, onlyTrackMostRecent)
	return pt
}
