// Package expiration 票据过期策略
package expiration

import (
	"errors"
	"fmt"
	"time"
)

// Infinite 表示永不过期的剩余存活时间
const Infinite time.Duration = -1

// 策略类型
const (
	KindNever          = "never"
	KindMultiUse       = "multi-use"
	KindHardTimeout    = "hard-timeout"
	KindTimeout        = "timeout"
	KindAll            = "all"
	KindTicketGranting = "ticket-granting" // 配置简写：硬上限 + 空闲超时
)

var ErrUnknownPolicy = errors.New("未知的过期策略")

// TicketState 过期判断所需的票据状态
type TicketState interface {
	GetCreationTime() time.Time
	GetLastTimeUsed() time.Time
	GetCountOfUses() int
}

// Policy 过期策略
// 策略是票据状态与给定时间的纯函数，不读取全局时钟
type Policy interface {
	// IsExpired 判断票据在 now 时刻是否已失效
	IsExpired(state TicketState, now time.Time) bool
	// TimeToLive 返回 now 时刻起的剩余存活时间，永不过期返回 Infinite
	TimeToLive(state TicketState, now time.Time) time.Duration
	// Definition 返回可序列化的策略描述
	Definition() Definition
}

// Definition 策略描述，用于序列化和配置
type Definition struct {
	Kind         string        `json:"kind" mapstructure:"kind"`
	NumberOfUses int           `json:"numberOfUses,omitempty" mapstructure:"number_of_uses"`
	TimeToLive   time.Duration `json:"timeToLive,omitempty" mapstructure:"time_to_live"`
	TimeToIdle   time.Duration `json:"timeToIdle,omitempty" mapstructure:"time_to_idle"`
	Policies     []Definition  `json:"policies,omitempty" mapstructure:"policies"`
}

// FromDefinition 根据描述构建策略
func FromDefinition(def Definition) (Policy, error) {
	switch def.Kind {
	case KindNever:
		return NeverExpires(), nil
	case KindMultiUse:
		if def.NumberOfUses <= 0 {
			return nil, fmt.Errorf("%w: %s 的使用次数必须大于 0", ErrUnknownPolicy, def.Kind)
		}
		return MultiTimeUseOrTimeout(def.NumberOfUses, def.TimeToLive), nil
	case KindHardTimeout:
		return HardTimeout(def.TimeToLive), nil
	case KindTimeout:
		return Timeout(def.TimeToIdle), nil
	case KindTicketGranting:
		return TicketGranting(def.TimeToLive, def.TimeToIdle), nil
	case KindAll:
		if len(def.Policies) == 0 {
			return nil, fmt.Errorf("%w: 组合策略为空", ErrUnknownPolicy)
		}
		policies := make([]Policy, 0, len(def.Policies))
		for _, sub := range def.Policies {
			p, err := FromDefinition(sub)
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
		}
		return All(policies...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, def.Kind)
	}
}

// remaining 计算 deadline 相对 now 的剩余时间，已过期返回 0
func remaining(deadline, now time.Time) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

type neverExpires struct{}

// NeverExpires 永不过期
func NeverExpires() Policy {
	return neverExpires{}
}

func (neverExpires) IsExpired(TicketState, time.Time) bool { return false }

func (neverExpires) TimeToLive(TicketState, time.Time) time.Duration { return Infinite }

func (neverExpires) Definition() Definition { return Definition{Kind: KindNever} }

type multiTimeUseOrTimeout struct {
	numberOfUses int
	timeToLive   time.Duration
}

// MultiTimeUseOrTimeout 使用次数达到上限或超过存活时间即失效
// numberOfUses 为 1 时即为一次性票据（ST 默认策略）
func MultiTimeUseOrTimeout(numberOfUses int, timeToLive time.Duration) Policy {
	return multiTimeUseOrTimeout{numberOfUses: numberOfUses, timeToLive: timeToLive}
}

func (p multiTimeUseOrTimeout) IsExpired(state TicketState, now time.Time) bool {
	if state.GetCountOfUses() >= p.numberOfUses {
		return true
	}
	return !now.Before(state.GetCreationTime().Add(p.timeToLive))
}

func (p multiTimeUseOrTimeout) TimeToLive(state TicketState, now time.Time) time.Duration {
	if state.GetCountOfUses() >= p.numberOfUses {
		return 0
	}
	return remaining(state.GetCreationTime().Add(p.timeToLive), now)
}

func (p multiTimeUseOrTimeout) Definition() Definition {
	return Definition{Kind: KindMultiUse, NumberOfUses: p.numberOfUses, TimeToLive: p.timeToLive}
}

type hardTimeout struct {
	timeToLive time.Duration
}

// HardTimeout 自创建起超过固定时长即失效，与使用次数无关
func HardTimeout(timeToLive time.Duration) Policy {
	return hardTimeout{timeToLive: timeToLive}
}

func (p hardTimeout) IsExpired(state TicketState, now time.Time) bool {
	return !now.Before(state.GetCreationTime().Add(p.timeToLive))
}

func (p hardTimeout) TimeToLive(state TicketState, now time.Time) time.Duration {
	return remaining(state.GetCreationTime().Add(p.timeToLive), now)
}

func (p hardTimeout) Definition() Definition {
	return Definition{Kind: KindHardTimeout, TimeToLive: p.timeToLive}
}

type timeout struct {
	timeToIdle time.Duration
}

// Timeout 滑动窗口：距上次使用超过空闲时长即失效，每次使用续期
func Timeout(timeToIdle time.Duration) Policy {
	return timeout{timeToIdle: timeToIdle}
}

func (p timeout) IsExpired(state TicketState, now time.Time) bool {
	return !now.Before(state.GetLastTimeUsed().Add(p.timeToIdle))
}

func (p timeout) TimeToLive(state TicketState, now time.Time) time.Duration {
	return remaining(state.GetLastTimeUsed().Add(p.timeToIdle), now)
}

func (p timeout) Definition() Definition {
	return Definition{Kind: KindTimeout, TimeToIdle: p.timeToIdle}
}

type all struct {
	policies []Policy
}

// All 组合策略：所有子策略都存活时票据才存活
func All(policies ...Policy) Policy {
	return all{policies: policies}
}

// TicketGranting TGT 默认策略：绝对存活上限与空闲超时同时生效
func TicketGranting(maxTimeToLive, timeToKill time.Duration) Policy {
	return All(HardTimeout(maxTimeToLive), Timeout(timeToKill))
}

func (p all) IsExpired(state TicketState, now time.Time) bool {
	for _, sub := range p.policies {
		if sub.IsExpired(state, now) {
			return true
		}
	}
	return false
}

func (p all) TimeToLive(state TicketState, now time.Time) time.Duration {
	ttl := Infinite
	for _, sub := range p.policies {
		d := sub.TimeToLive(state, now)
		if d == Infinite {
			continue
		}
		if ttl == Infinite || d < ttl {
			ttl = d
		}
	}
	return ttl
}

func (p all) Definition() Definition {
	defs := make([]Definition, 0, len(p.policies))
	for _, sub := range p.policies {
		defs = append(defs, sub.Definition())
	}
	return Definition{Kind: KindAll, Policies: defs}
}

// UsageLimit 返回策略允许的最大使用次数，没有次数限制时返回 0
func UsageLimit(p Policy) int {
	switch v := p.(type) {
	case multiTimeUseOrTimeout:
		return v.numberOfUses
	case all:
		limit := 0
		for _, sub := range v.policies {
			if n := UsageLimit(sub); n > 0 && (limit == 0 || n < limit) {
				limit = n
			}
		}
		return limit
	}
	return 0
}
