package model

import "time"

// Principal 已认证主体
type Principal struct {
	ID         string              `json:"id"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// Authentication 一次认证的结果，由认证层产出
type Authentication struct {
	Principal          Principal           `json:"principal"`
	Attributes         map[string][]string `json:"attributes,omitempty"`
	AuthenticationDate time.Time           `json:"authenticationDate"`
}

// AllAttributes 合并主体属性与认证属性，用于会话属性查询
func (a *Authentication) AllAttributes() map[string][]string {
	merged := make(map[string][]string, len(a.Principal.Attributes)+len(a.Attributes))
	for k, v := range a.Principal.Attributes {
		merged[k] = append(merged[k], v...)
	}
	for k, v := range a.Attributes {
		merged[k] = append(merged[k], v...)
	}
	return merged
}

// MatchesAttributes 键间 AND、键内 OR
func (a *Authentication) MatchesAttributes(query map[string][]string) bool {
	attrs := a.AllAttributes()
	for name, wanted := range query {
		values, ok := attrs[name]
		if !ok || !containsAny(values, wanted) {
			return false
		}
	}
	return true
}

func containsAny(values, wanted []string) bool {
	for _, w := range wanted {
		for _, v := range values {
			if v == w {
				return true
			}
		}
	}
	return false
}

// Service 票据的目标服务
type Service struct {
	ID string `json:"id"`
}

// Matches 服务标识精确匹配
func (s Service) Matches(other Service) bool {
	return s.ID != "" && s.ID == other.ID
}

// Assertion 票据校验结果
// ChainedAuthentications 按代理链从近到远排列，最后一个是根 TGT 的认证
type Assertion struct {
	PrimaryAuthentication  *Authentication   `json:"primaryAuthentication"`
	ChainedAuthentications []*Authentication `json:"chainedAuthentications"`
	Service                Service           `json:"service"`
	FromNewLogin           bool              `json:"fromNewLogin"`
}

// ChainedPrincipals 返回代理链上的主体 ID
func (a *Assertion) ChainedPrincipals() []string {
	ids := make([]string, 0, len(a.ChainedAuthentications))
	for _, auth := range a.ChainedAuthentications {
		ids = append(ids, auth.Principal.ID)
	}
	return ids
}
