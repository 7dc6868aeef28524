// Package serializer 票据与存储载荷之间的转换
package serializer

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/pu-ac-cn/uac-sso/internal/catalog"
	"github.com/pu-ac-cn/uac-sso/internal/expiration"
	"github.com/pu-ac-cn/uac-sso/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrUnknownTicketType = errors.New("无法识别的票据类型")
	ErrMalformedPayload  = errors.New("票据载荷格式错误")
)

// envelope 载荷内层结构
// 过期策略以描述形式单独保存，父票据只保存 ID
type envelope struct {
	Policy *expiration.Definition `json:"policy,omitempty"`
	Ticket jsoniter.RawMessage    `json:"ticket"`
}

// Serializer 按目录分派的票据序列化器
type Serializer struct {
	catalog *catalog.Catalog
}

// New 创建序列化器
func New(c *catalog.Catalog) *Serializer {
	return &Serializer{catalog: c}
}

// Serialize 返回类型名与 JSON 载荷
func (s *Serializer) Serialize(t model.Ticket) (string, []byte, error) {
	def, err := s.catalog.ForTicket(t)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnknownTicketType, err)
	}

	body, err := json.Marshal(t)
	if err != nil {
		return "", nil, fmt.Errorf("序列化票据失败: %w", err)
	}
	env := envelope{Ticket: body}
	if policy := t.GetExpirationPolicy(); policy != nil {
		d := policy.Definition()
		env.Policy = &d
	}

	data, err := json.Marshal(&env)
	if err != nil {
		return "", nil, fmt.Errorf("序列化票据失败: %w", err)
	}
	return def.Type, data, nil
}

// Deserialize 按类型名还原票据，未知类型返回 ErrUnknownTicketType
func (s *Serializer) Deserialize(typeName string, data []byte) (model.Ticket, error) {
	def, err := s.catalog.ByType(typeName)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTicketType, typeName)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(env.Ticket) == 0 {
		return nil, fmt.Errorf("%w: 缺少票据内容", ErrMalformedPayload)
	}

	t := def.Factory()
	if err := json.Unmarshal(env.Ticket, t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if t.GetType() != def.Type {
		return nil, fmt.Errorf("%w: 类型 %q 与载荷不符", ErrUnknownTicketType, typeName)
	}

	policy := def.DefaultPolicy
	if env.Policy != nil {
		if policy, err = expiration.FromDefinition(*env.Policy); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	t.SetExpirationPolicy(policy)
	return t, nil
}
