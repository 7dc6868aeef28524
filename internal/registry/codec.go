package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pu-ac-cn/uac-sso/internal/expiration"
	"github.com/pu-ac-cn/uac-sso/internal/model"
	"github.com/pu-ac-cn/uac-sso/internal/serializer"
)

// attributeToken 属性名与值拼接后摘要，避免不同属性的相同值产生相同索引
func attributeToken(name, value string) string {
	return name + "\x00" + value
}

// encode 票据 -> 存储记录：序列化、加密，计算查询字段摘要与建议过期时间
func (r *Registry) encode(t model.Ticket) (*model.TicketRecord, error) {
	def, key, err := r.locate(t.GetID())
	if err != nil {
		return nil, err
	}
	if def.Type != t.GetType() {
		return nil, fmt.Errorf("%w: ID 前缀与类型 %s 不符", ErrInvalidTicketType, t.GetType())
	}

	typeName, payload, err := r.serializer.Serialize(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicketType, err)
	}
	payload, err = r.encrypter.Encrypt(payload, []byte(key))
	if err != nil {
		return nil, err
	}

	rec := &model.TicketRecord{
		Key:         key,
		Type:        typeName,
		StorageName: def.StorageName,
		Payload:     payload,
		Version:     t.GetVersion(),
	}

	now := r.Now()
	if ttl := model.TimeToLive(t, now); ttl != expiration.Infinite {
		expireAt := now.Add(ttl)
		rec.ExpireAt = &expireAt
	}

	switch v := t.(type) {
	case *model.TicketGrantingTicket:
		if err := r.indexSession(rec, v.Authentication); err != nil {
			return nil, err
		}
	case *model.ProxyGrantingTicket:
		if v.Authentication != nil && v.Authentication.Principal.ID != "" {
			if rec.PrincipalDigest, err = r.principalDigester.Digest(v.Authentication.Principal.ID); err != nil {
				return nil, err
			}
		}
	case *model.ServiceTicket:
		if rec.ServiceDigest, err = r.idDigester.Digest(v.Service.ID); err != nil {
			return nil, err
		}
	case *model.ProxyTicket:
		if rec.ServiceDigest, err = r.idDigester.Digest(v.Service.ID); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// indexSession 为会话写入主体与属性索引
func (r *Registry) indexSession(rec *model.TicketRecord, auth *model.Authentication) error {
	if auth == nil {
		return nil
	}
	if auth.Principal.ID != "" {
		digest, err := r.principalDigester.Digest(auth.Principal.ID)
		if err != nil {
			return err
		}
		rec.PrincipalDigest = digest
	}

	attrs := auth.AllAttributes()
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		seen := make(map[string]struct{}, len(attrs[name]))
		for _, value := range attrs[name] {
			if _, dup := seen[value]; dup {
				continue
			}
			seen[value] = struct{}{}
			d, err := r.attributeDigester.Digest(attributeToken(name, value))
			if err != nil {
				return err
			}
			rec.Attributes = append(rec.Attributes, model.AttributeIndex{Name: name, Value: d})
		}
	}
	return nil
}

// decode 存储记录 -> 票据：解密、反序列化，并带回版本号
func (r *Registry) decode(rec *model.TicketRecord) (model.Ticket, error) {
	payload, err := r.encrypter.Decrypt(rec.Payload, []byte(rec.Key))
	if err != nil {
		return nil, err
	}
	t, err := r.serializer.Deserialize(rec.Type, payload)
	if err != nil {
		if errors.Is(err, serializer.ErrUnknownTicketType) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTicketType, err)
		}
		return nil, err
	}
	t.SetVersion(rec.Version)
	return t, nil
}
