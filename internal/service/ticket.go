// Package service 业务逻辑层
package service

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-sso/internal/expiration"
	"github.com/pu-ac-cn/uac-sso/internal/idgen"
	"github.com/pu-ac-cn/uac-sso/internal/metrics"
	"github.com/pu-ac-cn/uac-sso/internal/model"
	"github.com/pu-ac-cn/uac-sso/internal/registry"
)

var (
	ErrInvalidAuthentication = errors.New("认证信息无效")
	ErrInvalidService        = errors.New("服务标识无效")

	errNothingToUndo = errors.New("无需撤销")
)

// IDGenerator 票据 ID 生成器
type IDGenerator interface {
	Generate(prefix string) (string, error)
}

// TicketService 票据签发与校验
type TicketService interface {
	// 会话（TGT）
	CreateTicketGrantingTicket(ctx context.Context, auth *model.Authentication) (*model.TicketGrantingTicket, error)
	GetTicketGrantingTicket(ctx context.Context, tgtID string) (*model.TicketGrantingTicket, error)
	DestroyTicketGrantingTicket(ctx context.Context, tgtID string) (map[string]model.Service, error)
	ExpireTicket(ctx context.Context, ticketID string) error

	// 服务票据与代理（CAS 协议）
	GrantServiceTicket(ctx context.Context, tgtID string, service model.Service) (*model.ServiceTicket, error)
	ValidateServiceTicket(ctx context.Context, ticketID string, service model.Service) (*model.Assertion, error)
	CreateProxyGrantingTicket(ctx context.Context, serviceTicketID, proxyCallbackURL string) (*model.ProxyGrantingTicket, error)
	GrantProxyTicket(ctx context.Context, pgtID string, service model.Service) (*model.ProxyTicket, error)

	// OAuth 授权码
	GrantOAuthCode(ctx context.Context, tgtID, clientID, redirectURI string, scopes []string) (*model.OAuthCode, error)
	ExchangeOAuthCode(ctx context.Context, codeID, clientID, redirectURI string) (*model.AccessToken, error)
	ValidateAccessToken(ctx context.Context, tokenID string) (*model.Authentication, error)

	// 管理
	SessionsFor(ctx context.Context, principalID string) ([]*model.TicketGrantingTicket, error)
	SessionsWithAttributes(ctx context.Context, query map[string][]string) ([]*model.TicketGrantingTicket, error)
	SessionCount(ctx context.Context) (int64, error)
	ServiceTicketCount(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) (int, error)
}

// TicketServiceConfig 票据服务配置
type TicketServiceConfig struct {
	// OnlyTrackMostRecentSession 同一服务只保留最近一次签发的记录
	OnlyTrackMostRecentSession bool
	MaxRetries                 int
	Metrics                    *metrics.Metrics
}

type ticketService struct {
	registry *registry.Registry
	ids      IDGenerator
	logger   *zap.Logger
	config   *TicketServiceConfig
}

// NewTicketService 创建票据服务
func NewTicketService(reg *registry.Registry, ids IDGenerator, logger *zap.Logger, config *TicketServiceConfig) TicketService {
	if config == nil {
		config = &TicketServiceConfig{}
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = registry.DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ticketService{
		registry: reg,
		ids:      ids,
		logger:   logger.Named("ticket"),
		config:   config,
	}
}

// policyFor 票据类型的默认过期策略
func (s *ticketService) policyFor(ticketType string) (expiration.Policy, error) {
	def, err := s.registry.Catalog().ByType(ticketType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrInvalidTicketType, err)
	}
	return def.DefaultPolicy, nil
}

func (s *ticketService) newID(prefix string) (string, error) {
	id, err := s.ids.Generate(prefix)
	if err != nil {
		return "", fmt.Errorf("%w: %v", registry.ErrTicketCreation, err)
	}
	return id, nil
}

// CreateTicketGrantingTicket 登录成功后创建 TGT
func (s *ticketService) CreateTicketGrantingTicket(ctx context.Context, auth *model.Authentication) (*model.TicketGrantingTicket, error) {
	if auth == nil || auth.Principal.ID == "" {
		return nil, ErrInvalidAuthentication
	}
	policy, err := s.policyFor(model.TypeTicketGrantingTicket)
	if err != nil {
		return nil, err
	}
	id, err := s.newID(model.PrefixTicketGrantingTicket)
	if err != nil {
		return nil, err
	}

	now := s.registry.Now()
	if auth.AuthenticationDate.IsZero() {
		auth.AuthenticationDate = now
	}
	tgt := model.NewTicketGrantingTicket(id, auth, policy, now)
	if err := s.registry.Add(ctx, tgt); err != nil {
		return nil, err
	}
	return tgt, nil
}

// GetTicketGrantingTicket 读取存活的 TGT
func (s *ticketService) GetTicketGrantingTicket(ctx context.Context, tgtID string) (*model.TicketGrantingTicket, error) {
	t, err := s.registry.Get(ctx, tgtID, nil)
	if err != nil {
		return nil, err
	}
	tgt, ok := t.(*model.TicketGrantingTicket)
	if !ok {
		return nil, registry.ErrInvalidTicketType
	}
	return tgt, nil
}

// DestroyTicketGrantingTicket 注销会话，级联删除全部子票据
// 返回会话访问过的服务，用于单点登出通知；会话不存在时返回空集合
func (s *ticketService) DestroyTicketGrantingTicket(ctx context.Context, tgtID string) (map[string]model.Service, error) {
	services := make(map[string]model.Service)

	t, err := s.registry.Get(ctx, tgtID, registry.IgnoreExpiry)
	if errors.Is(err, registry.ErrTicketNotFound) {
		return services, nil
	}
	if err != nil {
		return nil, err
	}
	if tgt := grantingTicketOf(t); tgt != nil {
		maps.Copy(services, tgt.Services)
	}

	removed, err := s.registry.Delete(ctx, tgtID)
	if err != nil {
		return services, err
	}
	s.logger.Info("会话已注销", zap.Int("removed", removed), zap.Int("services", len(services)))
	return services, nil
}

// ExpireTicket 显式使票据失效，不依赖其过期策略
func (s *ticketService) ExpireTicket(ctx context.Context, ticketID string) error {
	_, err := s.registry.Modify(ctx, ticketID, func(t model.Ticket) error {
		t.MarkExpired()
		return nil
	})
	return err
}

// GrantServiceTicket 由 TGT 签发 ST
func (s *ticketService) GrantServiceTicket(ctx context.Context, tgtID string, service model.Service) (*model.ServiceTicket, error) {
	if service.ID == "" {
		return nil, ErrInvalidService
	}
	policy, err := s.policyFor(model.TypeServiceTicket)
	if err != nil {
		return nil, err
	}
	id, err := s.newID(model.PrefixServiceTicket)
	if err != nil {
		return nil, err
	}

	var st *model.ServiceTicket
	_, err = s.registry.Modify(ctx, tgtID, func(t model.Ticket) error {
		tgt, ok := t.(*model.TicketGrantingTicket)
		if !ok {
			return fmt.Errorf("%w: %s 不能签发服务票据", registry.ErrInvalidTicketType, t.GetType())
		}
		st = tgt.GrantServiceTicket(id, service, policy, s.registry.Now(), s.config.OnlyTrackMostRecentSession)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.registry.Add(ctx, st); err != nil {
		s.undoGrant(ctx, tgtID, st.ID)
		return nil, err
	}
	return st, nil
}

// GrantProxyTicket 由 PGT 签发 PT
func (s *ticketService) GrantProxyTicket(ctx context.Context, pgtID string, service model.Service) (*model.ProxyTicket, error) {
	if service.ID == "" {
		return nil, ErrInvalidService
	}
	policy, err := s.policyFor(model.TypeProxyTicket)
	if err != nil {
		return nil, err
	}
	id, err := s.newID(model.PrefixProxyTicket)
	if err != nil {
		return nil, err
	}

	var pt *model.ProxyTicket
	_, err = s.registry.Modify(ctx, pgtID, func(t model.Ticket) error {
		pgt, ok := t.(*model.ProxyGrantingTicket)
		if !ok {
			return fmt.Errorf("%w: %s 不能签发代理票据", registry.ErrInvalidTicketType, t.GetType())
		}
		pt = pgt.GrantProxyTicket(id, service, policy, s.registry.Now(), s.config.OnlyTrackMostRecentSession)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.registry.Add(ctx, pt); err != nil {
		s.undoGrant(ctx, pgtID, pt.ID)
		return nil, err
	}
	return pt, nil
}

// CreateProxyGrantingTicket 基于存活的 ST/PT 派生 PGT，每张票据只能派生一次
// 需在校验（消费）该票据之前调用
func (s *ticketService) CreateProxyGrantingTicket(ctx context.Context, serviceTicketID, proxyCallbackURL string) (*model.ProxyGrantingTicket, error) {
	if proxyCallbackURL == "" {
		return nil, ErrInvalidService
	}
	policy, err := s.policyFor(model.TypeProxyGrantingTicket)
	if err != nil {
		return nil, err
	}
	pgtID, err := s.newID(model.PrefixProxyGrantingTicket)
	if err != nil {
		return nil, err
	}
	iou, err := s.newID(model.PrefixProxyGrantingTicketIou)
	if err != nil {
		return nil, err
	}

	var pgt *model.ProxyGrantingTicket
	_, err = s.registry.Modify(ctx, serviceTicketID, func(t model.Ticket) error {
		st := serviceTicketOf(t)
		if st == nil {
			return fmt.Errorf("%w: %s 不能派生 PGT", registry.ErrInvalidTicketType, t.GetType())
		}
		now := s.registry.Now()
		auth := &model.Authentication{
			Principal:          model.Principal{ID: proxyCallbackURL},
			AuthenticationDate: now,
		}
		granted, err := st.GrantProxyGrantingTicket(pgtID, iou, auth, policy, now)
		if errors.Is(err, model.ErrProxyGrantingTicketGranted) {
			return fmt.Errorf("%w: %v", registry.ErrTicketAlreadyConsumed, err)
		}
		pgt = granted
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.registry.Add(ctx, pgt); err != nil {
		s.releaseServiceTicket(ctx, serviceTicketID)
		return nil, err
	}

	_, err = s.registry.Modify(ctx, pgt.ParentTicketID, func(t model.Ticket) error {
		parent := grantingTicketOf(t)
		if parent == nil {
			return fmt.Errorf("%w: 父票据 %s", registry.ErrInvalidTicketType, t.GetType())
		}
		parent.AddProxyGrantingTicket(pgt.ID, pgt.ProxiedBy)
		return nil
	})
	if err != nil {
		// 挂接父票据失败，撤销 PGT 并恢复 ST 的派生资格
		if _, delErr := s.registry.Delete(context.WithoutCancel(ctx), pgt.ID); delErr != nil {
			s.logger.Warn("回滚 PGT 失败", zap.Error(delErr))
		}
		s.releaseServiceTicket(ctx, serviceTicketID)
		return nil, err
	}
	return pgt, nil
}

// undoGrant 子票据写入失败后撤销父票据上的签发记录
// 调用方上下文可能已取消，补偿操作不受其影响
func (s *ticketService) undoGrant(ctx context.Context, parentID, childID string) {
	_, err := s.registry.Modify(context.WithoutCancel(ctx), parentID, func(t model.Ticket) error {
		parent := grantingTicketOf(t)
		if parent == nil || !parent.UndoGrant(childID) {
			return errNothingToUndo
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNothingToUndo) && !errors.Is(err, registry.ErrTicketNotFound) {
		s.logger.Warn("撤销子票据签发记录失败", zap.String("type", idgen.Prefix(childID)), zap.Error(err))
	}
}

func (s *ticketService) releaseServiceTicket(ctx context.Context, serviceTicketID string) {
	_, err := s.registry.Modify(context.WithoutCancel(ctx), serviceTicketID, func(t model.Ticket) error {
		st := serviceTicketOf(t)
		if st == nil {
			return registry.ErrInvalidTicketType
		}
		st.ReleaseProxyGrantingTicket()
		return nil
	})
	if err != nil && !errors.Is(err, registry.ErrTicketNotFound) {
		s.logger.Warn("恢复票据派生资格失败", zap.Error(err))
	}
}

// ValidateServiceTicket 校验并消费 ST/PT
// 一次性票据通过原子取出保证并发下只有一个调用方成功；
// 多次使用的票据按版本号递增使用次数，最后一次使用时按版本删除
func (s *ticketService) ValidateServiceTicket(ctx context.Context, ticketID string, service model.Service) (*model.Assertion, error) {
	def, err := s.registry.Catalog().ByID(ticketID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrInvalidTicketType, err)
	}
	if def.Type != model.TypeServiceTicket && def.Type != model.TypeProxyTicket {
		return nil, fmt.Errorf("%w: %s 不是服务票据", registry.ErrInvalidTicketType, def.Type)
	}

	st, err := s.consume(ctx, ticketID)
	if err == nil && !st.IsValidFor(service) {
		err = fmt.Errorf("%w: 签发给 %s，校验服务为 %s", registry.ErrServiceMismatch, st.Service.ID, service.ID)
	}
	if err != nil {
		s.config.Metrics.Validation(def.Type, outcomeOf(err))
		return nil, err
	}

	chain, err := s.registry.ChainedAuthentications(ctx, st)
	if err != nil {
		s.config.Metrics.Validation(def.Type, outcomeOf(err))
		return nil, err
	}
	s.config.Metrics.Validation(def.Type, "success")
	return &model.Assertion{
		PrimaryAuthentication:  chain[len(chain)-1],
		ChainedAuthentications: chain,
		Service:                st.Service,
		FromNewLogin:           st.FromNewLogin,
	}, nil
}

func (s *ticketService) consumeOnce(ctx context.Context, ticketID string) (*model.ServiceTicket, error) {
	t, err := s.registry.Take(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	st := serviceTicketOf(t)
	if st == nil {
		return nil, registry.ErrInvalidTicketType
	}
	st.Update(s.registry.Now())
	return st, nil
}

// consume 按票据自身携带的策略选择消费方式，签发后修改的类型默认策略不影响已签发票据
func (s *ticketService) consume(ctx context.Context, ticketID string) (*model.ServiceTicket, error) {
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		t, err := s.registry.Get(ctx, ticketID, nil)
		if err != nil {
			return nil, err
		}
		st := serviceTicketOf(t)
		if st == nil {
			return nil, registry.ErrInvalidTicketType
		}
		if expiration.UsageLimit(st.GetExpirationPolicy()) == 1 {
			return s.consumeOnce(ctx, ticketID)
		}

		now := s.registry.Now()
		st.Update(now)
		if st.IsExpiredAt(now) {
			deleted, err := s.registry.CompareAndDelete(ctx, t)
			if err != nil {
				return nil, err
			}
			if deleted {
				return st, nil
			}
		} else {
			_, err := s.registry.Update(ctx, t)
			if err == nil {
				return st, nil
			}
			if !errors.Is(err, registry.ErrContention) {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: 重试 %d 次后仍冲突", registry.ErrContention, s.config.MaxRetries)
}

// GrantOAuthCode 由 TGT 签发 OAuth 授权码
func (s *ticketService) GrantOAuthCode(ctx context.Context, tgtID, clientID, redirectURI string, scopes []string) (*model.OAuthCode, error) {
	if clientID == "" || redirectURI == "" {
		return nil, ErrInvalidService
	}
	policy, err := s.policyFor(model.TypeOAuthCode)
	if err != nil {
		return nil, err
	}
	id, err := s.newID(model.PrefixOAuthCode)
	if err != nil {
		return nil, err
	}

	var code *model.OAuthCode
	_, err = s.registry.Modify(ctx, tgtID, func(t model.Ticket) error {
		tgt, ok := t.(*model.TicketGrantingTicket)
		if !ok {
			return fmt.Errorf("%w: %s 不能签发授权码", registry.ErrInvalidTicketType, t.GetType())
		}
		code = tgt.GrantOAuthCode(id, clientID, redirectURI, scopes, policy, s.registry.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.registry.Add(ctx, code); err != nil {
		s.undoGrant(ctx, tgtID, code.ID)
		return nil, err
	}
	return code, nil
}

// ExchangeOAuthCode 用授权码换取访问令牌，授权码一次性使用
func (s *ticketService) ExchangeOAuthCode(ctx context.Context, codeID, clientID, redirectURI string) (*model.AccessToken, error) {
	if def, err := s.registry.Catalog().ByID(codeID); err != nil || def.Type != model.TypeOAuthCode {
		return nil, registry.ErrInvalidTicketType
	}
	t, err := s.registry.Take(ctx, codeID)
	if err != nil {
		s.config.Metrics.Validation(model.TypeOAuthCode, outcomeOf(err))
		return nil, err
	}
	code, ok := t.(*model.OAuthCode)
	if !ok {
		return nil, registry.ErrInvalidTicketType
	}
	if code.ClientID != clientID || code.RedirectURI != redirectURI {
		s.config.Metrics.Validation(model.TypeOAuthCode, "mismatch")
		return nil, fmt.Errorf("%w: 客户端或回调地址不一致", registry.ErrServiceMismatch)
	}

	policy, err := s.policyFor(model.TypeAccessToken)
	if err != nil {
		return nil, err
	}
	id, err := s.newID(model.PrefixAccessToken)
	if err != nil {
		return nil, err
	}

	var token *model.AccessToken
	_, err = s.registry.Modify(ctx, code.TicketGrantingTicketID, func(t model.Ticket) error {
		tgt, ok := t.(*model.TicketGrantingTicket)
		if !ok {
			return registry.ErrInvalidTicketType
		}
		tgt.RemoveChild(code.ID)
		token = tgt.GrantAccessToken(id, code, policy, s.registry.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.registry.Add(ctx, token); err != nil {
		s.undoGrant(ctx, code.TicketGrantingTicketID, token.ID)
		return nil, err
	}
	s.config.Metrics.Validation(model.TypeOAuthCode, "success")
	return token, nil
}

// ValidateAccessToken 校验访问令牌并刷新其最后使用时间
func (s *ticketService) ValidateAccessToken(ctx context.Context, tokenID string) (*model.Authentication, error) {
	def, err := s.registry.Catalog().ByID(tokenID)
	if err != nil || def.Type != model.TypeAccessToken {
		return nil, registry.ErrInvalidTicketType
	}

	t, err := s.registry.Modify(ctx, tokenID, func(t model.Ticket) error {
		t.Update(s.registry.Now())
		return nil
	})
	if err != nil {
		s.config.Metrics.Validation(model.TypeAccessToken, outcomeOf(err))
		return nil, err
	}

	chain, err := s.registry.ChainedAuthentications(ctx, t)
	if err != nil {
		return nil, err
	}
	s.config.Metrics.Validation(model.TypeAccessToken, "success")
	return chain[len(chain)-1], nil
}

// SessionsFor 主体的全部存活会话
func (s *ticketService) SessionsFor(ctx context.Context, principalID string) ([]*model.TicketGrantingTicket, error) {
	var sessions []*model.TicketGrantingTicket
	for tgt, err := range s.registry.SessionsFor(ctx, principalID) {
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, tgt)
	}
	return sessions, nil
}

// SessionsWithAttributes 按属性查询存活会话
func (s *ticketService) SessionsWithAttributes(ctx context.Context, query map[string][]string) ([]*model.TicketGrantingTicket, error) {
	var sessions []*model.TicketGrantingTicket
	for tgt, err := range s.registry.SessionsWithAttributes(ctx, query) {
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, tgt)
	}
	return sessions, nil
}

func (s *ticketService) SessionCount(ctx context.Context) (int64, error) {
	return s.registry.SessionCount(ctx)
}

func (s *ticketService) ServiceTicketCount(ctx context.Context) (int64, error) {
	return s.registry.ServiceTicketCount(ctx)
}

// DeleteAll 清空全部票据
func (s *ticketService) DeleteAll(ctx context.Context) (int, error) {
	return s.registry.DeleteAll(ctx)
}

func serviceTicketOf(t model.Ticket) *model.ServiceTicket {
	switch v := t.(type) {
	case *model.ServiceTicket:
		return v
	case *model.ProxyTicket:
		return &v.ServiceTicket
	}
	return nil
}

func grantingTicketOf(t model.Ticket) *model.TicketGrantingTicket {
	switch v := t.(type) {
	case *model.TicketGrantingTicket:
		return v
	case *model.ProxyGrantingTicket:
		return &v.TicketGrantingTicket
	}
	return nil
}

// outcomeOf 校验失败原因，作为指标标签
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, registry.ErrTicketNotFound):
		return "not_found"
	case errors.Is(err, registry.ErrTicketAlreadyConsumed):
		return "consumed"
	case errors.Is(err, registry.ErrServiceMismatch):
		return "mismatch"
	case errors.Is(err, registry.ErrContention):
		return "contention"
	case errors.Is(err, registry.ErrInvalidTicketType):
		return "invalid_type"
	default:
		return "error"
	}
}
