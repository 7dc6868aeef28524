// Package registry 票据注册中心
//
// 注册中心是票据持久化状态的唯一入口：负责摘要、加密、序列化，
// 读取时按过期策略（含父票据链）过滤，写入时使用版本号做乐观并发控制。
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-sso/internal/catalog"
	"github.com/pu-ac-cn/uac-sso/internal/cipher"
	"github.com/pu-ac-cn/uac-sso/internal/metrics"
	"github.com/pu-ac-cn/uac-sso/internal/model"
	"github.com/pu-ac-cn/uac-sso/internal/repository"
	"github.com/pu-ac-cn/uac-sso/internal/serializer"
)

const (
	DefaultMaxRetries    = 5
	DefaultMaxChainDepth = 16
)

// Config 注册中心配置
type Config struct {
	MaxRetries    int `mapstructure:"max_retries"`
	MaxChainDepth int `mapstructure:"max_chain_depth"`
}

// Predicate 读取过滤条件，nil 表示默认条件（票据及其父票据链均存活）
type Predicate func(model.Ticket) bool

// IgnoreExpiry 不按过期过滤
func IgnoreExpiry(model.Ticket) bool { return true }

// Option 可选项
type Option func(*Registry)

// WithClock 替换时钟，用于测试
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithMetrics 启用指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry 票据注册中心，并发安全，初始化后只读
type Registry struct {
	repo       repository.TicketRepository
	catalog    *catalog.Catalog
	serializer *serializer.Serializer

	idDigester        cipher.Digester
	principalDigester cipher.Digester
	attributeDigester cipher.Digester
	encrypter         cipher.Encrypter

	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
	cfg     Config
}

// New 创建注册中心
func New(repo repository.TicketRepository, c *catalog.Catalog, suite *cipher.Suite, logger *zap.Logger, cfg Config, opts ...Option) *Registry {
	if suite == nil {
		suite = cipher.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxChainDepth <= 0 {
		cfg.MaxChainDepth = DefaultMaxChainDepth
	}

	r := &Registry{
		repo:              repo,
		catalog:           c,
		serializer:        serializer.New(c),
		idDigester:        suite.Digester,
		principalDigester: cipher.WithDomain(suite.Digester, "principal"),
		attributeDigester: cipher.WithDomain(suite.Digester, "attribute"),
		encrypter:         suite.Encrypter,
		logger:            logger.Named("registry"),
		clock:             time.Now,
		cfg:               cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now 注册中心使用的当前时间
func (r *Registry) Now() time.Time {
	return r.clock()
}

// Catalog 票据类型目录
func (r *Registry) Catalog() *catalog.Catalog {
	return r.catalog
}

// locate 解析票据 ID 对应的存储位置与摘要键
func (r *Registry) locate(id string) (*catalog.TicketDefinition, string, error) {
	def, err := r.catalog.ByID(id)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidTicketType, err)
	}
	key, err := r.idDigester.Digest(id)
	if err != nil {
		return nil, "", err
	}
	return def, key, nil
}

// Add 写入新票据，ID 已存在时返回 ErrTicketCreation
func (r *Registry) Add(ctx context.Context, t model.Ticket) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTicketCreation, err)
	}
	rec, err := r.encode(t)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTicketCreation, err)
	}
	if err := r.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrRecordExists) {
			r.logger.Warn("票据 ID 冲突，拒绝覆盖", zap.String("key", rec.Key), zap.String("type", rec.Type))
		}
		return fmt.Errorf("%w: %w", ErrTicketCreation, err)
	}
	t.SetVersion(rec.Version)
	r.metrics.TicketAdded(rec.Type)
	return nil
}

// Get 按 ID 读取票据，不满足 predicate 时返回 ErrTicketNotFound
func (r *Registry) Get(ctx context.Context, id string, predicate Predicate) (model.Ticket, error) {
	t, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.accept(ctx, t, predicate) {
		return nil, ErrTicketNotFound
	}
	return t, nil
}

// load 读取并解码，不做过期判断
func (r *Registry) load(ctx context.Context, id string) (model.Ticket, error) {
	def, key, err := r.locate(id)
	if err != nil {
		if errors.Is(err, cipher.ErrCipher) {
			// 摘要失败时按未找到处理，不回退明文查询
			r.logger.Error("票据 ID 摘要失败", zap.Error(err))
			return nil, ErrTicketNotFound
		}
		return nil, err
	}

	rec, err := r.repo.Find(ctx, def.StorageName, key)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.decode(rec)
}

func (r *Registry) accept(ctx context.Context, t model.Ticket, predicate Predicate) bool {
	if predicate != nil {
		return predicate(t)
	}
	return r.IsAlive(ctx, t)
}

// IsAlive 票据自身及其父票据链在当前时刻均未过期
// 父票据缺失或链长超过上限均视为失效
func (r *Registry) IsAlive(ctx context.Context, t model.Ticket) bool {
	now := r.Now()
	current := t
	for depth := 0; ; depth++ {
		if current.IsExpiredAt(now) {
			return false
		}
		parentID := current.GetGrantingTicketID()
		if parentID == "" {
			return true
		}
		if depth >= r.cfg.MaxChainDepth {
			r.logger.Warn("票据链超过最大深度", zap.String("type", t.GetType()), zap.Int("depth", depth))
			return false
		}
		parent, err := r.load(ctx, parentID)
		if err != nil {
			return false
		}
		current = parent
	}
}

// Update 按版本号覆盖票据
// 票据已不存在返回 ErrTicketNotFound，版本冲突返回 ErrContention
func (r *Registry) Update(ctx context.Context, t model.Ticket) (model.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := r.encode(t)
	if err != nil {
		return nil, err
	}
	err = r.repo.CompareAndSwap(ctx, rec, t.GetVersion())
	switch {
	case errors.Is(err, repository.ErrRecordNotFound):
		return nil, ErrTicketNotFound
	case errors.Is(err, repository.ErrVersionConflict):
		return nil, ErrContention
	case err != nil:
		return nil, err
	}
	t.SetVersion(rec.Version)
	return t, nil
}

// Modify 读取存活票据并执行 fn 后写回，版本冲突时重新读取重试
// fn 返回错误则放弃修改；重试次数用尽返回 ErrContention
func (r *Registry) Modify(ctx context.Context, id string, fn func(model.Ticket) error) (model.Ticket, error) {
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := r.Get(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		if err := fn(t); err != nil {
			return nil, err
		}
		updated, err := r.Update(ctx, t)
		if errors.Is(err, ErrContention) {
			r.metrics.ContentionRetry()
			r.logger.Debug("票据版本冲突，重试", zap.String("type", t.GetType()), zap.Int("attempt", attempt+1))
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("%w: 重试 %d 次后仍冲突", ErrContention, r.cfg.MaxRetries)
}

// Take 原子地取出票据，并发调用中只有一个能拿到
// 取出的票据已从存储中删除；若已过期返回 ErrTicketNotFound
func (r *Registry) Take(ctx context.Context, id string) (model.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, key, err := r.locate(id)
	if err != nil {
		if errors.Is(err, cipher.ErrCipher) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}

	rec, err := r.repo.Take(ctx, def.StorageName, key)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	r.metrics.TicketsRemoved(rec.Type, 1)

	t, err := r.decode(rec)
	if err != nil {
		return nil, err
	}
	if !r.IsAlive(ctx, t) {
		return nil, ErrTicketNotFound
	}
	return t, nil
}

// CompareAndDelete 票据版本未变时删除
func (r *Registry) CompareAndDelete(ctx context.Context, t model.Ticket) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	def, key, err := r.locate(t.GetID())
	if err != nil {
		return false, err
	}
	deleted, err := r.repo.CompareAndDelete(ctx, def.StorageName, key, t.GetVersion())
	if deleted {
		r.metrics.TicketsRemoved(def.Type, 1)
	}
	return deleted, err
}

// Delete 删除票据及其全部子票据，返回实际删除条数
// 子票据删除失败只记录日志，不中断
func (r *Registry) Delete(ctx context.Context, id string) (int, error) {
	return r.deleteCascade(ctx, id, 0)
}

type parentTicket interface {
	ChildTicketIDs() []string
}

func (r *Registry) deleteCascade(ctx context.Context, id string, depth int) (int, error) {
	def, key, err := r.locate(id)
	if err != nil {
		return 0, err
	}

	removed := 0
	rec, err := r.repo.Find(ctx, def.StorageName, key)
	switch {
	case errors.Is(err, repository.ErrRecordNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	}

	if t, err := r.decode(rec); err != nil {
		r.logger.Warn("解码票据失败，跳过子票据", zap.String("key", key), zap.Error(err))
	} else if parent, ok := t.(parentTicket); ok {
		if depth >= r.cfg.MaxChainDepth {
			r.logger.Warn("级联删除超过最大深度", zap.String("key", key), zap.Int("depth", depth))
		} else {
			for _, childID := range parent.ChildTicketIDs() {
				n, err := r.deleteCascade(ctx, childID, depth+1)
				if err != nil {
					r.logger.Warn("删除子票据失败", zap.String("parent", key), zap.String("type", def.Type), zap.Error(err))
				}
				removed += n
			}
		}
	}

	n, err := r.repo.Delete(ctx, def.StorageName, key)
	if err != nil {
		return removed, err
	}
	r.metrics.TicketsRemoved(def.Type, int(n))
	return removed + int(n), nil
}

// DeleteAll 清空注册中心
func (r *Registry) DeleteAll(ctx context.Context) (int, error) {
	n, err := r.repo.DeleteAll(ctx)
	if err != nil {
		return int(n), err
	}
	r.logger.Info("已清空票据注册中心", zap.Int64("removed", n))
	return int(n), nil
}

// Stream 流式遍历全部票据，predicate 为 nil 时只返回存活票据
// 单条记录解码失败记录日志后跳过
func (r *Registry) Stream(ctx context.Context, predicate Predicate) iter.Seq2[model.Ticket, error] {
	return r.stream(ctx, repository.ScanFilter{}, predicate)
}

func (r *Registry) stream(ctx context.Context, filter repository.ScanFilter, predicate Predicate) iter.Seq2[model.Ticket, error] {
	return func(yield func(model.Ticket, error) bool) {
		for rec, err := range r.repo.Scan(ctx, filter) {
			if err != nil {
				yield(nil, err)
				return
			}
			t, err := r.decode(rec)
			if err != nil {
				r.logger.Warn("解码票据失败，跳过", zap.String("key", rec.Key), zap.Error(err))
				continue
			}
			if !r.accept(ctx, t, predicate) {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

// GetTickets 返回全部存活票据
func (r *Registry) GetTickets(ctx context.Context) ([]model.Ticket, error) {
	var tickets []model.Ticket
	for t, err := range r.Stream(ctx, nil) {
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].GetID() < tickets[j].GetID() })
	return tickets, nil
}

func (r *Registry) sessionStorages() []string {
	var names []string
	for _, def := range r.catalog.ByCategory(catalog.CategorySession) {
		names = append(names, def.StorageName)
	}
	return names
}

// SessionsFor 按主体查询存活会话
func (r *Registry) SessionsFor(ctx context.Context, principalID string) iter.Seq2[*model.TicketGrantingTicket, error] {
	return func(yield func(*model.TicketGrantingTicket, error) bool) {
		if principalID == "" {
			return
		}
		digest, err := r.principalDigester.Digest(principalID)
		if err != nil {
			return
		}
		filter := repository.ScanFilter{StorageNames: r.sessionStorages(), PrincipalDigest: digest}
		for t, err := range r.stream(ctx, filter, nil) {
			if err != nil {
				yield(nil, err)
				return
			}
			tgt, ok := t.(*model.TicketGrantingTicket)
			if !ok || tgt.Authentication == nil || tgt.Authentication.Principal.ID != principalID {
				continue
			}
			if !yield(tgt, nil) {
				return
			}
		}
	}
}

// SessionsWithAttributes 按属性查询存活会话，键间 AND、键内 OR
func (r *Registry) SessionsWithAttributes(ctx context.Context, query map[string][]string) iter.Seq2[*model.TicketGrantingTicket, error] {
	return func(yield func(*model.TicketGrantingTicket, error) bool) {
		digested := make(map[string][]string, len(query))
		for name, values := range query {
			for _, v := range values {
				d, err := r.attributeDigester.Digest(attributeToken(name, v))
				if err != nil {
					return
				}
				digested[name] = append(digested[name], d)
			}
		}

		filter := repository.ScanFilter{StorageNames: r.sessionStorages(), Attributes: digested}
		for t, err := range r.stream(ctx, filter, nil) {
			if err != nil {
				yield(nil, err)
				return
			}
			tgt, ok := t.(*model.TicketGrantingTicket)
			if !ok || tgt.Authentication == nil || !tgt.Authentication.MatchesAttributes(query) {
				continue
			}
			if !yield(tgt, nil) {
				return
			}
		}
	}
}

// SessionCount 会话数（含已过期未清理的记录）
func (r *Registry) SessionCount(ctx context.Context) (int64, error) {
	return r.countCategory(ctx, catalog.CategorySession)
}

// ServiceTicketCount 服务票据数（ST 与 PT）
func (r *Registry) ServiceTicketCount(ctx context.Context) (int64, error) {
	return r.countCategory(ctx, catalog.CategoryService)
}

func (r *Registry) countCategory(ctx context.Context, category catalog.Category) (int64, error) {
	var total int64
	for _, def := range r.catalog.ByCategory(category) {
		n, err := r.repo.Count(ctx, def.StorageName)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ChainedAuthentications 沿父票据链收集认证信息，由近到远，最后一个为根 TGT
func (r *Registry) ChainedAuthentications(ctx context.Context, t model.Ticket) ([]*model.Authentication, error) {
	var chain []*model.Authentication
	id := t.GetGrantingTicketID()
	if tgt := asGrantingTicket(t); tgt != nil {
		chain = append(chain, tgt.Authentication)
		id = tgt.ParentTicketID
	}

	for depth := 0; id != ""; depth++ {
		if depth >= r.cfg.MaxChainDepth {
			return nil, fmt.Errorf("%w: 票据链超过最大深度", ErrTicketNotFound)
		}
		parent, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		tgt := asGrantingTicket(parent)
		if tgt == nil {
			return nil, fmt.Errorf("%w: 父票据不是授权票据", ErrInvalidTicketType)
		}
		chain = append(chain, tgt.Authentication)
		id = tgt.ParentTicketID
	}
	return chain, nil
}

func asGrantingTicket(t model.Ticket) *model.TicketGrantingTicket {
	switch v := t.(type) {
	case *model.TicketGrantingTicket:
		return v
	case *model.ProxyGrantingTicket:
		return &v.TicketGrantingTicket
	}
	return nil
}

// Reap 重新读取票据，确认已过期后按版本删除
// 扫描与删除之间被续期的票据版本已变化，不会被删除
func (r *Registry) Reap(ctx context.Context, id string) (bool, error) {
	t, err := r.load(ctx, id)
	if errors.Is(err, ErrTicketNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if r.IsAlive(ctx, t) {
		return false, nil
	}
	return r.CompareAndDelete(ctx, t)
}
