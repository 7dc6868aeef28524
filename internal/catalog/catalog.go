// Package catalog 票据类型目录
// 启动时构建一次，之后只读
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pu-ac-cn/uac-sso/internal/expiration"
	"github.com/pu-ac-cn/uac-sso/internal/model"
)

var (
	ErrUnknownTicketType = errors.New("未知的票据类型")
	ErrDuplicateType     = errors.New("票据类型重复注册")
)

// Category 票据类别，用于按类别计数
type Category string

const (
	CategorySession      Category = "session"
	CategoryProxySession Category = "proxy-session"
	CategoryService      Category = "service"
	CategoryOAuth        Category = "oauth"
)

// TicketDefinition 票据类型元数据
type TicketDefinition struct {
	Type          string
	Prefix        string
	StorageName   string
	Category      Category
	DefaultPolicy expiration.Policy
	// Factory 返回该类型的空实例，反序列化时使用
	Factory func() model.Ticket
}

// Catalog 票据类型目录
type Catalog struct {
	byType   map[string]*TicketDefinition
	byPrefix map[string]*TicketDefinition
	ordered  []*TicketDefinition
}

// New 由定义列表构建目录，类型或前缀重复时报错
func New(defs ...TicketDefinition) (*Catalog, error) {
	c := &Catalog{
		byType:   make(map[string]*TicketDefinition, len(defs)),
		byPrefix: make(map[string]*TicketDefinition, len(defs)),
	}
	for i := range defs {
		def := defs[i]
		if def.Type == "" || def.Prefix == "" || def.Factory == nil {
			return nil, fmt.Errorf("票据定义不完整: %+v", def)
		}
		if strings.Contains(def.Prefix, "-") {
			return nil, fmt.Errorf("票据前缀不能包含 '-': %s", def.Prefix)
		}
		if _, ok := c.byType[def.Type]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateType, def.Type)
		}
		if _, ok := c.byPrefix[def.Prefix]; ok {
			return nil, fmt.Errorf("%w: 前缀 %s", ErrDuplicateType, def.Prefix)
		}
		if def.StorageName == "" {
			def.StorageName = def.Type
		}
		if def.DefaultPolicy == nil {
			def.DefaultPolicy = expiration.NeverExpires()
		}
		c.byType[def.Type] = &def
		c.byPrefix[def.Prefix] = &def
		c.ordered = append(c.ordered, &def)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].Type < c.ordered[j].Type })
	return c, nil
}

// Default 内置票据类型目录
// overrides 以小写前缀（tgt、st、pgt、pt、oc、at）为键覆盖默认过期策略
func Default(overrides map[string]expiration.Definition) (*Catalog, error) {
	defs := []TicketDefinition{
		{
			Type:          model.TypeTicketGrantingTicket,
			Prefix:        model.PrefixTicketGrantingTicket,
			StorageName:   "ticketGrantingTicketsCache",
			Category:      CategorySession,
			DefaultPolicy: expiration.TicketGranting(8*time.Hour, 2*time.Hour),
			Factory:       func() model.Ticket { return &model.TicketGrantingTicket{} },
		},
		{
			Type:          model.TypeServiceTicket,
			Prefix:        model.PrefixServiceTicket,
			StorageName:   "serviceTicketsCache",
			Category:      CategoryService,
			DefaultPolicy: expiration.MultiTimeUseOrTimeout(1, 10*time.Second),
			Factory:       func() model.Ticket { return &model.ServiceTicket{} },
		},
		{
			Type:          model.TypeProxyGrantingTicket,
			Prefix:        model.PrefixProxyGrantingTicket,
			StorageName:   "proxyGrantingTicketsCache",
			Category:      CategoryProxySession,
			DefaultPolicy: expiration.TicketGranting(8*time.Hour, 2*time.Hour),
			Factory:       func() model.Ticket { return &model.ProxyGrantingTicket{} },
		},
		{
			Type:          model.TypeProxyTicket,
			Prefix:        model.PrefixProxyTicket,
			StorageName:   "proxyTicketsCache",
			Category:      CategoryService,
			DefaultPolicy: expiration.MultiTimeUseOrTimeout(1, 10*time.Second),
			Factory:       func() model.Ticket { return &model.ProxyTicket{} },
		},
		{
			Type:          model.TypeOAuthCode,
			Prefix:        model.PrefixOAuthCode,
			StorageName:   "oauthCodesCache",
			Category:      CategoryOAuth,
			DefaultPolicy: expiration.MultiTimeUseOrTimeout(1, 30*time.Second),
			Factory:       func() model.Ticket { return &model.OAuthCode{} },
		},
		{
			Type:          model.TypeAccessToken,
			Prefix:        model.PrefixAccessToken,
			StorageName:   "oauthAccessTokensCache",
			Category:      CategoryOAuth,
			DefaultPolicy: expiration.TicketGranting(8*time.Hour, 2*time.Hour),
			Factory:       func() model.Ticket { return &model.AccessToken{} },
		},
	}

	for i := range defs {
		def, ok := overrides[strings.ToLower(defs[i].Prefix)]
		if !ok {
			continue
		}
		policy, err := expiration.FromDefinition(def)
		if err != nil {
			return nil, fmt.Errorf("票据 %s 的过期策略配置无效: %w", defs[i].Prefix, err)
		}
		defs[i].DefaultPolicy = policy
	}
	return New(defs...)
}

// ByType 按类型查找
func (c *Catalog) ByType(ticketType string) (*TicketDefinition, error) {
	def, ok := c.byType[ticketType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTicketType, ticketType)
	}
	return def, nil
}

// ByID 解析 ID 前缀查找
func (c *Catalog) ByID(id string) (*TicketDefinition, error) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return nil, fmt.Errorf("%w: 无法解析票据前缀", ErrUnknownTicketType)
	}
	def, found := c.byPrefix[prefix]
	if !found {
		return nil, fmt.Errorf("%w: 前缀 %q", ErrUnknownTicketType, prefix)
	}
	return def, nil
}

// ForTicket 查找票据实例对应的定义
func (c *Catalog) ForTicket(t model.Ticket) (*TicketDefinition, error) {
	return c.ByType(t.GetType())
}

// Definitions 返回全部定义，按类型排序
func (c *Catalog) Definitions() []*TicketDefinition {
	return append([]*TicketDefinition(nil), c.ordered...)
}

// ByCategory 返回某类别下的全部定义
func (c *Catalog) ByCategory(category Category) []*TicketDefinition {
	var defs []*TicketDefinition
	for _, def := range c.ordered {
		if def.Category == category {
			defs = append(defs, def)
		}
	}
	return defs
}
