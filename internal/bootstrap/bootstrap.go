// Package bootstrap 按配置装配票据注册中心及其依赖
package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pu-ac-cn/uac-sso/internal/catalog"
	"github.com/pu-ac-cn/uac-sso/internal/cipher"
	"github.com/pu-ac-cn/uac-sso/internal/config"
	"github.com/pu-ac-cn/uac-sso/internal/database"
	"github.com/pu-ac-cn/uac-sso/internal/idgen"
	"github.com/pu-ac-cn/uac-sso/internal/metrics"
	"github.com/pu-ac-cn/uac-sso/internal/redis"
	"github.com/pu-ac-cn/uac-sso/internal/registry"
	"github.com/pu-ac-cn/uac-sso/internal/repository"
	"github.com/pu-ac-cn/uac-sso/internal/service"
)

// App 已装配的组件
type App struct {
	Registry      *registry.Registry
	TicketService service.TicketService
	DB            *gorm.DB
	Redis         *goredis.Client

	closers []func() error
}

// New 按配置创建存储后端、加密套件、ID 生成器、注册中心和票据服务
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*App, error) {
	app := &App{}

	repo, err := app.openRepository(ctx, cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	c, err := catalog.Default(cfg.Tickets)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("初始化票据目录失败: %w", err)
	}
	suite, err := cipher.New(cfg.Registry.Crypto)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("初始化加密套件失败: %w", err)
	}
	gen, err := idgen.New(cfg.IDGen)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("初始化票据 ID 生成器失败: %w", err)
	}

	app.Registry = registry.New(repo, c, suite, logger, registry.Config{
		MaxRetries:    cfg.Registry.MaxRetries,
		MaxChainDepth: cfg.Registry.MaxChainDepth,
	}, registry.WithMetrics(m))
	app.TicketService = service.NewTicketService(app.Registry, gen, logger, &service.TicketServiceConfig{
		OnlyTrackMostRecentSession: cfg.Registry.OnlyTrackMostRecentSession,
		MaxRetries:                 cfg.Registry.MaxRetries,
		Metrics:                    m,
	})
	return app, nil
}

func (a *App) openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.TicketRepository, error) {
	switch cfg.Registry.Backend {
	case config.BackendMemory:
		logger.Warn("使用内存票据存储，仅适用于单节点")
		return repository.NewMemoryTicketRepository(), nil
	case config.BackendRedis:
		client, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
		logger.Info("Redis 连接成功", zap.String("addr", cfg.Redis.Addr))
		return repository.NewRedisTicketRepository(client, cfg.Registry.KeyPrefix), nil
	case config.BackendDatabase:
		db, err := database.Open(&cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.closers = append(a.closers, func() error { return database.Close(db) })
		if err := database.Migrate(db); err != nil {
			return nil, fmt.Errorf("数据库迁移失败: %w", err)
		}
		logger.Info("数据库连接成功", zap.String("driver", cfg.Database.Driver))
		return repository.NewGormTicketRepository(db), nil
	default:
		return nil, fmt.Errorf("不支持的票据存储后端: %s", cfg.Registry.Backend)
	}
}

// Ping 检查存储后端连接
func (a *App) Ping(ctx context.Context) error {
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	if a.DB != nil {
		return database.Ping(a.DB)
	}
	return nil
}

// Close 关闭存储后端连接
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
