package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/pu-ac-cn/uac-sso/internal/cipher"
	"github.com/pu-ac-cn/uac-sso/internal/expiration"
	"github.com/pu-ac-cn/uac-sso/internal/idgen"
	"github.com/pu-ac-cn/uac-sso/internal/logger"
	"github.com/pu-ac-cn/uac-sso/internal/sweep"
)

// 票据存储后端
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig                     `mapstructure:"server"`
	Log      logger.Config                    `mapstructure:"log"`
	Database DatabaseConfig                   `mapstructure:"database"`
	Redis    RedisConfig                      `mapstructure:"redis"`
	Registry RegistryConfig                   `mapstructure:"registry"`
	IDGen    idgen.Options                    `mapstructure:"idgen"`
	Tickets  map[string]expiration.Definition `mapstructure:"tickets"`
	Admin    AdminConfig                      `mapstructure:"admin"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RegistryConfig 票据注册中心配置
type RegistryConfig struct {
	// Backend 可选 memory、redis、database
	Backend                    string         `mapstructure:"backend"`
	KeyPrefix                  string         `mapstructure:"key_prefix"`
	MaxRetries                 int            `mapstructure:"max_retries"`
	MaxChainDepth              int            `mapstructure:"max_chain_depth"`
	OnlyTrackMostRecentSession bool           `mapstructure:"only_track_most_recent_session"`
	Crypto                     cipher.Options `mapstructure:"crypto"`
	Sweep                      sweep.Config   `mapstructure:"sweep"`
}

// AdminConfig 管理接口配置
type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

var (
	global *Config
	mu     sync.RWMutex
)

// Load 加载配置
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	return unmarshal(v)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return unmarshal(v)
}

// Get 获取最近一次加载的配置
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func newViper() *viper.Viper {
	v := viper.New()
	// 支持环境变量覆盖，如 UAC_SSO_REDIS_ADDR
	v.SetEnvPrefix("uac_sso")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	global = &cfg
	mu.Unlock()
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case BackendMemory, BackendRedis, BackendDatabase:
	default:
		return fmt.Errorf("不支持的票据存储后端: %s", c.Registry.Backend)
	}
	for name, def := range c.Tickets {
		if _, err := expiration.FromDefinition(def); err != nil {
			return fmt.Errorf("票据 %s 的过期策略无效: %w", name, err)
		}
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	// 数据库默认配置
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "uac_sso")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.user", "root")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.dbname", "uac_sso")
	v.SetDefault("database.mysql.charset", "utf8mb4")
	v.SetDefault("database.mysql.parse_time", true)
	v.SetDefault("database.mysql.loc", "Local")

	// Redis 默认配置
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// 注册中心默认配置
	v.SetDefault("registry.backend", BackendRedis)
	v.SetDefault("registry.key_prefix", "uac-sso:")
	v.SetDefault("registry.max_retries", 5)
	v.SetDefault("registry.max_chain_depth", 16)
	v.SetDefault("registry.only_track_most_recent_session", true)
	v.SetDefault("registry.crypto.digest_enabled", false)
	v.SetDefault("registry.crypto.encryption_enabled", false)
	v.SetDefault("registry.crypto.mode", cipher.ModeXChaCha)
	v.SetDefault("registry.crypto.compression", false)
	v.SetDefault("registry.sweep.enabled", true)
	v.SetDefault("registry.sweep.interval", "2m")
	v.SetDefault("registry.sweep.start_delay", "15s")

	// 票据 ID 默认配置
	v.SetDefault("idgen.random_length", idgen.DefaultRandomLength)
	v.SetDefault("idgen.node_suffix", "")

	// 管理接口默认配置
	v.SetDefault("admin.issuer", "uac-sso")
}
