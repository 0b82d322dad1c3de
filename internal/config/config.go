package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/GoPolymarket/apigate/internal/model"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// APINamePlaceholder is substituted with the API name in table name templates.
const APINamePlaceholder = "{ApiName}"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Domain   DomainConfig   `mapstructure:"domain"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	// 幂等键缓存时长，0 表示关闭幂等中间件
	IdempotencyTTLMinutes int `mapstructure:"idempotency_ttl_minutes"`
	// 为空则不启用 CORS，"*" 允许任意来源
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// json | text
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type DatabaseConfig struct {
	// postgres | sqlite
	Driver                string `mapstructure:"driver"`
	DSN                   string `mapstructure:"dsn"`
	AllowInMemoryFallback bool   `mapstructure:"allow_in_memory_fallback"`
	MaxOpenConns          int    `mapstructure:"max_open_conns"`
	MaxIdleConns          int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMin    int    `mapstructure:"conn_max_lifetime_minutes"`
}

type RedisConfig struct {
	Addr             string `mapstructure:"addr"`
	Password         string `mapstructure:"password"`
	DB               int    `mapstructure:"db"`
	SweepLockKey     string `mapstructure:"sweep_lock_key"`
	SweepLockTTLSecs int    `mapstructure:"sweep_lock_ttl_seconds"`
}

// AuditConfig 控制审计表的 schema、表名模板、表模式以及保留期
type AuditConfig struct {
	Schema                    string          `mapstructure:"schema"`
	TableNameTemplate         string          `mapstructure:"table_name_template"`
	RequestTableNameTemplate  string          `mapstructure:"request_table_name_template"`
	ResponseTableNameTemplate string          `mapstructure:"response_table_name_template"`
	DefaultAPIName            string          `mapstructure:"default_api_name"`
	TableMode                 string          `mapstructure:"table_mode"`
	RetentionDays             *int            `mapstructure:"retention_days"` // nil = 永久保留
	RetentionIntervalMinutes  int             `mapstructure:"retention_interval_minutes"`
	Redaction                 RedactionConfig `mapstructure:"redaction"`
}

type RedactionConfig struct {
	SensitiveKeys []string `mapstructure:"sensitive_keys"`
	Replacement   string   `mapstructure:"replacement"`
}

// DomainConfig holds the per-API defaults the widget domain uses when auditing.
type DomainConfig struct {
	APIName        string `mapstructure:"api_name"`
	DBSchema       string `mapstructure:"db_schema"`
	TableMode      string `mapstructure:"table_mode"`
	EnableAuditing bool   `mapstructure:"enable_auditing"`
}

type UpstreamConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

func DefaultSensitiveKeys() []string {
	return []string{
		"token",
		"access_token",
		"refresh_token",
		"password",
		"secret",
		"authorization",
		"bearerToken",
	}
}

const DefaultReplacement = "***REDACTED***"

// Default returns the configuration used when no file or env overrides exist.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", IdempotencyTTLMinutes: 1440},
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Database: DatabaseConfig{
			Driver:                "postgres",
			AllowInMemoryFallback: true,
			MaxOpenConns:          50,
			MaxIdleConns:          10,
			ConnMaxLifetimeMin:    60,
		},
		Redis: RedisConfig{
			SweepLockKey:     "apigate:audit:retention_lock",
			SweepLockTTLSecs: 600,
		},
		Audit: AuditConfig{
			Schema:                    "Audit",
			TableNameTemplate:         "Api_{ApiName}_Calls",
			RequestTableNameTemplate:  "Api_{ApiName}_Requests",
			ResponseTableNameTemplate: "Api_{ApiName}_Responses",
			DefaultAPIName:            "Sample",
			TableMode:                 string(model.TableModeSingle),
			RetentionIntervalMinutes:  24 * 60,
			Redaction: RedactionConfig{
				SensitiveKeys: DefaultSensitiveKeys(),
				Replacement:   DefaultReplacement,
			},
		},
		Domain: DomainConfig{
			APIName:        "Sample",
			DBSchema:       "Audit",
			TableMode:      string(model.TableModeSingle),
			EnableAuditing: true,
		},
		Upstream: UpstreamConfig{
			BaseURL:   "http://localhost:9090",
			TimeoutMs: 10000,
		},
	}
}

func Load() (*Config, error) {
	// .env 只补充尚未设置的环境变量
	if err := godotenv.Load(); err == nil {
		log.Println("Environment loaded from .env")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. APIGATE_AUDIT_TABLE_MODE=Split
	v.SetEnvPrefix("apigate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.idempotency_ttl_minutes", d.Server.IdempotencyTTLMinutes)
	v.SetDefault("server.cors_allowed_origins", []string{})
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.allow_in_memory_fallback", d.Database.AllowInMemoryFallback)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime_minutes", d.Database.ConnMaxLifetimeMin)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.sweep_lock_key", d.Redis.SweepLockKey)
	v.SetDefault("redis.sweep_lock_ttl_seconds", d.Redis.SweepLockTTLSecs)

	v.SetDefault("audit.schema", d.Audit.Schema)
	v.SetDefault("audit.table_name_template", d.Audit.TableNameTemplate)
	v.SetDefault("audit.request_table_name_template", d.Audit.RequestTableNameTemplate)
	v.SetDefault("audit.response_table_name_template", d.Audit.ResponseTableNameTemplate)
	v.SetDefault("audit.default_api_name", d.Audit.DefaultAPIName)
	v.SetDefault("audit.table_mode", d.Audit.TableMode)
	v.SetDefault("audit.retention_interval_minutes", d.Audit.RetentionIntervalMinutes)
	v.SetDefault("audit.redaction.sensitive_keys", d.Audit.Redaction.SensitiveKeys)
	v.SetDefault("audit.redaction.replacement", d.Audit.Redaction.Replacement)
	// audit.retention_days 没有默认值: 未配置即关闭清理
	_ = v.BindEnv("audit.retention_days")

	v.SetDefault("domain.api_name", d.Domain.APIName)
	v.SetDefault("domain.db_schema", d.Domain.DBSchema)
	v.SetDefault("domain.table_mode", d.Domain.TableMode)
	v.SetDefault("domain.enable_auditing", d.Domain.EnableAuditing)

	v.SetDefault("upstream.base_url", d.Upstream.BaseURL)
	v.SetDefault("upstream.timeout_ms", d.Upstream.TimeoutMs)
}

// Validate rejects malformed options before anything is wired.
func (c *Config) Validate() error {
	if err := c.Audit.Validate(); err != nil {
		return err
	}
	if _, err := model.ParseTableMode(c.Domain.TableMode); err != nil {
		return fmt.Errorf("domain.table_mode: %w", err)
	}
	if len(strings.TrimSpace(c.Domain.APIName)) < 3 {
		return fmt.Errorf("domain.api_name must be at least 3 characters")
	}
	if len(strings.TrimSpace(c.Domain.DBSchema)) < 3 {
		return fmt.Errorf("domain.db_schema must be at least 3 characters")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	return nil
}

func (a AuditConfig) Validate() error {
	if _, err := model.ParseTableMode(a.TableMode); err != nil {
		return fmt.Errorf("audit.table_mode: %w", err)
	}
	if len(strings.TrimSpace(a.Schema)) < 3 {
		return fmt.Errorf("audit.schema must be at least 3 characters")
	}
	if len(strings.TrimSpace(a.DefaultAPIName)) < 3 {
		return fmt.Errorf("audit.default_api_name must be at least 3 characters")
	}
	templates := map[string]string{
		"audit.table_name_template":          a.TableNameTemplate,
		"audit.request_table_name_template":  a.RequestTableNameTemplate,
		"audit.response_table_name_template": a.ResponseTableNameTemplate,
	}
	for key, tmpl := range templates {
		if len(tmpl) < 3 {
			return fmt.Errorf("%s must be at least 3 characters", key)
		}
		if strings.Count(strings.ToLower(tmpl), strings.ToLower(APINamePlaceholder)) != 1 {
			return fmt.Errorf("%s must contain the %s placeholder exactly once", key, APINamePlaceholder)
		}
	}
	if a.RetentionDays != nil && (*a.RetentionDays < 1 || *a.RetentionDays > 3650) {
		return fmt.Errorf("audit.retention_days must be between 1 and 3650, got %d", *a.RetentionDays)
	}
	if a.RetentionIntervalMinutes <= 0 {
		return fmt.Errorf("audit.retention_interval_minutes must be positive")
	}
	if len(a.Redaction.SensitiveKeys) == 0 {
		return fmt.Errorf("audit.redaction.sensitive_keys must not be empty")
	}
	if len(a.Redaction.Replacement) < 3 {
		return fmt.Errorf("audit.redaction.replacement must be at least 3 characters")
	}
	return nil
}

// Mode returns the parsed table mode. Validate must have passed.
func (a AuditConfig) Mode() model.TableMode {
	mode, err := model.ParseTableMode(a.TableMode)
	if err != nil {
		return model.TableModeSingle
	}
	return mode
}
