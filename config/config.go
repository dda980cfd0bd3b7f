package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. DOCID_HTTP_PORT.
const EnvPrefix = "DOCID"

// DedupStoreType selects where consumed authorization codes are recorded.
type DedupStoreType string

const (
	DedupStoreMemory DedupStoreType = "memory"
	DedupStoreRedis  DedupStoreType = "redis"
	DedupStoreMongo  DedupStoreType = "mongo"
)

// HTTPFramework selects the router the gateway is served with.
type HTTPFramework string

const (
	FrameworkGin  HTTPFramework = "gin"
	FrameworkEcho HTTPFramework = "echo"
)

// ProviderCredentials holds the OAuth client registration for one provider.
type ProviderCredentials struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// Configured reports whether both client ID and secret are set.
func (p ProviderCredentials) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// ServerConfig holds all configuration for the auth gateway.
type ServerConfig struct {
	HTTPPort        string        `mapstructure:"http_port"`
	HTTPFramework   HTTPFramework `mapstructure:"http_framework"`
	LogLevel        string        `mapstructure:"log_level"`
	LogPretty       bool          `mapstructure:"log_pretty"`
	OtelServiceName string        `mapstructure:"otel_service_name"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`

	// PublicBaseURL is where browsers reach the gateway; provider redirect
	// URLs are derived from it.
	PublicBaseURL string `mapstructure:"public_base_url"`
	LoginPath     string `mapstructure:"login_path"`

	BackendURL          string        `mapstructure:"backend_url"`
	BackendRegisterPath string        `mapstructure:"backend_register_path"`
	BackendRefreshPath  string        `mapstructure:"backend_refresh_path"`
	BackendTimeout      time.Duration `mapstructure:"backend_timeout"`
	// RefreshTimeout bounds a proxied refresh, shared by every coalesced caller.
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`

	DedupWindow   time.Duration  `mapstructure:"dedup_window"`
	DedupCapacity uint64         `mapstructure:"dedup_capacity"`
	DedupStore    DedupStoreType `mapstructure:"dedup_store"`
	DedupHashKey  string         `mapstructure:"dedup_hash_key"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	MongoURI    string `mapstructure:"mongo_uri"`
	MongoDBName string `mapstructure:"mongo_db_name"`

	GitHub       ProviderCredentials `mapstructure:"github"`
	Google       ProviderCredentials `mapstructure:"google"`
	ORCID        ProviderCredentials `mapstructure:"orcid"`
	ORCIDSandbox bool                `mapstructure:"orcid_sandbox"`

	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", "8080")
	v.SetDefault("http_framework", string(FrameworkGin))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("otel_service_name", "docid-auth")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("public_base_url", "http://localhost:8080")
	v.SetDefault("login_path", "/login")

	v.SetDefault("backend_url", "http://localhost:5001")
	v.SetDefault("backend_register_path", "/api/v1/auth/social/register")
	v.SetDefault("backend_refresh_path", "/api/v1/auth/refresh")
	v.SetDefault("backend_timeout", "10s")
	v.SetDefault("refresh_timeout", "15s")

	v.SetDefault("dedup_window", "30s")
	v.SetDefault("dedup_capacity", 10000)
	v.SetDefault("dedup_store", string(DedupStoreMemory))
	v.SetDefault("dedup_hash_key", "")

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_prefix", "docid")

	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_db_name", "docid_auth")

	for _, p := range []string{"github", "google", "orcid"} {
		v.SetDefault(p+".client_id", "")
		v.SetDefault(p+".client_secret", "")
	}
	v.SetDefault("orcid_sandbox", false)

	v.SetDefault("rate_limit_rps", 5)
	v.SetDefault("rate_limit_burst", 20)
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	return load(viper.New())
}

// LoadConfigFile reads configuration from an explicit file path.
func LoadConfigFile(path string) (*ServerConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	return load(v)
}

func load(v *viper.Viper) (*ServerConfig, error) {
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/docid-auth/")
		v.AddConfigPath("$HOME/.docid-auth")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *ServerConfig) Validate() error {
	if c.DedupWindow <= 0 {
		return fmt.Errorf("dedup_window must be positive, got %s", c.DedupWindow)
	}

	switch c.DedupStore {
	case DedupStoreMemory, DedupStoreRedis, DedupStoreMongo:
	default:
		return fmt.Errorf("unknown dedup_store %q", c.DedupStore)
	}

	switch c.HTTPFramework {
	case FrameworkGin, FrameworkEcho:
	default:
		return fmt.Errorf("unknown http_framework %q", c.HTTPFramework)
	}

	if c.BackendURL == "" {
		return errors.New("backend_url is required")
	}

	if c.BackendTimeout <= 0 {
		return fmt.Errorf("backend_timeout must be positive, got %s", c.BackendTimeout)
	}

	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("refresh_timeout must be positive, got %s", c.RefreshTimeout)
	}

	return nil
}
