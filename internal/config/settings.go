package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the top-level keygate configuration. It is read from
// keygate.yaml and KEYGATE_* environment variables.
type Settings struct {
	DataDir  string           `yaml:"data_dir" mapstructure:"data_dir"`
	Server   ServerSettings   `yaml:"server" mapstructure:"server"`
	Store    StoreSettings    `yaml:"store" mapstructure:"store"`
	Auth     AuthSettings     `yaml:"auth" mapstructure:"auth"`
	Gateway  GatewaySettings  `yaml:"gateway" mapstructure:"gateway"`
	Exchange ExchangeSettings `yaml:"exchange" mapstructure:"exchange"`
	Usage    UsageSettings    `yaml:"usage" mapstructure:"usage"`
	Log      LogSettings      `yaml:"log" mapstructure:"log"`
}

// ServerSettings controls the HTTP server behavior.
type ServerSettings struct {
	Host                  string   `yaml:"host" mapstructure:"host"`
	Port                  int      `yaml:"port" mapstructure:"port"`
	CORSOrigins           []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout       string   `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	IssuanceRatePerMinute int      `yaml:"issuance_rate_per_minute" mapstructure:"issuance_rate_per_minute"`
}

// StoreSettings selects the key store backend. An empty DSN with the sqlite
// driver places keygate.db under DataDir.
type StoreSettings struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// AuthSettings controls owner bearer tokens.
type AuthSettings struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL  string `yaml:"token_ttl" mapstructure:"token_ttl"`
}

// GatewaySettings holds the key format and quota constants.
type GatewaySettings struct {
	Window           string `yaml:"window" mapstructure:"window"`
	DefaultRateLimit int    `yaml:"default_rate_limit" mapstructure:"default_rate_limit"`
	KeyMarker        string `yaml:"key_marker" mapstructure:"key_marker"`
	PrefixLength     int    `yaml:"prefix_length" mapstructure:"prefix_length"`
}

// ExchangeSettings configures the exchange-rate provider.
type ExchangeSettings struct {
	APIKey          string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	Timeout         string `yaml:"timeout" mapstructure:"timeout"`
	BreakerFailures int    `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerCooldown string `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// UsageSettings selects where usage log entries are written.
type UsageSettings struct {
	Sink          string `yaml:"sink" mapstructure:"sink"` // store, redis or none
	Timeout       string `yaml:"timeout" mapstructure:"timeout"`
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
	RedisStream   string `yaml:"redis_stream" mapstructure:"redis_stream"`
}

// LogSettings controls log output.
type LogSettings struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultSettings returns Settings pre-filled with sensible defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Server: ServerSettings{
			Host:                  "0.0.0.0",
			Port:                  8080,
			CORSOrigins:           []string{"*"},
			ShutdownTimeout:       "30s",
			IssuanceRatePerMinute: 60,
		},
		Store: StoreSettings{
			Driver: DriverSQLite,
		},
		Auth: AuthSettings{
			TokenTTL: "24h",
		},
		Gateway: GatewaySettings{
			Window:           "1h",
			DefaultRateLimit: 1000,
			KeyMarker:        "ck_",
			PrefixLength:     8,
		},
		Exchange: ExchangeSettings{
			BaseURL:         "https://v6.exchangerate-api.com/v6",
			Timeout:         "10s",
			BreakerFailures: 5,
			BreakerCooldown: "30s",
		},
		Usage: UsageSettings{
			Sink:        "store",
			Timeout:     "5s",
			RedisAddr:   "localhost:6379",
			RedisStream: "keygate:usage",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// Keys flattens the defaults into dotted viper keys so every setting can be
// overridden from the environment.
func (s *Settings) Keys() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":                        s.DataDir,
		"server.host":                     s.Server.Host,
		"server.port":                     s.Server.Port,
		"server.cors_origins":             s.Server.CORSOrigins,
		"server.shutdown_timeout":         s.Server.ShutdownTimeout,
		"server.issuance_rate_per_minute": s.Server.IssuanceRatePerMinute,
		"store.driver":                    s.Store.Driver,
		"store.dsn":                       s.Store.DSN,
		"auth.jwt_secret":                 s.Auth.JWTSecret,
		"auth.token_ttl":                  s.Auth.TokenTTL,
		"gateway.window":                  s.Gateway.Window,
		"gateway.default_rate_limit":      s.Gateway.DefaultRateLimit,
		"gateway.key_marker":              s.Gateway.KeyMarker,
		"gateway.prefix_length":           s.Gateway.PrefixLength,
		"exchange.api_key":                s.Exchange.APIKey,
		"exchange.base_url":               s.Exchange.BaseURL,
		"exchange.timeout":                s.Exchange.Timeout,
		"exchange.breaker_failures":       s.Exchange.BreakerFailures,
		"exchange.breaker_cooldown":       s.Exchange.BreakerCooldown,
		"usage.sink":                      s.Usage.Sink,
		"usage.timeout":                   s.Usage.Timeout,
		"usage.redis_addr":                s.Usage.RedisAddr,
		"usage.redis_password":            s.Usage.RedisPassword,
		"usage.redis_db":                  s.Usage.RedisDB,
		"usage.redis_stream":              s.Usage.RedisStream,
		"log.level":                       s.Log.Level,
		"log.format":                      s.Log.Format,
	}
}

// Validate checks that the settings describe a usable gateway.
func (s *Settings) Validate() error {
	if _, ok := dialects[s.Store.Driver]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, s.Store.Driver)
	}
	if s.Store.Driver != DriverSQLite && s.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %q", s.Store.Driver)
	}
	if s.Gateway.DefaultRateLimit <= 0 {
		return fmt.Errorf("gateway.default_rate_limit must be positive, got %d", s.Gateway.DefaultRateLimit)
	}
	if s.Gateway.PrefixLength <= 0 {
		return fmt.Errorf("gateway.prefix_length must be positive, got %d", s.Gateway.PrefixLength)
	}
	for name, v := range map[string]string{
		"server.shutdown_timeout":   s.Server.ShutdownTimeout,
		"auth.token_ttl":            s.Auth.TokenTTL,
		"gateway.window":            s.Gateway.Window,
		"exchange.timeout":          s.Exchange.Timeout,
		"exchange.breaker_cooldown": s.Exchange.BreakerCooldown,
		"usage.timeout":             s.Usage.Timeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	switch s.Usage.Sink {
	case "store", "redis", "none":
	default:
		return fmt.Errorf("usage.sink must be one of store, redis, none; got %q", s.Usage.Sink)
	}
	return nil
}

// Duration parses a duration setting, falling back to def when the value is
// empty or malformed. Call Validate first to surface malformed values.
func Duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// LoadSettings reads a YAML configuration file over the defaults. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := DefaultSettings()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// WriteDefaultSettings writes the default configuration to a YAML file.
func WriteDefaultSettings(path string) error {
	data, err := yaml.Marshal(DefaultSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
