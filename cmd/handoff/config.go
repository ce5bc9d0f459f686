package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/handoff/internal/maintenance"
	"github.com/rendis/handoff/internal/router"
	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/internal/tools"
)

// Config holds all handoff server configuration.
// Priority: flags > HANDOFF_* env vars > config file > defaults.
type Config struct {
	Transport    string             `mapstructure:"transport"`
	ListenAddr   string             `mapstructure:"listen_addr"`
	LogLevel     string             `mapstructure:"log_level"`
	LogFormat    string             `mapstructure:"log_format"`
	WorkflowsDir string             `mapstructure:"workflows_dir"`
	Store        StoreConfig        `mapstructure:"store"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Continuation ContinuationConfig `mapstructure:"continuation"`
	Maintenance  maintenance.Config `mapstructure:"maintenance"`
	Tools        ToolsConfig        `mapstructure:"tools"`
}

type StoreConfig struct {
	Driver         string `mapstructure:"driver"`
	DSN            string `mapstructure:"dsn"`
	RedisPrefix    string `mapstructure:"redis_prefix"`
	AllowAnonymous bool   `mapstructure:"allow_anonymous"`
}

// AuthConfig enables OIDC bearer verification on the HTTP transport.
type AuthConfig struct {
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
	Claim    string `mapstructure:"claim"`
}

type ContinuationConfig struct {
	Workers int `mapstructure:"workers"`
}

type ToolsConfig struct {
	// RetryWhen is a CEL rule over failure.{tool,code,message}.
	RetryWhen   string        `mapstructure:"retry_when"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	HTTPMaxBody int64         `mapstructure:"http_max_body"`
	// Breaker fails calls fast after repeated retryable failures of one tool.
	Breaker tools.BreakerConfig `mapstructure:"breaker"`
	// CallerTools are tools the caller hosts; steps using them are handed back.
	CallerTools []CallerTool `mapstructure:"caller_tools"`
}

type CallerTool struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
}

const (
	transportStdio = "stdio"
	transportHTTP  = "http"
)

func handoffDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".handoff"
	}
	return filepath.Join(home, ".handoff")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", transportStdio)
	v.SetDefault("listen_addr", ":4100")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("workflows_dir", "./workflows")
	v.SetDefault("store.driver", store.DriverLibSQL)
	v.SetDefault("store.dsn", "file:"+filepath.Join(handoffDir(), "handoff.db"))
	v.SetDefault("store.redis_prefix", store.DefaultRedisPrefix)
	v.SetDefault("store.allow_anonymous", true)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.claim", "sub")
	v.SetDefault("continuation.workers", router.DefaultWorkers)
	v.SetDefault("maintenance.schedule", maintenance.DefaultSchedule)
	v.SetDefault("maintenance.retention", "0s")
	v.SetDefault("tools.retry_when", "")
	v.SetDefault("tools.http_timeout", "30s")
	v.SetDefault("tools.http_max_body", 10*1024*1024)
	v.SetDefault("tools.breaker.threshold", 5)
	v.SetDefault("tools.breaker.cooldown", "30s")
	v.SetDefault("tools.caller_tools", []CallerTool{})
}

// loadConfig layers defaults, the config file and the environment. An
// explicit cfgFile must exist; otherwise handoff.yaml is looked up in the
// working directory and ~/.handoff and may be absent.
func loadConfig(v *viper.Viper, cfgFile string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("HANDOFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("handoff")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(handoffDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Transport {
	case transportStdio, transportHTTP:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", transportStdio, transportHTTP, c.Transport)
	}
	switch c.Store.Driver {
	case store.DriverMemory, store.DriverLibSQL, store.DriverPostgres, store.DriverRedis:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Continuation.Workers <= 0 {
		return fmt.Errorf("continuation.workers must be positive")
	}
	return nil
}

// ensureDataDir creates the parent directory of a local libSQL file.
func (c Config) ensureDataDir() error {
	if c.Store.Driver != store.DriverLibSQL || !strings.HasPrefix(c.Store.DSN, "file:") {
		return nil
	}
	path := strings.TrimPrefix(c.Store.DSN, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
