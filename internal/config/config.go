// Package config loads, validates, and hot-reloads the sockd YAML
// configuration. Values support ${ENV_VAR} substitution; ports are
// validated at load time so misconfiguration fails before any socket is
// bound.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sockd/sockd/internal/errs"
)

// Config is the top-level configuration for sockd.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Ops      OpsConfig       `yaml:"ops"`
	GRPC     GRPCConfig      `yaml:"grpc"`
	Redis    *RedisConfig    `yaml:"redis,omitempty"`
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`
	Watch    WatchConfig     `yaml:"watch"`
	Log      LogConfig       `yaml:"log"`

	warnings []string
}

// ServerConfig drives the request engine's listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Backlog is advisory: Go's listener uses the kernel accept backlog,
	// so this is surfaced in diagnostics only.
	Backlog        int           `yaml:"backlog"`
	AllowedHosts   []string      `yaml:"allowed_hosts"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	IOWorkers      int           `yaml:"io_workers"`
	ConnectionRate float64       `yaml:"connection_rate"`
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OpsConfig drives the ops/admin HTTP server. Port 0 disables it.
type OpsConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// GRPCConfig drives the optional gRPC listener. Port 0 disables it.
type GRPCConfig struct {
	Port int `yaml:"port"`
}

// RedisConfig configures the cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig configures the driver used by handlers and the health
// checker.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	HealthInterval   time.Duration `yaml:"health_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// WatchConfig drives the file-change observer that restarts the server.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Paths    []string      `yaml:"paths"`
	Debounce time.Duration `yaml:"debounce"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML config file with env var substitution. An
// empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = substituteEnvVars(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4000
	}
	if cfg.Server.Backlog == 0 {
		cfg.Server.Backlog = 5
	}
	if len(cfg.Server.AllowedHosts) == 0 {
		cfg.Server.AllowedHosts = []string{"127.0.0.1"}
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 5 * time.Second
	}
	if cfg.Ops.Bind == "" {
		cfg.Ops.Bind = "127.0.0.1"
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
	if len(cfg.Watch.Paths) == 0 {
		cfg.Watch.Paths = []string{"."}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Postgres != nil {
		if cfg.Postgres.Port == 0 {
			cfg.Postgres.Port = 5432
		}
		if cfg.Postgres.HealthInterval == 0 {
			cfg.Postgres.HealthInterval = 30 * time.Second
		}
		if cfg.Postgres.FailureThreshold == 0 {
			cfg.Postgres.FailureThreshold = 3
		}
	}
	if cfg.Redis != nil && cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
}

// ValidatePort checks a listener port: the system-reserved range is
// rejected, out-of-range values are rejected, and the dynamic range is
// flagged as a warning.
func ValidatePort(port int) (warning string, err error) {
	switch {
	case port < 0 || port > 65535:
		return "", &errs.ImproperPortError{Port: port}
	case port <= 1023:
		return "", &errs.ForbiddenPortError{Port: port}
	case port >= 49152:
		return fmt.Sprintf("port %d belongs to the dynamic range (49152-65535), conflicts may exist", port), nil
	default:
		return "", nil
	}
}

// Validate checks every configured listener port and collects warnings.
func (c *Config) Validate() error {
	c.warnings = c.warnings[:0]

	check := func(name string, port int) error {
		warning, err := ValidatePort(port)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if warning != "" {
			c.warnings = append(c.warnings, fmt.Sprintf("%s: %s", name, warning))
		}
		return nil
	}

	if err := check("server.port", c.Server.Port); err != nil {
		return err
	}
	if c.Ops.Port != 0 {
		if err := check("ops.port", c.Ops.Port); err != nil {
			return err
		}
	}
	if c.GRPC.Port != 0 {
		if err := check("grpc.port", c.GRPC.Port); err != nil {
			return err
		}
	}
	return nil
}

// Warnings returns non-fatal findings from the last Validate.
func (c *Config) Warnings() []string {
	return c.warnings
}

// ApplySet applies a typed CLI override onto the configuration. Keys are
// dotted paths as accepted by `--set`.
func (c *Config) ApplySet(key string, value any) error {
	switch key {
	case "server.host":
		return setString(&c.Server.Host, key, value)
	case "server.port":
		return setInt(&c.Server.Port, key, value)
	case "server.backlog":
		return setInt(&c.Server.Backlog, key, value)
	case "server.allowed_hosts":
		return setStringList(&c.Server.AllowedHosts, key, value)
	case "server.read_timeout":
		return setDuration(&c.Server.ReadTimeout, key, value)
	case "server.shutdown_grace":
		return setDuration(&c.Server.ShutdownGrace, key, value)
	case "server.io_workers":
		return setInt(&c.Server.IOWorkers, key, value)
	case "ops.bind":
		return setString(&c.Ops.Bind, key, value)
	case "ops.port":
		return setInt(&c.Ops.Port, key, value)
	case "grpc.port":
		return setInt(&c.GRPC.Port, key, value)
	case "watch.enabled":
		return setBool(&c.Watch.Enabled, key, value)
	case "watch.paths":
		return setStringList(&c.Watch.Paths, key, value)
	case "log.level":
		return setString(&c.Log.Level, key, value)
	case "log.format":
		return setString(&c.Log.Format, key, value)
	case "redis.addr":
		c.ensureRedis()
		return setString(&c.Redis.Addr, key, value)
	case "redis.password":
		c.ensureRedis()
		return setString(&c.Redis.Password, key, value)
	case "redis.db":
		c.ensureRedis()
		return setInt(&c.Redis.DB, key, value)
	case "postgres.host":
		c.ensurePostgres()
		return setString(&c.Postgres.Host, key, value)
	case "postgres.port":
		c.ensurePostgres()
		return setInt(&c.Postgres.Port, key, value)
	case "postgres.user":
		c.ensurePostgres()
		return setString(&c.Postgres.User, key, value)
	case "postgres.password":
		c.ensurePostgres()
		return setString(&c.Postgres.Password, key, value)
	case "postgres.database":
		c.ensurePostgres()
		return setString(&c.Postgres.Database, key, value)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
}

func (c *Config) ensureRedis() {
	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
}

func (c *Config) ensurePostgres() {
	if c.Postgres == nil {
		c.Postgres = &PostgresConfig{}
	}
}

func setString(dst *string, key string, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("%s: expected string, got %T", key, v)
	}
	*dst = s
	return nil
}

func setInt(dst *int, key string, v any) error {
	n, ok := v.(int)
	if !ok {
		return fmt.Errorf("%s: expected integer, got %T", key, v)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string, v any) error {
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("%s: expected boolean, got %T", key, v)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string, v any) error {
	switch t := v.(type) {
	case int:
		*dst = time.Duration(t) * time.Second
		return nil
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	default:
		return fmt.Errorf("%s: expected duration, got %T", key, v)
	}
}

func setStringList(dst *[]string, key string, v any) error {
	switch t := v.(type) {
	case string:
		*dst = []string{t}
		return nil
	case []string:
		*dst = t
		return nil
	case []any:
		out := make([]string, 0, len(t))
		for _, el := range t {
			s, ok := el.(string)
			if !ok {
				return fmt.Errorf("%s: expected string elements, got %T", key, el)
			}
			out = append(out, s)
		}
		*dst = out
		return nil
	default:
		return fmt.Errorf("%s: expected string list, got %T", key, v)
	}
}

// Redacted returns a copy safe for diagnostics output.
func (c *Config) Redacted() Config {
	out := *c
	if c.Redis != nil {
		r := *c.Redis
		if r.Password != "" {
			r.Password = "***REDACTED***"
		}
		out.Redis = &r
	}
	if c.Postgres != nil {
		p := *c.Postgres
		if p.Password != "" {
			p.Password = "***REDACTED***"
		}
		out.Postgres = &p
	}
	return out
}
