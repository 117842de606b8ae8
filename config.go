package netguard

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the complete proxy configuration. It is fixed for the
// lifetime of a run; changing it requires a restart.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Blocklist BlocklistConfig `mapstructure:"blocklist"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	// BindAddress is the local address both proxy sockets bind to.
	BindAddress string `mapstructure:"bind_address" validate:"required"`

	// HTTPPort serves plaintext proxy requests.
	HTTPPort int `mapstructure:"http_port" validate:"min=1,max=65535"`

	// HTTPSPort serves CONNECT requests for HTTPS interception.
	HTTPSPort int `mapstructure:"https_port" validate:"min=1,max=65535"`

	// EnableHTTPS controls whether the HTTPS port is bound and CONNECT
	// is handled at all.
	EnableHTTPS bool `mapstructure:"enable_https"`

	// MaxConnections caps simultaneous proxied client connections. The
	// cap is shared across the HTTP and HTTPS listeners; the admin
	// listener applies the same limit separately. Zero means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// ConnectionTimeout bounds upstream connects and first response
	// bytes. It applies per upstream connection only.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// TLSConfig contains root CA settings.
type TLSConfig struct {
	// CertificatesPath is the directory holding CA material. CACert and
	// CAKey are resolved relative to it when not absolute.
	CertificatesPath string `mapstructure:"certificates_path"`

	// CACert is the root CA certificate file.
	CACert string `mapstructure:"ca_cert"`

	// CAKey is the root CA private key file.
	CAKey string `mapstructure:"ca_key"`

	// Organization embedded in generated certificates.
	Organization string `mapstructure:"organization"`

	// LeafValidity is the lifetime of issued leaf certificates.
	LeafValidity time.Duration `mapstructure:"leaf_validity"`
}

// CacheConfig controls the leaf certificate cache.
type CacheConfig struct {
	// Enabled turns the cache on. Correctness never depends on it; only
	// issuance latency does.
	Enabled bool `mapstructure:"enabled"`

	// Size is the maximum number of cached leaves before LRU eviction.
	Size int `mapstructure:"size" validate:"min=0"`
}

// BlocklistConfig seeds and maintains the blocked-domain set.
type BlocklistConfig struct {
	// Domains is a static list applied at startup.
	Domains []string `mapstructure:"domains"`

	// Path is an optional domain-list file (one per line, # comments).
	Path string `mapstructure:"path"`

	// Watch reloads Path automatically when the file changes.
	Watch bool `mapstructure:"watch"`
}

// AdminConfig controls the ops listener (REST API, metrics, health).
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is the log format: text, json.
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or a file path.
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with sensible defaults for a
// single-machine deployment.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BindAddress:       "127.0.0.1",
			HTTPPort:          8280,
			HTTPSPort:         8281,
			EnableHTTPS:       true,
			MaxConnections:    512,
			ConnectionTimeout: 30 * time.Second,
		},
		TLS: TLSConfig{
			CertificatesPath: ".",
			CACert:           "ca.crt",
			CAKey:            "ca.key",
			Organization:     "NetGuard",
			LeafValidity:     7 * 24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    256,
		},
		Admin: AdminConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8282",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Validate checks the configuration. Start refuses to run with an
// invalid config.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if strings.TrimSpace(c.Server.BindAddress) == "" {
		return fmt.Errorf("invalid config: bind address must not be empty")
	}
	if c.Server.EnableHTTPS && c.Server.HTTPPort == c.Server.HTTPSPort {
		return fmt.Errorf("invalid config: http and https ports must differ (both %d)", c.Server.HTTPPort)
	}
	if c.Cache.Enabled && c.Cache.Size <= 0 {
		return fmt.Errorf("invalid config: cache size must be positive when the cache is enabled")
	}
	return nil
}

// CACertPath returns the CA certificate path resolved against
// CertificatesPath.
func (c *Config) CACertPath() string {
	return resolvePath(c.TLS.CertificatesPath, c.TLS.CACert)
}

// CAKeyPath returns the CA key path resolved against CertificatesPath.
func (c *Config) CAKeyPath() string {
	return resolvePath(c.TLS.CertificatesPath, c.TLS.CAKey)
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}

// LoadConfig loads configuration from file, environment, and defaults.
// Search order: explicit path, ./netguard.yaml, ~/.netguard/config.yaml,
// /etc/netguard/config.yaml. Environment variables use the NETGUARD_
// prefix with underscores for nesting.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("netguard")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.netguard")
	v.AddConfigPath("/etc/netguard")

	v.SetEnvPrefix("NETGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file found: defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadConfigFromReader loads configuration of the given type ("yaml",
// "json", "toml") from raw bytes. Useful for tests and embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.http_port", d.Server.HTTPPort)
	v.SetDefault("server.https_port", d.Server.HTTPSPort)
	v.SetDefault("server.enable_https", d.Server.EnableHTTPS)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.connection_timeout", d.Server.ConnectionTimeout)

	v.SetDefault("tls.certificates_path", d.TLS.CertificatesPath)
	v.SetDefault("tls.ca_cert", d.TLS.CACert)
	v.SetDefault("tls.ca_key", d.TLS.CAKey)
	v.SetDefault("tls.organization", d.TLS.Organization)
	v.SetDefault("tls.leaf_validity", d.TLS.LeafValidity)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.size", d.Cache.Size)

	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.addr", d.Admin.Addr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}

// NewLogger builds a slog.Logger from the logging configuration.
func NewLogger(cfg LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", cfg.Level)
	}

	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), nil
}

// WriteExampleConfig writes an annotated example configuration file.
func WriteExampleConfig(path string) error {
	example := `# NetGuard local intercepting proxy configuration

server:
  # Local address both proxy sockets bind to
  bind_address: "127.0.0.1"

  # Plaintext proxy port and HTTPS (CONNECT) port
  http_port: 8280
  https_port: 8281

  # Disable to skip HTTPS interception entirely
  enable_https: true

  # Concurrent client connections across both proxy sockets (0 = unlimited)
  max_connections: 512

  # Upstream connect / first-byte timeout
  connection_timeout: 30s

tls:
  # Directory holding CA material; relative ca_cert/ca_key resolve here
  certificates_path: "."
  ca_cert: "ca.crt"
  ca_key: "ca.key"

  # Organization name on generated certificates
  organization: "NetGuard"

  # Lifetime of per-host leaf certificates
  leaf_validity: 168h

cache:
  # Leaf certificate cache (LRU). Disabling only costs latency.
  enabled: true
  size: 256

blocklist:
  # Static domains applied at startup. "*." patterns match subdomains.
  domains:
    - "ads.example.com"
    - "*.tracker.test"

  # Optional domain-list file, one domain per line, # comments
  # path: "/etc/netguard/blocklist.txt"
  # watch: true

admin:
  # Ops listener: REST API, /metrics, /healthz
  enabled: false
  addr: "127.0.0.1:8282"

logging:
  # Level: debug, info, warn, error
  level: "info"

  # Format: text, json
  format: "text"

  # Output: stdout, stderr, or a file path
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(example), 0644)
}
