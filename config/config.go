// Package config loads the license server settings from flags, environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cyberinferno/go-licensesrv/dispatcher"
	"github.com/cyberinferno/go-licensesrv/tcpserver"
)

// EnvPrefix prefixes every environment variable, e.g. LICENSESRV_PORT.
const EnvPrefix = "LICENSESRV"

const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 24276
	DefaultPollInterval = time.Second
	DefaultRedisAddr    = "127.0.0.1:6379"
	DefaultRedisPrefix  = "licensesrv:"

	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds the resolved server settings.
type Config struct {
	Host          string
	Port          int
	TLSCert       string
	TLSKey        string
	TLSCiphers    []string
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	PollInterval  time.Duration
	Backend       string
	MaxLineBytes  int

	Store         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	CacheTTL      time.Duration

	LogLevel   string
	LogDir     string
	LogConsole bool

	MetricsListen string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Host:          DefaultHost,
		Port:          DefaultPort,
		IdleTimeout:   tcpserver.DefaultIdleTimeout,
		SweepInterval: tcpserver.DefaultSweepInterval,
		PollInterval:  DefaultPollInterval,
		Backend:       tcpserver.BackendAuto,
		MaxLineBytes:  dispatcher.DefaultMaxLineBytes,
		Store:         StoreMemory,
		RedisAddr:     DefaultRedisAddr,
		RedisPrefix:   DefaultRedisPrefix,
		CacheTTL:      dispatcher.DefaultCacheTTL,
		LogLevel:      "info",
	}
}

// keys lists every setting; each is both a flag name and, upper-cased with
// dashes replaced, an environment variable.
var keys = []string{
	"host", "port", "tls-cert", "tls-key", "tls-ciphers",
	"idle-timeout", "sweep-interval", "poll-interval", "backend", "max-line-bytes",
	"store", "redis-addr", "redis-password", "redis-db", "redis-prefix", "cache-ttl",
	"log-level", "log-dir", "log-console", "metrics-listen",
}

// RegisterFlags adds one flag per setting to fs, defaulting to Default().
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.String("config", "", "path to a config file (yaml, json or toml)")
	fs.String("host", d.Host, "address to listen on")
	fs.Int("port", d.Port, "TCP port to listen on")
	fs.String("tls-cert", "", "PEM certificate file; enables TLS together with --tls-key")
	fs.String("tls-key", "", "PEM private key file")
	fs.StringSlice("tls-ciphers", nil, "TLS 1.2 cipher suites in preference order (default: Go's list)")
	fs.Duration("idle-timeout", d.IdleTimeout, "close connections idle for longer than this")
	fs.Duration("sweep-interval", d.SweepInterval, "how often idle connections are swept")
	fs.Duration("poll-interval", d.PollInterval, "longest single wait for socket readiness")
	fs.String("backend", d.Backend, "readiness backend: auto, poll or epoll")
	fs.Int("max-line-bytes", d.MaxLineBytes, "longest accepted request line")
	fs.String("store", d.Store, "license store: memory or redis")
	fs.String("redis-addr", d.RedisAddr, "Redis address")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database number")
	fs.String("redis-prefix", d.RedisPrefix, "prefix for every Redis key")
	fs.Duration("cache-ttl", d.CacheTTL, "lifetime of the cached product catalog")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, error or disabled")
	fs.String("log-dir", "", "also write daily log files to this directory")
	fs.Bool("log-console", false, "human-readable console logs instead of JSON")
	fs.String("metrics-listen", "", "serve Prometheus metrics on this address, e.g. :9324")
}

// Bind creates a viper instance that resolves every setting from fs, the
// environment and, when --config is set, the named file.
//
// Parameters:
//   - fs: A flag set populated by RegisterFlags
//
// Returns:
//   - The viper instance to pass to Load
//   - An error if a flag is missing or the config file cannot be read
func Bind(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, name := range append([]string{"config"}, keys...) {
		flag := fs.Lookup(name)
		if flag == nil {
			return nil, fmt.Errorf("flag %q not registered", name)
		}
		if err := v.BindPFlag(name, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %q: %w", name, err)
		}
	}

	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	return v, nil
}

// Load resolves and validates the settings held by v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Host:          v.GetString("host"),
		Port:          v.GetInt("port"),
		TLSCert:       v.GetString("tls-cert"),
		TLSKey:        v.GetString("tls-key"),
		TLSCiphers:    v.GetStringSlice("tls-ciphers"),
		IdleTimeout:   v.GetDuration("idle-timeout"),
		SweepInterval: v.GetDuration("sweep-interval"),
		PollInterval:  v.GetDuration("poll-interval"),
		Backend:       strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		MaxLineBytes:  v.GetInt("max-line-bytes"),
		Store:         strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),
		RedisPrefix:   v.GetString("redis-prefix"),
		CacheTTL:      v.GetDuration("cache-ttl"),
		LogLevel:      v.GetString("log-level"),
		LogDir:        v.GetString("log-dir"),
		LogConsole:    v.GetBool("log-console"),
		MetricsListen: v.GetString("metrics-listen"),
	}

	if len(cfg.TLSCiphers) == 0 {
		cfg.TLSCiphers = nil
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// TLSEnabled reports whether a certificate pair is configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCert != "" || c.TLSKey != ""
}

// Validate checks the settings for values the server cannot run with. All
// problems are reported together.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls-cert and tls-key must be set together"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle-timeout must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep-interval must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll-interval must be positive"))
	}

	switch c.Backend {
	case tcpserver.BackendAuto, tcpserver.BackendPoll, tcpserver.BackendEpoll:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	// a line must fit in the inbound buffer or it could never complete
	if c.MaxLineBytes <= 0 || c.MaxLineBytes >= tcpserver.DefaultMaxInboundBytes {
		errs = append(errs, fmt.Errorf("max-line-bytes must be between 1 and %d", tcpserver.DefaultMaxInboundBytes-1))
	}

	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis-addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("cache-ttl must not be negative"))
	}

	return errors.Join(errs...)
}
