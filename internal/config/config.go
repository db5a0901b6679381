// Package config loads the oncelink server configuration.
// Layers, lowest precedence first: defaults, an optional .env file, then
// ONCELINK_* environment variables. The merged result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variable names before they are
// matched against configuration keys.
const EnvPrefix = "ONCELINK_"

// Backend names accepted by the backend key.
const (
	BackendSQLite     = "sqlite"
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
	BackendRedis      = "redis"
)

// Mirror names accepted by the mirror key.
const (
	MirrorNone       = "none"
	MirrorMemory     = "memory"
	MirrorPebble     = "pebble"
	MirrorFilesystem = "filesystem"
	MirrorSQLite     = "sqlite"
)

// Config holds the merged runtime configuration.
type Config struct {
	Addr            string        `koanf:"addr" validate:"required,ip_port"`
	DataDir         string        `koanf:"data_dir" validate:"required,safe_path"`
	Backend         string        `koanf:"backend" validate:"oneof=sqlite filesystem memory redis"`
	RedisAddr       string        `koanf:"redis_addr" validate:"required,hostname_port"`
	RedisPassword   string        `koanf:"redis_password"`
	RedisDB         int           `koanf:"redis_db" validate:"gte=0,lte=15"`
	Mirror          string        `koanf:"mirror" validate:"oneof=none memory pebble filesystem sqlite"`
	MaxBytes        int64         `koanf:"max_bytes" validate:"gt=0"`
	JanitorInterval time.Duration `koanf:"janitor_interval" validate:"gte=1s"`
	MetricsFlush    time.Duration `koanf:"metrics_flush" validate:"gte=1s"`
	MetricsToken    string        `koanf:"metrics_token"`
	LogLevel        string        `koanf:"log_level" validate:"oneof=debug info warn error"`
}

var DefaultAppConfig = Config{
	Addr:            ":8080",
	DataDir:         "./data",
	Backend:         BackendSQLite,
	RedisAddr:       "127.0.0.1:6379",
	RedisDB:         0,
	Mirror:          MirrorNone,
	MaxBytes:        64 << 10, // 64 KiB
	JanitorInterval: time.Minute,
	MetricsFlush:    10 * time.Second,
	LogLevel:        "info",
}

// Swappable stages of Load.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	dotenvLoader = func() error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
		}), nil)
	}
	registerValidators = func(v *validator.Validate) error {
		if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
			return err
		}
		return v.RegisterValidation("safe_path", safePath)
	}
)

// Load builds a Config from defaults, .env and the environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := dotenvLoader(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToByteSizeHookFunc(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New()
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, err
	}
	if cfg.Mirror != MirrorNone && cfg.Backend != BackendRedis {
		return nil, errors.New("mirror requires the redis backend")
	}
	return &cfg, nil
}

// SQLiteDSN returns the DSN for the database under DataDir.
func (c *Config) SQLiteDSN() string {
	return "file:" + filepath.Join(c.DataDir, "oncelink.db") + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
}

// MessagesDir is where the filesystem backend keeps its records.
func (c *Config) MessagesDir() string { return filepath.Join(c.DataDir, "messages") }

// MirrorDir is where the pebble and filesystem mirrors keep their data.
func (c *Config) MirrorDir() string { return filepath.Join(c.DataDir, "mirror") }

// validIPPort accepts an IP literal (or empty host) with a port in 1-65535.
func validIPPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return p > 0 && p <= 65535
}

// safePath rejects parent traversal and paths that resolve to "." or "/".
func safePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return false
		}
	}
	clean := filepath.Clean(p)
	return clean != "." && clean != string(filepath.Separator)
}
