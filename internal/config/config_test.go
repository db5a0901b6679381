package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	assert.EqualValues(t, DefaultAppConfig, *cfg)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ONCELINK_ADDR", "127.0.0.1:9090")
	t.Setenv("ONCELINK_BACKEND", "redis")
	t.Setenv("ONCELINK_REDIS_ADDR", "cache.internal:6380")
	t.Setenv("ONCELINK_REDIS_DB", "3")
	t.Setenv("ONCELINK_MIRROR", "pebble")
	t.Setenv("ONCELINK_MAX_BYTES", "1MiB")
	t.Setenv("ONCELINK_JANITOR_INTERVAL", "30s")
	t.Setenv("ONCELINK_METRICS_TOKEN", "s3cret")
	t.Setenv("ONCELINK_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Addr)
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "cache.internal:6380", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, MirrorPebble, cfg.Mirror)
	assert.EqualValues(t, 1<<20, cfg.MaxBytes)
	assert.Equal(t, 30*time.Second, cfg.JanitorInterval)
	assert.Equal(t, DefaultAppConfig.MetricsFlush, cfg.MetricsFlush)
	assert.Equal(t, "s3cret", cfg.MetricsToken)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestMaxBytesForms(t *testing.T) {
	cases := map[string]int64{
		"4096":   4096,
		"64KiB":  64 << 10,
		"1 MB":   1000 * 1000,
		"2mib":   2 << 20,
		"128 kb": 128 * 1000,
	}
	for raw, want := range cases {
		t.Setenv("ONCELINK_MAX_BYTES", raw)
		cfg, err := Load()
		if !assert.NoError(t, err, raw) {
			continue
		}
		assert.Equal(t, want, cfg.MaxBytes, raw)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := []struct{ key, val string }{
		{"ONCELINK_MAX_BYTES", "lots"},
		{"ONCELINK_MAX_BYTES", "0"},
		{"ONCELINK_BACKEND", "postgres"},
		{"ONCELINK_MIRROR", "disk"},
		{"ONCELINK_LOG_LEVEL", "trace"},
		{"ONCELINK_JANITOR_INTERVAL", "10ms"},
		{"ONCELINK_JANITOR_INTERVAL", "soon"},
		{"ONCELINK_REDIS_DB", "16"},
		{"ONCELINK_REDIS_ADDR", "no-port"},
		{"ONCELINK_ADDR", "localhost:8080"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.val, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestMirrorRequiresRedis(t *testing.T) {
	t.Setenv("ONCELINK_MIRROR", "memory")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Error() != "mirror requires the redis backend" {
		t.Fatalf("expected mirror/backend error, got: %v", err)
	}
}

func TestMirrorKinds(t *testing.T) {
	t.Setenv("ONCELINK_BACKEND", "redis")
	for _, kind := range []string{MirrorNone, MirrorMemory, MirrorPebble, MirrorFilesystem, MirrorSQLite} {
		t.Setenv("ONCELINK_MIRROR", kind)
		cfg, err := Load()
		if assert.NoError(t, err, kind) {
			assert.Equal(t, kind, cfg.Mirror)
		}
	}
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ONCELINK_LOG_LEVEL=warn\nONCELINK_BACKEND=memory\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	// godotenv writes straight into the process environment
	t.Cleanup(func() {
		os.Unsetenv("ONCELINK_LOG_LEVEL")
		os.Unsetenv("ONCELINK_BACKEND")
	})
	t.Setenv("ONCELINK_BACKEND", "filesystem") // real env wins over .env

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, BackendFilesystem, cfg.Backend)
}

func TestValidPaths(t *testing.T) {
	valid := []string{
		"data",
		"/var/lib/oncelink",
		"./data",
		"relative/path/to/data",
		"nested/dir/structure",
	}
	for _, p := range valid {
		t.Setenv("ONCELINK_DATA_DIR", p)
		cfg, err := Load()
		if err != nil {
			t.Errorf("expected valid path %q, got error: %v", p, err)
			continue
		}
		if cfg.DataDir != p {
			t.Errorf("expected DataDir %q, got %q", p, cfg.DataDir)
		}
	}
}

func TestInvalidPaths(t *testing.T) {
	invalid := []string{
		"",
		".",
		"/",
		"//",
		"../data",
		"data/..",
		"data/../../../etc",
	}
	for _, p := range invalid {
		t.Setenv("ONCELINK_DATA_DIR", p)
		_, err := Load()
		if err == nil {
			t.Errorf("expected error for invalid path %q, got nil", p)
			continue
		}
	}
}

func TestValidIPPort(t *testing.T) {
	type sample struct {
		Addr string `validate:"ip_port"`
	}

	v := validator.New()
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		t.Fatalf("register validation: %v", err)
	}

	tests := []struct {
		name  string
		addr  string
		valid bool
	}{
		{name: "empty", addr: "", valid: false},
		{name: "missing_port", addr: "127.0.0.1", valid: false},
		{name: "missing_port_after_colon", addr: "127.0.0.1:", valid: false},
		{name: "just_colon_port", addr: ":8080", valid: true},
		{name: "loopback_ipv4", addr: "127.0.0.1:8080", valid: true},
		{name: "any_ipv4_low_port", addr: "0.0.0.0:1", valid: true},
		{name: "ipv6_loopback", addr: "[::1]:8080", valid: true},
		{name: "ipv6_any", addr: "[::]:443", valid: true},
		{name: "unbracketed_ipv6", addr: "::1:8080", valid: false},
		{name: "hostname_not_ip", addr: "localhost:8080", valid: false},
		{name: "invalid_host_chars", addr: "not_an_ip!:80", valid: false},
		{name: "non_numeric_port", addr: "127.0.0.1:http", valid: false},
		{name: "port_zero", addr: "127.0.0.1:0", valid: false},
		{name: "port_max_valid", addr: "127.0.0.1:65535", valid: true},
		{name: "port_overflow", addr: "127.0.0.1:65536", valid: false},
		{name: "negative_port", addr: "127.0.0.1:-1", valid: false},
		{name: "multi_leading_zero_port", addr: "127.0.0.1:00080", valid: true},
		{name: "space_prefixed", addr: " :8080", valid: false},
		{name: "trailing_space", addr: "127.0.0.1:8080 ", valid: false},
		{name: "embedded_space", addr: "127.0. 0.1:8080", valid: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := sample{Addr: tc.addr}
			err := v.Struct(&s)
			if tc.valid && err != nil {
				t.Fatalf("expected valid, got error: %v", err)
			}
			if !tc.valid && err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	params := "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"

	tests := []struct {
		name     string
		dataDir  string
		wantPath string
	}{
		{name: "default_config", dataDir: DefaultAppConfig.DataDir, wantPath: "data/oncelink.db"},
		{name: "relative_no_slash", dataDir: "data", wantPath: "data/oncelink.db"},
		{name: "relative_trailing_slash", dataDir: "data/", wantPath: "data/oncelink.db"},
		{name: "absolute_no_slash", dataDir: "/var/lib/oncelink", wantPath: "/var/lib/oncelink/oncelink.db"},
		{name: "absolute_trailing_slash", dataDir: "/var/lib/oncelink/", wantPath: "/var/lib/oncelink/oncelink.db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{DataDir: tt.dataDir}
			got := c.SQLiteDSN()

			assert.Equal(t, "file:"+filepath.FromSlash(tt.wantPath)+params, got)
			assert.Contains(t, got, "_journal_mode=WAL", "missing WAL mode")
			assert.Contains(t, got, "_busy_timeout=5000", "missing busy timeout")
			assert.Contains(t, got, "_synchronous=FULL", "missing synchronous FULL")
			assert.Equal(t, 1, strings.Count(got, "?"), "expected exactly one '?' in DSN")
		})
	}
}

func TestDataDirHelpers(t *testing.T) {
	c := &Config{DataDir: "/srv/oncelink/"}
	assert.Equal(t, filepath.FromSlash("/srv/oncelink/messages"), c.MessagesDir())
	assert.Equal(t, filepath.FromSlash("/srv/oncelink/mirror"), c.MirrorDir())
}

func TestLoadDefaultError(t *testing.T) {
	// swap out the defaultLoader to return an error
	orig := defaultLoader
	t.Cleanup(func() { defaultLoader = orig })
	defaultLoader = func(k *koanf.Koanf) error {
		assert.NotNil(t, k)
		return assert.AnError
	}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, assert.AnError) {
		t.Fatalf("expected assert.AnError, got: %v", err)
	}
}

func TestLoadDotenvError(t *testing.T) {
	orig := dotenvLoader
	t.Cleanup(func() { dotenvLoader = orig })
	dotenvLoader = func() error { return assert.AnError }
	_, err := Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoadEnvError(t *testing.T) {
	// swap out the envLoader to return an error
	orig := envLoader
	t.Cleanup(func() { envLoader = orig })
	envLoader = func(k *koanf.Koanf) error {
		assert.NotNil(t, k)
		return assert.AnError
	}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, assert.AnError) {
		t.Fatalf("expected assert.AnError, got: %v", err)
	}
}

func TestRegisterValidationFails(t *testing.T) {
	orig := registerValidators
	t.Cleanup(func() { registerValidators = orig })
	registerValidators = func(v *validator.Validate) error {
		assert.NotNil(t, v)
		return assert.AnError
	}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, assert.AnError) {
		t.Fatalf("expected assert.AnError, got: %v", err)
	}
}
