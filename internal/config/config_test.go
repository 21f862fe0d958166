package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	toml "github.com/pelletier/go-toml/v2"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
[gateway]
key_pool = ["key-a"]
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
prefix = "/osu"
body_max_bytes = 5242880

[gateway]
key_pool = ["key-a", "key-b", "key-c"]
access_key = "s3cr3t"

[upstream]
base_url = "https://old.ppy.sh/api"
timeout_seconds = 60
idle_connections = 50
max_response_bytes = 1048576

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Server.Prefix != "/osu" {
		t.Errorf("Server.Prefix = %q, want %q", cfg.Server.Prefix, "/osu")
	}
	if got := strings.Join(cfg.Gateway.KeyPool, ","); got != "key-a,key-b,key-c" {
		t.Errorf("Gateway.KeyPool = %q, want %q", got, "key-a,key-b,key-c")
	}
	if cfg.Gateway.AccessKey != "s3cr3t" {
		t.Errorf("Gateway.AccessKey = %q, want %q", cfg.Gateway.AccessKey, "s3cr3t")
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if cfg.Upstream.MaxResponseBytes != 1048576 {
		t.Errorf("Upstream.MaxResponseBytes = %d, want %d", cfg.Upstream.MaxResponseBytes, 1048576)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_EmptyKeyPool(t *testing.T) {
	path := writeConfig(t, `
[gateway]
key_pool = []
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for empty key pool, got nil")
	}
	if !errors.Is(err, ErrEmptyKeyPool) {
		t.Errorf("error = %v, want ErrEmptyKeyPool", err)
	}
}

func TestLoad_BlankKeysDropped(t *testing.T) {
	path := writeConfig(t, `
[gateway]
key_pool = ["", "  ", "real-key"]
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Gateway.KeyPool) != 1 || cfg.Gateway.KeyPool[0] != "real-key" {
		t.Errorf("Gateway.KeyPool = %q, want [real-key]", cfg.Gateway.KeyPool)
	}
}

func TestLoad_OnlyBlankKeys(t *testing.T) {
	path := writeConfig(t, `
[gateway]
key_pool = ["", " "]
`)

	_, err := Load(cliWithPath(path))
	if !errors.Is(err, ErrEmptyKeyPool) {
		t.Fatalf("Load() error = %v, want ErrEmptyKeyPool", err)
	}
}

func TestLoad_EmptyAccessKeyAllowed(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; empty access_key should be allowed", err)
	}
	if cfg.Gateway.AccessKey != "" {
		t.Errorf("Gateway.AccessKey = %q, want empty", cfg.Gateway.AccessKey)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[log]
level = "verbose"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_InvalidLogFormat(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[log]
format = "xml"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log format, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Server.Prefix != "/api" {
		t.Errorf("default Server.Prefix = %q, want %q", cfg.Server.Prefix, "/api")
	}
	if cfg.Upstream.BaseURL != DefaultUpstreamURL {
		t.Errorf("default Upstream.BaseURL = %q, want %q", cfg.Upstream.BaseURL, DefaultUpstreamURL)
	}
	if cfg.Upstream.TimeoutSeconds != 30 {
		t.Errorf("default Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 30)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, "[gateway\nkey_pool = ")

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for malformed TOML, got nil")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Errorf("error = %q, want mention of parse", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000
prefix = "/api"

[gateway]
key_pool = ["toml-key"]
access_key = "toml-secret"

[log]
level = "info"
`)

	cli := &CLI{
		Config:    path,
		Host:      "127.0.0.1",
		Port:      3000,
		Prefix:    "/v1",
		KeyPool:   []string{"cli-a", "cli-b"},
		AccessKey: "cli-secret",
		LogLevel:  "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Server.Prefix != "/v1" {
		t.Errorf("Server.Prefix = %q, want %q (CLI override)", cfg.Server.Prefix, "/v1")
	}
	if got := strings.Join(cfg.Gateway.KeyPool, ","); got != "cli-a,cli-b" {
		t.Errorf("Gateway.KeyPool = %q, want %q (CLI override)", got, "cli-a,cli-b")
	}
	if cfg.Gateway.AccessKey != "cli-secret" {
		t.Errorf("Gateway.AccessKey = %q, want %q (CLI override)", cfg.Gateway.AccessKey, "cli-secret")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_NoFileUsesOverrides(t *testing.T) {
	// Run from a directory without configs/ so the relative search path misses.
	t.Chdir(t.TempDir())
	if findConfig() != "" {
		t.Skip("a system-wide config file is present")
	}

	cfg, err := Load(&CLI{KeyPool: []string{"env-key"}})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Gateway.KeyPool) != 1 || cfg.Gateway.KeyPool[0] != "env-key" {
		t.Errorf("Gateway.KeyPool = %q, want [env-key]", cfg.Gateway.KeyPool)
	}
	if cfg.Server.Prefix != "/api" {
		t.Errorf("Server.Prefix = %q, want %q", cfg.Server.Prefix, "/api")
	}
}

func TestLoad_NoFileNoKeys(t *testing.T) {
	t.Chdir(t.TempDir())
	if findConfig() != "" {
		t.Skip("a system-wide config file is present")
	}

	_, err := Load(&CLI{})
	if !errors.Is(err, ErrEmptyKeyPool) {
		t.Fatalf("Load() error = %v, want ErrEmptyKeyPool", err)
	}
}

func TestLoad_UpstreamURLRejected(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"ftp scheme", "ftp://old.ppy.sh/api"},
		{"no host", "https:///api"},
		{"not a url", "://bad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, minimalConfig+`
[upstream]
base_url = "`+tt.url+`"
`)
			_, err := Load(cliWithPath(path))
			if err == nil {
				t.Fatalf("Load() expected error for base_url %q, got nil", tt.url)
			}
		})
	}
}

func TestLoad_PrefixWithoutSlash(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[server]
prefix = "api"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for prefix without leading slash, got nil")
	}
	if !strings.Contains(err.Error(), "server.prefix") {
		t.Errorf("error = %q, want mention of server.prefix", err)
	}
}

func TestLoad_NegativePort(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[server]
port = -1
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative port, got nil")
	}
}

func TestLoad_AggregatesErrors(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 70000

[upstream]
timeout_seconds = -5
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error, got nil")
	}
	for _, want := range []string{"key_pool", "server.port", "upstream.timeout_seconds"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want mention of %s", err, want)
		}
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for rate limit enabled with requests_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestLoad_MetricsPathDefault(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[metrics]
enabled = true
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MetricsPathConflicts(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"no leading slash", "metrics"},
		{"under prefix", "/api/metrics"},
		{"healthz", "/healthz"},
		{"gateway status", "/gateway/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, minimalConfig+`
[metrics]
enabled = true
path = "`+tt.path+`"
`)
			_, err := Load(cliWithPath(cfgPath))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "metrics.path") {
				t.Errorf("error = %q, want mention of metrics.path", err)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[metrics]
enabled = false
path = "bad-no-slash"
`)

	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := WriteTemplate(path); err != nil {
		t.Fatalf("WriteTemplate() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("template is not valid TOML: %v", err)
	}
	if cfg.Server.Prefix != "/api" {
		t.Errorf("template Server.Prefix = %q, want %q", cfg.Server.Prefix, "/api")
	}
	if cfg.Upstream.BaseURL != DefaultUpstreamURL {
		t.Errorf("template Upstream.BaseURL = %q, want %q", cfg.Upstream.BaseURL, DefaultUpstreamURL)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("template mode = %04o, want 0600", perm)
		}
	}
}

func TestWriteTemplate_RefusesOverwrite(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	if err := WriteTemplate(path); err == nil {
		t.Fatal("WriteTemplate() expected error for existing file, got nil")
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestWarnPermissions_NoFile(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	(&Config{}).WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no output without a config file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths(t *testing.T) {
	path1 := writeConfig(t, minimalConfig)
	path2 := writeConfig(t, minimalConfig)

	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path2, path1}); got != path2 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path2)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
