package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// setupTestHome points HOME at a temp dir and returns the ragd config dir
// inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "ragd")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("creating config dir: %v", err)
	}
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("chmod config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	setupTestHome(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.VectorStore.Backend != vectorstore.ChromemBackendName {
		t.Errorf("VectorStore.Backend = %q, want chromem", cfg.VectorStore.Backend)
	}
	if !cfg.VectorStore.Compress {
		t.Error("VectorStore.Compress = false, want true")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = true, want false")
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  port: 9191
  shutdown_timeout: 3s
vectorstore:
  backend: qdrant
  path_or_uri: http://localhost:6334
  index_type: hnsw
  metric_type: cosine
  collection_name: docs
  compress: false
  hnsw:
    m: 32
    ef_search: 128
embeddings:
  provider: tei
  api_key: tei-secret
  timeout: 5s
chat:
  enabled: true
  model: llama3
  temperature: 0.2
retrieval:
  workers: 3
  timeout: 2s
logging:
  level: debug
  format: console
  redaction:
    fields: [password]
  fields:
    env: test
telemetry:
  sampling:
    rate: 0.5
  metrics:
    export_interval: 30s
`, 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9191 || cfg.Server.ShutdownTimeout.Duration() != 3*time.Second {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default kept", cfg.Server.Host)
	}
	if cfg.VectorStore.Compress {
		t.Error("VectorStore.Compress = true, want false")
	}
	if cfg.VectorStore.HNSW.M != 32 || cfg.VectorStore.HNSW.EfSearch != 128 {
		t.Errorf("VectorStore.HNSW = %+v", cfg.VectorStore.HNSW)
	}
	if cfg.Embeddings.APIKey.Value() != "tei-secret" {
		t.Errorf("Embeddings.APIKey not loaded")
	}
	if cfg.Embeddings.Timeout.Duration() != 5*time.Second {
		t.Errorf("Embeddings.Timeout = %v", cfg.Embeddings.Timeout.Duration())
	}
	if !cfg.Chat.Enabled || cfg.Chat.Model != "llama3" || cfg.Chat.Temperature != 0.2 {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
	if cfg.Chat.MaxTokens != 4096 {
		t.Errorf("Chat.MaxTokens = %d, want default 4096", cfg.Chat.MaxTokens)
	}
	if cfg.Retrieval.Workers != 3 || cfg.Retrieval.Timeout.Duration() != 2*time.Second {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if got := cfg.Logging.Redaction.Fields; len(got) != 1 || got[0] != "password" {
		t.Errorf("Logging.Redaction.Fields = %v, want [password]", got)
	}
	if cfg.Logging.Fields["env"] != "test" || cfg.Logging.Fields["service"] != "ragd" {
		t.Errorf("Logging.Fields = %v", cfg.Logging.Fields)
	}
	if cfg.Telemetry.Sampling.Rate != 0.5 || cfg.Telemetry.Metrics.ExportInterval != 30*time.Second {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}

	store, err := cfg.StoreConfig()
	if err != nil {
		t.Fatalf("StoreConfig() error = %v", err)
	}
	if store.IndexType != vectorstore.IndexHNSW || store.MetricType != vectorstore.MetricCosine {
		t.Errorf("StoreConfig = %+v", store)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "vectorstore:\n  metric_type: cosine\n", 0o600)

	t.Setenv("RAGD_VECTORSTORE_METRIC_TYPE", "inner_product")
	t.Setenv("RAGD_VECTORSTORE_HNSW_EF_SEARCH", "64")
	t.Setenv("RAGD_SERVER_PORT", "8123")
	t.Setenv("RAGD_SERVER_SHUTDOWN_TIMEOUT", "1m")
	t.Setenv("RAGD_EMBEDDINGS_API_KEY", "from-env")
	t.Setenv("RAGD_LOGGING_OUTPUT_STDOUT", "true")
	t.Setenv("RAGD_LOGGING_SAMPLING_TICK", "2s")
	t.Setenv("RAGD_LOGGING_REDACTION_FIELDS", "token, dsn")
	t.Setenv("RAGD_TELEMETRY_SHUTDOWN_TIMEOUT", "9s")
	t.Setenv("RAGD_UNKNOWN", "ignored")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VectorStore.MetricType != "inner_product" {
		t.Errorf("MetricType = %q, want inner_product", cfg.VectorStore.MetricType)
	}
	if cfg.VectorStore.HNSW.EfSearch != 64 {
		t.Errorf("HNSW.EfSearch = %d, want 64", cfg.VectorStore.HNSW.EfSearch)
	}
	if cfg.Server.Port != 8123 || cfg.Server.ShutdownTimeout.Duration() != time.Minute {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Embeddings.APIKey.Value() != "from-env" {
		t.Error("Embeddings.APIKey not overridden")
	}
	if cfg.Logging.Sampling.Tick != 2*time.Second {
		t.Errorf("Logging.Sampling.Tick = %v", cfg.Logging.Sampling.Tick)
	}
	if got := cfg.Logging.Redaction.Fields; strings.Join(got, ",") != "token,dsn" {
		t.Errorf("Logging.Redaction.Fields = %v", got)
	}
	if cfg.Telemetry.Shutdown.Timeout != 9*time.Second {
		t.Errorf("Telemetry.Shutdown.Timeout = %v", cfg.Telemetry.Shutdown.Timeout)
	}
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"RAGD_VECTORSTORE_METRIC_TYPE", "vectorstore.metric_type"},
		{"RAGD_VECTORSTORE_IVF_PROBES", "vectorstore.ivf.probes"},
		{"RAGD_LOGGING_FIELDS_REGION", "logging.fields.region"},
		{"RAGD_TELEMETRY_METRICS_EXPORT_INTERVAL", "telemetry.metrics.export_interval"},
		{"RAGD_TELEMETRY_SERVICE_NAME", "telemetry.service_name"},
		{"RAGD_CHAT_TOP_P", "chat.top_p"},
		{"RAGD_SERVER", ""},
		{"RAGD_", ""},
	}
	for _, tt := range tests {
		got, _ := envKey(tt.in, "v")
		if got != tt.want {
			t.Errorf("envKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
		perm    os.FileMode
		wantErr string
	}{
		{"world readable", "server:\n  port: 9000\n", 0o644, "insecure config file permissions"},
		{"invalid yaml", "server: [\n", 0o600, "failed to load config file"},
		{"bad backend", "vectorstore:\n  backend: faiss\n", 0o600, "vectorstore.backend"},
		{"bad metric", "vectorstore:\n  metric_type: hamming\n", 0o600, "unknown metric type"},
		{"bad provider", "embeddings:\n  provider: word2vec\n", 0o600, "embeddings.provider"},
		{"bad port", "server:\n  port: 70000\n", 0o600, "server.port"},
		{"bad body limit", "server:\n  body_limit: lots\n", 0o600, "server.body_limit"},
		{"chat without model", "chat:\n  enabled: true\n", 0o600, "chat.model"},
		{"chat bad temperature", "chat:\n  enabled: true\n  model: m\n  temperature: 3\n", 0o600, "temperature"},
		{"negative duration", "retrieval:\n  timeout: -1s\n", 0o600, "negative"},
		{"bad log level", "logging:\n  level: loud\n", 0o600, "logging"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.perm != 0o600 && runtime.GOOS == "windows" {
				t.Skip("permission model differs on windows")
			}
			dir := setupTestHome(t)
			path := writeConfig(t, dir, tt.content, tt.perm)

			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_ReadOnlyFileAllowed(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 9001\n", 0o400)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("Server.Port = %d, want 9001", cfg.Server.Port)
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	dir := setupTestHome(t)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Fatalf("Load() error = %v, want missing file error", err)
	}
}

func TestLoad_TooLarge(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "# "+strings.Repeat("x", maxConfigFileSize)+"\n", 0o600)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("Load() error = %v, want size error", err)
	}
}

func TestValidateConfigPath(t *testing.T) {
	dir := setupTestHome(t)
	home := filepath.Dir(filepath.Dir(dir))

	tests := []struct {
		path    string
		wantErr bool
	}{
		{filepath.Join(dir, "config.yaml"), false},
		{filepath.Join(dir, "nested", "config.yaml"), false},
		{"/etc/ragd/config.yaml", false},
		{"/etc/ragd-evil/config.yaml", true},
		{filepath.Join(home, ".config", "ragd-other", "config.yaml"), true},
		{filepath.Join(dir, "..", "..", "config.yaml"), true},
		{"/tmp/config.yaml", true},
	}
	for _, tt := range tests {
		err := validateConfigPath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateConfigPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestValidateConfigPath_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := setupTestHome(t)
	outside := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(outside, []byte("server:\n  port: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "config.yaml")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}

	if err := validateConfigPath(link); err == nil {
		t.Error("validateConfigPath() accepted a symlink leaving the config dir")
	}
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := EnsureConfigDir(); err != nil {
		t.Fatalf("EnsureConfigDir() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(home, ".config", "ragd"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o700 {
		t.Errorf("mode = %v, want 0700", info.Mode().Perm())
	}
}
