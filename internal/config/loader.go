package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RAGD_"

	maxConfigFileSize = 1024 * 1024
	systemConfigDir   = "/etc/ragd"
)

// subsections lists nested config blocks. An env key whose field starts with
// one of them maps to a deeper path, so RAGD_VECTORSTORE_HNSW_EF_SEARCH
// becomes vectorstore.hnsw.ef_search rather than vectorstore.hnsw_ef_search.
var subsections = map[string][]string{
	"vectorstore": {"hnsw", "ivf"},
	"logging":     {"output", "sampling", "redaction", "fields"},
	"telemetry":   {"sampling", "metrics", "shutdown"},
}

// listKeys are comma-separated in the environment.
var listKeys = map[string]bool{
	"logging.redaction.fields":   true,
	"logging.redaction.patterns": true,
}

// DefaultPath returns ~/.config/ragd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "ragd", "config.yaml"), nil
}

// Load builds the configuration.
//
// Precedence, highest first:
//  1. RAGD_* environment variables (RAGD_VECTORSTORE_METRIC_TYPE sets
//     vectorstore.metric_type)
//  2. the YAML file at configPath, or ~/.config/ragd/config.yaml when empty
//  3. Default()
//
// The file must live under ~/.config/ragd/ or /etc/ragd/, be mode 0600 or
// 0400 and be at most 1 MiB. A missing default file is not an error; a
// missing explicit one is.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	explicit := configPath != ""
	if !explicit {
		var err error
		if configPath, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Decoding a shorter list over a default one keeps the default's tail.
	if k.Exists("logging.redaction.fields") {
		cfg.Logging.Redaction.Fields = k.Strings("logging.redaction.fields")
	}
	if k.Exists("logging.redaction.patterns") {
		cfg.Logging.Redaction.Patterns = k.Strings("logging.redaction.patterns")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps RAGD_SECTION_FIELD_NAME to section.field_name, honouring
// subsections. Variables without a field part are skipped.
func envKey(key, value string) (string, any) {
	parts := strings.SplitN(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", nil
	}
	section, field := parts[0], parts[1]
	for _, sub := range subsections[section] {
		if rest, ok := strings.CutPrefix(field, sub+"_"); ok && rest != "" {
			field = sub + "." + rest
			break
		}
	}

	path := section + "." + field
	if listKeys[path] {
		items := strings.Split(value, ",")
		for i := range items {
			items[i] = strings.TrimSpace(items[i])
		}
		return path, items
	}
	return path, value
}

// readConfigFile opens the file once and validates through the open
// descriptor, so the checked file is the one read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigFileSize)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/ragd with mode 0700.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", "ragd")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// validateConfigPath checks that path resolves inside an allowed directory.
// It runs whether or not the file exists.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	for _, dir := range []string{filepath.Join(home, ".config", "ragd"), systemConfigDir} {
		candidates := []string{dir}
		if resolvedDir, err := filepath.EvalSymlinks(dir); err == nil {
			candidates = append(candidates, resolvedDir)
		}
		for _, d := range candidates {
			if strings.HasPrefix(resolved, d+string(filepath.Separator)) {
				return nil
			}
		}
	}
	return fmt.Errorf("config file must be in ~/.config/ragd/ or %s/", systemConfigDir)
}

// validateConfigFileProperties checks permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0o600 && perm != 0o400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
