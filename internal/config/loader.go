package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/afero"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "STAGEGATE_"

const maxConfigFileSize = 1024 * 1024 // 1MB

//go:embed defaults.yaml
var defaultsYAML []byte

// Load builds the configuration.
//
// Precedence (highest to lowest):
//  1. STAGEGATE_* environment variables
//  2. The YAML file at path, if path is non-empty
//  3. The embedded defaults
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix:
//
//	STAGEGATE_AUDIT_DB_PATH      -> audit.db_path
//	STAGEGATE_TRACKER_GITHUB_REPO -> tracker.github_repo
//
// GITHUB_TOKEN and ANTHROPIC_API_KEY are used when the corresponding keys are
// still empty after loading.
func Load(fs afero.Fs, path string) (*Config, error) {
	var file []byte
	if path != "" {
		info, err := fs.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		file, err = afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := load(file, true)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func load(file []byte, useEnv bool) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if len(file) > 0 {
		if err := k.Load(rawbytes.Provider(file), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if useEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("failed to load environment variables: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if useEnv {
		if cfg.Tracker.GitHubToken == "" {
			cfg.Tracker.GitHubToken = os.Getenv("GITHUB_TOKEN")
		}
		if cfg.Worker.APIKey == "" {
			cfg.Worker.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	return &cfg, nil
}

// envKey maps STAGEGATE_SECTION_FIELD_NAME to section.field_name
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}
