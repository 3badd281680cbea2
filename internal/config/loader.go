package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "MENTORD_"

// Load loads configuration from the given YAML file (optional), then
// overrides with MENTORD_* environment variables, then applies defaults.
//
// Precedence (highest to lowest):
//  1. Environment variables (MENTORD_SERVER_PORT, MENTORD_PIPELINE_HITL_THRESHOLD, ...)
//  2. YAML config file (default ~/.config/mentord/config.yaml)
//  3. Hardcoded defaults
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "mentord", "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// transformEnvKey maps MENTORD_* environment variables to config keys.
//
//	MENTORD_SERVER_PORT                  -> server.port
//	MENTORD_PIPELINE_HITL_THRESHOLD      -> pipeline.hitl_threshold
//	MENTORD_PIPELINE_WEIGHTS_RETRIEVAL   -> pipeline.weights.retrieval
func transformEnvKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))

	section, rest, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	// The weights block is the only doubly nested section.
	if sub, ok := strings.CutPrefix(rest, "weights_"); section == "pipeline" && ok {
		return "pipeline.weights." + sub
	}
	return section + "." + rest
}
