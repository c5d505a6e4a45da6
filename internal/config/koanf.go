// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "RELAY"

// topLevelKeys are the configuration sections recognised when translating
// environment variable names to dotted koanf keys.
var topLevelKeys = []string{"ingest_", "asr_", "stream_", "server_"}

// Load builds the effective configuration from defaults, an optional YAML
// file, and RELAY_* environment variables, in increasing precedence.
//
// A missing file at the default path is tolerated (defaults + env apply);
// a missing file at an explicitly requested path is an error.
func Load(path string, pathExplicit bool) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load YAML file: %w", err)
			}
		} else if pathExplicit {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	// Environment variables override the YAML file. RELAY_INGEST_RTMP_URL
	// becomes ingest.rtmp_url, RELAY_STREAM_STOP_TIMEOUT becomes
	// stream.stop_timeout, and so on. The env.Provider only filters on the
	// prefix; TransformFunc receives the full variable name and strips it.
	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix + "_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix+"_"))
			for _, prefix := range topLevelKeys {
				if strings.HasPrefix(key, prefix) {
					section := strings.TrimSuffix(prefix, "_")
					return section + "." + strings.TrimPrefix(key, prefix), value
				}
			}
			return strings.ReplaceAll(key, "_", "."), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
