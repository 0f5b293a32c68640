package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expanding $VAR references from the
// environment. Unknown keys are rejected. An empty path yields the
// defaults. PARLEY_* environment variables override file values either way.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := []byte(os.ExpandEnv(string(data)))
		decoder := yaml.NewDecoder(bytes.NewReader(expanded))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("parse config: expected single document")
		}
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps PARLEY_* variables onto their config fields.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("PARLEY_HOST", &cfg.Server.Host)
	setInt("PARLEY_PORT", &cfg.Server.Port)
	setString("PARLEY_AUTH_TOKEN", &cfg.Auth.Token)
	setString("PARLEY_LOG_LEVEL", &cfg.Log.Level)
	setString("PARLEY_LOG_FORMAT", &cfg.Log.Format)
	setString("PARLEY_BRIDGE_HOST", &cfg.Bridge.Host)
	setInt("PARLEY_BRIDGE_PORT", &cfg.Bridge.Port)
	setString("PARLEY_TRACE_ENDPOINT", &cfg.Trace.Endpoint)
	setString("PARLEY_ARCHIVE_DRIVER", &cfg.Archive.Driver)
	setString("PARLEY_ARCHIVE_PATH", &cfg.Archive.Path)
	setString("PARLEY_WORKSPACE", &cfg.Shell.Workspace)
}
