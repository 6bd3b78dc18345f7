// Package procconfig handles the CLP process supervisor's own
// ~/.clp/process.yaml — bind host and log level.
// This sits alongside, not instead of, the domain JSON files
// (configstore, filter, router, loadbalancer, auth): those are
// per-service and hot-reloaded by signature on every request per
// SPEC_FULL.md's redesign, while this file governs the supervisor
// itself and is only read at process start. Adapted from
// internal/config/config.go in the teacher, trimmed to what a process
// supervisor (rather than the request pipeline) actually needs.
package procconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig governs both listeners; Claude and Codex always bind the
// same host on ports 3210/3211 per spec.md §1, so only host is
// configurable here.
type ServerConfig struct {
	Host string `yaml:"host"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads process.yaml from path, returning defaults if it's absent.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading process config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing process config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid process config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a fully-populated process.yaml. Called by
// `clp init` alongside the JSON domain files.
func WriteDefault(path string) error {
	cfg := defaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default process config: %w", err)
	}
	header := "# CLP process supervisor configuration.\n# The domain files (claude.json, codex.json, filter.json, ...) are\n# hot-reloaded per request; this file is only read at startup.\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func defaults() *Config {
	return &Config{
		Server:  ServerConfig{Host: "127.0.0.1"},
		Logging: LoggingConfig{Level: "info"},
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q not one of debug|info|warn|error", cfg.Logging.Level)
	}
	return nil
}
