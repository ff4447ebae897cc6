package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "troika.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TROIKA_PORT")
	setString(&cfg.Server.CORSOrigin, "TROIKA_CORS_ORIGIN")
	setString(&cfg.Logging.Level, "TROIKA_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TROIKA_LOG_SERVICE")
	setInt(&cfg.Logging.TailSize, "TROIKA_LOG_TAIL_SIZE")
	setInt(&cfg.Breaker.MaxFailures, "TROIKA_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TROIKA_BREAKER_TIMEOUT")
	setInt(&cfg.Git.MaxConcurrent, "TROIKA_GIT_MAX_CONCURRENT")
	setDuration(&cfg.Queue.Lease, "TROIKA_CLAIM_LEASE")
	setDuration(&cfg.Queue.PollTimeout, "TROIKA_POLL_TIMEOUT")
	setDuration(&cfg.Queue.SweepEvery, "TROIKA_SWEEP_EVERY")
	setInt(&cfg.Hub.BufferSize, "TROIKA_HUB_BUFFER")
	setDuration(&cfg.Hub.SendTimeout, "TROIKA_HUB_SEND_TIMEOUT")
	setDuration(&cfg.Hub.PingInterval, "TROIKA_HUB_PING_INTERVAL")
	setString(&cfg.Supervisor.AgentBinary, "TROIKA_AGENT_BINARY")
	setDuration(&cfg.Supervisor.GracePeriod, "TROIKA_GRACE_PERIOD")
	setDuration(&cfg.Supervisor.RestartBackoff, "TROIKA_RESTART_BACKOFF")
	setDuration(&cfg.Supervisor.MaxBackoff, "TROIKA_MAX_BACKOFF")
	setInt(&cfg.Supervisor.FailureLimit, "TROIKA_FAILURE_LIMIT")
	setDuration(&cfg.Supervisor.FailureWindow, "TROIKA_FAILURE_WINDOW")
	setInt64(&cfg.Cache.MaxSizeMB, "TROIKA_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "TROIKA_CACHE_TTL")
	setString(&cfg.ConfigPath, "TROIKA_CONFIG_PATH")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.ConfigPath == "" {
		return errors.New("config_path is required")
	}
	if cfg.Queue.Lease <= 0 {
		return errors.New("queue.lease must be positive")
	}
	if cfg.Queue.PollTimeout <= 0 {
		return errors.New("queue.poll_timeout must be positive")
	}
	if cfg.Hub.BufferSize < 1 {
		return errors.New("hub.buffer_size must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
