// Package config provides hierarchical configuration loading for the troika
// service. Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the orchestrator service.
// This is the service bootstrap layer; the runtime-mutable orchestration
// document (target, prompts, providers, thresholds) lives in orchconfig.
type Config struct {
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
	Breaker    Breaker    `yaml:"breaker"`
	Git        Git        `yaml:"git"`
	Queue      Queue      `yaml:"queue"`
	Hub        Hub        `yaml:"hub"`
	Supervisor Supervisor `yaml:"supervisor"`
	Cache      Cache      `yaml:"cache"`
	ConfigPath string     `yaml:"config_path"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level    string `yaml:"level"`
	Service  string `yaml:"service"`
	TailSize int    `yaml:"tail_size"`
}

// Breaker holds circuit breaker configuration for outbound calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Git holds repository gateway configuration.
type Git struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Queue holds ledger and queue scheduling configuration.
type Queue struct {
	Lease       time.Duration `yaml:"lease"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	SweepEvery  time.Duration `yaml:"sweep_every"`
}

// Hub holds push-channel configuration.
type Hub struct {
	BufferSize   int           `yaml:"buffer_size"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// Supervisor holds agent process supervision configuration.
type Supervisor struct {
	AgentBinary    string        `yaml:"agent_binary"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	FailureLimit   int           `yaml:"failure_limit"`
	FailureWindow  time.Duration `yaml:"failure_window"`
}

// Cache holds file-content cache configuration.
type Cache struct {
	MaxSizeMB int64         `yaml:"max_size_mb"`
	TTL       time.Duration `yaml:"ttl"`
}

// Defaults returns a Config with sensible default values for local use.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "7860",
			CORSOrigin: "http://localhost:3000",
		},
		Logging: Logging{
			Level:    "info",
			Service:  "troika",
			TailSize: 10000,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Git: Git{
			MaxConcurrent: 4,
		},
		Queue: Queue{
			Lease:       120 * time.Second,
			PollTimeout: 25 * time.Second,
			SweepEvery:  5 * time.Second,
		},
		Hub: Hub{
			BufferSize:   256,
			SendTimeout:  5 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Supervisor: Supervisor{
			AgentBinary:    "troika-agent",
			GracePeriod:    10 * time.Second,
			RestartBackoff: time.Second,
			MaxBackoff:     time.Minute,
			FailureLimit:   5,
			FailureWindow:  5 * time.Minute,
		},
		Cache: Cache{
			MaxSizeMB: 64,
			TTL:       5 * time.Minute,
		},
		ConfigPath: "config.json",
	}
}
