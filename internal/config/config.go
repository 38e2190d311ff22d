// Package config loads quantctl settings from defaults, an optional YAML
// file, a .env file and QUANTIFY_ environment variables, in increasing order
// of precedence.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Service      ServiceConfig      `mapstructure:"service" yaml:"service" validate:"required"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator" validate:"required"`
	Channel      ChannelConfig      `mapstructure:"channel" yaml:"channel" validate:"required"`
	Poller       PollerConfig       `mapstructure:"poller" yaml:"poller" validate:"required"`
	Log          LogConfig          `mapstructure:"log" yaml:"log" validate:"required"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
	API          APIConfig          `mapstructure:"api" yaml:"api" validate:"required"`
}

// ServiceConfig describes the remote quantization service.
type ServiceConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	// WSURL overrides the status channel base; derived from BaseURL when empty.
	WSURL              string        `mapstructure:"ws_url" yaml:"ws_url" validate:"omitempty,url"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gt=0"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute" validate:"gt=0"`
	RateBurst          int           `mapstructure:"rate_burst" yaml:"rate_burst" validate:"gt=0"`
	MaxFileSize        int64         `mapstructure:"max_file_size" yaml:"max_file_size" validate:"gt=0"`
}

// OrchestratorConfig tunes task supervision.
type OrchestratorConfig struct {
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout" validate:"gt=0"`
}

// ChannelConfig tunes the status channel.
type ChannelConfig struct {
	DialTimeout      time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" validate:"gt=0"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout" validate:"gt=0"`
	ReadLimit        int64         `mapstructure:"read_limit" yaml:"read_limit" validate:"gt=0"`
}

// PollerConfig tunes list reconciliation.
type PollerConfig struct {
	Interval      time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	HistoryLimit  int           `mapstructure:"history_limit" yaml:"history_limit" validate:"gt=0,lte=1000"`
	HistorySource string        `mapstructure:"history_source" yaml:"history_source" validate:"oneof=history gallery"`
}

// LogConfig selects verbosity and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

// TelemetryConfig controls OTLP export. Nothing is exported unless enabled.
type TelemetryConfig struct {
	Enabled       bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint      string  `mapstructure:"endpoint" yaml:"endpoint" validate:"required_if=Enabled true"`
	ServiceName   string  `mapstructure:"service_name" yaml:"service_name" validate:"required"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" yaml:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure      bool    `mapstructure:"insecure" yaml:"insecure"`
}

// APIConfig configures the local API served by quantctl serve.
type APIConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}
