package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")

	cfg, err := Load(Options{EnvFiles: []string{}})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.Service.BaseURL)
	assert.Equal(t, 100, cfg.Service.RateLimitPerMinute)
	assert.Equal(t, int64(10<<20), cfg.Service.MaxFileSize)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.TaskTimeout)
	assert.Equal(t, 10*time.Second, cfg.Channel.DialTimeout)
	assert.Equal(t, 5*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 50, cfg.Poller.HistoryLimit)
	assert.Equal(t, "history", cfg.Poller.HistorySource)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "127.0.0.1:8090", cfg.API.Addr)
}

func TestLoad_PrecedenceFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "quantify.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
service:
  base_url: https://quantize.example.com
  request_timeout: 5s
poller:
  history_source: gallery
  history_limit: 100
log:
  level: debug
`), 0o600))

	t.Setenv("QUANTIFY_LOG_LEVEL", "warn")
	t.Setenv("QUANTIFY_ORCHESTRATOR_TASK_TIMEOUT", "90s")

	cfg, err := Load(Options{File: file, EnvFiles: []string{}})
	require.NoError(t, err)

	assert.Equal(t, "https://quantize.example.com", cfg.Service.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Service.RequestTimeout)
	assert.Equal(t, "gallery", cfg.Poller.HistorySource)
	assert.Equal(t, 100, cfg.Poller.HistoryLimit)
	assert.Equal(t, "warn", cfg.Log.Level, "environment wins over file")
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.TaskTimeout)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("QUANTIFY_API_ADDR=0.0.0.0:9999\n"), 0o600))

	// Registered so the variable godotenv sets is restored after the test.
	t.Setenv("QUANTIFY_API_ADDR", "")
	require.NoError(t, os.Unsetenv("QUANTIFY_API_ADDR"))

	cfg, err := Load(Options{EnvFiles: []string{envFile, filepath.Join(dir, "missing.env")}})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.API.Addr)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "bad history source",
			env:     map[string]string{"QUANTIFY_POLLER_HISTORY_SOURCE": "archive"},
			wantErr: "HistorySource",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"QUANTIFY_LOG_LEVEL": "loud"},
			wantErr: "Level",
		},
		{
			name:    "telemetry without endpoint",
			env:     map[string]string{"QUANTIFY_TELEMETRY_ENABLED": "true"},
			wantErr: "Endpoint",
		},
		{
			name:    "sampling ratio out of range",
			env:     map[string]string{"QUANTIFY_TELEMETRY_SAMPLING_RATIO": "2"},
			wantErr: "SamplingRatio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load(Options{EnvFiles: []string{}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "nope.yaml"), EnvFiles: []string{}})
	assert.Error(t, err)
}
