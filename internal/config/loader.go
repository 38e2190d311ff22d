package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. QUANTIFY_SERVICE_BASE_URL.
const EnvPrefix = "QUANTIFY"

// ConfigFileEnv names the variable that points at a YAML config file.
const ConfigFileEnv = EnvPrefix + "_CONFIG"

var defaults = map[string]any{
	"service.base_url":              "http://localhost:8000",
	"service.ws_url":                "",
	"service.request_timeout":       30 * time.Second,
	"service.rate_limit_per_minute": 100,
	"service.rate_burst":            10,
	"service.max_file_size":         10 << 20,

	"orchestrator.task_timeout": 5 * time.Minute,

	"channel.dial_timeout":      10 * time.Second,
	"channel.handshake_timeout": 5 * time.Second,
	"channel.read_limit":        64 << 10,

	"poller.interval":       5 * time.Second,
	"poller.history_limit":  50,
	"poller.history_source": "history",

	"log.level":  "info",
	"log.format": "json",

	"telemetry.enabled":        false,
	"telemetry.endpoint":       "",
	"telemetry.service_name":   "quantctl",
	"telemetry.sampling_ratio": 0.1,
	"telemetry.insecure":       true,

	"api.addr":             "127.0.0.1:8090",
	"api.shutdown_timeout": 30 * time.Second,
}

// Options controls where Load looks for configuration.
type Options struct {
	// File is an explicit config file; ConfigFileEnv is consulted when empty.
	File string
	// EnvFiles are loaded into the process environment first. Missing files
	// are ignored. Defaults to ".env".
	EnvFiles []string
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() { validate = validator.New(validator.WithRequiredStructEnabled()) })
	return validate
}

// Load resolves the configuration and validates it.
func Load(opts Options) (*Config, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading env file %s: %w", f, err)
		}
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := opts.File
	if file == "" {
		file = os.Getenv(ConfigFileEnv)
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := configValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
