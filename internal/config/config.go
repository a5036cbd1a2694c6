package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	ManagerBaseURL  string `envconfig:"MANAGER_BASE_URL" required:"true"`
	DecisionBaseURL string `envconfig:"DECISION_BASE_URL" default:"http://127.0.0.1:5050"`

	DBPath       string `envconfig:"DB_PATH" default:"reduce.db"`
	HistoryLimit int    `envconfig:"HISTORY_LIMIT" default:"500"`

	ProbeTimeout    time.Duration `envconfig:"PROBE_TIMEOUT" default:"30s"`
	DecisionTimeout time.Duration `envconfig:"DECISION_TIMEOUT" default:"15s"`
	CommandTimeout  time.Duration `envconfig:"COMMAND_TIMEOUT" default:"10s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"reduce"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
