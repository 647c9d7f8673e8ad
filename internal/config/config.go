package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime options for the server. Everything is loaded from
// the environment (optionally seeded by a .env file) so deployments stay
// container-friendly.
type Config struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port int    `envconfig:"PORT" default:"8000"`

	ASRBaseURL       string `envconfig:"ASR_BASE_URL" default:"http://127.0.0.1:8003"`
	TranslateBaseURL string `envconfig:"TRANSLATE_BASE_URL" default:"http://127.0.0.1:8004"`

	MaxParticipantsPerRoom int `envconfig:"MAX_PARTICIPANTS_PER_ROOM" default:"10"`
	MaxRooms               int `envconfig:"MAX_ROOMS" default:"100"`
	RoomTimeoutSeconds     int `envconfig:"ROOM_TIMEOUT_SECONDS" default:"3600"`

	IdleConnectionTimeoutSeconds int `envconfig:"IDLE_CONNECTION_TIMEOUT_SECONDS" default:"60"`

	PipelinePermits         int `envconfig:"PIPELINE_PERMITS" default:"1"`
	UtteranceHardCapSeconds int `envconfig:"UTTERANCE_HARD_CAP_SECONDS" default:"30"`
	UtteranceDeadlineMS     int `envconfig:"UTTERANCE_DEADLINE_MS" default:"30000"`

	// Passed through to the ASR/translation services; the core does not
	// interpret them.
	Device      string `envconfig:"DEVICE" default:"cpu"`
	ComputeType string `envconfig:"COMPUTE_TYPE" default:"int8"`

	// Comma-separated list of allowed WebSocket origins. Empty allows all
	// origins (development mode).
	AllowedOrigins string `envconfig:"ALLOWED_ORIGINS" default:""`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if cfg.MaxParticipantsPerRoom < 1 {
		return nil, fmt.Errorf("MAX_PARTICIPANTS_PER_ROOM must be >= 1, got %d", cfg.MaxParticipantsPerRoom)
	}
	if cfg.PipelinePermits < 1 {
		return nil, fmt.Errorf("PIPELINE_PERMITS must be >= 1, got %d", cfg.PipelinePermits)
	}

	return &cfg, nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RoomTimeout returns the empty-room grace period.
func (c *Config) RoomTimeout() time.Duration {
	return time.Duration(c.RoomTimeoutSeconds) * time.Second
}

// IdleConnectionTimeout returns the per-connection inactivity limit.
func (c *Config) IdleConnectionTimeout() time.Duration {
	return time.Duration(c.IdleConnectionTimeoutSeconds) * time.Second
}

// UtteranceDeadline returns the pipeline call budget per utterance.
func (c *Config) UtteranceDeadline() time.Duration {
	return time.Duration(c.UtteranceDeadlineMS) * time.Millisecond
}
