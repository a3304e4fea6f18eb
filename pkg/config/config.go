package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const envTenantsDir = "BOTFLEET_TENANTS_DIR"

// Config is the root runtime configuration parsed from the environment.
type Config struct {
	Gateway   GatewayConfig   `envPrefix:"BOTFLEET_"`
	Broadcast BroadcastConfig `envPrefix:"BOTFLEET_"`
	Dedup     DedupConfig     `envPrefix:"BOTFLEET_"`
	Images    ImageConfig     `envPrefix:"BOTFLEET_"`
	Events    EventsConfig    `envPrefix:"BOTFLEET_"`
	OpenAI    OpenAIConfig
	Places    PlacesConfig
	Logging   LoggingConfig `envPrefix:"BOTFLEET_LOG_"`
	Legacy    LegacyConfig

	TenantsDir string `env:"BOTFLEET_TENANTS_DIR"`
	DBPath     string `env:"BOTFLEET_DB_PATH" envDefault:"botfleet.db"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `env:"FORMAT"`
	Level     string `env:"LEVEL"`
	AddSource bool   `env:"ADD_SOURCE"`
}

// GatewayConfig configures the HTTP boundary.
type GatewayConfig struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8000"`
	// APIKey guards the broadcast trigger API. Empty disables those routes.
	APIKey    string `env:"API_KEY"`
	PublicURL string `env:"PUBLIC_URL"`
}

// BroadcastConfig tunes outbound pacing.
type BroadcastConfig struct {
	Delay       time.Duration `env:"BROADCAST_DELAY" envDefault:"500ms"`
	OutboundRPS float64       `env:"OUTBOUND_RPS" envDefault:"20"`
}

// DedupConfig selects the dedup backend.
type DedupConfig struct {
	Backend  string `env:"DEDUP_BACKEND" envDefault:"memory"`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
}

// ImageConfig selects where generated images are hosted.
type ImageConfig struct {
	Backend    string `env:"IMAGE_BACKEND" envDefault:"local"`
	Dir        string `env:"IMAGE_DIR" envDefault:"generated_images"`
	S3Bucket   string `env:"S3_BUCKET"`
	S3Region   string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string `env:"S3_ENDPOINT"`
}

// EventsConfig configures optional lifecycle event export.
type EventsConfig struct {
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"botfleet.events"`
}

// OpenAIConfig configures the OpenAI client.
type OpenAIConfig struct {
	APIKey                string `env:"OPENAI_API_KEY"`
	BaseURL               string `env:"BOTFLEET_OPENAI_BASE_URL"`
	Organization          string `env:"BOTFLEET_OPENAI_ORGANIZATION"`
	Project               string `env:"BOTFLEET_OPENAI_PROJECT"`
	TextModel             string `env:"BOTFLEET_OPENAI_TEXT_MODEL" envDefault:"gpt-4o-mini"`
	ImageModel            string `env:"BOTFLEET_OPENAI_IMAGE_MODEL" envDefault:"gpt-image-1"`
	RequestTimeoutSeconds int    `env:"BOTFLEET_OPENAI_TIMEOUT_SECONDS" envDefault:"60"`
}

// PlacesConfig configures restaurant search.
type PlacesConfig struct {
	APIKey string `env:"GOOGLE_MAPS_API_KEY"`
}

// LegacyConfig holds single-tenant credentials from older deployments.
type LegacyConfig struct {
	AccessToken  string `env:"LINE_CHANNEL_ACCESS_TOKEN"`
	Secret       string `env:"LINE_CHANNEL_SECRET"`
	UseAIParsing bool   `env:"USE_AI_PARSING"`
}

// LoadConfig loads an optional .env file, parses the environment, and resolves
// the tenants directory.
func LoadConfig() (*Config, error) {
	// The .env file is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	dir, err := findTenantsDir(cfg.TenantsDir)
	if err != nil {
		return nil, err
	}
	cfg.TenantsDir = dir

	if cfg.Gateway.PublicURL == "" {
		cfg.Gateway.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Gateway.Port)
	}
	cfg.Gateway.PublicURL = strings.TrimSuffix(cfg.Gateway.PublicURL, "/")

	return &cfg, nil
}

// findTenantsDir resolves the tenant definitions directory.
//
// Precedence is BOTFLEET_TENANTS_DIR first, then cwd-local fallback paths. A
// missing directory is not an error: the service can run on legacy
// credentials alone.
func findTenantsDir(configured string) (string, error) {
	if value := strings.TrimSpace(configured); value != "" {
		if info, err := os.Stat(value); err == nil && info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a directory: %s", envTenantsDir, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "tenants"),
		filepath.Join(cwd, "config", "tenants"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
