// Package config resolves engine configuration from defaults, the user's
// home directory, and the project directory, plus provider credentials
// from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	RunsRoot string       `yaml:"runs_root"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Ollama   OllamaConfig   `yaml:"ollama"`
	Batch    BatchConfig  `yaml:"batch"`
	LogLevel string       `yaml:"log_level"`
}

type OpenAIConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	APITimeout string `yaml:"api_timeout"`
}

type OllamaConfig struct {
	BaseURL    string `yaml:"base_url"`
	APITimeout string `yaml:"api_timeout"`
}

// BatchConfig bounds the batch poll backoff.
type BatchConfig struct {
	PollInitial string `yaml:"poll_initial"`
	PollMax     string `yaml:"poll_max"`
}

// APIKey returns the resolved OpenAI API key.
func (c *Config) APIKey() string {
	env := c.OpenAI.APIKeyEnv
	if env == "" {
		env = "OPENAI_API_KEY"
	}
	return os.Getenv(env)
}

// Timeout parses a duration field, falling back to the given default.
func Timeout(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Load resolves config from defaults → user → project, after sourcing a
// .env file from the working directory when one exists.
func Load() (*Config, error) {
	// .env is a convenience for provider credentials; absence is fine.
	_ = godotenv.Load()

	cfg := defaults()

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".promptchain", "config.yaml")
		if err := mergeFile(cfg, userPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectPath := filepath.Join(".promptchain", "config.yaml")
	if err := mergeFile(cfg, projectPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	return cfg, nil
}

func mergeFile(dst *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, dst)
}

func defaults() *Config {
	return &Config{
		RunsRoot: "runs",
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			APIKeyEnv:  "OPENAI_API_KEY",
			APITimeout: "300s",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			APITimeout: "300s",
		},
		Batch: BatchConfig{
			PollInitial: "2s",
			PollMax:     "60s",
		},
		LogLevel: "info",
	}
}
