package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmacedo/llmbridge/internal/proxy"
)

type Config struct {
	Addr     string
	LogLevel string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OllamaBaseURL    string
	AWSRegion        string

	OTLPEndpoint string

	// Bcrypt hash of the gateway bearer key; empty disables caller auth.
	GatewayKeyHash string

	// Secrets Manager secret holding provider API keys as JSON; empty
	// disables the lookup.
	ProviderSecretName string

	ShutdownTimeout time.Duration

	Proxies   []proxy.Config
	Providers map[string]FileProvider
}

// FileProvider is a per-provider override block in the YAML file.
type FileProvider struct {
	APIKey        string         `yaml:"api_key"`
	BaseURL       string         `yaml:"base_url"`
	DefaultParams map[string]any `yaml:"default_params"`
}

type fileConfig struct {
	Proxies   []proxy.Config          `yaml:"proxies"`
	Providers map[string]FileProvider `yaml:"providers"`
}

// Load reads environment variables and, when CONFIG_FILE is set, merges the
// YAML file's proxy and provider declarations.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL:   getEnv("ANTHROPIC_BASE_URL", ""),
		OllamaBaseURL:      getEnv("OLLAMA_BASE_URL", ""),
		AWSRegion:          getEnv("AWS_REGION", ""),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		GatewayKeyHash:     getEnv("GATEWAY_KEY_HASH", ""),
		ProviderSecretName: getEnv("PROVIDER_SECRET_NAME", ""),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	for i, p := range file.Proxies {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("proxy %d: name and url are required", i)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("proxy %q: at least one model is required", p.Name)
		}
	}

	c.Proxies = file.Proxies
	c.Providers = file.Providers
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
