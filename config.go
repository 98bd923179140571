package ctag

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPageSize = 100
	DefaultAbortKey = "q"
)

type Config struct {
	// BaseURL is the Atlassian site root, e.g. https://example.atlassian.net.
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Token    string `yaml:"token"`

	// PageSize is the batch size requested per search request.
	PageSize int `yaml:"page_size"`

	// Workers bounds the parallel mutation pool. Zero means one worker per
	// available CPU.
	Workers int `yaml:"workers"`

	// AbortKey aborts the whole run when entered at an interactive prompt.
	AbortKey string `yaml:"abort_key"`
}

func DefaultConfig() *Config {
	return &Config{
		PageSize: DefaultPageSize,
		AbortKey: DefaultAbortKey,
	}
}

// LoadConfig builds a Config from defaults, an optional YAML file, and the
// ATLASSIAN_URL / ATLASSIAN_USERNAME / ATLASSIAN_TOKEN environment variables.
// Environment values fill fields the file left empty.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, err
		}
	}

	if config.BaseURL == "" {
		config.BaseURL = os.Getenv("ATLASSIAN_URL")
	}
	if config.Username == "" {
		config.Username = os.Getenv("ATLASSIAN_USERNAME")
	}
	if config.Token == "" {
		config.Token = os.Getenv("ATLASSIAN_TOKEN")
	}

	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.AbortKey == "" {
		config.AbortKey = DefaultAbortKey
	}

	return config, nil
}

// ValidateCredentials fails fast when the remote service cannot be reached
// with the current settings.
func (c *Config) ValidateCredentials() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required: set base_url or ATLASSIAN_URL")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required: set username or ATLASSIAN_USERNAME")
	}
	if c.Token == "" {
		return fmt.Errorf("API token is required: set token or ATLASSIAN_TOKEN")
	}
	return nil
}

// WorkerCount resolves the effective parallel pool size.
func (c *Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}
