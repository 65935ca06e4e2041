// Package config provides configuration loading for contentflow: defaults,
// a YAML file, and CONTENTFLOW_* environment overrides, in that precedence
// order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete contentflow configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	LLM      LLMConfig      `yaml:"llm"`
	Search   SearchConfig   `yaml:"search"`
	Image    ImageConfig    `yaml:"image"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Addr is the listen address (default ":8080")
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds graceful HTTP shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the task store backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "mysql"
	Backend string `yaml:"backend"`
	// Path is the SQLite database file path
	Path string `yaml:"path"`
	// DSN is the MySQL connection string (needs parseTime=true)
	DSN string `yaml:"dsn"`
}

// QueueConfig selects and configures the job queue backend.
type QueueConfig struct {
	// Backend is one of "memory", "nats"
	Backend string `yaml:"backend"`
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// LLMConfig configures the chat provider.
type LLMConfig struct {
	// Provider is one of "openai", "anthropic"
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// APIKey is normally left empty here and set via CONTENTFLOW_LLM_API_KEY
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// InputPerMTok / OutputPerMTok are USD prices per million tokens for
	// cost accounting; zero disables cost tracking
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// SearchConfig configures the web-search adapter.
type SearchConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	MaxResults int    `yaml:"max_results"`
}

// ImageConfig configures the image-generation adapter.
type ImageConfig struct {
	// Provider is "http" for an OpenAI-compatible endpoint or "mock"
	Provider string `yaml:"provider"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	// Size is the requested image size, adjusted to a preset at generation
	Size string `yaml:"size"`
	// Dir is where downloaded images land; empty disables downloading
	Dir string `yaml:"dir"`
}

// WorkflowConfig tunes the content pipeline.
type WorkflowConfig struct {
	// MaxRetries is the rewrite budget per quality loop
	MaxRetries int `yaml:"max_retries"`
	// MaxSteps caps total node executions per run
	MaxSteps int `yaml:"max_steps"`
	// PassThreshold is the minimum weighted evaluator score for a soft
	// pass; test profiles typically lower it
	PassThreshold float64 `yaml:"pass_threshold"`
	// ForcePass skips the soft evaluator (hard rules still apply);
	// a test-profile knob, never for production traffic
	ForcePass bool `yaml:"force_pass"`
}

// WorkerConfig tunes the async worker pool.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	// StartRate caps job starts per second
	StartRate float64 `yaml:"start_rate"`
	// DrainTimeout bounds graceful shutdown
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultConfig returns a Config with development defaults: in-process
// store and queue, mock image backing, no force pass.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "contentflow.db",
		},
		Queue: QueueConfig{
			Backend: "memory",
			URL:     "nats://127.0.0.1:4222",
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Search: SearchConfig{
			MaxResults: 5,
		},
		Image: ImageConfig{
			Provider: "mock",
			Size:     "2560x1440",
		},
		Workflow: WorkflowConfig{
			MaxRetries:    3,
			MaxSteps:      50,
			PassThreshold: 7.0,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			StartRate:    10,
			DrainTimeout: 60 * time.Second,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the mysql backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, sqlite or mysql, got %q", c.Store.Backend)
	}

	switch c.Queue.Backend {
	case "memory":
	case "nats":
		if c.Queue.URL == "" {
			return fmt.Errorf("queue.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or nats, got %q", c.Queue.Backend)
	}

	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}

	switch c.Image.Provider {
	case "mock":
	case "http":
		if c.Image.Endpoint == "" {
			return fmt.Errorf("image.endpoint is required for the http provider")
		}
	default:
		return fmt.Errorf("image.provider must be http or mock, got %q", c.Image.Provider)
	}

	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("workflow.max_retries must not be negative")
	}
	if c.Workflow.PassThreshold <= 0 || c.Workflow.PassThreshold > 10 {
		return fmt.Errorf("workflow.pass_threshold must be in (0, 10], got %v", c.Workflow.PassThreshold)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	return nil
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CONTENTFLOW_* environment variables. Secrets (API keys)
// are expected to arrive this way rather than through the YAML file.
func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "CONTENTFLOW_ADDR")
	setString(&c.Store.Backend, "CONTENTFLOW_STORE_BACKEND")
	setString(&c.Store.Path, "CONTENTFLOW_STORE_PATH")
	setString(&c.Store.DSN, "CONTENTFLOW_STORE_DSN")
	setString(&c.Queue.Backend, "CONTENTFLOW_QUEUE_BACKEND")
	setString(&c.Queue.URL, "CONTENTFLOW_NATS_URL")
	setString(&c.LLM.Provider, "CONTENTFLOW_LLM_PROVIDER")
	setString(&c.LLM.Model, "CONTENTFLOW_LLM_MODEL")
	setString(&c.LLM.APIKey, "CONTENTFLOW_LLM_API_KEY")
	setString(&c.LLM.BaseURL, "CONTENTFLOW_LLM_BASE_URL")
	setString(&c.Search.Endpoint, "CONTENTFLOW_SEARCH_ENDPOINT")
	setString(&c.Search.APIKey, "CONTENTFLOW_SEARCH_API_KEY")
	setString(&c.Image.Provider, "CONTENTFLOW_IMAGE_PROVIDER")
	setString(&c.Image.Endpoint, "CONTENTFLOW_IMAGE_ENDPOINT")
	setString(&c.Image.APIKey, "CONTENTFLOW_IMAGE_API_KEY")
	setString(&c.Image.Size, "CONTENTFLOW_IMAGE_SIZE")
	setString(&c.Image.Dir, "CONTENTFLOW_IMAGE_DIR")
	setInt(&c.Workflow.MaxRetries, "CONTENTFLOW_MAX_RETRIES")
	setFloat(&c.Workflow.PassThreshold, "CONTENTFLOW_PASS_THRESHOLD")
	setBool(&c.Workflow.ForcePass, "CONTENTFLOW_FORCE_PASS")
	setInt(&c.Worker.Concurrency, "CONTENTFLOW_WORKER_CONCURRENCY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
