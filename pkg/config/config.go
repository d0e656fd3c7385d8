// Package config provides configuration loading and validation for the
// mailflow engine.
//
// Configuration is an explicit value: it is loaded once at startup and passed
// into engine and router construction. Nothing in the engine reads ambient
// configuration at steady state, so multiple engines with different
// thresholds can coexist in one process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names for the drafting LLM.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
)

// Sender transport names.
const (
	SenderConsole = "console"
	SenderSMTP    = "smtp"
)

// Config holds every tunable of the engine. Zero values are filled by
// Default; Load layers a YAML file and environment overrides on top.
type Config struct {
	// Routing.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxRevisionCycles   int     `yaml:"max_revision_cycles"`

	// Step execution.
	MaxStepRetries      int           `yaml:"max_step_retries"`
	RetryInitialBackoff time.Duration `yaml:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `yaml:"retry_max_backoff"`
	StepTimeout         time.Duration `yaml:"step_timeout"`

	// Storage and serving.
	DBPath      string `yaml:"db_path"`
	ListenAddr  string `yaml:"listen_addr"`
	EventLogDir string `yaml:"event_log_dir"`

	LLM    LLMConfig    `yaml:"llm"`
	Vector VectorConfig `yaml:"vector"`
	Tools  ToolsConfig  `yaml:"tools"`
	SMTP   SMTPConfig   `yaml:"smtp"`
	Safety SafetyConfig `yaml:"safety"`

	// Sender selects the transport: console or smtp.
	Sender string `yaml:"sender"`
}

// LLMConfig configures the drafting model.
type LLMConfig struct {
	Provider          string `yaml:"provider"`
	Model             string `yaml:"model"`
	APIKeyEnv         string `yaml:"api_key_env"`
	MaxTokens         int    `yaml:"max_tokens"`
	PromptTokenBudget int    `yaml:"prompt_token_budget"`
}

// VectorConfig configures retrieval.
type VectorConfig struct {
	TopK int `yaml:"top_k"`
}

// ToolsConfig configures the external tool registry.
type ToolsConfig struct {
	NewsAPIURL    string `yaml:"news_api_url"`
	NewsAPIKeyEnv string `yaml:"news_api_key_env"`
	RatePerMinute int    `yaml:"rate_per_minute"`
}

// SMTPConfig configures the SMTP transport.
type SMTPConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	PassEnv string `yaml:"pass_env"`
	From    string `yaml:"from"`
}

// SafetyConfig configures the policy checker term lists.
type SafetyConfig struct {
	BlockTerms  []string `yaml:"block_terms"`
	ReviseTerms []string `yaml:"revise_terms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ConfidenceThreshold: 0.65,
		MaxRevisionCycles:   2,
		MaxStepRetries:      3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     10 * time.Second,
		StepTimeout:         30 * time.Second,
		DBPath:              "mailflow.db",
		ListenAddr:          ":8080",
		EventLogDir:         "logs",
		LLM: LLMConfig{
			Provider:          ProviderMock,
			Model:             "claude-sonnet-4-5",
			APIKeyEnv:         "ANTHROPIC_API_KEY",
			MaxTokens:         1024,
			PromptTokenBudget: 6000,
		},
		Vector: VectorConfig{TopK: 4},
		Tools: ToolsConfig{
			NewsAPIKeyEnv: "NEWS_API_KEY",
			RatePerMinute: 30,
		},
		SMTP: SMTPConfig{
			Host:    "smtp.gmail.com",
			Port:    587,
			PassEnv: "SMTP_PASS",
		},
		Safety: SafetyConfig{
			ReviseTerms: []string{"confidential", "internal only"},
			BlockTerms:  []string{"password", "api key"},
		},
		Sender: SenderConsole,
	}
}

// Load reads cfg from the YAML file at path (if it exists) layered over the
// defaults, then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over file values, matching
// the variables the original deployment used.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("MAILFLOW_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MAILFLOW_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = p
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.SMTP.User = v
	}
	if v := os.Getenv("NEWS_API_URL"); v != "" {
		cfg.Tools.NewsAPIURL = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.MaxRevisionCycles < 0 {
		return fmt.Errorf("max_revision_cycles must be >= 0, got %d", c.MaxRevisionCycles)
	}
	if c.MaxStepRetries < 0 {
		return fmt.Errorf("max_step_retries must be >= 0, got %d", c.MaxStepRetries)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step_timeout must be positive, got %v", c.StepTimeout)
	}
	if c.Vector.TopK <= 0 {
		return fmt.Errorf("vector.top_k must be positive, got %d", c.Vector.TopK)
	}
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderMock:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Sender {
	case SenderConsole, SenderSMTP:
	default:
		return fmt.Errorf("unknown sender %q", c.Sender)
	}
	return nil
}

// APIKey resolves the LLM API key from the configured environment variable.
func (c *LLMConfig) APIKey() string {
	return os.Getenv(c.APIKeyEnv)
}

// APIKey resolves the news API key from the configured environment variable.
func (c *ToolsConfig) APIKey() string {
	return os.Getenv(c.NewsAPIKeyEnv)
}

// Password resolves the SMTP password from the configured environment
// variable.
func (c *SMTPConfig) Password() string {
	return os.Getenv(c.PassEnv)
}
