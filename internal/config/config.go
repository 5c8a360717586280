// Package config provides YAML-based configuration loading for chatline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level chatline configuration, loaded from chatline.yaml.
type Config struct {
	Owner    string         `yaml:"owner"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Chat     ChatConfig     `yaml:"chat"`
	Stall    StallConfig    `yaml:"stall"`
	Server   ServerConfig   `yaml:"server"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Export   ExportConfig   `yaml:"export"`
}

// DatabaseConfig selects and locates the conversation log database.
type DatabaseConfig struct {
	Driver       string        `yaml:"driver"` // sqlite, mysql, postgres
	Path         string        `yaml:"path"`   // sqlite file
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Name         string        `yaml:"name"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	PollInterval time.Duration `yaml:"poll_interval"` // 0 disables cross-process polling
	Notify       bool          `yaml:"notify"`        // postgres LISTEN/NOTIFY
}

// LLMConfig configures the token stream source.
type LLMConfig struct {
	Provider     string  `yaml:"provider"` // openai, relay, scripted
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
	RelayURL     string  `yaml:"relay_url"`
}

// ChatConfig holds the product constants of the send/render pipeline.
type ChatConfig struct {
	TitleMaxLen       int           `yaml:"title_max_len"`
	TitleEllipsis     string        `yaml:"title_ellipsis"`
	DefaultTitle      string        `yaml:"default_title"`
	BatchWindow       time.Duration `yaml:"batch_window"`
	IdleDebounce      time.Duration `yaml:"idle_debounce"`
	StreamingDebounce time.Duration `yaml:"streaming_debounce"`
	FinalPatchRetries int           `yaml:"final_patch_retries"`
}

// StallConfig controls the stalled-stream sweeper.
type StallConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Schedule string        `yaml:"schedule"` // 5-field cron expression
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// MirrorConfig lists optional chat platforms that receive completed turns.
type MirrorConfig struct {
	Slack   *PlatformConfig `yaml:"slack"`
	Discord *PlatformConfig `yaml:"discord"`
}

// PlatformConfig holds credentials for a mirror platform.
type PlatformConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// ExportConfig configures conversation export targets.
type ExportConfig struct {
	GitHubToken string `yaml:"github_token"`
	Public      bool   `yaml:"public"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. ${VAR} references are
// expanded from the environment before parsing.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration for owner with every default
// applied. Used when no config file exists.
func Default(owner string) *Config {
	cfg := &Config{Owner: owner}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "chatline.db"
		}
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	case "postgres":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.User == "" {
			c.Database.User = "postgres"
		}
	}
	if c.Database.Name == "" && c.Owner != "" {
		c.Database.Name = "chatline_" + c.Owner
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 8192
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}

	if c.Chat.TitleMaxLen == 0 {
		c.Chat.TitleMaxLen = 40
	}
	if c.Chat.TitleEllipsis == "" {
		c.Chat.TitleEllipsis = "..."
	}
	if c.Chat.DefaultTitle == "" {
		c.Chat.DefaultTitle = "New Chat"
	}
	if c.Chat.BatchWindow == 0 {
		c.Chat.BatchWindow = 50 * time.Millisecond
	}
	if c.Chat.IdleDebounce == 0 {
		c.Chat.IdleDebounce = 50 * time.Millisecond
	}
	if c.Chat.StreamingDebounce == 0 {
		c.Chat.StreamingDebounce = 16 * time.Millisecond
	}
	if c.Chat.FinalPatchRetries == 0 {
		c.Chat.FinalPatchRetries = 3
	}

	if c.Stall.Timeout == 0 {
		c.Stall.Timeout = 5 * time.Minute
	}
	if c.Stall.Schedule == "" {
		c.Stall.Schedule = "*/5 * * * *"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Owner == "" {
		errs = append(errs, "owner is required")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.Notify && c.Database.Driver != "postgres" {
		errs = append(errs, "database.notify requires the postgres driver")
	}
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.Model == "" {
			errs = append(errs, "llm.model is required for the openai provider")
		}
	case "relay":
		if c.LLM.RelayURL == "" {
			errs = append(errs, "llm.relay_url is required for the relay provider")
		}
	case "scripted":
	default:
		errs = append(errs, fmt.Sprintf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.Chat.TitleMaxLen < 0 {
		errs = append(errs, "chat.title_max_len must not be negative")
	}
	if c.Chat.BatchWindow < 0 || c.Chat.BatchWindow > 50*time.Millisecond {
		errs = append(errs, "chat.batch_window must be between 0 and 50ms")
	}
	if c.Chat.FinalPatchRetries < 0 {
		errs = append(errs, "chat.final_patch_retries must not be negative")
	}
	for name, p := range map[string]*PlatformConfig{"slack": c.Mirror.Slack, "discord": c.Mirror.Discord} {
		if p == nil {
			continue
		}
		if p.BotToken == "" {
			errs = append(errs, fmt.Sprintf("mirror.%s.bot_token is required", name))
		}
		if p.ChannelID == "" {
			errs = append(errs, fmt.Sprintf("mirror.%s.channel_id is required", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
