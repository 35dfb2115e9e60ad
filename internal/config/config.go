// Package config provides configuration types and loading for openclaw.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/clawerr"
)

// Config is the root configuration document.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Providers []ProviderEntry `json:"providers,omitempty"`
	Channels  []ChannelEntry  `json:"channels,omitempty"`
	Memory    MemoryConfig    `json:"memory"`
	Sessions  SessionsConfig  `json:"sessions"`
	Plugins   []string        `json:"plugins,omitempty"`
	Browser   BrowserConfig   `json:"browser"`
	Cron      CronConfig      `json:"cron"`
	LogLevel  string          `json:"log_level" envconfig:"LOG_LEVEL"`
	DataDir   string          `json:"data_dir" envconfig:"DATA_DIR"`
}

// GatewayConfig configures the control-plane listener.
type GatewayConfig struct {
	Bind           string   `json:"bind" envconfig:"BIND"`
	Port           int      `json:"port" envconfig:"PORT"`
	AuthMode       string   `json:"authMode" envconfig:"AUTH_MODE"` // none | token | tailscale
	Token          string   `json:"token" envconfig:"TOKEN"`
	MaxConnections int      `json:"maxConnections" envconfig:"MAX_CONNECTIONS"`
	TrustedProxies []string `json:"trustedProxies,omitempty"`
}

// ProviderEntry configures one LLM provider adapter.
type ProviderEntry struct {
	Name    string  `json:"name"`
	Type    string  `json:"type"` // openai | openrouter | anthropic | ollama | gemini
	APIKey  string  `json:"apiKey,omitempty"`
	APIBase string  `json:"apiBase,omitempty"`
	Model   string  `json:"model,omitempty"`
	Timeout Seconds `json:"timeoutSeconds,omitempty"`
}

// ChannelEntry configures one messaging channel adapter.
type ChannelEntry struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // telegram | discord | slack | line | whatsapp | signal
	Token       string   `json:"token,omitempty"`
	AppToken    string   `json:"appToken,omitempty"`  // slack socket mode
	BotToken    string   `json:"botToken,omitempty"`  // slack web API
	Secret      string   `json:"secret,omitempty"`    // line channel secret / whatsapp app secret
	APIBase     string   `json:"apiBase,omitempty"`   // signal-cli REST, graph API override
	Account     string   `json:"account,omitempty"`   // signal number / whatsapp phone id
	WebhookAddr string   `json:"webhookAddr,omitempty"`
	AllowFrom   []string `json:"allowFrom,omitempty"`
	RoutingMode string   `json:"routingMode,omitempty"` // auto | thread | channel
}

// MemoryConfig tunes the hybrid recall engine.
type MemoryConfig struct {
	EmbeddingProvider   string  `json:"embeddingProvider,omitempty"`
	EmbeddingModel      string  `json:"embeddingModel,omitempty"`
	Dimension           int     `json:"dimension" envconfig:"MEMORY_DIMENSION"`
	VectorWeight        float64 `json:"vectorWeight"`
	KeywordWeight       float64 `json:"keywordWeight"`
	SimilarityThreshold float64 `json:"similarityThreshold"`
	UseVecIndex         bool    `json:"useVecIndex"`
}

// SessionsConfig tunes session lifecycle.
type SessionsConfig struct {
	TTL            Seconds `json:"ttlSeconds"`
	CleanupTimeout Seconds `json:"cleanupTimeoutSeconds"`
}

// BrowserConfig is the browser-WebSocket surface policy.
type BrowserConfig struct {
	AllowedOrigins  []string `json:"allowedOrigins,omitempty"`
	LoopbackLimit   int      `json:"loopbackLimit"`
	RequireOperator bool     `json:"requireOperator"`
}

// CronConfig is the boundary presented to the external cron scheduler;
// scheduling itself lives outside the core.
type CronConfig struct {
	Enabled bool     `json:"enabled"`
	Jobs    []string `json:"jobs,omitempty"`
}

// Seconds is a duration configured as an integer number of seconds.
type Seconds int

// Duration converts the configured seconds to a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) * time.Second }

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Gateway: GatewayConfig{
			Bind:           "127.0.0.1",
			Port:           18789,
			AuthMode:       "token",
			MaxConnections: 64,
		},
		Memory: MemoryConfig{
			Dimension:           1536,
			VectorWeight:        0.7,
			KeywordWeight:       0.3,
			SimilarityThreshold: 0.0,
		},
		Sessions: SessionsConfig{
			TTL:            Seconds(30 * 24 * 3600),
			CleanupTimeout: 15,
		},
		Browser: BrowserConfig{
			LoopbackLimit: 10,
		},
		LogLevel: "info",
		DataDir:  filepath.Join(home, ".openclaw"),
	}
}

// Validate checks invariants a running gateway depends on.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return clawerr.Newf(clawerr.KindSerialization, "gateway.port %d out of range", c.Gateway.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.Gateway.AuthMode)) {
	case "", "none", "token", "tailscale":
	default:
		return clawerr.Newf(clawerr.KindSerialization, "gateway.authMode %q unknown", c.Gateway.AuthMode)
	}
	if strings.EqualFold(c.Gateway.AuthMode, "token") && strings.TrimSpace(c.Gateway.Token) == "" {
		return clawerr.New(clawerr.KindSerialization, "gateway.authMode token requires gateway.token")
	}
	if c.Memory.Dimension <= 0 {
		return clawerr.New(clawerr.KindSerialization, "memory.dimension must be positive")
	}
	if c.Memory.VectorWeight < 0 || c.Memory.KeywordWeight < 0 {
		return clawerr.New(clawerr.KindSerialization, "memory weights must be non-negative")
	}
	seen := map[string]bool{}
	for _, ch := range c.Channels {
		key := strings.TrimSpace(ch.Name)
		if key == "" {
			key = ch.Type
		}
		if seen[key] {
			return clawerr.Newf(clawerr.KindSerialization, "duplicate channel %q", key)
		}
		seen[key] = true
		switch ch.Type {
		case "telegram", "discord", "slack", "line", "whatsapp", "signal":
		default:
			return clawerr.Newf(clawerr.KindSerialization, "channel type %q unknown", ch.Type)
		}
	}
	for _, p := range c.Providers {
		switch p.Type {
		case "openai", "openrouter", "anthropic", "ollama", "gemini":
		default:
			return clawerr.Newf(clawerr.KindSerialization, "provider type %q unknown", p.Type)
		}
	}
	return nil
}

// DeliveryQueueDir returns the delivery queue base directory.
func (c *Config) DeliveryQueueDir() string {
	return filepath.Join(c.DataDir, "delivery-queue")
}

// MemoryDir returns the memory database directory.
func (c *Config) MemoryDir() string {
	return filepath.Join(c.DataDir, "memory")
}

// SessionsDBPath returns the session store path.
func (c *Config) SessionsDBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}
