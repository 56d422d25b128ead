// Package config provides application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/emotion"
	"github.com/ashureev/companions/internal/engine"
	"github.com/ashureev/companions/internal/group"
	"github.com/ashureev/companions/internal/llm"
	"github.com/ashureev/companions/internal/pipeline"
)

// Config holds all application configuration.
type Config struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	GRPCPort       string   `env:"GRPC_PORT" envDefault:"9090"`
	DBPath         string   `env:"DB_PATH" envDefault:"./data/companions.db"`
	SeedPath       string   `env:"SEED_PATH"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	FrontendURL    string   `env:"FRONTEND_URL"`
	OTELEndpoint   string   `env:"OTEL_ENDPOINT"`

	HistoryLimit     int           `env:"HISTORY_LIMIT" envDefault:"30"`
	SnapshotInterval time.Duration `env:"SCHEDULER_SNAPSHOT_INTERVAL" envDefault:"1s"`
	BusQueueSize     int           `env:"BUS_QUEUE_SIZE" envDefault:"256"`
	RedPacketChance  float64       `env:"RED_PACKET_CLAIM_CHANCE" envDefault:"0.7"`

	LLM    LLMConfig    `envPrefix:"LLM_"`
	Policy PolicyConfig `envPrefix:"POLICY_"`
	Group  GroupConfig  `envPrefix:"GROUP_"`
}

// LLMConfig holds defaults for agents that do not name their own endpoint.
type LLMConfig struct {
	Endpoint      string        `env:"ENDPOINT" envDefault:"https://api.openai.com/v1"`
	APIKey        string        `env:"API_KEY"`
	Model         string        `env:"MODEL" envDefault:"gpt-4o-mini"`
	MaxTokens     int           `env:"MAX_TOKENS" envDefault:"512"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"60s"`
	RatePerSecond float64       `env:"RATE_PER_SECOND" envDefault:"2"`
	Burst         int           `env:"BURST" envDefault:"4"`
}

// PolicyConfig holds the emotional state machine thresholds.
type PolicyConfig struct {
	Multipliers      []float64     `env:"MULTIPLIERS" envSeparator:"," envDefault:"1,0.8,0.6,0.3,0.2"`
	PanicPenalty     int           `env:"PANIC_PENALTY" envDefault:"10"`
	BlockThreshold   int           `env:"BLOCK_THRESHOLD" envDefault:"10"`
	TransferBonus    int           `env:"TRANSFER_BONUS" envDefault:"5"`
	MinExactDelay    float64       `env:"MIN_EXACT_DELAY" envDefault:"0.1"`
	JealousyMinDelay time.Duration `env:"JEALOUSY_MIN_DELAY" envDefault:"5s"`
	JealousyMaxDelay time.Duration `env:"JEALOUSY_MAX_DELAY" envDefault:"20s"`
}

// GroupConfig holds the group reply timings.
type GroupConfig struct {
	MentionDebounce time.Duration `env:"MENTION_DEBOUNCE" envDefault:"1500ms"`
	Debounce        time.Duration `env:"DEBOUNCE" envDefault:"5s"`
	TypingMin       time.Duration `env:"TYPING_MIN" envDefault:"800ms"`
	TypingMax       time.Duration `env:"TYPING_MAX" envDefault:"2500ms"`
	MaxChainDepth   int           `env:"MAX_CHAIN_DEPTH" envDefault:"3"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("SCHEDULER_SNAPSHOT_INTERVAL must be > 0")
	}
	if c.BusQueueSize <= 0 {
		return fmt.Errorf("BUS_QUEUE_SIZE must be > 0")
	}
	if c.RedPacketChance < 0 || c.RedPacketChance > 1 {
		return fmt.Errorf("RED_PACKET_CLAIM_CHANCE must be within [0,1]")
	}
	if c.LLM.RatePerSecond <= 0 || c.LLM.Burst <= 0 {
		return fmt.Errorf("LLM_RATE_PER_SECOND and LLM_BURST must be > 0")
	}
	if n := len(c.Policy.Multipliers); n != domain.MaxPressure+1 {
		return fmt.Errorf("POLICY_MULTIPLIERS needs %d values, got %d", domain.MaxPressure+1, n)
	}
	for _, m := range c.Policy.Multipliers {
		if m <= 0 {
			return fmt.Errorf("POLICY_MULTIPLIERS must be > 0")
		}
	}
	if c.Policy.JealousyMinDelay > c.Policy.JealousyMaxDelay {
		return fmt.Errorf("POLICY_JEALOUSY_MIN_DELAY exceeds POLICY_JEALOUSY_MAX_DELAY")
	}
	if c.Group.TypingMin > c.Group.TypingMax {
		return fmt.Errorf("GROUP_TYPING_MIN exceeds GROUP_TYPING_MAX")
	}
	if c.Group.MaxChainDepth < 0 {
		return fmt.Errorf("GROUP_MAX_CHAIN_DEPTH cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Origins returns the websocket and CORS origin allow-list. FrontendURL is
// always allowed.
func (c *Config) Origins() []string {
	out := make([]string, 0, len(c.AllowedOrigins)+1)
	if c.FrontendURL != "" {
		out = append(out, c.FrontendURL)
	}
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// EmotionPolicy converts the policy settings.
func (c *Config) EmotionPolicy() emotion.Policy {
	return emotion.Policy{
		Multipliers:      append([]float64(nil), c.Policy.Multipliers...),
		PanicPenalty:     c.Policy.PanicPenalty,
		BlockThreshold:   c.Policy.BlockThreshold,
		TransferBonus:    c.Policy.TransferBonus,
		MinExactDelay:    c.Policy.MinExactDelay,
		JealousyMinDelay: c.Policy.JealousyMinDelay,
		JealousyMaxDelay: c.Policy.JealousyMaxDelay,
	}
}

// GroupOrchestrator converts the group settings.
func (c *Config) GroupOrchestrator() group.Config {
	return group.Config{
		MentionDebounce: c.Group.MentionDebounce,
		Debounce:        c.Group.Debounce,
		TypingMin:       c.Group.TypingMin,
		TypingMax:       c.Group.TypingMax,
		MaxChainDepth:   c.Group.MaxChainDepth,
	}
}

// Pipeline converts the prompt assembly settings.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{HistoryLimit: c.HistoryLimit}
}

// Engine converts the engine settings.
func (c *Config) Engine() engine.Config {
	return engine.Config{RedPacketClaimChance: c.RedPacketChance}
}

// LLMDefaults converts the generation defaults.
func (c *Config) LLMDefaults() llm.Defaults {
	return llm.Defaults{
		Endpoint:  c.LLM.Endpoint,
		APIKey:    c.LLM.APIKey,
		Model:     c.LLM.Model,
		MaxTokens: c.LLM.MaxTokens,
		Timeout:   c.LLM.Timeout,
	}
}
