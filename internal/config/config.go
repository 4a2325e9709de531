// Package config loads the ambient configuration spec.md section 6
// names: token-budget limits, turn/retry bounds, the STRICT_TOOL_ARGS-
// style behavior flags, and per-agent backend credentials.
//
// Grounded on the teacher's pkg/config/config.go — the
// defaults-then-env-override loading shape (`DefaultConfig` then
// `env.Parse`) and the per-field `env:"..."` tag convention are kept; the
// teacher's additional JSON-file overlay and channel/gateway/rate-limit
// sections are dropped since no SPEC_FULL.md component reads them.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// AgentBackend is one agent's LLM backend credentials, per spec.md
// section 6's per-agent {API_KEY, MODEL, BASE_URL} trio.
type AgentBackend struct {
	APIKey  string `env:"API_KEY"`
	Model   string `env:"MODEL"`
	BaseURL string `env:"BASE_URL"`
}

// Config is the complete ambient configuration surface.
type Config struct {
	SoftTokenLimit int `env:"SOFT_TOKEN_LIMIT" envDefault:"100000"`
	HardTokenLimit int `env:"HARD_TOKEN_LIMIT" envDefault:"120000"`
	MaxChatTurns   int `env:"MAX_CHAT_TURNS" envDefault:"30"`
	MaxRetries     int `env:"MAX_RETRIES" envDefault:"3"`

	StrictJSONOnly      bool `env:"STRICT_JSON_ONLY" envDefault:"true"`
	LightCleaning       bool `env:"LIGHT_CLEANING" envDefault:"true"`
	ForceToolOnFirstTry bool `env:"FORCE_TOOL_ON_FIRST_TRY" envDefault:"true"`
	SupportsToolRole    bool `env:"SUPPORTS_TOOL_ROLE" envDefault:"true"`

	Coordinator AgentBackend `envPrefix:"COORDINATOR_"`
	Modeler     AgentBackend `envPrefix:"MODELER_"`
	Coder       AgentBackend `envPrefix:"CODER_"`
	Writer      AgentBackend `envPrefix:"WRITER_"`
}

// Default returns a Config populated with the defaults named in spec.md
// section 4.5/4.8/4.6 (soft/hard token limits, turn/retry bounds, and the
// STRICT_TOOL_ARGS-equivalent flags all defaulting true).
func Default() *Config {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		// Parsing against an empty environment only fails on malformed
		// envDefault tags or an unsupported field type, both programmer
		// errors caught at compile/review time, never at runtime for a
		// fixed struct.
		panic(fmt.Sprintf("config: invalid default tags: %v", err))
	}
	return cfg
}

// Load returns a Config with every field bound from the process
// environment, falling back to the envDefault tags above where a
// variable is unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	return cfg, nil
}
