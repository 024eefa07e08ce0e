// Package promptd holds the configuration and filesystem paths shared by the
// promptd daemon, its one-shot renderer, and the shell client.
package promptd

import (
	"encoding/json"
	"os"
	"time"

	defaults "github.com/gilbus/promptd/default"
)

// Config represents the user's promptd configuration.
type Config struct {
	Prompt PromptConfig `json:"prompt"`
	Limits LimitsConfig `json:"limits"`
}

// PromptConfig holds renderer settings.
type PromptConfig struct {
	// Symbol is the prompt symbol, drawn after the badges.
	Symbol string `json:"symbol"`
	// RuleChar fills the topline around the working directory.
	RuleChar string `json:"rule_char"`
	// PWDMaxLen is the longest working-directory text shown before
	// left-truncation kicks in.
	PWDMaxLen int `json:"pwd_max_len"`
	// NoColor disables all escape sequences in the output.
	NoColor *bool `json:"no_color,omitempty"`
	// Segments toggles individual prompt segments.
	Segments SegmentsConfig `json:"segments"`
}

// SegmentsConfig toggles prompt segments. Unset means enabled.
type SegmentsConfig struct {
	Git     *bool `json:"git,omitempty"`
	Clock   *bool `json:"clock,omitempty"`
	Venv    *bool `json:"venv,omitempty"`
	Project *bool `json:"project,omitempty"`
	Topline *bool `json:"topline,omitempty"`
}

// LimitsConfig holds time budgets and concurrency bounds. Unlike prompt
// settings these are read once at startup and need a daemon restart.
type LimitsConfig struct {
	RenderTimeoutMS int `json:"render_timeout_ms"`
	GitTimeoutMS    int `json:"git_timeout_ms"`
	MaxConnections  int `json:"max_connections"`
	DrainTimeoutMS  int `json:"drain_timeout_ms"`
}

// RenderTimeout is the per-request rendering budget.
func (l LimitsConfig) RenderTimeout() time.Duration {
	return time.Duration(l.RenderTimeoutMS) * time.Millisecond
}

// GitTimeout bounds a single git invocation.
func (l LimitsConfig) GitTimeout() time.Duration {
	return time.Duration(l.GitTimeoutMS) * time.Millisecond
}

// DrainTimeout bounds how long shutdown waits for in-flight requests.
func (l LimitsConfig) DrainTimeout() time.Duration {
	return time.Duration(l.DrainTimeoutMS) * time.Millisecond
}

// ColorEnabled reports whether the renderer may emit escape sequences.
func (p PromptConfig) ColorEnabled() bool {
	return p.NoColor == nil || !*p.NoColor
}

// Enabled reports whether a segment toggle is on. Unset defaults to on.
func enabled(b *bool) bool { return b == nil || *b }

// GitEnabled reports whether the git badge is rendered.
func (s SegmentsConfig) GitEnabled() bool { return enabled(s.Git) }

// ClockEnabled reports whether the topline clock is rendered.
func (s SegmentsConfig) ClockEnabled() bool { return enabled(s.Clock) }

// VenvEnabled reports whether python/conda/node badges are rendered.
func (s SegmentsConfig) VenvEnabled() bool { return enabled(s.Venv) }

// ProjectEnabled reports whether the project badge is rendered.
func (s SegmentsConfig) ProjectEnabled() bool { return enabled(s.Project) }

// ToplineEnabled reports whether the topline is rendered at all.
func (s SegmentsConfig) ToplineEnabled() bool { return enabled(s.Topline) }

// DefaultConfig returns the default configuration from the embedded default_config.json.
func DefaultConfig() *Config {
	var cfg Config
	if err := json.Unmarshal(defaults.DefaultConfigJSON, &cfg); err != nil {
		panic("promptd: invalid embedded default_config.json: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from path, or from ConfigPath() when path is empty.
// A missing file returns defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing fields
	def := DefaultConfig()
	if cfg.Prompt.Symbol == "" {
		cfg.Prompt.Symbol = def.Prompt.Symbol
	}
	if cfg.Prompt.RuleChar == "" {
		cfg.Prompt.RuleChar = def.Prompt.RuleChar
	}
	if cfg.Prompt.PWDMaxLen == 0 {
		cfg.Prompt.PWDMaxLen = def.Prompt.PWDMaxLen
	}
	if cfg.Prompt.NoColor == nil {
		cfg.Prompt.NoColor = def.Prompt.NoColor
	}
	if cfg.Limits.RenderTimeoutMS == 0 {
		cfg.Limits.RenderTimeoutMS = def.Limits.RenderTimeoutMS
	}
	if cfg.Limits.GitTimeoutMS == 0 {
		cfg.Limits.GitTimeoutMS = def.Limits.GitTimeoutMS
	}
	if cfg.Limits.MaxConnections == 0 {
		cfg.Limits.MaxConnections = def.Limits.MaxConnections
	}
	if cfg.Limits.DrainTimeoutMS == 0 {
		cfg.Limits.DrainTimeoutMS = def.Limits.DrainTimeoutMS
	}

	return &cfg, nil
}
