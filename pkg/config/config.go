package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tiancaiamao/ccb/pkg/logger"
)

// Config represents the application configuration.
type Config struct {
	// Codex provider configuration
	Codex ProviderConfig `json:"codex"`

	// Gemini provider configuration
	Gemini ProviderConfig `json:"gemini"`

	// Terminal configuration
	Terminal *TerminalConfig `json:"terminal,omitempty"`

	// Logging configuration
	Log *LogConfig `json:"log,omitempty"`
}

// ProviderConfig contains per-provider communication settings.
type ProviderConfig struct {
	// SessionRoot is the transcript root directory. Empty means the
	// provider default (~/.codex/sessions resp. ~/.gemini/tmp).
	SessionRoot string `json:"sessionRoot,omitempty"`

	// SyncTimeout is the default ask --wait timeout in seconds.
	SyncTimeout int `json:"syncTimeout"`

	// PollIntervalMs is the reply polling interval in milliseconds.
	PollIntervalMs int `json:"pollIntervalMs"`

	// ForceReadIntervalMs forces a transcript re-read at this interval even
	// when stat reports no change. Only meaningful for whole-document
	// transcripts (Gemini).
	ForceReadIntervalMs int `json:"forceReadIntervalMs,omitempty"`

	// StrictSessionMatch disables the cross-project transcript fallback.
	StrictSessionMatch bool `json:"strictSessionMatch,omitempty"`

	// ProjectHash overrides the computed project directory hash (Gemini).
	ProjectHash string `json:"projectHash,omitempty"`
}

// TerminalConfig contains terminal backend settings.
type TerminalConfig struct {
	WeztermBin        string `json:"weztermBin,omitempty"`
	It2Bin            string `json:"it2Bin,omitempty"`
	TmuxEnterDelayMs  int    `json:"tmuxEnterDelayMs,omitempty"`
	WeztermEnterDelay int    `json:"weztermEnterDelayMs,omitempty"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // Log level: debug, info, warn, error
	File   string `json:"file,omitempty"`   // Log file path (empty = no file logging)
	Prefix string `json:"prefix,omitempty"` // Log prefix
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() *LogConfig {
	homeDir, _ := os.UserHomeDir()
	return &LogConfig{
		Level:  "info",
		File:   filepath.Join(homeDir, ".ccb", "ccb.log"),
		Prefix: "[ccb] ",
	}
}

// CreateLogger creates a logger from the log configuration.
func (c *LogConfig) CreateLogger() (*logger.Logger, error) {
	if c == nil {
		c = DefaultLogConfig()
	}

	cfg := &logger.Config{
		Level:    logger.ParseLogLevel(c.Level),
		Prefix:   c.Prefix,
		Console:  false,
		File:     c.File != "",
		FilePath: c.File,
	}

	return logger.NewLogger(cfg)
}

// LoadConfig loads configuration from file and merges with environment variables.
// Environment variables take precedence over config file values.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		Codex: ProviderConfig{
			SyncTimeout:    30,
			PollIntervalMs: 50,
		},
		Gemini: ProviderConfig{
			SyncTimeout:         60,
			PollIntervalMs:      50,
			ForceReadIntervalMs: 1000,
		},
		Terminal: &TerminalConfig{WeztermEnterDelay: 10},
		Log:      DefaultLogConfig(),
	}

	// Load from file if exists
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Merge with defaults (file values override defaults)
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides config fields from environment variables.
func (c *Config) applyEnv() {
	if val := os.Getenv("CODEX_SESSION_ROOT"); val != "" {
		c.Codex.SessionRoot = val
	}
	if val := os.Getenv("GEMINI_ROOT"); val != "" {
		c.Gemini.SessionRoot = val
	}
	if val := os.Getenv("GEMINI_PROJECT_HASH"); val != "" {
		c.Gemini.ProjectHash = val
	}
	if val, ok := envInt("CODEX_SYNC_TIMEOUT"); ok {
		c.Codex.SyncTimeout = val
	}
	if val, ok := envInt("GEMINI_SYNC_TIMEOUT"); ok {
		c.Gemini.SyncTimeout = val
	}
	if val, ok := envSeconds("CODEX_POLL_INTERVAL"); ok {
		c.Codex.PollIntervalMs = val
	}
	if val, ok := envSeconds("GEMINI_POLL_INTERVAL"); ok {
		c.Gemini.PollIntervalMs = val
	}
	if val, ok := envSeconds("GEMINI_FORCE_READ_INTERVAL"); ok {
		c.Gemini.ForceReadIntervalMs = val
	}
	if envBool("CCB_STRICT_SESSION_MATCH") {
		c.Codex.StrictSessionMatch = true
		c.Gemini.StrictSessionMatch = true
	}
	if c.Terminal == nil {
		c.Terminal = &TerminalConfig{}
	}
	if val := firstEnv("CODEX_WEZTERM_BIN", "WEZTERM_BIN"); val != "" {
		c.Terminal.WeztermBin = val
	}
	if val := firstEnv("CODEX_IT2_BIN", "IT2_BIN"); val != "" {
		c.Terminal.It2Bin = val
	}
	if val, ok := envSeconds("CCB_TMUX_ENTER_DELAY"); ok {
		c.Terminal.TmuxEnterDelayMs = val
	}
	if val, ok := envSeconds("CCB_WEZTERM_ENTER_DELAY"); ok {
		c.Terminal.WeztermEnterDelay = val
	}
}

// ApplyBackendEnv exports terminal settings into the process environment
// so that backend construction, binary discovery, and subprocesses see
// them. Values already present in the environment win: they were either
// set by the user or mirrored into the config by applyEnv.
func (c *Config) ApplyBackendEnv() {
	if c.Terminal == nil {
		return
	}
	if c.Terminal.WeztermBin != "" && os.Getenv("WEZTERM_BIN") == "" {
		os.Setenv("WEZTERM_BIN", c.Terminal.WeztermBin)
	}
	if c.Terminal.It2Bin != "" && os.Getenv("IT2_BIN") == "" {
		os.Setenv("IT2_BIN", c.Terminal.It2Bin)
	}
	if c.Terminal.TmuxEnterDelayMs > 0 && os.Getenv("CCB_TMUX_ENTER_DELAY") == "" {
		os.Setenv("CCB_TMUX_ENTER_DELAY", formatSeconds(c.Terminal.TmuxEnterDelayMs))
	}
	if c.Terminal.WeztermEnterDelay > 0 && os.Getenv("CCB_WEZTERM_ENTER_DELAY") == "" {
		os.Setenv("CCB_WEZTERM_ENTER_DELAY", formatSeconds(c.Terminal.WeztermEnterDelay))
	}
}

// formatSeconds renders a millisecond count as the fractional-seconds
// form the delay environment variables use.
func formatSeconds(ms int) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', -1, 64)
}

// PollInterval returns the clamped poll interval for a provider.
func (p *ProviderConfig) PollInterval() time.Duration {
	return clampDuration(time.Duration(p.PollIntervalMs)*time.Millisecond,
		10*time.Millisecond, 500*time.Millisecond)
}

// ForceReadInterval returns the clamped forced re-read interval.
func (p *ProviderConfig) ForceReadInterval() time.Duration {
	return clampDuration(time.Duration(p.ForceReadIntervalMs)*time.Millisecond,
		200*time.Millisecond, 5*time.Second)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// GetDefaultConfigPath returns the default config file path.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".ccb", "config.json"), nil
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0, false
	}
	return val, true
}

// envSeconds parses a fractional-seconds env value into milliseconds.
// The original tooling expressed intervals as seconds ("0.05").
func envSeconds(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil || val < 0 {
		return 0, false
	}
	return int(val * 1000), true
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}
