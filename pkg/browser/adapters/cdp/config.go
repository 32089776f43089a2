package cdp

import (
	"errors"
	"strings"
	"time"
)

// Config controls how the Chrome DevTools adapter launches Chrome.
type Config struct {
	// ExecPath overrides Chrome discovery. Empty uses chromedp's lookup.
	ExecPath      string
	Headless      bool
	Flags         map[string]any
	LaunchTimeout time.Duration
	CloseTimeout  time.Duration
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Headless: true,
		Flags: map[string]any{
			"disable-blink-features": "AutomationControlled",
		},
		LaunchTimeout: 30 * time.Second,
		CloseTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	defaults.Headless = c.Headless
	if strings.TrimSpace(c.ExecPath) != "" {
		defaults.ExecPath = c.ExecPath
	}
	for k, v := range c.Flags {
		defaults.Flags[k] = v
	}
	if c.LaunchTimeout != 0 {
		defaults.LaunchTimeout = c.LaunchTimeout
	}
	if c.CloseTimeout != 0 {
		defaults.CloseTimeout = c.CloseTimeout
	}
	return defaults
}

// Validate checks whether the config is usable.
func (c Config) Validate() error {
	if c.LaunchTimeout <= 0 {
		return errors.New("launch_timeout must be greater than zero")
	}
	if c.CloseTimeout < 0 {
		return errors.New("close_timeout must be zero or positive")
	}
	for k := range c.Flags {
		if strings.TrimSpace(k) == "" || strings.HasPrefix(k, "-") {
			return errors.New("flag names must be non-empty and given without leading dashes")
		}
	}
	return nil
}
