package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the full chartshot configuration.
type Config struct {
	Chart     ChartConfig     `yaml:"chart"`
	Capture   CaptureConfig   `yaml:"capture"`
	Server    ServerConfig    `yaml:"server"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Storage   StorageConfig   `yaml:"storage"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Timeframe is one chart resolution. Value is the widget interval, Code the
// short identifier callers use.
type Timeframe struct {
	Value string `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
	Code  string `yaml:"code" json:"code"`
}

// Study is an indicator injected into the chart after load. Inputs and
// Styles are passed through to the page untouched.
type Study struct {
	ID       string         `yaml:"id" json:"id"`
	PlotName string         `yaml:"plot_name" json:"plotName"`
	Inputs   map[string]any `yaml:"inputs" json:"inputs"`
	Styles   map[string]any `yaml:"styles" json:"styles"`
}

// ChartConfig describes what is charted and how the widget URL is built.
type ChartConfig struct {
	Symbol     string      `yaml:"symbol" json:"symbol"`
	Exchange   string      `yaml:"exchange" json:"exchange"`
	WidgetURL  string      `yaml:"widget_url" json:"-"`
	Theme      string      `yaml:"theme" json:"-"`
	Locale     string      `yaml:"locale" json:"-"`
	Timezone   string      `yaml:"timezone" json:"-"`
	Timeframes []Timeframe `yaml:"timeframes" json:"timeframes"`
	Studies    []Study     `yaml:"studies" json:"studies"`
}

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// CaptureConfig tunes the browser automation steps.
type CaptureConfig struct {
	Viewport          Viewport      `yaml:"viewport"`
	ToolViewport      Viewport      `yaml:"tool_viewport"`
	ReadySelector     string        `yaml:"ready_selector"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	StudySettleDelay  time.Duration `yaml:"study_settle_delay"`
	DialogSettleDelay time.Duration `yaml:"dialog_settle_delay"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	JPEGQuality       int           `yaml:"jpeg_quality"`
	Locale            string        `yaml:"locale"`
	Timezone          string        `yaml:"timezone"`
	ExecPath          string        `yaml:"exec_path"`
	Headless          bool          `yaml:"headless"`
	OverlaySelectors  []string      `yaml:"overlay_selectors"`
	ConfirmButtons    []string      `yaml:"confirm_buttons"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Bind            string   `yaml:"bind"`
	BaseURL         string   `yaml:"base_url"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	CaptureRate     float64  `yaml:"capture_rate"`
	CaptureBurst    int      `yaml:"capture_burst"`
	MaxEventClients int      `yaml:"max_event_clients"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
}

// SessionsConfig controls idle reaping of MCP sessions.
type SessionsConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// ArtifactsConfig controls where screenshots live and how long.
type ArtifactsConfig struct {
	Dir           string        `yaml:"dir"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StorageConfig points at the capture history database. Empty disables it.
// Runs older than Retention are pruned; zero keeps them forever.
type StorageConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// NotifyConfig enables event forwarding to NATS.
type NotifyConfig struct {
	NATSURL string        `yaml:"nats_url"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig toggles span export.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
}

// LoggingConfig sets the log level and an optional log directory.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// DefaultConfig returns the built-in configuration: XAUUSD on OANDA with five
// timeframes and two moving averages.
func DefaultConfig() *Config {
	return &Config{
		Chart: ChartConfig{
			Symbol:    "XAUUSD",
			Exchange:  "OANDA",
			WidgetURL: "https://s.tradingview.com/widgetembed/",
			Theme:     "light",
			Locale:    "it",
			Timezone:  "Etc/UTC",
			Timeframes: []Timeframe{
				{Value: "5", Label: "5 Min", Code: "5M"},
				{Value: "15", Label: "15 Min", Code: "15M"},
				{Value: "30", Label: "30 Min", Code: "30M"},
				{Value: "60", Label: "1H", Code: "1H"},
				{Value: "240", Label: "4H", Code: "4H"},
			},
			Studies: []Study{
				{
					ID:       "MASimple@tv-basicstudies",
					PlotName: "MovAvgSimple",
					Inputs:   map[string]any{"length": 265},
					Styles:   map[string]any{"color": "#00bcd4", "linewidth": 3},
				},
				{
					ID:       "MAExp@tv-basicstudies",
					PlotName: "MovAvgExp",
					Inputs:   map[string]any{"length": 75},
					Styles:   map[string]any{"color": "#2962ff", "linewidth": 3},
				},
			},
		},
		Capture: CaptureConfig{
			Viewport:          Viewport{Width: 1920, Height: 1200},
			ToolViewport:      Viewport{Width: 1280, Height: 800},
			ReadySelector:     "canvas",
			ReadyTimeout:      15 * time.Second,
			NavigationTimeout: 60 * time.Second,
			SettleDelay:       3 * time.Second,
			StudySettleDelay:  2 * time.Second,
			DialogSettleDelay: 300 * time.Millisecond,
			MaxRetries:        2,
			RetryDelay:        2 * time.Second,
			JPEGQuality:       75,
			Locale:            "it-IT",
			Timezone:          "Europe/Rome",
			Headless:          true,
			OverlaySelectors:  []string{`[class*="close"]`, `[class*="dismiss"]`},
			ConfirmButtons:    []string{"Ho capito", "OK"},
		},
		Server: ServerConfig{
			Bind:            "0.0.0.0:3001",
			AllowedOrigins:  []string{"*"},
			MaxEventClients: 16,
			MaxBodyBytes:    1 << 20,
		},
		Sessions: SessionsConfig{
			TTL:          10 * time.Minute,
			ReapInterval: time.Minute,
		},
		Artifacts: ArtifactsConfig{
			Dir:           "screenshots",
			TTL:           30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Storage: StorageConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Notify: NotifyConfig{
			Subject: "chartshot.events",
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, ~/.chartshot/config.yaml,
// ./.chartshot/config.yaml and environment overrides, in that order.
// CHARTSHOT_CONFIG replaces both files with a single explicit path.
func Load() (*Config, error) {
	if path := strings.TrimSpace(os.Getenv("CHARTSHOT_CONFIG")); path != "" {
		return LoadFromPath(path)
	}

	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".chartshot", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".chartshot", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads a single config file over the defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides honours the variable names of the original deployment
// (MCP_PORT, MCP_SESSION_TTL, REST_BASE_URL, SCREENSHOTS_TTL) plus the
// CHARTSHOT_* family.
func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("MCP_PORT")); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("MCP_PORT: invalid port %q", v)
		}
		host, _, err := net.SplitHostPort(cfg.Server.Bind)
		if err != nil {
			host = "0.0.0.0"
		}
		cfg.Server.Bind = net.JoinHostPort(host, v)
	}
	if v := strings.TrimSpace(os.Getenv("REST_BASE_URL")); v != "" {
		cfg.Server.BaseURL = v
	}
	if d, ok, err := envMillis("MCP_SESSION_TTL"); err != nil {
		return err
	} else if ok {
		cfg.Sessions.TTL = d
	}
	if d, ok, err := envMillis("SCREENSHOTS_TTL"); err != nil {
		return err
	} else if ok {
		cfg.Artifacts.TTL = d
	}

	if v := os.Getenv("CHARTSHOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHARTSHOT_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("CHARTSHOT_DB"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CHARTSHOT_NATS_URL"); v != "" {
		cfg.Notify.NATSURL = v
	}
	if v := os.Getenv("CHARTSHOT_CHROME_PATH"); v != "" {
		cfg.Capture.ExecPath = v
	}
	if v := os.Getenv("CHARTSHOT_SCREENSHOTS_DIR"); v != "" {
		cfg.Artifacts.Dir = v
	}
	if v := os.Getenv("CHARTSHOT_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCommaList(v)
	}
	if val, ok := envBool("CHARTSHOT_HEADLESS"); ok {
		cfg.Capture.Headless = val
	}
	if val, ok := envBool("CHARTSHOT_TRACING"); ok {
		cfg.Telemetry.Tracing = val
	}
	return nil
}

func envMillis(key string) (time.Duration, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return 0, false, fmt.Errorf("%s: expected positive milliseconds, got %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// Port returns the port part of Server.Bind.
func (s ServerConfig) Port() string {
	_, port, err := net.SplitHostPort(s.Bind)
	if err != nil {
		return ""
	}
	return port
}

// PublicBaseURL returns BaseURL, or http://localhost:<port> when unset.
func (s ServerConfig) PublicBaseURL() string {
	if base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/"); base != "" {
		return base
	}
	return "http://localhost:" + s.Port()
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Chart.Symbol) == "" {
		return fmt.Errorf("chart.symbol is required")
	}
	if len(c.Chart.Timeframes) == 0 {
		return fmt.Errorf("chart.timeframes must list at least one timeframe")
	}
	seen := make(map[string]bool, len(c.Chart.Timeframes))
	for i, tf := range c.Chart.Timeframes {
		if tf.Value == "" || tf.Code == "" {
			return fmt.Errorf("chart.timeframes[%d]: value and code are required", i)
		}
		key := strings.ToUpper(tf.Code)
		if seen[key] {
			return fmt.Errorf("chart.timeframes: duplicate code %q", tf.Code)
		}
		seen[key] = true
	}
	for i, st := range c.Chart.Studies {
		if st.ID == "" {
			return fmt.Errorf("chart.studies[%d]: id is required", i)
		}
	}

	if c.Capture.Viewport.Width <= 0 || c.Capture.Viewport.Height <= 0 {
		return fmt.Errorf("capture.viewport must be positive, got %dx%d", c.Capture.Viewport.Width, c.Capture.Viewport.Height)
	}
	if c.Capture.ToolViewport.Width <= 0 || c.Capture.ToolViewport.Height <= 0 {
		return fmt.Errorf("capture.tool_viewport must be positive, got %dx%d", c.Capture.ToolViewport.Width, c.Capture.ToolViewport.Height)
	}
	if c.Capture.MaxRetries < 0 {
		return fmt.Errorf("capture.max_retries must be >= 0")
	}
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		return fmt.Errorf("capture.jpeg_quality must be between 1 and 100, got %d", c.Capture.JPEGQuality)
	}
	if c.Capture.NavigationTimeout <= 0 || c.Capture.ReadyTimeout <= 0 {
		return fmt.Errorf("capture timeouts must be positive")
	}

	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("server.bind %q: %w", c.Server.Bind, err)
	}
	if c.Server.CaptureRate < 0 {
		return fmt.Errorf("server.capture_rate must be >= 0")
	}

	if c.Sessions.TTL <= 0 || c.Sessions.ReapInterval <= 0 {
		return fmt.Errorf("sessions.ttl and sessions.reap_interval must be positive")
	}
	if c.Sessions.ReapInterval >= c.Sessions.TTL {
		return fmt.Errorf("sessions.reap_interval (%s) must be smaller than sessions.ttl (%s)", c.Sessions.ReapInterval, c.Sessions.TTL)
	}

	if strings.TrimSpace(c.Artifacts.Dir) == "" {
		return fmt.Errorf("artifacts.dir is required")
	}
	if c.Artifacts.TTL <= 0 || c.Artifacts.SweepInterval <= 0 {
		return fmt.Errorf("artifacts.ttl and artifacts.sweep_interval must be positive")
	}

	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must be >= 0")
	}

	if c.Notify.NATSURL != "" && strings.TrimSpace(c.Notify.Subject) == "" {
		return fmt.Errorf("notify.subject is required when notify.nats_url is set")
	}
	return nil
}
