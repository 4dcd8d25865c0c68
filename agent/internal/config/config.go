package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is left empty.
const (
	DefaultInputSelector  = "textarea"
	DefaultStorageSegment = "rc_gen_image/"
	DefaultFilenameSuffix = ".png"
	DefaultSettleDelay    = 1500 * time.Millisecond
	DefaultGraceDelay     = 500 * time.Millisecond
	DefaultSubmitDelay    = 200 * time.Millisecond
	DefaultReconnectDelay = 5 * time.Second
	DefaultDashboardAddr  = ":8090"
)

// Config holds the agent configuration
type Config struct {
	Agent struct {
		ID        string `yaml:"id"`        // Agent identifier sent to the relay
		Signature string `yaml:"signature"` // ED25519 signature of ID (Base64), optional
	} `yaml:"agent"`

	Relay struct {
		URL            string        `yaml:"url"`             // Relay WebSocket URL (e.g., ws://localhost:8080/ws)
		ReconnectDelay time.Duration `yaml:"reconnect_delay"` // Fixed delay before a reconnect (default: 5s)
	} `yaml:"relay"`

	Surface struct {
		URL           string        `yaml:"url"`            // Page the browser opens and drives
		InputSelector string        `yaml:"input_selector"` // CSS selector of the prompt input (default: textarea)
		RemoteURL     string        `yaml:"remote_url"`     // Attach to a running Chrome (ws://...) instead of launching one
		Headless      bool          `yaml:"headless"`       // Launch Chrome headless
		UserDataDir   string        `yaml:"user_data_dir"`  // Chrome profile directory, keeps the surface logged in
		SubmitDelay   time.Duration `yaml:"submit_delay"`   // Settle delay between setting input and submitting (default: 200ms)
	} `yaml:"surface"`

	Collect struct {
		SettleDelay          time.Duration `yaml:"settle_delay"`            // Debounce window (default: 1500ms)
		GraceDelay           time.Duration `yaml:"grace_delay"`             // Delay after flush before cleanup (default: 500ms)
		AutoReload           bool          `yaml:"auto_reload"`             // Reload the surface after every flush
		ClearStateOnComplete bool          `yaml:"clear_state_on_complete"` // Clear localStorage/sessionStorage after every flush
		StorageSegment       string        `yaml:"storage_segment"`         // Path segment an image URL must contain
		FilenameSuffix       string        `yaml:"filename_suffix"`         // Suffix an image URL path must end with
	} `yaml:"collect"`

	Database struct {
		Path string `yaml:"path"` // SQLite database path, empty disables batch history
	} `yaml:"database"`

	Dashboard struct {
		Enabled bool   `yaml:"enabled"` // Whether to enable the dashboard (default: false)
		Address string `yaml:"address"` // Dashboard server address (default: :8090)
	} `yaml:"dashboard"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
		Format string `yaml:"format"` // json or console (default: json)
	} `yaml:"log"`
}

// Load reads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates required fields.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Agent.Signature != "" && cfg.Agent.ID == "" {
		return nil, fmt.Errorf("agent.id is required when agent.signature is set")
	}

	cfg.applyDefaults()

	// Validate required fields
	if cfg.Relay.URL == "" {
		return nil, fmt.Errorf("relay.url is required")
	}
	if cfg.Surface.URL == "" && cfg.Surface.RemoteURL == "" {
		return nil, fmt.Errorf("surface.url or surface.remote_url is required")
	}

	return &cfg, nil
}

// AuthToken returns the X-Auth-Token value, or "" when the agent is unsigned.
func (c *Config) AuthToken() string {
	if c.Agent.Signature == "" {
		return ""
	}
	return c.Agent.ID + ":" + c.Agent.Signature
}

func (c *Config) applyDefaults() {
	if c.Agent.ID == "" {
		c.Agent.ID = "agent"
	}
	if c.Relay.ReconnectDelay == 0 {
		c.Relay.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Surface.InputSelector == "" {
		c.Surface.InputSelector = DefaultInputSelector
	}
	if c.Surface.SubmitDelay == 0 {
		c.Surface.SubmitDelay = DefaultSubmitDelay
	}
	if c.Collect.SettleDelay == 0 {
		c.Collect.SettleDelay = DefaultSettleDelay
	}
	if c.Collect.GraceDelay == 0 {
		c.Collect.GraceDelay = DefaultGraceDelay
	}
	if c.Collect.StorageSegment == "" {
		c.Collect.StorageSegment = DefaultStorageSegment
	}
	if c.Collect.FilenameSuffix == "" {
		c.Collect.FilenameSuffix = DefaultFilenameSuffix
	}
	if c.Dashboard.Address == "" {
		c.Dashboard.Address = DefaultDashboardAddr
	}
}
