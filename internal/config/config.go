// Package config loads and persists the conductor configuration file.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the conductor configuration.
type Config struct {
	// DataDir is the platform data directory (database, skills, logs).
	DataDir string `yaml:"data_dir"`

	// Gateway is the local HTTP surface the UI talks to.
	Gateway GatewayConfig `yaml:"gateway"`

	// Loop is the NeboLoop backend connection.
	Loop LoopConfig `yaml:"loop"`

	// Agent is the browser execution agent connection.
	Agent AgentConfig `yaml:"agent"`

	// Browser configures read-only access to the user's running browser
	// (token discovery only; automation happens in the execution agent).
	Browser BrowserConfig `yaml:"browser"`

	// Provider is the model configuration handed to the execution agent
	// when an autonomous run starts.
	Provider ProviderConfig `yaml:"provider"`

	// Approval selects how AI-proposed actions are confirmed.
	Approval ApprovalConfig `yaml:"approval"`
}

// GatewayConfig holds local HTTP gateway settings.
type GatewayConfig struct {
	Port          int    `yaml:"port"`           // default 27910
	SessionSecret string `yaml:"session_secret"` // HMAC secret for gateway session tokens
	PairingHash   string `yaml:"pairing_hash"`   // bcrypt hash of the UI pairing secret
}

// LoopConfig holds NeboLoop backend settings.
type LoopConfig struct {
	BaseURL   string `yaml:"base_url"`  // e.g. https://app.neboloop.com
	Workspace string `yaml:"workspace"` // shared workspace scope for skill memories
	SessionID string `yaml:"session_id,omitempty"`

	// AuthMode is "cookie" (resolve a token from open browser tabs) or
	// "manual" (use ManualToken / the OS keychain entry).
	AuthMode    string `yaml:"auth_mode"`
	ManualToken string `yaml:"manual_token,omitempty"`
}

// AgentConfig holds execution-agent channel settings.
type AgentConfig struct {
	URL string `yaml:"url"` // websocket endpoint, e.g. ws://127.0.0.1:27901/channel
}

// BrowserConfig holds settings for attaching to the user's browser.
type BrowserConfig struct {
	DevtoolsURL string `yaml:"devtools_url"` // e.g. http://127.0.0.1:9222
}

// ProviderConfig identifies the model the execution agent should run with.
type ProviderConfig struct {
	Name   string `yaml:"name"`              // e.g. "anthropic"
	Model  string `yaml:"model,omitempty"`   // e.g. "claude-sonnet-4-5"
	APIKey string `yaml:"api_key,omitempty"` // optional; agent may hold its own
}

// ApprovalConfig selects proposal handling.
type ApprovalConfig struct {
	Mode string `yaml:"mode"` // "manual" (queue for human review) or "auto"
}

// ManualTokenPlaceholder is the value written into fresh config files. The
// token resolver rejects it so a never-edited config can't authenticate.
const ManualTokenPlaceholder = "paste-your-token-here"

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Gateway: GatewayConfig{
			Port: 27910,
		},
		Loop: LoopConfig{
			BaseURL:     "https://app.neboloop.com",
			Workspace:   "shared",
			AuthMode:    "cookie",
			ManualToken: ManualTokenPlaceholder,
		},
		Agent: AgentConfig{
			URL: "ws://127.0.0.1:27901/channel",
		},
		Browser: BrowserConfig{
			DevtoolsURL: "http://127.0.0.1:9222",
		},
		Provider: ProviderConfig{
			Name: "anthropic",
		},
		Approval: ApprovalConfig{
			Mode: "manual",
		},
	}
}

// DefaultDataDir returns the platform data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// Load loads config from <data_dir>/config.yaml, falling back to defaults
// when the file does not exist.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	return loadInto(cfg, filepath.Join(cfg.DataDir, "config.yaml"), true)
}

// LoadFrom loads config from a specific path.
func LoadFrom(path string) (*Config, error) {
	return loadInto(DefaultConfig(), path, false)
}

func loadInto(cfg *Config, path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// The config file may carry a tilde path.
	if strings.HasPrefix(cfg.DataDir, "~/") {
		home, _ := os.UserHomeDir()
		cfg.DataDir = filepath.Join(home, cfg.DataDir[2:])
	}

	cfg.Loop.BaseURL = os.ExpandEnv(cfg.Loop.BaseURL)
	cfg.Loop.ManualToken = os.ExpandEnv(cfg.Loop.ManualToken)
	cfg.Agent.URL = os.ExpandEnv(cfg.Agent.URL)
	cfg.Browser.DevtoolsURL = os.ExpandEnv(cfg.Browser.DevtoolsURL)
	cfg.Provider.APIKey = os.ExpandEnv(cfg.Provider.APIKey)

	return cfg, nil
}

// Save writes the config to <data_dir>/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(c.DataDir, "config.yaml"), data, 0600)
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "data", "conductor.db")
}

// SkillsDir returns the on-disk skill library directory.
func (c *Config) SkillsDir() string {
	return filepath.Join(c.DataDir, "skills")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0700)
}

// AutoApprove reports whether proposals are applied without review.
func (c *Config) AutoApprove() bool {
	return c.Approval.Mode == "auto"
}
