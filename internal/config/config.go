package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables that override the config file.
const (
	EnvBackendURL = "PHOTOVOTE_BACKEND_URL"
	EnvAnonKey    = "PHOTOVOTE_ANON_KEY"
)

// DefaultFeedURL is the supplementary description feed.
const DefaultFeedURL = "https://bmodel.ch/CORS/media-urls.xml"

// DefaultFreeLimit is the number of photos a free account may vote for.
const DefaultFreeLimit = 6

// Config represents the main configuration for photovote.
type Config struct {
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	Feedback bool           `toml:"feedback"` // ring the terminal bell after a vote
	Backend  BackendConfig  `toml:"backend"`
	Realtime RealtimeConfig `toml:"realtime"`
	Feed     FeedConfig     `toml:"feed"`
	Votes    VotesConfig    `toml:"votes"`
	Checkout CheckoutConfig `toml:"checkout"`
	Session  SessionConfig  `toml:"session"`
	Journal  JournalConfig  `toml:"journal"`
}

// BackendConfig selects the backend gateway.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BackendConfig struct {
	Type           string `toml:"type"` // "rest" (default) or "memory"
	URL            string `toml:"url,omitempty"`
	AnonKey        string `toml:"anon_key,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

// Timeout returns the request timeout, 30s when unset.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// RealtimeConfig selects the transport for row change notifications.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RealtimeConfig struct {
	Type string `toml:"type"` // "websocket", "nats" or "none"

	// Websocket-specific fields (only used when Type == "websocket").
	// URL defaults to the backend's realtime endpoint.
	URL              string `toml:"url,omitempty"`
	HeartbeatSeconds int    `toml:"heartbeat_seconds,omitempty"`

	// NATS-specific fields (only used when Type == "nats")
	NATSURL       string `toml:"nats_url,omitempty"`
	SubjectPrefix string `toml:"subject_prefix,omitempty"`
}

// FeedConfig selects where the supplementary description feed comes from.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type FeedConfig struct {
	Type string `toml:"type"` // "http", "s3", "file" or "none"

	// HTTP-specific fields (only used when Type == "http")
	URL string `toml:"url,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Key      string `toml:"s3_key,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`

	// File-specific fields (only used when Type == "file")
	Path string `toml:"path,omitempty"`
}

// VotesConfig holds vote quota settings.
type VotesConfig struct {
	FreeLimit       int `toml:"free_limit"`
	SubscriberLimit int `toml:"subscriber_limit"`
}

// CheckoutConfig holds the product catalog and payment redirect targets.
type CheckoutConfig struct {
	SuccessURL string          `toml:"success_url"`
	CancelURL  string          `toml:"cancel_url"`
	Products   []ProductConfig `toml:"products"`
}

// ProductConfig describes one purchasable plan.
type ProductConfig struct {
	Key         string `toml:"key"`
	Name        string `toml:"name"`
	Description string `toml:"description,omitempty"`
	PriceID     string `toml:"price_id"`
	Mode        string `toml:"mode"` // "subscription" or "payment"
}

// SessionConfig selects where the signed-in session is kept between runs.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type SessionConfig struct {
	Type         string `toml:"type"` // "age" (default) or "memory"
	Path         string `toml:"path,omitempty"`
	IdentityPath string `toml:"identity_path,omitempty"`
}

// JournalConfig selects the vote operation journal.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type JournalConfig struct {
	Type    string `toml:"type"`               // "sqlite", "memory" or "none"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Feedback: true,
		Backend: BackendConfig{
			Type:           "rest",
			TimeoutSeconds: 30,
		},
		Realtime: RealtimeConfig{
			Type:             "websocket",
			HeartbeatSeconds: 30,
		},
		Feed: FeedConfig{
			Type: "http",
			URL:  DefaultFeedURL,
		},
		Votes: VotesConfig{
			FreeLimit:       DefaultFreeLimit,
			SubscriberLimit: DefaultFreeLimit,
		},
		Checkout: CheckoutConfig{
			SuccessURL: "photovote://profile?checkout=success",
			CancelURL:  "photovote://profile?checkout=canceled",
		},
		Session: SessionConfig{
			Type:         "age",
			Path:         filepath.Join(baseDir, "session.age"),
			IdentityPath: filepath.Join(baseDir, "keys", "session.key"),
		},
		Journal: JournalConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
	}
}

// ApplyEnv overrides backend settings from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvBackendURL); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv(EnvAnonKey); v != "" {
		c.Backend.AnonKey = v
	}
}

// Validate checks that the settings required by the selected types are present.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "rest", "":
		if c.Backend.URL == "" {
			return fmt.Errorf("backend url required (set %s or backend.url)", EnvBackendURL)
		}
		if c.Backend.AnonKey == "" {
			return fmt.Errorf("backend anon_key required (set %s or backend.anon_key)", EnvAnonKey)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown backend type: %s", c.Backend.Type)
	}
	if c.Votes.FreeLimit < 0 || c.Votes.SubscriberLimit < 0 {
		return fmt.Errorf("vote limits must not be negative")
	}
	for _, p := range c.Checkout.Products {
		if p.Key == "" || p.PriceID == "" {
			return fmt.Errorf("checkout product requires key and price_id")
		}
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Votes.fillDefaults()
	return &cfg, nil
}

// fillDefaults treats unset limits as the defaults. A zero free limit would
// refuse every vote.
func (v *VotesConfig) fillDefaults() {
	if v.FreeLimit == 0 {
		v.FreeLimit = DefaultFreeLimit
	}
	if v.SubscriberLimit == 0 {
		v.SubscriberLimit = v.FreeLimit
	}
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
