// Package config provides configuration loading and management for Semflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/semflow/logging"
	"gopkg.in/yaml.v3"
)

// Availability policies applied when no calendar provider is configured.
const (
	PolicyFailOpen   = "fail_open"
	PolicyFailClosed = "fail_closed"

	TransientHold = "hold"
	TransientFail = "fail"

	// MinLeaseTTL is the shortest lease the renewal loop can keep alive.
	MinLeaseTTL = time.Second
)

// Config represents the complete Semflow configuration
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Providers ProvidersConfig `yaml:"providers"`
	HTTP      HTTPConfig      `yaml:"http"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Templates TemplatesConfig `yaml:"templates"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EngineConfig configures the workflow executor
type EngineConfig struct {
	// CapabilityTimeout bounds every provider call (default: 10s)
	CapabilityTimeout time.Duration `yaml:"capability_timeout"`
	// AvailabilityPolicy is fail_open or fail_closed
	AvailabilityPolicy string `yaml:"availability_policy"`
	// TransientFailures is fail (default) or hold (leave the task active
	// until a later advance retries it)
	TransientFailures string `yaml:"transient_failures"`
	// GatherMissingIsInput reports missing gather data as "requires input"
	// instead of failing the workflow (default: true)
	GatherMissingIsInput *bool `yaml:"gather_missing_is_input,omitempty"`
	// LockWait is how long an advance waits for a busy workflow
	LockWait time.Duration `yaml:"lock_wait"`
	// LeaseTTL is the lifetime of a cross-process workflow lease
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream directory of the embedded server
	StoreDir string `yaml:"store_dir"`
}

// StoreConfig selects the workflow store
type StoreConfig struct {
	// Backend is memory or nats
	Backend     string `yaml:"backend"`
	Bucket      string `yaml:"bucket"`
	LeaseBucket string `yaml:"lease_bucket"`
}

// ProvidersConfig configures capability providers
type ProvidersConfig struct {
	Google   GoogleConfig   `yaml:"google"`
	Calendar CalendarConfig `yaml:"calendar"`
	Email    EmailConfig    `yaml:"email"`
	Chat     ChatConfig     `yaml:"chat"`
}

// GoogleConfig holds OAuth credentials shared by Google Calendar and Gmail
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	TokenURL     string `yaml:"token_url,omitempty"`
}

// CalendarConfig configures the calendar capability
type CalendarConfig struct {
	// Provider is none, memory or google
	Provider   string `yaml:"provider"`
	CalendarID string `yaml:"calendar_id"`
	TimeZone   string `yaml:"time_zone"`
}

// EmailConfig configures the email capability
type EmailConfig struct {
	// Provider is none, memory or gmail
	Provider string `yaml:"provider"`
	Sender   string `yaml:"sender"`
}

// ChatConfig configures the chat capability
type ChatConfig struct {
	// Provider is none, memory, slack or nats
	Provider     string `yaml:"provider"`
	SlackWebhook string `yaml:"slack_webhook"`
	NATSSubject  string `yaml:"nats_subject"`
	Channel      string `yaml:"channel"`
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// TriggerConfig configures the JetStream advance consumer
type TriggerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Stream   string `yaml:"stream"`
	Subject  string `yaml:"subject"`
	Consumer string `yaml:"consumer"`
	MaxSteps int    `yaml:"max_steps"`
}

// TemplatesConfig configures plan template discovery
type TemplatesConfig struct {
	// Dir holds *.yaml templates (empty = built-ins only)
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// LoggingConfig configures process logging
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	gatherIsInput := true
	return &Config{
		Engine: EngineConfig{
			CapabilityTimeout:    10 * time.Second,
			AvailabilityPolicy:   PolicyFailOpen,
			TransientFailures:    TransientFail,
			GatherMissingIsInput: &gatherIsInput,
			LockWait:             2 * time.Second,
			LeaseTTL:             30 * time.Second,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Store: StoreConfig{
			Backend:     "nats",
			Bucket:      "SEMFLOW_WORKFLOWS",
			LeaseBucket: "SEMFLOW_LEASES",
		},
		Providers: ProvidersConfig{
			Calendar: CalendarConfig{Provider: "memory", CalendarID: "primary", TimeZone: "UTC"},
			Email:    EmailConfig{Provider: "memory"},
			Chat:     ChatConfig{Provider: "memory", NATSSubject: "chatops.messages"},
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Trigger: TriggerConfig{
			Enabled:  true,
			Stream:   "SEMFLOW_TRIGGERS",
			Subject:  "workflow.trigger.advance",
			Consumer: "semflow-advance",
			MaxSteps: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	if c.Engine.GatherMissingIsInput != nil {
		v := *c.Engine.GatherMissingIsInput
		out.Engine.GatherMissingIsInput = &v
	}
	return &out
}

// GatherIsInput returns the effective gather_missing_is_input setting.
func (e EngineConfig) GatherIsInput() bool {
	return e.GatherMissingIsInput == nil || *e.GatherMissingIsInput
}

// UsesNATS reports whether any configured component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.Store.Backend == "nats" || c.Trigger.Enabled || c.Providers.Chat.Provider == "nats"
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.CapabilityTimeout <= 0 {
		return fmt.Errorf("engine.capability_timeout must be positive")
	}
	if c.Engine.AvailabilityPolicy != PolicyFailOpen && c.Engine.AvailabilityPolicy != PolicyFailClosed {
		return fmt.Errorf("engine.availability_policy must be %s or %s", PolicyFailOpen, PolicyFailClosed)
	}
	if c.Engine.TransientFailures != TransientHold && c.Engine.TransientFailures != TransientFail {
		return fmt.Errorf("engine.transient_failures must be %s or %s", TransientHold, TransientFail)
	}
	if c.Engine.LockWait < 0 {
		return fmt.Errorf("engine.lock_wait must not be negative")
	}
	if c.Store.Backend == "nats" && c.Engine.LeaseTTL < MinLeaseTTL {
		return fmt.Errorf("engine.lease_ttl must be at least %s with the nats store", MinLeaseTTL)
	}

	switch c.Store.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("store.backend must be memory or nats, got %q", c.Store.Backend)
	}
	if c.UsesNATS() && c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}

	if err := c.Providers.validate(); err != nil {
		return err
	}

	if c.Trigger.Enabled {
		if c.Trigger.Subject == "" || c.Trigger.Stream == "" || c.Trigger.Consumer == "" {
			return fmt.Errorf("trigger.stream, trigger.subject and trigger.consumer are required when the trigger is enabled")
		}
		if c.Trigger.MaxSteps <= 0 {
			return fmt.Errorf("trigger.max_steps must be positive")
		}
	}
	if c.Templates.Watch && c.Templates.Dir == "" {
		return fmt.Errorf("templates.dir is required when templates.watch is set")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

func (p ProvidersConfig) validate() error {
	needsGoogle := false
	switch p.Calendar.Provider {
	case "", "none", "memory":
	case "google":
		needsGoogle = true
	default:
		return fmt.Errorf("providers.calendar.provider must be none, memory or google")
	}
	switch p.Email.Provider {
	case "", "none", "memory":
	case "gmail":
		needsGoogle = true
	default:
		return fmt.Errorf("providers.email.provider must be none, memory or gmail")
	}
	switch p.Chat.Provider {
	case "", "none", "memory", "nats":
	case "slack":
		if p.Chat.SlackWebhook == "" {
			return fmt.Errorf("providers.chat.slack_webhook is required for slack")
		}
	default:
		return fmt.Errorf("providers.chat.provider must be none, memory, slack or nats")
	}
	if needsGoogle {
		g := p.Google
		if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
			return fmt.Errorf("providers.google client_id, client_secret and refresh_token are required")
		}
	}
	return nil
}

// LoggingOptions converts the logging section for the logging package.
func (c *Config) LoggingOptions() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// LoadFromFile loads configuration from a YAML file. ${VAR} references are
// expanded from the environment so secrets can stay out of the file.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.ApplyFile(path); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyFile overlays the YAML file at path onto c. Only keys present in the
// file change, so explicit false and zero values are honoured.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// credentials may be present
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Engine
	if other.Engine.CapabilityTimeout != 0 {
		c.Engine.CapabilityTimeout = other.Engine.CapabilityTimeout
	}
	if other.Engine.AvailabilityPolicy != "" {
		c.Engine.AvailabilityPolicy = other.Engine.AvailabilityPolicy
	}
	if other.Engine.TransientFailures != "" {
		c.Engine.TransientFailures = other.Engine.TransientFailures
	}
	if other.Engine.GatherMissingIsInput != nil {
		v := *other.Engine.GatherMissingIsInput
		c.Engine.GatherMissingIsInput = &v
	}
	if other.Engine.LockWait != 0 {
		c.Engine.LockWait = other.Engine.LockWait
	}
	if other.Engine.LeaseTTL != 0 {
		c.Engine.LeaseTTL = other.Engine.LeaseTTL
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	// Store
	if other.Store.Backend != "" {
		c.Store.Backend = other.Store.Backend
	}
	if other.Store.Bucket != "" {
		c.Store.Bucket = other.Store.Bucket
	}
	if other.Store.LeaseBucket != "" {
		c.Store.LeaseBucket = other.Store.LeaseBucket
	}

	// Providers
	mergeString(&c.Providers.Google.ClientID, other.Providers.Google.ClientID)
	mergeString(&c.Providers.Google.ClientSecret, other.Providers.Google.ClientSecret)
	mergeString(&c.Providers.Google.RefreshToken, other.Providers.Google.RefreshToken)
	mergeString(&c.Providers.Google.TokenURL, other.Providers.Google.TokenURL)
	mergeString(&c.Providers.Calendar.Provider, other.Providers.Calendar.Provider)
	mergeString(&c.Providers.Calendar.CalendarID, other.Providers.Calendar.CalendarID)
	mergeString(&c.Providers.Calendar.TimeZone, other.Providers.Calendar.TimeZone)
	mergeString(&c.Providers.Email.Provider, other.Providers.Email.Provider)
	mergeString(&c.Providers.Email.Sender, other.Providers.Email.Sender)
	mergeString(&c.Providers.Chat.Provider, other.Providers.Chat.Provider)
	mergeString(&c.Providers.Chat.SlackWebhook, other.Providers.Chat.SlackWebhook)
	mergeString(&c.Providers.Chat.NATSSubject, other.Providers.Chat.NATSSubject)
	mergeString(&c.Providers.Chat.Channel, other.Providers.Chat.Channel)

	// HTTP
	mergeString(&c.HTTP.Addr, other.HTTP.Addr)

	// Trigger. Enabled is a plain bool, so a later layer can only turn it on.
	if other.Trigger.Enabled {
		c.Trigger.Enabled = true
	}
	mergeString(&c.Trigger.Stream, other.Trigger.Stream)
	mergeString(&c.Trigger.Subject, other.Trigger.Subject)
	mergeString(&c.Trigger.Consumer, other.Trigger.Consumer)
	if other.Trigger.MaxSteps != 0 {
		c.Trigger.MaxSteps = other.Trigger.MaxSteps
	}

	// Templates
	mergeString(&c.Templates.Dir, other.Templates.Dir)
	if other.Templates.Watch {
		c.Templates.Watch = true
	}

	// Logging
	mergeString(&c.Logging.Level, other.Logging.Level)
	mergeString(&c.Logging.Format, other.Logging.Format)
	mergeString(&c.Logging.File, other.Logging.File)
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxBackups != 0 {
		c.Logging.MaxBackups = other.Logging.MaxBackups
	}
	if other.Logging.MaxAgeDays != 0 {
		c.Logging.MaxAgeDays = other.Logging.MaxAgeDays
	}
	if other.Logging.Compress {
		c.Logging.Compress = true
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
