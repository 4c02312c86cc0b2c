package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mitwatch/internal/catalog"
	"mitwatch/internal/domain"
	"mitwatch/internal/engine"
	"mitwatch/internal/reduction"
)

const (
	minStoredEvents = 100
	maxStoredEvents = 200000
)

// Config models mitwatch.yml.
type Config struct {
	Capture     CaptureConfig                 `yaml:"capture" json:"capture"`
	Attribution AttributionConfig             `yaml:"attribution" json:"attribution"`
	Overwrites  OverwriteConfig               `yaml:"overwrites" json:"overwrites"`
	Announce    AnnounceConfig                `yaml:"announce" json:"announce"`
	Store       StoreConfig                   `yaml:"store" json:"store"`
	Roster      RosterConfig                  `yaml:"roster" json:"roster"`
	Tick        TickConfig                    `yaml:"tick" json:"tick"`
	Server      ServerConfig                  `yaml:"server" json:"server"`
	Telemetry   TelemetryConfig               `yaml:"telemetry" json:"telemetry"`
	Mitigations []domain.MitigationDefinition `yaml:"mitigations,omitempty" json:"mitigations,omitempty"`
	Reduction   map[string]reduction.Profile  `yaml:"reduction,omitempty" json:"reduction,omitempty"`
}

type CaptureConfig struct {
	TrackOnlyInInstances bool `yaml:"track_only_in_instances" json:"track_only_in_instances"`
	// SelfID is the local player. Announcements need someone besides it.
	SelfID uint32 `yaml:"self_id" json:"self_id"`
}

type AttributionConfig struct {
	IncludePersonal        bool   `yaml:"include_personal" json:"include_personal"`
	IncludeParty           bool   `yaml:"include_party" json:"include_party"`
	IncludeEnemyDebuff     bool   `yaml:"include_enemy_debuff" json:"include_enemy_debuff"`
	AssumeReadyAtDutyStart bool   `yaml:"assume_ready_at_duty_start" json:"assume_ready_at_duty_start"`
	MinDamageToAnalyze     uint32 `yaml:"min_damage_to_analyze" json:"min_damage_to_analyze"`
}

type OverwriteConfig struct {
	RetentionSeconds int `yaml:"retention_seconds" json:"retention_seconds"`
	MaxRecords       int `yaml:"max_records" json:"max_records"`
	LookbackSeconds  int `yaml:"lookback_seconds" json:"lookback_seconds"`
	MaxPerEvent      int `yaml:"max_per_event" json:"max_per_event"`
}

type AnnounceConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	IntervalMS int           `yaml:"interval_ms" json:"interval_ms"`
	Capacity   int           `yaml:"capacity" json:"capacity"`
	Log        bool          `yaml:"log" json:"log"`
	Webhook    WebhookConfig `yaml:"webhook" json:"webhook"`
}

type WebhookConfig struct {
	URL            string `yaml:"url" json:"url"`
	Secret         string `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

type StoreConfig struct {
	Enabled         bool `yaml:"enabled" json:"enabled"`
	MaxStoredEvents int  `yaml:"max_stored_events" json:"max_stored_events"`
}

type RosterConfig struct {
	RefreshIntervalMS int `yaml:"refresh_interval_ms" json:"refresh_interval_ms"`
}

type TickConfig struct {
	IntervalMS int `yaml:"interval_ms" json:"interval_ms"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr" json:"addr"`
	Auth AuthConfig `yaml:"auth" json:"auth"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret,omitempty" json:"-"`
	Issuer    string `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience  string `yaml:"audience,omitempty" json:"audience,omitempty"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mw config default > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mitwatch.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the config values are usable.
func (c *Config) Validate() error {
	if c.Overwrites.RetentionSeconds <= 0 {
		return fmt.Errorf("config.overwrites.retention_seconds must be positive")
	}
	if c.Overwrites.MaxRecords <= 0 {
		return fmt.Errorf("config.overwrites.max_records must be positive")
	}
	if c.Overwrites.LookbackSeconds <= 0 || c.Overwrites.MaxPerEvent <= 0 {
		return fmt.Errorf("config.overwrites lookback_seconds and max_per_event must be positive")
	}
	if c.Announce.IntervalMS <= 0 || c.Announce.Capacity <= 0 {
		return fmt.Errorf("config.announce interval_ms and capacity must be positive")
	}
	if c.Announce.Webhook.URL != "" && !strings.HasPrefix(c.Announce.Webhook.URL, "http://") && !strings.HasPrefix(c.Announce.Webhook.URL, "https://") {
		return fmt.Errorf("config.announce.webhook.url must be http(s)")
	}
	if c.Roster.RefreshIntervalMS <= 0 {
		return fmt.Errorf("config.roster.refresh_interval_ms must be positive")
	}
	if c.Tick.IntervalMS <= 0 {
		return fmt.Errorf("config.tick.interval_ms must be positive")
	}
	if len(c.Mitigations) > 0 {
		if err := catalog.Validate(c.Mitigations); err != nil {
			return fmt.Errorf("config.mitigations: %w", err)
		}
	}
	for id, p := range c.Reduction {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.reduction contains empty mitigation id")
		}
		if p.Physical < 0 || p.Physical > 1 || p.Magical < 0 || p.Magical > 1 {
			return fmt.Errorf("config.reduction.%s must be within [0,1]", id)
		}
	}
	return nil
}

// Definitions returns the configured library, or the built-in one when
// none is configured.
func (c *Config) Definitions() []domain.MitigationDefinition {
	if len(c.Mitigations) == 0 {
		return catalog.Default()
	}
	return c.Mitigations
}

// ReductionTable merges configured overrides over the defaults.
func (c *Config) ReductionTable() reduction.Table {
	return reduction.DefaultTable().Merge(c.Reduction)
}

// EngineSettings converts attribution and overwrite settings.
func (c *Config) EngineSettings() engine.Settings {
	return engine.Settings{
		IncludePersonal:        c.Attribution.IncludePersonal,
		IncludeParty:           c.Attribution.IncludeParty,
		IncludeEnemyDebuff:     c.Attribution.IncludeEnemyDebuff,
		AssumeReadyAtDutyStart: c.Attribution.AssumeReadyAtDutyStart,
		MinDamageToAnalyze:     c.Attribution.MinDamageToAnalyze,
		OverwriteRetention:     time.Duration(c.Overwrites.RetentionSeconds) * time.Second,
		MaxOverwrites:          c.Overwrites.MaxRecords,
		OverwriteLookback:      time.Duration(c.Overwrites.LookbackSeconds) * time.Second,
		MaxOverwritesPerEvent:  c.Overwrites.MaxPerEvent,
	}
}

// MaxStoredEvents returns the store cap clamped to the supported range.
func (c *Config) MaxStoredEvents() int {
	n := c.Store.MaxStoredEvents
	if n < minStoredEvents {
		return minStoredEvents
	}
	if n > maxStoredEvents {
		return maxStoredEvents
	}
	return n
}

func (c *Config) AnnounceInterval() time.Duration {
	return time.Duration(c.Announce.IntervalMS) * time.Millisecond
}

func (c *Config) RosterInterval() time.Duration {
	return time.Duration(c.Roster.RefreshIntervalMS) * time.Millisecond
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Tick.IntervalMS) * time.Millisecond
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Announce.Webhook.TimeoutSeconds) * time.Second
}

const defaultTemplate = `capture:
  track_only_in_instances: true
  self_id: 0

attribution:
  include_personal: true
  include_party: true
  include_enemy_debuff: true
  assume_ready_at_duty_start: true
  min_damage_to_analyze: 0

overwrites:
  retention_seconds: 1200
  max_records: 5000
  lookback_seconds: 45
  max_per_event: 30

announce:
  enabled: false
  interval_ms: 1000
  capacity: 50
  log: false
  webhook:
    url: ""
    timeout_seconds: 5

store:
  enabled: true
  max_stored_events: 20000

roster:
  refresh_interval_ms: 250

tick:
  interval_ms: 100

server:
  addr: 127.0.0.1:8480

telemetry:
  service_name: mitwatch
`
