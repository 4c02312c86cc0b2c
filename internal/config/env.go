package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds environment overrides. Unset pointer fields leave the file
// value untouched.
type Env struct {
	Addr                 string  `env:"MITWATCH_ADDR"`
	JWTSecret            string  `env:"MITWATCH_JWT_SECRET"`
	WebhookURL           string  `env:"MITWATCH_WEBHOOK_URL"`
	WebhookSecret        string  `env:"MITWATCH_WEBHOOK_SECRET"`
	OTLPEndpoint         string  `env:"MITWATCH_OTEL_ENDPOINT"`
	TrackOnlyInInstances *bool   `env:"MITWATCH_TRACK_ONLY_IN_INSTANCES"`
	AssumeReady          *bool   `env:"MITWATCH_ASSUME_READY"`
	AnnounceOverwrites   *bool   `env:"MITWATCH_ANNOUNCE_OVERWRITES"`
	MinDamage            *uint32 `env:"MITWATCH_MIN_DAMAGE"`
	SelfID               *uint32 `env:"MITWATCH_SELF_ID"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyEnv parses the environment and overlays it on c.
func (c *Config) ApplyEnv() error {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return err
	}
	c.Apply(e)
	return c.Validate()
}

// Apply overlays the set fields of e.
func (c *Config) Apply(e Env) {
	if e.Addr != "" {
		c.Server.Addr = e.Addr
	}
	if e.JWTSecret != "" {
		c.Server.Auth.JWTSecret = e.JWTSecret
	}
	if e.WebhookURL != "" {
		c.Announce.Webhook.URL = e.WebhookURL
	}
	if e.WebhookSecret != "" {
		c.Announce.Webhook.Secret = e.WebhookSecret
	}
	if e.OTLPEndpoint != "" {
		c.Telemetry.OTLPEndpoint = e.OTLPEndpoint
	}
	if e.TrackOnlyInInstances != nil {
		c.Capture.TrackOnlyInInstances = *e.TrackOnlyInInstances
	}
	if e.AssumeReady != nil {
		c.Attribution.AssumeReadyAtDutyStart = *e.AssumeReady
	}
	if e.AnnounceOverwrites != nil {
		c.Announce.Enabled = *e.AnnounceOverwrites
	}
	if e.MinDamage != nil {
		c.Attribution.MinDamageToAnalyze = *e.MinDamage
	}
	if e.SelfID != nil {
		c.Capture.SelfID = *e.SelfID
	}
}
