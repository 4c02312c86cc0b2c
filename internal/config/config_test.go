package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mitwatch/internal/config"
	"mitwatch/internal/domain"
)

func TestDefaultMatchesTemplate(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.Capture.TrackOnlyInInstances || !cfg.Attribution.AssumeReadyAtDutyStart || !cfg.Attribution.IncludeEnemyDebuff {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Announce.Enabled {
		t.Fatalf("announcements are off by default")
	}
	s := cfg.EngineSettings()
	if s.OverwriteRetention != 20*time.Minute || s.MaxOverwrites != 5000 || s.OverwriteLookback != 45*time.Second || s.MaxOverwritesPerEvent != 30 {
		t.Fatalf("unexpected engine settings %+v", s)
	}
	if cfg.AnnounceInterval() != time.Second || cfg.RosterInterval() != 250*time.Millisecond {
		t.Fatalf("unexpected intervals")
	}
	if len(cfg.Definitions()) == 0 {
		t.Fatalf("empty mitigations should fall back to the built-in library")
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := config.FromYAML([]byte("attribution:\n  min_damage_to_analyze: 500\n  include_party: false\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Attribution.MinDamageToAnalyze != 500 || cfg.Attribution.IncludeParty {
		t.Fatalf("overrides not applied: %+v", cfg.Attribution)
	}
	if !cfg.Attribution.IncludePersonal || cfg.Overwrites.MaxRecords != 5000 {
		t.Fatalf("missing keys should keep defaults: %+v", cfg)
	}
}

func TestFromYAMLMitigations(t *testing.T) {
	data := `mitigations:
  - id: m1
    name: One
    trigger_action_ids: [100]
    duration_seconds: 10
    cooldown_seconds: 60
    category: party
    apply_to: target
    jobs: [WAR, PLD]
reduction:
  m1:
    physical: 0.1
    magical: 0.2
`
	cfg, err := config.FromYAML([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	defs := cfg.Definitions()
	if len(defs) != 1 || defs[0].ID != "m1" || len(defs[0].Jobs) != 2 || defs[0].Jobs[0] != domain.JobWAR {
		t.Fatalf("unexpected definitions %+v", defs)
	}
	if p := cfg.ReductionTable()["m1"]; p.Magical != 0.2 {
		t.Fatalf("reduction override missing: %+v", p)
	}
	if _, ok := cfg.ReductionTable()["rampart"]; !ok {
		t.Fatalf("defaults should survive the merge")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []string{
		"overwrites:\n  max_records: 0\n",
		"announce:\n  capacity: -1\n",
		"announce:\n  webhook:\n    url: ftp://example\n",
		"reduction:\n  x:\n    physical: 2\n",
		"mitigations:\n  - id: a\n    category: nope\n    apply_to: target\n",
		"not: [valid",
	}
	for _, c := range cases {
		if _, err := config.FromYAML([]byte(c)); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestMaxStoredEventsClamped(t *testing.T) {
	cfg := config.Default()
	cfg.Store.MaxStoredEvents = 5
	if cfg.MaxStoredEvents() != 100 {
		t.Fatalf("expected lower clamp")
	}
	cfg.Store.MaxStoredEvents = 1 << 30
	if cfg.MaxStoredEvents() != 200000 {
		t.Fatalf("expected upper clamp")
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mitwatch.yml"), []byte("server:\n  addr: 127.0.0.1:9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("unexpected addr %s", cfg.Server.Addr)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MITWATCH_ADDR", "0.0.0.0:1")
	t.Setenv("MITWATCH_ASSUME_READY", "false")
	t.Setenv("MITWATCH_MIN_DAMAGE", "250")
	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:1" || cfg.Attribution.AssumeReadyAtDutyStart || cfg.Attribution.MinDamageToAnalyze != 250 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if !cfg.Capture.TrackOnlyInInstances {
		t.Fatalf("unset env must not change file values")
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	t.Setenv("MITWATCH_MIN_DAMAGE", "lots")
	if err := config.Default().ApplyEnv(); err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Mitigations = cfg.Definitions()
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := config.FromYAML(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(back.Mitigations) != len(cfg.Mitigations) {
		t.Fatalf("mitigations lost in round trip")
	}
}
