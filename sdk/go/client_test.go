package mitwatchsdk_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mitwatch/internal/app"
	"mitwatch/internal/config"
	"mitwatch/internal/domain"
	"mitwatch/internal/server"
	mitwatchsdk "mitwatch/sdk/go"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func newClient(t *testing.T, withStore bool) *mitwatchsdk.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Mitigations = []domain.MitigationDefinition{{
		ID:               "m1",
		Name:             "One",
		TriggerActionIDs: []uint32{100},
		DurationSeconds:  10,
		CooldownSeconds:  60,
		Category:         domain.CategoryParty,
		ApplyTo:          domain.ApplyToTarget,
	}}
	logger := log.New(io.Discard, "", 0)
	opts := app.Options{Config: cfg, Logger: logger, Now: func() time.Time { return t0 }}
	if withStore {
		store, conn, err := app.OpenStore(context.Background(), t.TempDir())
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		opts.Store = store
	}
	handler, err := server.New(server.Config{
		Monitor: app.NewMonitor(opts),
		Auth:    server.AuthConfig{Logger: logger},
		Now:     func() time.Time { return t0 },
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return mitwatchsdk.New(srv.URL)
}

func TestClientIngest(t *testing.T) {
	c := newClient(t, true)
	ctx := context.Background()
	if _, err := c.SetRoster(ctx, []mitwatchsdk.RosterMember{
		{ActorID: 1, Name: "Alpha", Job: "WAR", Level: 100},
		{ActorID: 50, Name: "Target", Job: "WHM", Level: 100},
	}); err != nil {
		t.Fatalf("set roster: %v", err)
	}
	obs := mitwatchsdk.Observation{LoggedIn: true, TerritoryID: 1122, InInstance: true}
	if _, err := c.SetContext(ctx, obs); err != nil {
		t.Fatalf("set context: %v", err)
	}
	obs.InCombat = true
	tr, err := c.SetContext(ctx, obs)
	if err != nil || !tr.Began {
		t.Fatalf("expected combat begin, got %+v %v", tr, err)
	}
	if _, err := c.ReportUsage(ctx, mitwatchsdk.Usage{CasterID: 1, ActionID: 100, Targets: []uint32{50}, At: t0.Add(time.Second)}); err != nil {
		t.Fatalf("report usage: %v", err)
	}
	res, err := c.ReportDamage(ctx, mitwatchsdk.Damage{TargetID: 50, SourceID: 9000, Amount: 500, At: t0.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("report damage: %v", err)
	}
	if !res.Analyzed || len(res.Active) != 1 || res.Active[0].RemainingSeconds != 9 {
		t.Fatalf("unexpected analysis %+v", res)
	}
	sessions, err := c.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].EventCount != 1 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	evts, err := c.Events(ctx, "session.begin", 5)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].SessionID != res.SessionID {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestClientErrorCode(t *testing.T) {
	c := newClient(t, false)
	_, err := c.Sessions(context.Background(), 0)
	var apiErr *mitwatchsdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Code() != "store_disabled" {
		t.Fatalf("unexpected error %d %q", apiErr.StatusCode, apiErr.Code())
	}
}
