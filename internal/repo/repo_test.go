package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"mitwatch/internal/db"
	"mitwatch/internal/domain"
	"mitwatch/internal/events"
	"mitwatch/internal/migrate"
	"mitwatch/internal/repo"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(sec * float64(time.Second)))
}

func setup(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func hit(target uint32, ts time.Time) *domain.DamageEventRecord {
	return &domain.DamageEventRecord{
		Timestamp:    ts,
		TargetID:     target,
		TargetName:   "Tank",
		TargetJob:    domain.JobWAR,
		SourceID:     9000,
		SourceName:   "Boss",
		ActionID:     42,
		ActionName:   "Cleave",
		DamageAmount: 12000,
		DamageType:   "physical",
		Active: []domain.MitigationContribution{
			{MitigationID: "rampart", MitigationName: "Rampart", CasterID: target, CasterName: "Tank", RemainingSeconds: 4.5},
		},
	}
}

func TestBeginSessionIsIdempotent(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	duty := domain.DutyContext{TerritoryID: 1122, TerritoryName: "Arena"}
	first, created, err := r.BeginSession(ctx, duty, at(0))
	if err != nil || !created {
		t.Fatalf("begin: created=%v err=%v", created, err)
	}
	second, created, err := r.BeginSession(ctx, duty, at(5))
	if err != nil || created {
		t.Fatalf("second begin: created=%v err=%v", created, err)
	}
	if first.ID != second.ID || !second.StartedAt.Equal(at(0)) {
		t.Fatalf("expected the open session back, got %+v", second)
	}
	open, err := r.OpenSession(ctx)
	if err != nil || open.Duty.TerritoryName != "Arena" {
		t.Fatalf("open session: %+v %v", open, err)
	}
}

func TestEndSessionDropsEmptySession(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	if _, _, err := r.BeginSession(ctx, domain.DutyContext{}, at(0)); err != nil {
		t.Fatal(err)
	}
	id, err := r.EndSession(ctx, at(10), 1000)
	if err != nil || id != "" {
		t.Fatalf("expected empty session to be dropped, got %q %v", id, err)
	}
	sessions, hits, err := r.Totals(ctx)
	if err != nil || sessions != 0 || hits != 0 {
		t.Fatalf("unexpected totals %d/%d %v", sessions, hits, err)
	}
	if id, err := r.EndSession(ctx, at(11), 1000); err != nil || id != "" {
		t.Fatalf("ending with nothing open should be a no-op: %q %v", id, err)
	}
}

func TestAddDamageEventCreatesSession(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	rec := hit(1, at(3))
	rec.Duty = domain.DutyContext{TerritoryID: 7}
	if err := r.AddDamageEvent(ctx, rec, 1000); err != nil {
		t.Fatalf("add: %v", err)
	}
	if rec.ID == "" || rec.SessionID == "" {
		t.Fatalf("ids not assigned: %+v", rec)
	}
	s, err := r.GetSession(ctx, rec.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !s.StartedAt.Equal(at(3)) || s.Duty.TerritoryID != 7 || s.EndedAt != nil {
		t.Fatalf("unexpected session %+v", s)
	}
	id, err := r.EndSession(ctx, at(20), 1000)
	if err != nil || id != rec.SessionID {
		t.Fatalf("end: %q %v", id, err)
	}
	list, err := r.SessionEvents(ctx, id)
	if err != nil || len(list) != 1 {
		t.Fatalf("events: %d %v", len(list), err)
	}
	got := list[0]
	if got.TargetJob != domain.JobWAR || got.SourceName != "Boss" || got.DamageType != "physical" || !got.Timestamp.Equal(at(3)) {
		t.Fatalf("round trip mismatch %+v", got)
	}
	if len(got.Active) != 1 || got.Active[0].MitigationID != "rampart" || got.Missing == nil {
		t.Fatalf("mitigation lists mismatch %+v", got)
	}
	summaries, err := r.ListSessionSummaries(ctx, 0)
	if err != nil || len(summaries) != 1 || summaries[0].EventCount != 1 || summaries[0].EndedAt == nil {
		t.Fatalf("summaries: %+v %v", summaries, err)
	}
}

func TestTrimDropsOldestSessionsFirst(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	var firstSession string
	for i := 0; i < 3; i++ {
		rec := hit(1, at(float64(i)))
		if err := r.AddDamageEvent(ctx, rec, 100); err != nil {
			t.Fatal(err)
		}
		firstSession = rec.SessionID
	}
	if _, err := r.EndSession(ctx, at(10), 100); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := r.AddDamageEvent(ctx, hit(1, at(float64(20+i))), 100); err != nil {
			t.Fatal(err)
		}
	}
	// limit 4 with 5 stored: the whole first session goes.
	if _, err := r.EndSession(ctx, at(30), 4); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetSession(ctx, firstSession); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("oldest session should be trimmed, got %v", err)
	}
	sessions, hits, err := r.Totals(ctx)
	if err != nil || sessions != 1 || hits != 2 {
		t.Fatalf("unexpected totals %d/%d %v", sessions, hits, err)
	}
}

func TestTrimDropsOldestEventsOfLastSession(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	var sessionID string
	for i := 0; i < 5; i++ {
		rec := hit(uint32(i+1), at(float64(i)))
		if err := r.AddDamageEvent(ctx, rec, 3); err != nil {
			t.Fatal(err)
		}
		sessionID = rec.SessionID
	}
	list, err := r.SessionEvents(ctx, sessionID)
	if err != nil || len(list) != 3 {
		t.Fatalf("expected 3 events, got %d %v", len(list), err)
	}
	if list[0].TargetID != 3 || list[2].TargetID != 5 {
		t.Fatalf("oldest events should be dropped first: %d..%d", list[0].TargetID, list[2].TargetID)
	}
}

func TestMarkLatestFatal(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	rec := hit(1, at(10))
	if err := r.AddDamageEvent(ctx, rec, 100); err != nil {
		t.Fatal(err)
	}
	if ok, err := r.MarkLatestFatal(ctx, 2, at(11)); err != nil || ok {
		t.Fatalf("no hit on target 2: %v %v", ok, err)
	}
	if ok, err := r.MarkLatestFatal(ctx, 1, at(14)); err != nil || ok {
		t.Fatalf("hit older than lookback must not be marked: %v %v", ok, err)
	}
	if ok, err := r.MarkLatestFatal(ctx, 1, at(12)); err != nil || !ok {
		t.Fatalf("expected mark: %v %v", ok, err)
	}
	if ok, err := r.MarkLatestFatal(ctx, 1, at(12.5)); err != nil || ok {
		t.Fatalf("already fatal: %v %v", ok, err)
	}
	if _, err := r.EndSession(ctx, at(13), 100); err != nil {
		t.Fatal(err)
	}
	list, err := r.SessionEvents(ctx, rec.SessionID)
	if err != nil || !list[0].IsFatal {
		t.Fatalf("fatal flag not stored: %+v %v", list, err)
	}
	summaries, _ := r.ListSessionSummaries(ctx, 10)
	if len(summaries) != 1 || summaries[0].FatalCount != 1 {
		t.Fatalf("fatal count: %+v", summaries)
	}
}

func TestMissingSessionIsNotFound(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	if _, err := r.GetSession(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := r.SessionEvents(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := r.OpenSession(ctx); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOverwritesAndJournal(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	s, _, err := r.BeginSession(ctx, domain.DutyContext{}, at(0))
	if err != nil {
		t.Fatal(err)
	}
	ow := domain.MitigationOverwrite{
		Timestamp: at(5), AppliedActorID: 1, ConflictGroupID: "phys_ranged",
		OldMitigationID: "troubadour", OldCasterID: 2, OldRemainingSecs: 8,
		NewMitigationID: "tactician", NewCasterID: 3, NewDurationSeconds: 15,
	}
	if err := r.InsertOverwrites(ctx, s.ID, []domain.MitigationOverwrite{ow}); err != nil {
		t.Fatalf("insert overwrites: %v", err)
	}
	list, err := r.SessionOverwrites(ctx, s.ID)
	if err != nil || len(list) != 1 || list[0].NewMitigationID != "tactician" || !list[0].Timestamp.Equal(at(5)) {
		t.Fatalf("overwrites: %+v %v", list, err)
	}

	w := events.Writer{DB: r.DB, Now: func() time.Time { return at(6) }}
	if err := w.Append(ctx, nil, events.TypeOverwriteDetected, s.ID, 3, events.EventPayload{"group": "phys_ranged"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, nil, events.TypeCatalogReload, "", 0, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	all, err := r.LatestEvents(ctx, 10, "", "")
	if err != nil || len(all) != 2 || all[0].Type != events.TypeCatalogReload {
		t.Fatalf("journal: %+v %v", all, err)
	}
	filtered, err := r.LatestEvents(ctx, 10, events.TypeOverwriteDetected, s.ID)
	if err != nil || len(filtered) != 1 || filtered[0].ActorID != 3 {
		t.Fatalf("filtered journal: %+v %v", filtered, err)
	}

	if err := r.ClearAll(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	sessions, hits, _ := r.Totals(ctx)
	rest, _ := r.LatestEvents(ctx, 10, "", "")
	if sessions != 0 || hits != 0 || len(rest) != 0 {
		t.Fatalf("clear left data behind")
	}
}
