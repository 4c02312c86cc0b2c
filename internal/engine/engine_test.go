package engine_test

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"

	"mitwatch/internal/catalog"
	"mitwatch/internal/domain"
	"mitwatch/internal/engine"
	"mitwatch/internal/roster"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return t0.Add(catalog.Seconds(sec))
}

type recorder struct {
	batches [][]domain.MitigationOverwrite
}

func (r *recorder) Enqueue(batch []domain.MitigationOverwrite) {
	r.batches = append(r.batches, batch)
}

type testEnv struct {
	Engine    *engine.Engine
	Roster    *roster.Tracker
	Announced *recorder
}

func m1() domain.MitigationDefinition {
	return domain.MitigationDefinition{
		ID:               "M1",
		Name:             "Mitigation One",
		TriggerActionIDs: []uint32{100},
		DurationSeconds:  10,
		CooldownSeconds:  60,
		Category:         domain.CategoryParty,
		ApplyTo:          domain.ApplyToTarget,
	}
}

func newTestEnv(t *testing.T, settings engine.Settings, defs []domain.MitigationDefinition, members ...domain.RosterMember) testEnv {
	t.Helper()
	tr := roster.NewTracker(nil, nil)
	tr.Replace(members)
	rec := &recorder{}
	eng := engine.New(engine.Options{
		Catalog:   catalog.New(defs),
		Roster:    tr,
		Settings:  settings,
		Announcer: rec,
	})
	return testEnv{Engine: eng, Roster: tr, Announced: rec}
}

func TestActiveContributionWithinDuration(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()},
		domain.RosterMember{ActorID: 50, Name: "Tank"})
	env.Engine.RecordUsage(1, "A", 100, []uint32{50}, at(0))
	active, missing := env.Engine.AnalyzeHit(at(5), 50, 0, 0, 1000)
	if len(active) != 1 {
		t.Fatalf("expected one active contribution, got %+v", active)
	}
	got := active[0]
	if got.MitigationID != "M1" || got.CasterID != 1 || got.CasterName != "A" || got.RemainingSeconds != 5 {
		t.Fatalf("unexpected contribution %+v", got)
	}
	if got.IconActionID != 100 {
		t.Fatalf("icon should fall back to the trigger action, got %d", got.IconActionID)
	}
	if len(missing) != 0 {
		t.Fatalf("covered slot must not report missing, got %+v", missing)
	}
}

func TestOverwriteByDifferentCasterIsAnnounced(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()},
		domain.RosterMember{ActorID: 50, Name: "Tank"})
	env.Engine.RecordUsage(1, "A", 100, []uint32{50}, at(0))
	detected := env.Engine.RecordUsage(2, "B", 100, []uint32{50}, at(3))
	if len(detected) != 1 {
		t.Fatalf("expected one overwrite, got %+v", detected)
	}
	o := detected[0]
	if o.OldMitigationID != "M1" || o.OldCasterID != 1 || o.NewCasterID != 2 || o.OldRemainingSecs != 7 {
		t.Fatalf("unexpected overwrite %+v", o)
	}
	if o.AppliedActorName != "Tank" || o.ConflictGroupID != "M1" || o.NewDurationSeconds != 10 {
		t.Fatalf("unexpected overwrite details %+v", o)
	}
	if o.IsRefresh() {
		t.Fatalf("different caster is not a refresh")
	}
	if len(env.Announced.batches) != 1 || len(env.Announced.batches[0]) != 1 {
		t.Fatalf("expected one announced batch, got %+v", env.Announced.batches)
	}
	active, _ := env.Engine.AnalyzeHit(at(4), 50, 0, 0, 1000)
	if len(active) != 1 || active[0].CasterID != 2 || active[0].RemainingSeconds != 9 {
		t.Fatalf("new effect should own the slot, got %+v", active)
	}
}

func TestRefreshIsLoggedButNotAnnounced(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()})
	env.Engine.RecordUsage(1, "A", 100, []uint32{50}, at(0))
	detected := env.Engine.RecordUsage(1, "A", 100, []uint32{50}, at(2))
	if len(detected) != 0 {
		t.Fatalf("refresh should not be announced, got %+v", detected)
	}
	if len(env.Announced.batches) != 0 {
		t.Fatalf("announcer should not be called for refreshes")
	}
	window := env.Engine.OverwritesForWindow(50, at(0), at(10))
	if len(window) != 1 || !window[0].IsRefresh() {
		t.Fatalf("refresh should stay in the log, got %+v", window)
	}
}

func TestAssumeReadyReportsNeverUsed(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()},
		domain.RosterMember{ActorID: 50, Name: "Tank"})
	env.Engine.BeginCombat(at(0))
	active, missing := env.Engine.AnalyzeHit(at(30), 50, 0, 0, 100)
	if len(active) != 0 {
		t.Fatalf("unexpected active %+v", active)
	}
	if len(missing) != 1 {
		t.Fatalf("expected one missing entry, got %+v", missing)
	}
	m := missing[0]
	if m.MitigationID != "M1" || m.OwnerID != 50 || !m.NeverUsedSinceDutyStart || m.AvailableForSeconds != 30 {
		t.Fatalf("unexpected missing entry %+v", m)
	}
}

func TestNoAssumptionBeforeCombat(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()},
		domain.RosterMember{ActorID: 50})
	if _, missing := env.Engine.AnalyzeHit(at(30), 50, 0, 0, 100); len(missing) != 0 {
		t.Fatalf("never-used owners are unavailable before combat, got %+v", missing)
	}
	s := engine.DefaultSettings()
	s.AssumeReadyAtDutyStart = false
	env.Engine.UpdateSettings(s)
	env.Engine.BeginCombat(at(0))
	if _, missing := env.Engine.AnalyzeHit(at(30), 50, 0, 0, 100); len(missing) != 0 {
		t.Fatalf("assume-ready off should hide never-used owners, got %+v", missing)
	}
}

func TestMinimumDamageThreshold(t *testing.T) {
	s := engine.DefaultSettings()
	s.MinDamageToAnalyze = 500
	env := newTestEnv(t, s, []domain.MitigationDefinition{m1()}, domain.RosterMember{ActorID: 50})
	env.Engine.BeginCombat(at(0))
	env.Engine.RecordUsage(1, "A", 100, []uint32{50}, at(0))
	active, missing := env.Engine.AnalyzeHit(at(1), 50, 0, 0, 100)
	if len(active) != 0 || len(missing) != 0 {
		t.Fatalf("hits below the threshold yield nothing, got %+v %+v", active, missing)
	}
	if active == nil || missing == nil {
		t.Fatalf("empty results should be non-nil slices")
	}
}

func TestExpiredEffectNotActiveAndSwept(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()})
	env.Engine.RecordUsage(1, "A", 100, []uint32{50}, at(0))
	if active, _ := env.Engine.AnalyzeHit(at(10), 50, 0, 0, 100); len(active) != 0 {
		t.Fatalf("effect expiring at now is not active, got %+v", active)
	}
	if st := env.Engine.Stats(); st.ActiveEffects != 1 {
		t.Fatalf("expected the effect to linger until sweep, got %+v", st)
	}
	env.Engine.Sweep(at(10))
	if st := env.Engine.Stats(); st.ActiveEffects != 0 {
		t.Fatalf("sweep should remove expired effects, got %+v", st)
	}
	if len(env.Engine.ActiveEffects(at(10))) != 0 {
		t.Fatalf("no active effects expected")
	}
}

func TestCooldownGatesMissing(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()},
		domain.RosterMember{ActorID: 50, Name: "Tank"})
	env.Engine.BeginCombat(at(-1))
	env.Engine.RecordUsage(50, "Tank", 100, []uint32{50}, at(0))
	if _, missing := env.Engine.AnalyzeHit(at(59), 50, 0, 0, 100); len(missing) != 0 {
		t.Fatalf("owner on cooldown must not be missing, got %+v", missing)
	}
	_, missing := env.Engine.AnalyzeHit(at(70), 50, 0, 0, 100)
	if len(missing) != 1 {
		t.Fatalf("expected one missing entry after cooldown, got %+v", missing)
	}
	if missing[0].NeverUsedSinceDutyStart || missing[0].AvailableForSeconds != 10 {
		t.Fatalf("unexpected availability %+v", missing[0])
	}
}

func TestAvailableSinceBeforeCombatCountsAsNeverUsed(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()},
		domain.RosterMember{ActorID: 50})
	env.Engine.RecordUsage(50, "Tank", 100, []uint32{50}, at(0))
	env.Engine.BeginCombat(at(100))
	_, missing := env.Engine.AnalyzeHit(at(120), 50, 0, 0, 100)
	if len(missing) != 1 || !missing[0].NeverUsedSinceDutyStart || missing[0].AvailableForSeconds != 20 {
		t.Fatalf("unexpected missing %+v", missing)
	}
}

func TestResetForgetsCooldowns(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()},
		domain.RosterMember{ActorID: 50})
	env.Engine.RecordUsage(50, "Tank", 100, []uint32{50}, at(0))
	env.Engine.RecordUsage(2, "B", 100, []uint32{50}, at(1))
	env.Engine.Reset()
	st := env.Engine.Stats()
	if st.ActiveEffects != 0 || st.TrackedUses != 0 || st.Overwrites != 0 || !st.CombatStart.IsZero() {
		t.Fatalf("reset should wipe everything, got %+v", st)
	}
	env.Engine.BeginCombat(at(2))
	if _, missing := env.Engine.AnalyzeHit(at(3), 50, 0, 0, 100); len(missing) != 1 {
		t.Fatalf("owner should be ready after reset, got %+v", missing)
	}
}

func TestEndCombatKeepsCooldowns(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()},
		domain.RosterMember{ActorID: 50})
	env.Engine.BeginCombat(at(0))
	env.Engine.RecordUsage(50, "Tank", 100, []uint32{50}, at(1))
	env.Engine.EndCombat()
	if !env.Engine.CombatStart().IsZero() {
		t.Fatalf("combat start should be cleared")
	}
	env.Engine.EnsureCombatStart(at(5))
	env.Engine.EnsureCombatStart(at(9))
	if !env.Engine.CombatStart().Equal(at(5)) {
		t.Fatalf("ensure should keep the first start, got %v", env.Engine.CombatStart())
	}
	if _, missing := env.Engine.AnalyzeHit(at(6), 50, 0, 0, 100); len(missing) != 0 {
		t.Fatalf("cooldown memory should survive combat end, got %+v", missing)
	}
}

func TestSourceAppliedDebuff(t *testing.T) {
	reprisal := domain.MitigationDefinition{
		ID: "reprisal", TriggerActionIDs: []uint32{7535}, DurationSeconds: 10, CooldownSeconds: 60,
		Category: domain.CategoryEnemyDebuff, ApplyTo: domain.ApplyToSource,
	}
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{reprisal},
		domain.RosterMember{ActorID: 1, Name: "Tank", Job: domain.JobPLD, Level: 100})
	env.Engine.RecordUsage(1, "Tank", 7535, []uint32{900}, at(0))
	active, _ := env.Engine.AnalyzeHit(at(12), 50, 900, 0, 100)
	if len(active) != 1 || active[0].MitigationID != "reprisal" {
		t.Fatalf("level 100 reprisal lasts 15s, got %+v", active)
	}
	active, missing := env.Engine.AnalyzeHit(at(12), 50, 0, 0, 100)
	if len(active) != 0 || len(missing) != 0 {
		t.Fatalf("sourceless hits skip source-applied mitigations, got %+v %+v", active, missing)
	}
}

func TestSharedConflictGroupOverwrites(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), catalog.Default(),
		domain.RosterMember{ActorID: 1, Name: "Bard", Job: domain.JobBRD, Level: 100},
		domain.RosterMember{ActorID: 2, Name: "Machinist", Job: domain.JobMCH, Level: 100},
		domain.RosterMember{ActorID: 50, Name: "Tank", Job: domain.JobWAR, Level: 100})
	env.Engine.RecordUsage(1, "Bard", 7405, []uint32{1, 2, 50}, at(0))
	detected := env.Engine.RecordUsage(2, "Machinist", 16889, []uint32{1, 2, 50}, at(5))
	if len(detected) != 3 {
		t.Fatalf("expected an overwrite per target, got %d", len(detected))
	}
	for _, o := range detected {
		if o.ConflictGroupID != catalog.ConflictGroupPhysRangedParty || o.OldMitigationID != "troubadour" {
			t.Fatalf("unexpected overwrite %+v", o)
		}
	}
	active, missing := env.Engine.AnalyzeHit(at(6), 50, 0, 0, 100)
	found := false
	for _, a := range active {
		if a.MitigationID == "tactician" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tactician should own the shared slot, got %+v", active)
	}
	for _, m := range missing {
		if m.MitigationID == "shield_samba" || m.MitigationID == "troubadour" {
			t.Fatalf("covered group must not report missing %+v", m)
		}
	}
}

func TestJobRestrictedUsageIgnoredForUnknownCaster(t *testing.T) {
	def := m1()
	def.Jobs = []domain.JobID{domain.JobWAR}
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{def})
	env.Engine.RecordUsage(7, "Stranger", 100, []uint32{50}, at(0))
	if st := env.Engine.Stats(); st.ActiveEffects != 0 || st.TrackedUses != 0 {
		t.Fatalf("unknown caster has job OTHER and is not eligible, got %+v", st)
	}
}

func TestPersonalOwnerIsTarget(t *testing.T) {
	personal := domain.MitigationDefinition{
		ID: "rampart", TriggerActionIDs: []uint32{7531}, DurationSeconds: 20, CooldownSeconds: 90,
		Category: domain.CategoryPersonal, ApplyTo: domain.ApplyToTarget,
	}
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{personal},
		domain.RosterMember{ActorID: 50, Name: "Tank"},
		domain.RosterMember{ActorID: 51, Name: "Healer"})
	env.Engine.BeginCombat(at(0))
	_, missing := env.Engine.AnalyzeHit(at(5), 50, 0, 0, 100)
	if len(missing) != 1 || missing[0].OwnerID != 50 {
		t.Fatalf("only the target owns personal mitigations, got %+v", missing)
	}
	if _, missing := env.Engine.AnalyzeHit(at(5), 77, 0, 0, 100); len(missing) != 0 {
		t.Fatalf("targets outside the roster have no owners, got %+v", missing)
	}
}

func TestCategoryToggles(t *testing.T) {
	s := engine.DefaultSettings()
	s.IncludeParty = false
	env := newTestEnv(t, s, []domain.MitigationDefinition{m1()}, domain.RosterMember{ActorID: 50})
	env.Engine.BeginCombat(at(0))
	env.Engine.RecordUsage(1, "A", 100, []uint32{50}, at(0))
	active, missing := env.Engine.AnalyzeHit(at(1), 50, 0, 0, 100)
	if len(active) != 0 || len(missing) != 0 {
		t.Fatalf("disabled category should be skipped, got %+v %+v", active, missing)
	}
}

func TestMinLevelFiltersOwners(t *testing.T) {
	def := domain.MitigationDefinition{
		ID: "bw", TriggerActionIDs: []uint32{25751}, DurationSeconds: 8, CooldownSeconds: 25,
		Category: domain.CategoryParty, ApplyTo: domain.ApplyToTarget,
	}
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{def},
		domain.RosterMember{ActorID: 1, Level: 70},
		domain.RosterMember{ActorID: 2, Level: 90},
		domain.RosterMember{ActorID: 3})
	env.Engine.BeginCombat(at(0))
	_, missing := env.Engine.AnalyzeHit(at(1), 2, 0, 0, 100)
	if len(missing) != 2 || missing[0].OwnerID != 2 || missing[1].OwnerID != 3 {
		t.Fatalf("level 70 is below bloodwhetting, got %+v", missing)
	}
}

func TestZeroDurationStillTracksCooldown(t *testing.T) {
	def := m1()
	def.DurationSeconds = 0
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{def}, domain.RosterMember{ActorID: 1})
	env.Engine.RecordUsage(1, "A", 100, []uint32{50}, at(0))
	if len(env.Engine.ActiveEffects(at(0))) != 0 {
		t.Fatalf("zero duration creates no effect")
	}
	env.Engine.BeginCombat(at(-1))
	if _, missing := env.Engine.AnalyzeHit(at(1), 1, 0, 0, 100); len(missing) != 0 {
		t.Fatalf("zero duration use should still start the cooldown, got %+v", missing)
	}
	if _, missing := env.Engine.AnalyzeHit(at(61), 1, 0, 0, 100); len(missing) != 1 {
		t.Fatalf("expected owner ready once the cooldown ends, got %+v", missing)
	}
}

func TestOverwriteLogPruning(t *testing.T) {
	s := engine.DefaultSettings()
	s.MaxOverwrites = 2
	s.OverwriteRetention = time.Minute
	env := newTestEnv(t, s, []domain.MitigationDefinition{m1()})
	for i := 0; i < 4; i++ {
		env.Engine.RecordUsage(uint32(i+1), "X", 100, []uint32{50}, at(float64(i)))
	}
	if got := env.Engine.OverwritesForWindow(0, at(0), at(10)); len(got) != 2 || got[0].NewCasterID != 3 {
		t.Fatalf("expected the two newest records, got %+v", got)
	}
	env.Engine.Sweep(at(200))
	if st := env.Engine.Stats(); st.Overwrites != 0 {
		t.Fatalf("retention should drop old records, got %+v", st)
	}
}

func TestOverwritesForEventNewestFirst(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()})
	env.Engine.RecordUsage(1, "A", 100, []uint32{50, 900}, at(0))
	env.Engine.RecordUsage(2, "B", 100, []uint32{50}, at(1))
	env.Engine.RecordUsage(3, "C", 100, []uint32{900}, at(2))
	env.Engine.RecordUsage(4, "D", 100, []uint32{50}, at(100))
	got := env.Engine.OverwritesForEvent(50, 900, at(5))
	if len(got) != 2 || got[0].NewCasterID != 3 || got[1].NewCasterID != 2 {
		t.Fatalf("unexpected overwrites %+v", got)
	}
	if got := env.Engine.OverwritesForEvent(50, 0, at(5)); len(got) != 1 {
		t.Fatalf("sourceless lookup should only match the target, got %+v", got)
	}
}

func TestReloadCatalog(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), nil)
	if got := env.Engine.RecordUsage(1, "A", 100, []uint32{50}, at(0)); got != nil {
		t.Fatalf("unknown action should no-op")
	}
	env.Engine.ReloadCatalog([]domain.MitigationDefinition{m1()})
	env.Engine.RecordUsage(1, "A", 100, []uint32{50}, at(0))
	if len(env.Engine.ActiveEffects(at(1))) != 1 {
		t.Fatalf("reloaded catalog should match action 100")
	}
}

func TestReloadCatalogLogsDuplicateIDs(t *testing.T) {
	var buf bytes.Buffer
	eng := engine.New(engine.Options{Logger: log.New(&buf, "", 0)})
	dup := m1()
	dup.ID = "m1"
	dup.TriggerActionIDs = []uint32{200}
	cat := eng.ReloadCatalog([]domain.MitigationDefinition{m1(), dup})
	if cat.Len() != 1 || len(cat.ByTrigger(200)) != 0 {
		t.Fatalf("only the first definition of an id should be kept")
	}
	if !strings.Contains(buf.String(), "duplicate ids m1") {
		t.Fatalf("expected duplicate id in log, got %q", buf.String())
	}
}

func TestSetAnnouncerSwapsSink(t *testing.T) {
	env := newTestEnv(t, engine.DefaultSettings(), []domain.MitigationDefinition{m1()})
	env.Engine.SetAnnouncer(nil)
	env.Engine.RecordUsage(1, "A", 100, []uint32{50}, at(0))
	if got := env.Engine.RecordUsage(2, "B", 100, []uint32{50}, at(1)); len(got) != 1 {
		t.Fatalf("overwrites are returned without an announcer, got %+v", got)
	}
	if len(env.Announced.batches) != 0 {
		t.Fatalf("removed announcer must not receive batches")
	}
	rec := &recorder{}
	env.Engine.SetAnnouncer(rec)
	env.Engine.RecordUsage(3, "C", 100, []uint32{50}, at(2))
	if len(rec.batches) != 1 {
		t.Fatalf("expected batch on the new announcer, got %d", len(rec.batches))
	}
}
