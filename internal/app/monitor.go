package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mitwatch/internal/announce"
	"mitwatch/internal/catalog"
	"mitwatch/internal/config"
	"mitwatch/internal/domain"
	"mitwatch/internal/engine"
	"mitwatch/internal/events"
	"mitwatch/internal/reduction"
	"mitwatch/internal/repo"
	"mitwatch/internal/roster"
	"mitwatch/internal/session"
	"mitwatch/internal/telemetry"
)

// DeathDedupWindow suppresses repeated death notifications for one actor.
const DeathDedupWindow = 2 * time.Second

// UsageInput is one observed ability use.
type UsageInput struct {
	CasterID   uint32    `json:"caster_id"`
	CasterName string    `json:"caster_name,omitempty"`
	ActionID   uint32    `json:"action_id"`
	Targets    []uint32  `json:"targets"`
	At         time.Time `json:"at,omitempty" format:"date-time"`
}

// DamageInput is one observed hit.
type DamageInput struct {
	TargetID   uint32    `json:"target_id"`
	SourceID   uint32    `json:"source_id,omitempty"`
	SourceName string    `json:"source_name,omitempty"`
	ActionID   uint32    `json:"action_id,omitempty"`
	ActionName string    `json:"action_name,omitempty"`
	Amount     uint32    `json:"amount"`
	DamageType string    `json:"damage_type,omitempty"`
	At         time.Time `json:"at,omitempty" format:"date-time"`
}

// DeathInput is one observed death.
type DeathInput struct {
	TargetID uint32    `json:"target_id"`
	At       time.Time `json:"at,omitempty" format:"date-time"`
}

// AnalysisResult is what NotifyDamage produced for one hit.
type AnalysisResult struct {
	Analyzed         bool                            `json:"analyzed"`
	Active           []domain.MitigationContribution `json:"active"`
	Missing          []domain.MissingMitigation      `json:"missing"`
	ReductionPercent float64                         `json:"reduction_percent"`
	Overwrites       []domain.MitigationOverwrite    `json:"overwrites"`
	EventID          string                          `json:"event_id,omitempty"`
	SessionID        string                          `json:"session_id,omitempty"`
}

// Status summarizes the monitor for readers.
type Status struct {
	State                string             `json:"state"`
	InCombat             bool               `json:"in_combat"`
	Duty                 domain.DutyContext `json:"duty"`
	SessionID            string             `json:"session_id,omitempty"`
	RosterSize           int                `json:"roster_size"`
	PendingAnnouncements int                `json:"pending_announcements"`
	Engine               engine.Stats       `json:"engine"`
	StoredSessions       int                `json:"stored_sessions"`
	StoredEvents         int                `json:"stored_events"`
}

// Options configure NewMonitor.
type Options struct {
	Config *config.Config
	// Source feeds the roster. nil uses a pushed roster set through
	// SetRoster.
	Source   roster.Source
	Store    *repo.Repo
	Notifier announce.Notifier
	Logger   *log.Logger
	Now      func() time.Time
	Tracer   trace.Tracer
}

// Monitor wires roster, engine, session lifecycle, announcements and the
// store behind the host-facing notify and tick calls.
type Monitor struct {
	engine    *engine.Engine
	roster    *roster.Tracker
	pushed    *roster.StaticSource
	lifecycle *session.Lifecycle
	gate      *announce.Gate
	store     *repo.Repo
	journal   events.Writer
	logger    *log.Logger
	now       func() time.Time
	tracer    trace.Tracer
	sends     sync.WaitGroup

	// customNotifier is set when the notifier came from Options and must
	// survive config reloads.
	customNotifier bool

	mu        sync.Mutex
	cfg       *config.Config
	notifier  announce.Notifier
	reduction reduction.Table
	obs       session.Observation
	sessionID string
	lastDeath map[uint32]time.Time
}

func NewMonitor(opts Options) *Monitor {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	m := &Monitor{
		cfg:       cfg,
		store:     opts.Store,
		logger:    logger,
		now:       now,
		tracer:    tracer,
		reduction: cfg.ReductionTable(),
		lastDeath: make(map[uint32]time.Time),
	}
	src := opts.Source
	if src == nil {
		m.pushed = &roster.StaticSource{}
		src = m.pushed
	}
	m.roster = roster.NewTracker(src, logger)
	m.roster.Interval = cfg.RosterInterval()

	m.notifier = opts.Notifier
	m.customNotifier = opts.Notifier != nil
	if m.notifier == nil {
		m.notifier = BuildNotifier(cfg, logger)
	}
	m.gate = announce.NewGate(cfg.Announce.Capacity, cfg.AnnounceInterval(), logger)
	m.gate.Audience = m.audience(cfg.Capture.SelfID)

	engOpts := engine.Options{
		Catalog:  catalog.New(cfg.Definitions()),
		Roster:   m.roster,
		Settings: cfg.EngineSettings(),
		Logger:   logger,
	}
	if cfg.Announce.Enabled {
		engOpts.Announcer = m.gate
	}
	m.engine = engine.New(engOpts)
	m.lifecycle = session.New(m.engine, sessionHooks{m}, cfg.Capture.TrackOnlyInInstances, logger)
	if m.store != nil {
		m.journal = events.Writer{DB: m.store.DB, Now: now}
	}
	return m
}

// BuildNotifier picks the announcement channel from configuration.
func BuildNotifier(cfg *config.Config, logger *log.Logger) announce.Notifier {
	if !cfg.Announce.Enabled {
		return announce.Disabled{}
	}
	if cfg.Announce.Webhook.URL != "" {
		return &announce.WebhookNotifier{
			URL:     cfg.Announce.Webhook.URL,
			Secret:  cfg.Announce.Webhook.Secret,
			Timeout: cfg.WebhookTimeout(),
		}
	}
	if cfg.Announce.Log {
		return announce.LogNotifier{Logger: logger}
	}
	return announce.Disabled{}
}

// audience reports whether anyone besides selfID is in the party. A zero
// selfID means always.
func (m *Monitor) audience(selfID uint32) func() bool {
	if selfID == 0 {
		return nil
	}
	return func() bool { return m.roster.HasOthersBesides(selfID) }
}

func (m *Monitor) config() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Monitor) persisting() bool {
	return m.store != nil && m.config().Store.Enabled
}

func (m *Monitor) at(t time.Time) time.Time {
	if t.IsZero() {
		return m.now()
	}
	return t
}

func (m *Monitor) currentSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Engine exposes the attribution engine for read paths.
func (m *Monitor) Engine() *engine.Engine {
	return m.engine
}

// Store returns the configured store, nil when persistence is off.
func (m *Monitor) Store() *repo.Repo {
	return m.store
}

// NotifyAbilityUsed records a use by a tracked caster while capturing. It
// returns the overwrites handed to the announcement gate.
func (m *Monitor) NotifyAbilityUsed(ctx context.Context, in UsageInput) []domain.MitigationOverwrite {
	if !m.lifecycle.Capturing() || !m.roster.IsTracked(in.CasterID) {
		return nil
	}
	ctx, span := m.tracer.Start(ctx, "monitor.NotifyAbilityUsed", trace.WithAttributes(
		attribute.Int64("caster_id", int64(in.CasterID)),
		attribute.Int64("action_id", int64(in.ActionID)),
		attribute.Int("targets", len(in.Targets)),
	))
	defer span.End()

	at := m.at(in.At)
	name := in.CasterName
	if name == "" {
		name = m.roster.Name(in.CasterID)
	}
	ows := m.engine.RecordUsage(in.CasterID, name, in.ActionID, in.Targets, at)
	span.SetAttributes(attribute.Int("overwrites", len(ows)))
	if len(ows) > 0 && m.persisting() {
		sessionID := m.currentSession()
		if err := m.store.InsertOverwrites(ctx, sessionID, ows); err != nil {
			m.logger.Printf("monitor: store overwrites: %v", err)
		}
		for _, o := range ows {
			payload := events.EventPayload{
				"applied_actor_id":  o.AppliedActorID,
				"conflict_group_id": o.ConflictGroupID,
				"old_mitigation_id": o.OldMitigationID,
				"old_caster_id":     o.OldCasterID,
				"new_mitigation_id": o.NewMitigationID,
				"remaining_seconds": o.OldRemainingSecs,
			}
			if err := m.journal.Append(ctx, nil, events.TypeOverwriteDetected, sessionID, o.NewCasterID, payload); err != nil {
				m.logger.Printf("monitor: journal overwrite: %v", err)
			}
		}
	}
	return ows
}

// NotifyDamage analyzes a hit on a tracked actor during combat. Missing
// entries are ordered longest outstanding first. The hit is stored when
// persistence is on.
func (m *Monitor) NotifyDamage(ctx context.Context, in DamageInput) (AnalysisResult, error) {
	res := AnalysisResult{
		Active:     []domain.MitigationContribution{},
		Missing:    []domain.MissingMitigation{},
		Overwrites: []domain.MitigationOverwrite{},
	}
	if !m.lifecycle.InCombat() {
		return res, nil
	}
	target, ok := m.roster.Member(in.TargetID)
	if !ok {
		return res, nil
	}
	ctx, span := m.tracer.Start(ctx, "monitor.NotifyDamage", trace.WithAttributes(
		attribute.Int64("target_id", int64(in.TargetID)),
		attribute.Int64("source_id", int64(in.SourceID)),
		attribute.Int64("damage", int64(in.Amount)),
	))
	defer span.End()

	at := m.at(in.At)
	m.engine.EnsureCombatStart(at)
	active, missing := m.engine.AnalyzeHit(at, in.TargetID, in.SourceID, in.ActionID, in.Amount)
	sort.SliceStable(missing, func(i, j int) bool {
		return missing[i].AvailableForSeconds > missing[j].AvailableForSeconds
	})
	m.mu.Lock()
	table := m.reduction
	m.mu.Unlock()

	res.Analyzed = true
	res.Active = active
	res.Missing = missing
	res.ReductionPercent = table.ComputeDamageReductionPercent(active, in.DamageType)
	if ows := m.engine.OverwritesForEvent(in.TargetID, in.SourceID, at); ows != nil {
		res.Overwrites = ows
	}
	span.SetAttributes(
		attribute.Int("active", len(active)),
		attribute.Int("missing", len(missing)),
	)

	if !m.persisting() {
		return res, nil
	}
	rec := domain.DamageEventRecord{
		Timestamp:        at,
		Duty:             m.lifecycle.Duty(),
		TargetID:         in.TargetID,
		TargetName:       target.Name,
		TargetJob:        target.Job,
		SourceID:         in.SourceID,
		SourceName:       in.SourceName,
		ActionID:         in.ActionID,
		ActionName:       in.ActionName,
		DamageAmount:     in.Amount,
		DamageType:       in.DamageType,
		ReductionPercent: res.ReductionPercent,
		Active:           active,
		Missing:          missing,
	}
	if err := m.store.AddDamageEvent(ctx, &rec, m.config().MaxStoredEvents()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store damage event")
		return res, fmt.Errorf("store damage event: %w", err)
	}
	m.mu.Lock()
	if m.sessionID == "" {
		m.sessionID = rec.SessionID
	}
	m.mu.Unlock()
	res.EventID = rec.ID
	res.SessionID = rec.SessionID
	return res, nil
}

// NotifyDeath marks the latest stored hit on a tracked actor as fatal.
// Repeats within DeathDedupWindow are ignored.
func (m *Monitor) NotifyDeath(ctx context.Context, in DeathInput) (bool, error) {
	if !m.persisting() || !m.roster.IsTracked(in.TargetID) {
		return false, nil
	}
	at := m.at(in.At)
	m.mu.Lock()
	if last, ok := m.lastDeath[in.TargetID]; ok && at.Sub(last) < DeathDedupWindow {
		m.mu.Unlock()
		return false, nil
	}
	m.lastDeath[in.TargetID] = at
	m.mu.Unlock()
	ok, err := m.store.MarkLatestFatal(ctx, in.TargetID, at)
	if err != nil {
		return false, fmt.Errorf("mark fatal: %w", err)
	}
	return ok, nil
}

// SetObservation replaces the host state sampled by the next Tick.
func (m *Monitor) SetObservation(obs session.Observation) {
	m.mu.Lock()
	m.obs = obs
	m.mu.Unlock()
}

func (m *Monitor) Observation() session.Observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.obs
}

// SetRoster replaces the pushed roster immediately. It is a no-op when the
// monitor pulls from an external source.
func (m *Monitor) SetRoster(members []domain.RosterMember) bool {
	if m.pushed == nil {
		return false
	}
	m.pushed.Set(members)
	m.roster.Replace(members)
	return true
}

// Roster returns the current tracked members.
func (m *Monitor) Roster() []domain.RosterMember {
	return m.roster.Members()
}

// Tick advances the session lifecycle, refreshes the roster, expires
// effects and releases at most one announcement. The announcement is sent
// in the background; Wait blocks until it is delivered.
func (m *Monitor) Tick(ctx context.Context, now time.Time) session.Transition {
	m.roster.Refresh(ctx, now)
	tr := m.lifecycle.Step(ctx, now, m.Observation())
	m.engine.Sweep(now)
	m.mu.Lock()
	n := m.notifier
	timeout := m.cfg.WebhookTimeout()
	m.mu.Unlock()
	if a, ok := m.gate.Next(now, n); ok {
		m.send(ctx, n, a, timeout)
	}
	return tr
}

func (m *Monitor) send(ctx context.Context, n announce.Notifier, a announce.Announcement, timeout time.Duration) {
	if timeout <= 0 {
		timeout = announce.DefaultSendTimeout
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	m.sends.Add(1)
	go func() {
		defer m.sends.Done()
		defer cancel()
		if err := n.NotifyOverwrites(sendCtx, a); err != nil {
			m.logger.Printf("monitor: announce failed: %v", err)
		}
	}()
}

// Wait blocks until every announcement handed off by Tick has been sent.
func (m *Monitor) Wait() {
	m.sends.Wait()
}

// Run ticks every interval until ctx is done, then waits for pending
// announcement sends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config().TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Wait()
			return
		case <-ticker.C:
			m.Tick(ctx, m.now())
		}
	}
}

// ReloadCatalog validates and swaps the mitigation library.
func (m *Monitor) ReloadCatalog(ctx context.Context, defs []domain.MitigationDefinition) (*catalog.Catalog, error) {
	if err := catalog.Validate(defs); err != nil {
		return nil, err
	}
	cat := m.engine.ReloadCatalog(defs)
	if m.persisting() {
		payload := events.EventPayload{"enabled": cat.Len(), "total": len(defs)}
		if err := m.journal.Append(ctx, nil, events.TypeCatalogReload, m.currentSession(), 0, payload); err != nil {
			m.logger.Printf("monitor: journal catalog reload: %v", err)
		}
	}
	return cat, nil
}

// ApplyConfig pushes reloadable settings into the running components,
// including the announcement channel, its rate limit and audience. A
// notifier passed through Options is kept.
func (m *Monitor) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := m.ReloadCatalog(ctx, cfg.Definitions()); err != nil {
		return err
	}
	m.engine.UpdateSettings(cfg.EngineSettings())
	m.lifecycle.SetTrackOnlyInInstances(cfg.Capture.TrackOnlyInInstances)

	m.gate.Configure(cfg.Announce.Capacity, cfg.AnnounceInterval(), m.audience(cfg.Capture.SelfID))
	if cfg.Announce.Enabled {
		m.engine.SetAnnouncer(m.gate)
	} else {
		m.engine.SetAnnouncer(nil)
		m.gate.Reset()
	}

	m.mu.Lock()
	m.cfg = cfg
	m.reduction = cfg.ReductionTable()
	if !m.customNotifier {
		m.notifier = BuildNotifier(cfg, m.logger)
	}
	m.mu.Unlock()
	return nil
}

// ActiveEffects lists effects in force at now.
func (m *Monitor) ActiveEffects(now time.Time) []domain.ActiveEffect {
	return m.engine.ActiveEffects(now)
}

// Overwrites lists recorded overwrites on actorID within [from, to]. An
// actorID of 0 matches every actor.
func (m *Monitor) Overwrites(actorID uint32, from, to time.Time) []domain.MitigationOverwrite {
	return m.engine.OverwritesForWindow(actorID, from, to)
}

func (m *Monitor) Status(ctx context.Context) Status {
	st := Status{
		State:                m.lifecycle.State(),
		InCombat:             m.lifecycle.InCombat(),
		Duty:                 m.lifecycle.Duty(),
		SessionID:            m.currentSession(),
		RosterSize:           len(m.roster.Members()),
		PendingAnnouncements: m.gate.Pending(),
		Engine:               m.engine.Stats(),
	}
	if m.store != nil {
		sessions, hits, err := m.store.Totals(ctx)
		if err != nil {
			m.logger.Printf("monitor: store totals: %v", err)
		}
		st.StoredSessions, st.StoredEvents = sessions, hits
	}
	return st
}

// sessionHooks persists session boundaries.
type sessionHooks struct {
	m *Monitor
}

func (h sessionHooks) OnSessionBegin(ctx context.Context, duty domain.DutyContext, now time.Time) {
	m := h.m
	if !m.persisting() {
		return
	}
	s, created, err := m.store.BeginSession(ctx, duty, now)
	if err != nil {
		m.logger.Printf("monitor: begin session: %v", err)
		return
	}
	m.mu.Lock()
	m.sessionID = s.ID
	m.mu.Unlock()
	if !created {
		return
	}
	payload := events.EventPayload{
		"territory_id":   duty.TerritoryID,
		"territory_name": duty.TerritoryName,
		"content_id":     duty.ContentID,
		"content_name":   duty.ContentName,
	}
	if err := m.journal.Append(ctx, nil, events.TypeSessionBegin, s.ID, 0, payload); err != nil {
		m.logger.Printf("monitor: journal session begin: %v", err)
	}
}

func (h sessionHooks) OnSessionEnd(ctx context.Context, now time.Time) {
	m := h.m
	m.mu.Lock()
	open := m.sessionID
	m.sessionID = ""
	m.mu.Unlock()
	if !m.persisting() {
		return
	}
	kept, err := m.store.EndSession(ctx, now, m.config().MaxStoredEvents())
	if err != nil {
		m.logger.Printf("monitor: end session: %v", err)
		return
	}
	if open == "" && kept == "" {
		return
	}
	payload := events.EventPayload{"kept": kept != ""}
	if err := m.journal.Append(ctx, nil, events.TypeSessionEnd, open, 0, payload); err != nil {
		m.logger.Printf("monitor: journal session end: %v", err)
	}
}

func (h sessionHooks) OnReset(context.Context) {
	m := h.m
	m.gate.Reset()
	m.mu.Lock()
	m.lastDeath = make(map[uint32]time.Time)
	m.mu.Unlock()
}
