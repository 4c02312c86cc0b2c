package engine

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"mitwatch/internal/catalog"
	"mitwatch/internal/domain"
)

// Roster is the read-only party view the engine consults.
type Roster interface {
	Member(id uint32) (domain.RosterMember, bool)
	Members() []domain.RosterMember
}

// Announcer receives non-refresh overwrite batches.
type Announcer interface {
	Enqueue(batch []domain.MitigationOverwrite)
}

// Settings are the attribution knobs taken from configuration.
type Settings struct {
	IncludePersonal        bool
	IncludeParty           bool
	IncludeEnemyDebuff     bool
	AssumeReadyAtDutyStart bool
	// MinDamageToAnalyze skips hits below the amount. 0 disables the check.
	MinDamageToAnalyze    uint32
	OverwriteRetention    time.Duration
	MaxOverwrites         int
	OverwriteLookback     time.Duration
	MaxOverwritesPerEvent int
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		IncludePersonal:        true,
		IncludeParty:           true,
		IncludeEnemyDebuff:     true,
		AssumeReadyAtDutyStart: true,
		OverwriteRetention:     20 * time.Minute,
		MaxOverwrites:          5000,
		OverwriteLookback:      45 * time.Second,
		MaxOverwritesPerEvent:  30,
	}
}

func (s Settings) includes(c domain.Category) bool {
	switch c {
	case domain.CategoryPersonal:
		return s.IncludePersonal
	case domain.CategoryParty:
		return s.IncludeParty
	case domain.CategoryEnemyDebuff:
		return s.IncludeEnemyDebuff
	default:
		return true
	}
}

// Options configure New.
type Options struct {
	Catalog   *catalog.Catalog
	Roster    Roster
	Settings  Settings
	Announcer Announcer
	Logger    *log.Logger
}

type groupKey struct {
	group string
	actor uint32
}

type ownerKey struct {
	owner uint32
	id    string
}

type ownerLastUse struct {
	at       time.Time
	actionID uint32
	level    int
}

type activeEffect struct {
	mitigationID string
	name         string
	iconActionID uint32
	casterID     uint32
	casterName   string
	expiresAt    time.Time
}

// Engine owns all time-boxed attribution state behind a single mutex.
// No method blocks or performs I/O while holding it.
type Engine struct {
	mu          sync.Mutex
	catalog     *catalog.Catalog
	roster      Roster
	settings    Settings
	announcer   Announcer
	logger      *log.Logger
	active      map[groupKey]activeEffect
	lastUse     map[ownerKey]ownerLastUse
	overwrites  []domain.MitigationOverwrite
	combatStart time.Time
}

func New(opts Options) *Engine {
	cat := opts.Catalog
	if cat == nil {
		cat = catalog.New(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		catalog:   cat,
		roster:    opts.Roster,
		settings:  opts.Settings,
		announcer: opts.Announcer,
		logger:    logger,
		active:    make(map[groupKey]activeEffect),
		lastUse:   make(map[ownerKey]ownerLastUse),
	}
}

func (e *Engine) member(id uint32) (domain.RosterMember, bool) {
	if e.roster == nil || id == 0 {
		return domain.RosterMember{}, false
	}
	return e.roster.Member(id)
}

func (e *Engine) members() []domain.RosterMember {
	if e.roster == nil {
		return nil
	}
	return e.roster.Members()
}

// ReloadCatalog swaps the mitigation library. Existing state is kept.
func (e *Engine) ReloadCatalog(defs []domain.MitigationDefinition) *catalog.Catalog {
	cat := catalog.New(defs)
	e.mu.Lock()
	e.catalog = cat
	e.mu.Unlock()
	e.logger.Printf("engine: catalog reloaded (%d enabled of %d)", cat.Len(), len(defs))
	if dropped := cat.Dropped(); len(dropped) > 0 {
		e.logger.Printf("engine: catalog ignored duplicate ids %s", strings.Join(dropped, ", "))
	}
	return cat
}

// Catalog returns the current library snapshot.
func (e *Engine) Catalog() *catalog.Catalog {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catalog
}

// UpdateSettings replaces the attribution settings.
func (e *Engine) UpdateSettings(s Settings) {
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
}

// SetAnnouncer replaces the overwrite sink. nil disables announcements.
func (e *Engine) SetAnnouncer(a Announcer) {
	e.mu.Lock()
	e.announcer = a
	e.mu.Unlock()
}

// RecordUsage applies a trigger action used by casterID on targets. It
// returns the non-refresh overwrites it detected, which were also handed
// to the announcer.
func (e *Engine) RecordUsage(casterID uint32, casterName string, actionID uint32, targets []uint32, now time.Time) []domain.MitigationOverwrite {
	if actionID == 0 {
		return nil
	}
	casterJob := domain.JobOther
	casterLevel := 0
	if m, ok := e.member(casterID); ok {
		casterJob = m.Job
		casterLevel = m.Level
	}

	e.mu.Lock()
	defs := e.catalog.ByTrigger(actionID)
	if len(defs) == 0 {
		e.mu.Unlock()
		return nil
	}
	var detected []domain.MitigationOverwrite
	for _, def := range defs {
		if !def.AllowsJob(casterJob) {
			continue
		}
		e.lastUse[ownerKey{owner: casterID, id: def.ID}] = ownerLastUse{at: now, actionID: actionID, level: casterLevel}

		duration := catalog.ResolveDuration(def, actionID, casterLevel)
		if duration <= 0 {
			continue
		}
		group := e.catalog.ConflictGroup(def)
		icon := def.IconActionID
		if icon == 0 {
			icon = actionID
		}
		incoming := activeEffect{
			mitigationID: def.ID,
			name:         def.DisplayName(),
			iconActionID: icon,
			casterID:     casterID,
			casterName:   casterName,
			expiresAt:    now.Add(duration),
		}
		for _, target := range targets {
			if target == 0 {
				continue
			}
			key := groupKey{group: group, actor: target}
			if existing, ok := e.active[key]; ok && existing.expiresAt.After(now) {
				o := domain.MitigationOverwrite{
					Timestamp:          now,
					AppliedActorID:     target,
					AppliedActorName:   e.actorNameLocked(target),
					ConflictGroupID:    group,
					OldMitigationID:    existing.mitigationID,
					OldMitigationName:  existing.name,
					OldCasterID:        existing.casterID,
					OldCasterName:      existing.casterName,
					OldRemainingSecs:   existing.expiresAt.Sub(now).Seconds(),
					NewMitigationID:    def.ID,
					NewMitigationName:  incoming.name,
					NewCasterID:        casterID,
					NewCasterName:      casterName,
					NewDurationSeconds: duration.Seconds(),
				}
				e.overwrites = append(e.overwrites, o)
				e.pruneOverwritesLocked(now)
				if !o.IsRefresh() {
					detected = append(detected, o)
				}
			}
			e.active[key] = incoming
		}
	}
	announcer := e.announcer
	e.mu.Unlock()

	if announcer != nil && len(detected) > 0 {
		announcer.Enqueue(detected)
	}
	return detected
}

func (e *Engine) actorNameLocked(id uint32) string {
	if m, ok := e.member(id); ok {
		return m.Name
	}
	return ""
}

type availability struct {
	available    bool
	neverUsed    bool
	availableFor float64
}

// AnalyzeHit classifies a hit on targetID. sourceID 0 means the hit had no
// attributable source. Missing entries are in catalog order; callers sort.
func (e *Engine) AnalyzeHit(now time.Time, targetID, sourceID, actionID uint32, damage uint32) ([]domain.MitigationContribution, []domain.MissingMitigation) {
	active := []domain.MitigationContribution{}
	missing := []domain.MissingMitigation{}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.settings
	if s.MinDamageToAnalyze > 0 && damage < s.MinDamageToAnalyze {
		return active, missing
	}

	var order []groupKey
	groups := make(map[groupKey][]domain.MitigationDefinition)
	for _, def := range e.catalog.Enabled() {
		if !s.includes(def.Category) {
			continue
		}
		var applied uint32
		switch def.ApplyTo {
		case domain.ApplyToSource:
			applied = sourceID
		default:
			applied = targetID
		}
		if applied == 0 {
			continue
		}
		key := groupKey{group: e.catalog.ConflictGroup(def), actor: applied}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], def)
	}

	var roster []domain.RosterMember
	rosterLoaded := false
	for _, key := range order {
		if eff, ok := e.active[key]; ok && eff.expiresAt.After(now) {
			active = append(active, domain.MitigationContribution{
				MitigationID:     eff.mitigationID,
				MitigationName:   eff.name,
				IconActionID:     eff.iconActionID,
				CasterID:         eff.casterID,
				CasterName:       eff.casterName,
				RemainingSeconds: eff.expiresAt.Sub(now).Seconds(),
			})
			continue
		}
		for _, def := range groups[key] {
			var owners []domain.RosterMember
			if def.Category == domain.CategoryPersonal {
				if m, ok := e.member(targetID); ok && def.AllowsJob(m.Job) {
					owners = []domain.RosterMember{m}
				}
			} else {
				if !rosterLoaded {
					roster = e.members()
					rosterLoaded = true
				}
				for _, m := range roster {
					if def.AllowsJob(m.Job) {
						owners = append(owners, m)
					}
				}
			}
			minLevel := e.catalog.MinLevel(def.ID)
			for _, owner := range owners {
				if minLevel > 0 && owner.Level > 0 && owner.Level < minLevel {
					continue
				}
				av := e.availabilityLocked(def, owner, now)
				if !av.available {
					continue
				}
				missing = append(missing, domain.MissingMitigation{
					MitigationID:            def.ID,
					MitigationName:          def.DisplayName(),
					IconActionID:            def.IconActionID,
					OwnerID:                 owner.ActorID,
					OwnerName:               owner.Name,
					OwnerJob:                owner.Job,
					NeverUsedSinceDutyStart: av.neverUsed,
					AvailableForSeconds:     av.availableFor,
				})
			}
		}
	}
	return active, missing
}

// availabilityLocked decides whether owner could have used def at now.
// The cooldown of the last recorded use is the only signal; an effect
// window that already lapsed does not get a separate classification.
func (e *Engine) availabilityLocked(def domain.MitigationDefinition, owner domain.RosterMember, now time.Time) availability {
	use, ok := e.lastUse[ownerKey{owner: owner.ActorID, id: def.ID}]
	if !ok {
		if !e.settings.AssumeReadyAtDutyStart || e.combatStart.IsZero() {
			return availability{}
		}
		return availability{available: true, neverUsed: true, availableFor: now.Sub(e.combatStart).Seconds()}
	}
	level := use.level
	if level <= 0 {
		level = owner.Level
	}
	since := use.at.Add(catalog.ResolveCooldown(def, use.actionID, level))
	if now.Before(since) {
		return availability{}
	}
	if !e.combatStart.IsZero() && !since.After(e.combatStart) {
		return availability{available: true, neverUsed: true, availableFor: now.Sub(e.combatStart).Seconds()}
	}
	return availability{available: true, availableFor: now.Sub(since).Seconds()}
}

// Sweep drops expired effects and prunes the overwrite log.
func (e *Engine) Sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, eff := range e.active {
		if !eff.expiresAt.After(now) {
			delete(e.active, key)
		}
	}
	e.pruneOverwritesLocked(now)
}

// pruneOverwritesLocked relies on the log being append-ordered by time.
func (e *Engine) pruneOverwritesLocked(now time.Time) {
	if len(e.overwrites) == 0 {
		return
	}
	drop := 0
	if e.settings.OverwriteRetention > 0 {
		cutoff := now.Add(-e.settings.OverwriteRetention)
		for drop < len(e.overwrites) && e.overwrites[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if limit := e.settings.MaxOverwrites; limit > 0 && len(e.overwrites)-drop > limit {
		drop = len(e.overwrites) - limit
	}
	if drop > 0 {
		e.overwrites = append([]domain.MitigationOverwrite(nil), e.overwrites[drop:]...)
	}
}

// Reset wipes effects, cooldown memory, the overwrite log and combat start.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = make(map[groupKey]activeEffect)
	e.lastUse = make(map[ownerKey]ownerLastUse)
	e.overwrites = nil
	e.combatStart = time.Time{}
}

// BeginCombat marks the start of a pull.
func (e *Engine) BeginCombat(now time.Time) {
	e.mu.Lock()
	e.combatStart = now
	e.mu.Unlock()
}

// EndCombat clears the combat start. Cooldown memory survives.
func (e *Engine) EndCombat() {
	e.mu.Lock()
	e.combatStart = time.Time{}
	e.mu.Unlock()
}

// EnsureCombatStart sets the combat start if none is set.
func (e *Engine) EnsureCombatStart(now time.Time) {
	e.mu.Lock()
	if e.combatStart.IsZero() {
		e.combatStart = now
	}
	e.mu.Unlock()
}

// CombatStart returns the current combat start, zero when out of combat.
func (e *Engine) CombatStart() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.combatStart
}

// OverwritesForWindow returns records for actorID within [from, to],
// oldest first. actorID 0 matches every actor.
func (e *Engine) OverwritesForWindow(actorID uint32, from, to time.Time) []domain.MitigationOverwrite {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := []domain.MitigationOverwrite{}
	for _, o := range e.overwrites {
		if o.Timestamp.Before(from) || o.Timestamp.After(to) {
			continue
		}
		if actorID != 0 && o.AppliedActorID != actorID {
			continue
		}
		out = append(out, o)
	}
	return out
}

// OverwritesForEvent returns recent records touching the target or the
// source of a hit at at, newest first.
func (e *Engine) OverwritesForEvent(targetID, sourceID uint32, at time.Time) []domain.MitigationOverwrite {
	e.mu.Lock()
	defer e.mu.Unlock()
	lookback := e.settings.OverwriteLookback
	if lookback <= 0 {
		lookback = 45 * time.Second
	}
	limit := e.settings.MaxOverwritesPerEvent
	if limit <= 0 {
		limit = 30
	}
	from := at.Add(-lookback)
	out := []domain.MitigationOverwrite{}
	for i := len(e.overwrites) - 1; i >= 0; i-- {
		o := e.overwrites[i]
		if o.Timestamp.After(at) {
			continue
		}
		if o.Timestamp.Before(from) {
			break
		}
		if o.AppliedActorID == targetID || (sourceID != 0 && o.AppliedActorID == sourceID) {
			out = append(out, o)
			if len(out) >= limit {
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// ActiveEffects snapshots the unexpired effects ordered by group and actor.
func (e *Engine) ActiveEffects(now time.Time) []domain.ActiveEffect {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ActiveEffect, 0, len(e.active))
	for key, eff := range e.active {
		if !eff.expiresAt.After(now) {
			continue
		}
		out = append(out, domain.ActiveEffect{
			ConflictGroupID:  key.group,
			AppliedActorID:   key.actor,
			MitigationID:     eff.mitigationID,
			MitigationName:   eff.name,
			IconActionID:     eff.iconActionID,
			CasterID:         eff.casterID,
			CasterName:       eff.casterName,
			ExpiresAt:        eff.expiresAt,
			RemainingSeconds: eff.expiresAt.Sub(now).Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConflictGroupID != out[j].ConflictGroupID {
			return strings.Compare(out[i].ConflictGroupID, out[j].ConflictGroupID) < 0
		}
		return out[i].AppliedActorID < out[j].AppliedActorID
	})
	return out
}

// Stats is a point-in-time summary of engine state.
type Stats struct {
	ActiveEffects int       `json:"active_effects"`
	TrackedUses   int       `json:"tracked_uses"`
	Overwrites    int       `json:"overwrites"`
	CombatStart   time.Time `json:"combat_start,omitempty" format:"date-time"`
	Catalog       int       `json:"catalog_size"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		ActiveEffects: len(e.active),
		TrackedUses:   len(e.lastUse),
		Overwrites:    len(e.overwrites),
		CombatStart:   e.combatStart,
		Catalog:       e.catalog.Len(),
	}
}
