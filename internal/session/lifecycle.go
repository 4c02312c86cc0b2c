package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"mitwatch/internal/domain"
)

const (
	StateInactive = "inactive"
	StateArmed    = "armed"
	StateActive   = "active"

	EventArm       = "arm"
	EventEngage    = "engage"
	EventDisengage = "disengage"
	EventDisarm    = "disarm"
)

// Observation is the host state sampled once per tick.
type Observation struct {
	LoggedIn      bool   `json:"logged_in"`
	TerritoryID   uint32 `json:"territory_id"`
	TerritoryName string `json:"territory_name,omitempty"`
	ContentID     uint32 `json:"content_id,omitempty"`
	ContentName   string `json:"content_name,omitempty"`
	InInstance    bool   `json:"in_instance"`
	InCombat      bool   `json:"in_combat"`
}

// Duty returns the context the observation describes.
func (o Observation) Duty() domain.DutyContext {
	return domain.DutyContext{
		TerritoryID:   o.TerritoryID,
		TerritoryName: o.TerritoryName,
		ContentID:     o.ContentID,
		ContentName:   o.ContentName,
	}
}

// Combat is the engine surface the lifecycle drives.
type Combat interface {
	BeginCombat(now time.Time)
	EndCombat()
	Reset()
}

// Hooks receive session boundaries.
type Hooks interface {
	OnSessionBegin(ctx context.Context, duty domain.DutyContext, now time.Time)
	OnSessionEnd(ctx context.Context, now time.Time)
	// OnReset runs after a context change wiped engine state.
	OnReset(ctx context.Context)
}

// NopHooks ignores every boundary.
type NopHooks struct{}

func (NopHooks) OnSessionBegin(context.Context, domain.DutyContext, time.Time) {}

func (NopHooks) OnSessionEnd(context.Context, time.Time) {}

func (NopHooks) OnReset(context.Context) {}

// Transition reports what one Step did.
type Transition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Began bool   `json:"began,omitempty"`
	Ended bool   `json:"ended,omitempty"`
	Reset bool   `json:"reset,omitempty"`
}

// Lifecycle tracks capture eligibility and combat edges.
type Lifecycle struct {
	combat Combat
	hooks  Hooks
	logger *log.Logger

	mu             sync.Mutex
	machine        *fsm.FSM
	instancesOnly  bool
	loggedIn       bool
	lastTerritory  uint32
	lastInInstance bool
	duty           domain.DutyContext
}

func New(combat Combat, hooks Hooks, trackOnlyInInstances bool, logger *log.Logger) *Lifecycle {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if logger == nil {
		logger = log.Default()
	}
	l := &Lifecycle{
		combat:        combat,
		hooks:         hooks,
		logger:        logger,
		instancesOnly: trackOnlyInInstances,
	}
	l.machine = fsm.NewFSM(
		StateInactive,
		fsm.Events{
			{Name: EventArm, Src: []string{StateInactive}, Dst: StateArmed},
			{Name: EventEngage, Src: []string{StateArmed}, Dst: StateActive},
			{Name: EventDisengage, Src: []string{StateActive}, Dst: StateArmed},
			{Name: EventDisarm, Src: []string{StateArmed, StateActive}, Dst: StateInactive},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Printf("session: %s -> %s (%s)", e.Src, e.Dst, e.Event)
			},
		},
	)
	return l
}

// SetTrackOnlyInInstances limits capture to instanced content. It takes
// effect on the next Step.
func (l *Lifecycle) SetTrackOnlyInInstances(v bool) {
	l.mu.Lock()
	l.instancesOnly = v
	l.mu.Unlock()
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() string {
	return l.machine.Current()
}

// Duty returns the context of the last observation.
func (l *Lifecycle) Duty() domain.DutyContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.duty
}

func (l *Lifecycle) fire(ctx context.Context, event string) {
	if !l.machine.Can(event) {
		return
	}
	if err := l.machine.Event(ctx, event); err != nil {
		l.logger.Printf("session: %s failed: %v", event, err)
	}
}

// endLocked closes an open session and leaves combat.
func (l *Lifecycle) endLocked(ctx context.Context, now time.Time, tr *Transition) {
	if l.machine.Current() != StateActive {
		return
	}
	l.hooks.OnSessionEnd(ctx, now)
	if l.combat != nil {
		l.combat.EndCombat()
	}
	tr.Ended = true
}

func (l *Lifecycle) resetLocked(ctx context.Context, tr *Transition) {
	if l.combat != nil {
		l.combat.Reset()
	}
	l.hooks.OnReset(ctx)
	tr.Reset = true
}

// Step applies one observation. Logout or a territory or instance change
// ends any session and wipes engine state. Losing capture eligibility ends
// the session. Combat edges begin and end sessions while armed.
func (l *Lifecycle) Step(ctx context.Context, now time.Time, obs Observation) Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	tr := Transition{From: l.machine.Current()}

	if !obs.LoggedIn {
		if l.loggedIn || tr.From != StateInactive {
			l.endLocked(ctx, now, &tr)
			l.fire(ctx, EventDisarm)
			l.resetLocked(ctx, &tr)
		}
		l.loggedIn = false
		l.lastTerritory = 0
		l.lastInInstance = false
		l.duty = domain.DutyContext{}
		tr.To = l.machine.Current()
		return tr
	}
	l.loggedIn = true
	l.duty = obs.Duty()

	inCombat := obs.InCombat
	if obs.TerritoryID != l.lastTerritory || obs.InInstance != l.lastInInstance {
		l.endLocked(ctx, now, &tr)
		l.fire(ctx, EventDisarm)
		l.resetLocked(ctx, &tr)
		l.lastTerritory = obs.TerritoryID
		l.lastInInstance = obs.InInstance
		inCombat = false
	}

	if l.instancesOnly && !obs.InInstance {
		l.endLocked(ctx, now, &tr)
		l.fire(ctx, EventDisarm)
	} else {
		l.fire(ctx, EventArm)
		current := l.machine.Current()
		if inCombat && current == StateArmed {
			l.fire(ctx, EventEngage)
			if l.combat != nil {
				l.combat.BeginCombat(now)
			}
			l.hooks.OnSessionBegin(ctx, l.duty, now)
			tr.Began = true
		} else if !inCombat && current == StateActive {
			l.endLocked(ctx, now, &tr)
			l.fire(ctx, EventDisengage)
		}
	}
	tr.To = l.machine.Current()
	return tr
}

// Capturing reports whether events should be recorded right now.
func (l *Lifecycle) Capturing() bool {
	return l.machine.Current() != StateInactive
}

// InCombat reports whether a session is open.
func (l *Lifecycle) InCombat() bool {
	return l.machine.Current() == StateActive
}
