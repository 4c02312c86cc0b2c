package roster

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mitwatch/internal/domain"
)

const defaultInterval = 250 * time.Millisecond

// Source produces the current party roster.
type Source interface {
	Snapshot(ctx context.Context) ([]domain.RosterMember, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]domain.RosterMember, error)

func (f SourceFunc) Snapshot(ctx context.Context) ([]domain.RosterMember, error) {
	return f(ctx)
}

type snapshot struct {
	members map[uint32]domain.RosterMember
}

// Tracker holds the latest roster snapshot. Refresh replaces the whole
// snapshot, so readers never observe a partial update.
type Tracker struct {
	Source   Source
	Interval time.Duration
	Logger   *log.Logger

	current     atomic.Pointer[snapshot]
	mu          sync.Mutex
	lastRefresh time.Time
}

// NewTracker returns a tracker pulling from src.
func NewTracker(src Source, logger *log.Logger) *Tracker {
	t := &Tracker{Source: src, Interval: defaultInterval, Logger: logger}
	t.current.Store(&snapshot{members: map[uint32]domain.RosterMember{}})
	return t
}

func (t *Tracker) logger() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return log.Default()
}

func (t *Tracker) load() *snapshot {
	if s := t.current.Load(); s != nil {
		return s
	}
	return &snapshot{}
}

// Refresh pulls a new snapshot when the interval has elapsed. It reports
// whether a pull happened. Source failures keep the previous snapshot.
func (t *Tracker) Refresh(ctx context.Context, now time.Time) bool {
	if t.Source == nil {
		return false
	}
	t.mu.Lock()
	interval := t.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	if !t.lastRefresh.IsZero() && now.Sub(t.lastRefresh) < interval {
		t.mu.Unlock()
		return false
	}
	t.lastRefresh = now
	t.mu.Unlock()

	members, err := t.Source.Snapshot(ctx)
	if err != nil {
		t.logger().Printf("roster: refresh failed: %v", err)
		return false
	}
	t.Replace(members)
	return true
}

// Replace installs members as the current snapshot. Zero ids are dropped.
func (t *Tracker) Replace(members []domain.RosterMember) {
	next := &snapshot{members: make(map[uint32]domain.RosterMember, len(members))}
	for _, m := range members {
		if m.ActorID == 0 {
			continue
		}
		next.members[m.ActorID] = m
	}
	t.current.Store(next)
}

// Clear empties the roster and forces the next Refresh to pull.
func (t *Tracker) Clear() {
	t.current.Store(&snapshot{members: map[uint32]domain.RosterMember{}})
	t.mu.Lock()
	t.lastRefresh = time.Time{}
	t.mu.Unlock()
}

// Member returns the tracked member with id.
func (t *Tracker) Member(id uint32) (domain.RosterMember, bool) {
	m, ok := t.load().members[id]
	return m, ok
}

// IsTracked reports whether id belongs to the roster.
func (t *Tracker) IsTracked(id uint32) bool {
	if id == 0 {
		return false
	}
	_, ok := t.load().members[id]
	return ok
}

// Job returns the job of id, or JobOther when unknown.
func (t *Tracker) Job(id uint32) domain.JobID {
	return t.load().members[id].Job
}

// Level returns the level of id, or 0 when unknown.
func (t *Tracker) Level(id uint32) int {
	return t.load().members[id].Level
}

// Name returns the name of id, or "" when unknown.
func (t *Tracker) Name(id uint32) string {
	return t.load().members[id].Name
}

// Members returns the roster ordered by actor id.
func (t *Tracker) Members() []domain.RosterMember {
	s := t.load()
	out := make([]domain.RosterMember, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// HasOthersBesides reports whether anyone other than selfID is tracked.
func (t *Tracker) HasOthersBesides(selfID uint32) bool {
	for id := range t.load().members {
		if id != selfID {
			return true
		}
	}
	return false
}

// StaticSource serves a roster pushed by the host.
type StaticSource struct {
	mu      sync.Mutex
	members []domain.RosterMember
}

// Set replaces the pushed roster.
func (s *StaticSource) Set(members []domain.RosterMember) {
	cp := append([]domain.RosterMember(nil), members...)
	s.mu.Lock()
	s.members = cp
	s.mu.Unlock()
}

func (s *StaticSource) Snapshot(context.Context) ([]domain.RosterMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RosterMember(nil), s.members...), nil
}
