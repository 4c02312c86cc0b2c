package announce

import (
	"context"
	"log"
	"sync"
	"time"

	"mitwatch/internal/domain"
)

const (
	DefaultCapacity = 50
	DefaultInterval = time.Second
)

// Gate queues overwrite batches and releases them at a bounded rate.
type Gate struct {
	Capacity int
	Interval time.Duration
	// Audience reports whether anyone would receive an announcement. nil
	// means always.
	Audience func() bool
	Logger   *log.Logger

	mu       sync.Mutex
	queue    [][]domain.MitigationOverwrite
	lastSent time.Time
}

func NewGate(capacity int, interval time.Duration, logger *log.Logger) *Gate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Gate{Capacity: capacity, Interval: interval, Logger: logger}
}

func (g *Gate) logger() *log.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return log.Default()
}

// Enqueue adds a batch, dropping refreshes. When full the oldest pending
// batch is discarded.
func (g *Gate) Enqueue(batch []domain.MitigationOverwrite) {
	kept := make([]domain.MitigationOverwrite, 0, len(batch))
	for _, o := range batch {
		if o.IsRefresh() {
			continue
		}
		kept = append(kept, o)
	}
	if len(kept) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	capacity := g.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	for len(g.queue) >= capacity {
		g.queue = g.queue[1:]
	}
	g.queue = append(g.queue, kept)
}

// Pending returns the number of queued batches.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Reset discards all pending batches and the rate limit state.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.queue = nil
	g.lastSent = time.Time{}
	g.mu.Unlock()
}

// Configure replaces the queue bound, the release interval and the
// audience check. Pending batches beyond the new capacity are dropped
// oldest first.
func (g *Gate) Configure(capacity int, interval time.Duration, audience func() bool) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Capacity = capacity
	g.Interval = interval
	g.Audience = audience
	if over := len(g.queue) - capacity; over > 0 {
		g.queue = g.queue[over:]
	}
}

// Next pops the batch due at now and summarizes it. The whole queue is
// discarded when n is unusable or nobody is listening. It reports false
// when nothing should be sent.
func (g *Gate) Next(now time.Time, n Notifier) (Announcement, bool) {
	g.mu.Lock()
	audience := g.Audience
	g.mu.Unlock()
	if n == nil || !n.Usable() || (audience != nil && !audience()) {
		g.mu.Lock()
		g.queue = nil
		g.mu.Unlock()
		return Announcement{}, false
	}
	g.mu.Lock()
	interval := g.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if !g.lastSent.IsZero() && now.Sub(g.lastSent) < interval {
		g.mu.Unlock()
		return Announcement{}, false
	}
	if len(g.queue) == 0 {
		g.mu.Unlock()
		return Announcement{}, false
	}
	batch := g.queue[0]
	g.queue = g.queue[1:]
	g.lastSent = now
	g.mu.Unlock()

	a := Summarize(batch)
	if len(a.Parts) == 0 {
		return Announcement{}, false
	}
	a.At = now
	return a, true
}

// Drain sends the batch due at now through n and waits for the send. A
// failed send is logged and the batch is not retried. It reports whether
// a send was attempted.
func (g *Gate) Drain(ctx context.Context, now time.Time, n Notifier) bool {
	a, ok := g.Next(now, n)
	if !ok {
		return false
	}
	if err := n.NotifyOverwrites(ctx, a); err != nil {
		g.logger().Printf("announce: send failed: %v", err)
	}
	return true
}
