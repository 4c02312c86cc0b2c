package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"mitwatch/internal/domain"
	"mitwatch/internal/session"
)

// Capture line types.
const (
	LineContext = "context"
	LineRoster  = "roster"
	LineUsage   = "usage"
	LineDamage  = "damage"
	LineDeath   = "death"
	LineTick    = "tick"
)

// CaptureLine is one JSONL record of a recorded capture. TS drives the
// replay clock.
type CaptureLine struct {
	Type    string                `json:"type"`
	TS      time.Time             `json:"ts"`
	Context *session.Observation  `json:"context,omitempty"`
	Roster  []domain.RosterMember `json:"roster,omitempty"`
	Usage   *UsageInput           `json:"usage,omitempty"`
	Damage  *DamageInput          `json:"damage,omitempty"`
	Death   *DeathInput           `json:"death,omitempty"`
}

// ReplayStep is the outcome of one capture line.
type ReplayStep struct {
	Line       int                          `json:"line"`
	Type       string                       `json:"type"`
	TS         time.Time                    `json:"ts"`
	Transition *session.Transition          `json:"transition,omitempty"`
	Overwrites []domain.MitigationOverwrite `json:"overwrites,omitempty"`
	Analysis   *AnalysisResult              `json:"analysis,omitempty"`
	Fatal      bool                         `json:"fatal,omitempty"`
}

// Replay feeds a capture through m. Context, roster and tick lines advance
// the lifecycle to the line timestamp. fn sees every step; returning an
// error from it stops the replay. Replay returns once announcements it
// released have been sent.
func Replay(ctx context.Context, m *Monitor, r io.Reader, fn func(ReplayStep) error) error {
	defer m.Wait()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var line CaptureLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if line.TS.IsZero() {
			return fmt.Errorf("line %d: missing ts", n)
		}
		step, err := replayLine(ctx, m, line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		step.Line = n
		if fn != nil {
			if err := fn(step); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

func replayLine(ctx context.Context, m *Monitor, line CaptureLine) (ReplayStep, error) {
	step := ReplayStep{Type: line.Type, TS: line.TS}
	tick := func() {
		tr := m.Tick(ctx, line.TS)
		step.Transition = &tr
	}
	switch line.Type {
	case LineContext:
		if line.Context == nil {
			return step, fmt.Errorf("context line without context")
		}
		m.SetObservation(*line.Context)
		tick()
	case LineRoster:
		m.SetRoster(line.Roster)
		tick()
	case LineTick:
		tick()
	case LineUsage:
		if line.Usage == nil {
			return step, fmt.Errorf("usage line without usage")
		}
		in := *line.Usage
		in.At = line.TS
		step.Overwrites = m.NotifyAbilityUsed(ctx, in)
	case LineDamage:
		if line.Damage == nil {
			return step, fmt.Errorf("damage line without damage")
		}
		in := *line.Damage
		in.At = line.TS
		res, err := m.NotifyDamage(ctx, in)
		if err != nil {
			return step, err
		}
		step.Analysis = &res
	case LineDeath:
		if line.Death == nil {
			return step, fmt.Errorf("death line without death")
		}
		in := *line.Death
		in.At = line.TS
		ok, err := m.NotifyDeath(ctx, in)
		if err != nil {
			return step, err
		}
		step.Fatal = ok
	default:
		return step, fmt.Errorf("unknown line type %q", line.Type)
	}
	return step, nil
}
