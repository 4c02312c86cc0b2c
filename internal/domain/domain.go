package domain

import (
	"strings"
	"time"
)

// Category groups mitigations by who they protect.
type Category string

const (
	CategoryPersonal    Category = "personal"
	CategoryParty       Category = "party"
	CategoryEnemyDebuff Category = "enemy_debuff"
)

// ApplyTo selects the actor an applied effect is keyed on.
type ApplyTo string

const (
	// ApplyToTarget keys the effect on each action target.
	ApplyToTarget ApplyTo = "target"
	// ApplyToSource keys the effect on the enemy the debuff lands on, so a
	// hit is covered when that enemy is the damage source.
	ApplyToSource ApplyTo = "source"
)

// MitigationDefinition describes one configurable mitigation.
type MitigationDefinition struct {
	ID               string             `json:"id" yaml:"id"`
	Name             string             `json:"name" yaml:"name"`
	IconActionID     uint32             `json:"icon_action_id,omitempty" yaml:"icon_action_id,omitempty"`
	TriggerActionIDs []uint32           `json:"trigger_action_ids" yaml:"trigger_action_ids"`
	DurationSeconds  float64            `json:"duration_seconds" yaml:"duration_seconds"`
	CooldownSeconds  float64            `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	DurationByAction map[uint32]float64 `json:"duration_by_action,omitempty" yaml:"duration_by_action,omitempty"`
	CooldownByAction map[uint32]float64 `json:"cooldown_by_action,omitempty" yaml:"cooldown_by_action,omitempty"`
	Category         Category           `json:"category" yaml:"category" enum:"personal,party,enemy_debuff"`
	ApplyTo          ApplyTo            `json:"apply_to" yaml:"apply_to" enum:"target,source"`
	Jobs             []JobID            `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	MinLevel         int                `json:"min_level,omitempty" yaml:"min_level,omitempty"`
	Enabled          *bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled treats an unset flag as enabled.
func (d MitigationDefinition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// AllowsJob reports whether job may own the mitigation. An empty job list
// allows everyone.
func (d MitigationDefinition) AllowsJob(job JobID) bool {
	if len(d.Jobs) == 0 {
		return true
	}
	for _, j := range d.Jobs {
		if j == job {
			return true
		}
	}
	return false
}

// DisplayName falls back to the id when no name is configured.
func (d MitigationDefinition) DisplayName() string {
	if strings.TrimSpace(d.Name) != "" {
		return d.Name
	}
	return d.ID
}

// MitigationContribution is a mitigation confirmed active at a hit.
type MitigationContribution struct {
	MitigationID     string  `json:"mitigation_id"`
	MitigationName   string  `json:"mitigation_name"`
	IconActionID     uint32  `json:"icon_action_id,omitempty"`
	CasterID         uint32  `json:"caster_id"`
	CasterName       string  `json:"caster_name"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// MissingMitigation is an available but unused mitigation for a hit.
type MissingMitigation struct {
	MitigationID            string  `json:"mitigation_id"`
	MitigationName          string  `json:"mitigation_name"`
	IconActionID            uint32  `json:"icon_action_id,omitempty"`
	OwnerID                 uint32  `json:"owner_id"`
	OwnerName               string  `json:"owner_name"`
	OwnerJob                JobID   `json:"owner_job"`
	NeverUsedSinceDutyStart bool    `json:"never_used_since_duty_start"`
	AvailableForSeconds     float64 `json:"available_for_seconds"`
}

// MitigationOverwrite records one effect replacing a still-active one in
// the same conflict group.
type MitigationOverwrite struct {
	Timestamp          time.Time `json:"ts" format:"date-time"`
	AppliedActorID     uint32    `json:"applied_actor_id"`
	AppliedActorName   string    `json:"applied_actor_name"`
	ConflictGroupID    string    `json:"conflict_group_id"`
	OldMitigationID    string    `json:"old_mitigation_id"`
	OldMitigationName  string    `json:"old_mitigation_name"`
	OldCasterID        uint32    `json:"old_caster_id"`
	OldCasterName      string    `json:"old_caster_name"`
	OldRemainingSecs   float64   `json:"old_remaining_seconds"`
	NewMitigationID    string    `json:"new_mitigation_id"`
	NewMitigationName  string    `json:"new_mitigation_name"`
	NewCasterID        uint32    `json:"new_caster_id"`
	NewCasterName      string    `json:"new_caster_name"`
	NewDurationSeconds float64   `json:"new_duration_seconds"`
}

// IsRefresh reports whether the same caster reapplied the same mitigation.
func (o MitigationOverwrite) IsRefresh() bool {
	return o.OldCasterID == o.NewCasterID && strings.EqualFold(o.OldMitigationID, o.NewMitigationID)
}

// ActiveEffect is a snapshot of one in-effect mitigation instance.
type ActiveEffect struct {
	ConflictGroupID  string    `json:"conflict_group_id"`
	AppliedActorID   uint32    `json:"applied_actor_id"`
	MitigationID     string    `json:"mitigation_id"`
	MitigationName   string    `json:"mitigation_name"`
	IconActionID     uint32    `json:"icon_action_id,omitempty"`
	CasterID         uint32    `json:"caster_id"`
	CasterName       string    `json:"caster_name"`
	ExpiresAt        time.Time `json:"expires_at" format:"date-time"`
	RemainingSeconds float64   `json:"remaining_seconds"`
}

// RosterMember is one tracked party member.
type RosterMember struct {
	ActorID uint32 `json:"actor_id"`
	Name    string `json:"name"`
	Job     JobID  `json:"job"`
	Level   int    `json:"level"`
}

// DutyContext identifies the activity a session belongs to.
type DutyContext struct {
	TerritoryID   uint32 `json:"territory_id"`
	TerritoryName string `json:"territory_name,omitempty"`
	ContentID     uint32 `json:"content_id,omitempty"`
	ContentName   string `json:"content_name,omitempty"`
}

// DamageEventRecord is one analyzed hit on a tracked actor.
type DamageEventRecord struct {
	ID               string                   `json:"id"`
	SessionID        string                   `json:"session_id"`
	Timestamp        time.Time                `json:"ts" format:"date-time"`
	Duty             DutyContext              `json:"duty"`
	TargetID         uint32                   `json:"target_id"`
	TargetName       string                   `json:"target_name"`
	TargetJob        JobID                    `json:"target_job"`
	SourceID         uint32                   `json:"source_id,omitempty"`
	SourceName       string                   `json:"source_name,omitempty"`
	ActionID         uint32                   `json:"action_id,omitempty"`
	ActionName       string                   `json:"action_name,omitempty"`
	DamageAmount     uint32                   `json:"damage_amount"`
	DamageType       string                   `json:"damage_type,omitempty"`
	ReductionPercent float64                  `json:"reduction_percent"`
	IsFatal          bool                     `json:"is_fatal"`
	Active           []MitigationContribution `json:"active"`
	Missing          []MissingMitigation      `json:"missing"`
}

// CombatSession is one combat segment.
type CombatSession struct {
	ID        string      `json:"id"`
	StartedAt time.Time   `json:"started_at" format:"date-time"`
	EndedAt   *time.Time  `json:"ended_at,omitempty" format:"date-time"`
	Duty      DutyContext `json:"duty"`
}

// SessionSummary is a listing row for a session.
type SessionSummary struct {
	CombatSession
	EventCount int `json:"event_count"`
	FatalCount int `json:"fatal_count"`
}

// Event is a journal entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	ActorID   uint32 `json:"actor_id,omitempty"`
	Payload   string `json:"payload_json"`
}

// TimestampLayout is the fixed-width UTC layout used for stored times so
// lexical order matches time order.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimestampLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTime parses a TimestampLayout value, falling back to RFC3339.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
