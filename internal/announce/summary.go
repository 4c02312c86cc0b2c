package announce

import (
	"sort"
	"strings"
	"time"

	"mitwatch/internal/domain"
)

// MaxParts bounds the summaries carried by one announcement.
const MaxParts = 2

// Summary collapses overwrites of the same pair of casts across targets.
type Summary struct {
	ConflictGroupID     string  `json:"conflict_group_id"`
	OldMitigationID     string  `json:"old_mitigation_id"`
	OldMitigationName   string  `json:"old_mitigation_name"`
	OldCasterID         uint32  `json:"old_caster_id"`
	OldCasterName       string  `json:"old_caster_name"`
	OldRemainingSeconds float64 `json:"old_remaining_seconds"`
	NewMitigationID     string  `json:"new_mitigation_id"`
	NewMitigationName   string  `json:"new_mitigation_name"`
	NewCasterID         uint32  `json:"new_caster_id"`
	NewCasterName       string  `json:"new_caster_name"`
	AffectedCount       int     `json:"affected_count"`
}

// Announcement is one outbound notification.
type Announcement struct {
	At    time.Time `json:"ts"`
	Parts []Summary `json:"parts"`
	// Extra counts summaries beyond MaxParts.
	Extra int `json:"extra,omitempty"`
}

type summaryKey struct {
	group     string
	oldID     string
	oldCaster uint32
	newID     string
	newCaster uint32
}

// Summarize groups a batch, ignoring refreshes. Each group is represented
// by its overwrite with the most remaining time on the old effect. Groups
// are ordered by that remaining time, then by affected count.
func Summarize(batch []domain.MitigationOverwrite) Announcement {
	type acc struct {
		rep    domain.MitigationOverwrite
		actors map[uint32]struct{}
		order  int
	}
	groups := make(map[summaryKey]*acc)
	for _, o := range batch {
		if o.IsRefresh() {
			continue
		}
		key := summaryKey{
			group:     o.ConflictGroupID,
			oldID:     strings.ToLower(o.OldMitigationID),
			oldCaster: o.OldCasterID,
			newID:     strings.ToLower(o.NewMitigationID),
			newCaster: o.NewCasterID,
		}
		a, ok := groups[key]
		if !ok {
			a = &acc{rep: o, actors: make(map[uint32]struct{}), order: len(groups)}
			groups[key] = a
		} else if o.OldRemainingSecs > a.rep.OldRemainingSecs {
			a.rep = o
		}
		a.actors[o.AppliedActorID] = struct{}{}
	}
	list := make([]*acc, 0, len(groups))
	for _, a := range groups {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].rep.OldRemainingSecs != list[j].rep.OldRemainingSecs {
			return list[i].rep.OldRemainingSecs > list[j].rep.OldRemainingSecs
		}
		if len(list[i].actors) != len(list[j].actors) {
			return len(list[i].actors) > len(list[j].actors)
		}
		return list[i].order < list[j].order
	})

	out := Announcement{Parts: []Summary{}}
	for i, a := range list {
		if i >= MaxParts {
			out.Extra = len(list) - MaxParts
			break
		}
		o := a.rep
		out.Parts = append(out.Parts, Summary{
			ConflictGroupID:     o.ConflictGroupID,
			OldMitigationID:     o.OldMitigationID,
			OldMitigationName:   o.OldMitigationName,
			OldCasterID:         o.OldCasterID,
			OldCasterName:       o.OldCasterName,
			OldRemainingSeconds: o.OldRemainingSecs,
			NewMitigationID:     o.NewMitigationID,
			NewMitigationName:   o.NewMitigationName,
			NewCasterID:         o.NewCasterID,
			NewCasterName:       o.NewCasterName,
			AffectedCount:       len(a.actors),
		})
	}
	return out
}
