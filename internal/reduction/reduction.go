package reduction

import (
	"strings"

	"mitwatch/internal/domain"
)

// DamageKind is the class a reduction percentage applies to.
type DamageKind int

const (
	Unknown DamageKind = iota
	Physical
	Magical
)

// Profile holds per-class reduction fractions in [0,1].
type Profile struct {
	Physical float64 `json:"physical" yaml:"physical"`
	Magical  float64 `json:"magical" yaml:"magical"`
}

func (p Profile) forKind(kind DamageKind) float64 {
	switch kind {
	case Physical:
		return p.Physical
	case Magical:
		return p.Magical
	default:
		return min(p.Physical, p.Magical)
	}
}

// Table maps mitigation ids (case-insensitive) to profiles.
type Table map[string]Profile

// DefaultTable returns the built-in reduction profiles.
func DefaultTable() Table {
	return Table{
		"rampart":                {0.20, 0.20},
		"reprisal":               {0.10, 0.10},
		"addle":                  {0.05, 0.10},
		"feint":                  {0.10, 0.05},
		"dismantle":              {0.10, 0.10},
		"troubadour":             {0.10, 0.10},
		"tactician":              {0.10, 0.10},
		"shield_samba":           {0.10, 0.10},
		"temperance":             {0.10, 0.10},
		"aquaveil":               {0.15, 0.15},
		"sacred_soil":            {0.10, 0.10},
		"fey_illumination":       {0.00, 0.05},
		"expedient":              {0.10, 0.10},
		"collective_unconscious": {0.10, 0.10},
		"exaltation":             {0.10, 0.10},
		"kerachole":              {0.10, 0.10},
		"taurochole":             {0.10, 0.10},
		"holos":                  {0.10, 0.10},
		"dark_missionary":        {0.00, 0.10},
		"heart_of_light":         {0.00, 0.10},
		"bloodwhetting":          {0.10, 0.10},
		"passage_of_arms":        {0.15, 0.15},
	}
}

// Merge returns a copy of t with overrides applied on top.
func (t Table) Merge(overrides map[string]Profile) Table {
	out := make(Table, len(t)+len(overrides))
	for k, v := range t {
		out[strings.ToLower(k)] = v
	}
	for k, v := range overrides {
		out[strings.ToLower(k)] = v
	}
	return out
}

func (t Table) lookup(id string) (Profile, bool) {
	if p, ok := t[id]; ok {
		return p, true
	}
	p, ok := t[strings.ToLower(id)]
	return p, ok
}

// ComputeDamageReductionPercent estimates the combined reduction of the
// active mitigations using independent multiplicative stacking. Each
// mitigation id counts once.
func (t Table) ComputeDamageReductionPercent(active []domain.MitigationContribution, damageType string) float64 {
	if len(active) == 0 {
		return 0
	}
	kind := ClassifyDamageKind(damageType)
	seen := make(map[string]struct{}, len(active))
	multiplier := 1.0
	for _, c := range active {
		id := strings.ToLower(strings.TrimSpace(c.MitigationID))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p, ok := t.lookup(id)
		if !ok {
			continue
		}
		r := clamp01(p.forKind(kind))
		if r <= 0 {
			continue
		}
		multiplier *= 1 - r
	}
	return clamp01(1 - multiplier)
}

// ComputeDamageReductionPercent uses the default table.
func ComputeDamageReductionPercent(active []domain.MitigationContribution, damageType string) float64 {
	return defaultTable.ComputeDamageReductionPercent(active, damageType)
}

var defaultTable = DefaultTable()

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Damage type names as produced by DamageTypeName.
const (
	TypeSlashing   = "slashing"
	TypePiercing   = "piercing"
	TypeBlunt      = "blunt"
	TypeShot       = "shot"
	TypeMagic      = "magic"
	TypeBreath     = "breath"
	TypePhysical   = "physical"
	TypeLimitBreak = "limit_break"
	TypeUnknown    = "unknown"
)

// DamageTypeName maps the low nibble of an action effect's damage param.
func DamageTypeName(code byte) string {
	switch code {
	case 1:
		return TypeSlashing
	case 2:
		return TypePiercing
	case 3:
		return TypeBlunt
	case 4:
		return TypeShot
	case 5:
		return TypeMagic
	case 6:
		return TypeBreath
	case 7:
		return TypePhysical
	case 8:
		return TypeLimitBreak
	default:
		return TypeUnknown
	}
}

// ClassifyDamageKind buckets a damage type hint.
func ClassifyDamageKind(damageType string) DamageKind {
	switch strings.ToLower(strings.TrimSpace(damageType)) {
	case TypeMagic, TypeBreath:
		return Magical
	case TypeSlashing, TypePiercing, TypeBlunt, TypeShot, TypePhysical:
		return Physical
	default:
		return Unknown
	}
}
