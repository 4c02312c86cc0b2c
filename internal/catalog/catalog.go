package catalog

import (
	"fmt"
	"strings"
	"time"

	"mitwatch/internal/domain"
)

// ConflictGroupPhysRangedParty is shared by the ranged physical party
// mitigations, which occupy a single status slot and never stack.
const ConflictGroupPhysRangedParty = "phys_ranged_party_mitigation"

// conflictGroupsByAction maps trigger/icon actions to a shared exclusivity key.
var conflictGroupsByAction = map[uint32]string{
	7405:  ConflictGroupPhysRangedParty, // Troubadour
	16889: ConflictGroupPhysRangedParty, // Tactician
	16012: ConflictGroupPhysRangedParty, // Shield Samba
}

// levelRule switches a value at a character level threshold.
type levelRule struct {
	MinLevel  int
	AtOrAbove float64
	Below     float64
}

func (r levelRule) resolve(level int) float64 {
	if level >= r.MinLevel {
		return r.AtOrAbove
	}
	return r.Below
}

// durationRules are trait upgrades that extend duration at a level.
var durationRules = map[uint32]levelRule{
	7560: {MinLevel: 98, AtOrAbove: 15, Below: 10}, // Addle
	7549: {MinLevel: 98, AtOrAbove: 15, Below: 10}, // Feint
	7535: {MinLevel: 98, AtOrAbove: 15, Below: 10}, // Reprisal
}

// cooldownRules are trait upgrades that shorten recast at a level.
var cooldownRules = map[uint32]levelRule{
	7405:  {MinLevel: 88, AtOrAbove: 90, Below: 120},
	16889: {MinLevel: 88, AtOrAbove: 90, Below: 120},
	16012: {MinLevel: 88, AtOrAbove: 90, Below: 120},
}

// actionLevels is the level each known trigger action is learned at.
var actionLevels = map[uint32]int{
	7531:  8,  // Rampart
	7535:  22, // Reprisal
	7560:  8,  // Addle
	7549:  22, // Feint
	2887:  62, // Dismantle
	7405:  62, // Troubadour
	16889: 56, // Tactician
	16012: 56, // Shield Samba
	30:    50, // Hallowed Ground
	3540:  56, // Divine Veil
	7385:  70, // Passage of Arms
	43:    42, // Holmgang
	7388:  68, // Shake It Off
	3551:  56, // Raw Intuition
	16464: 76, // Nascent Flash
	25751: 82, // Bloodwhetting
	3638:  50, // Living Dead
	16471: 66, // Dark Missionary
	7393:  70, // The Blackest Night
	16152: 50, // Superbolide
	16160: 64, // Heart of Light
	16536: 80, // Temperance
	25861: 86, // Aquaveil
	188:   50, // Sacred Soil
	805:   40, // Fey Illumination
	25868: 90, // Expedient
	3613:  58, // Collective Unconscious
	25873: 86, // Exaltation
	24298: 50, // Kerachole
	24303: 62, // Taurochole
	24310: 76, // Holos
}

// Catalog is an immutable snapshot of the enabled mitigation library with
// its derived lookups. Build a new one to reload.
type Catalog struct {
	enabled   []domain.MitigationDefinition
	byTrigger map[uint32][]domain.MitigationDefinition
	byID      map[string]domain.MitigationDefinition
	groups    map[string]string
	minLevels map[string]int
	dropped   []string
}

// New indexes the enabled definitions. Definitions without triggers are
// kept for analysis but never match a usage. Ids are compared without
// case and only the first definition of an id is kept; later ones are
// reported by Dropped. Use Validate to reject such input instead.
func New(defs []domain.MitigationDefinition) *Catalog {
	c := &Catalog{
		byTrigger: make(map[uint32][]domain.MitigationDefinition),
		byID:      make(map[string]domain.MitigationDefinition),
		groups:    make(map[string]string),
		minLevels: make(map[string]int),
	}
	for _, def := range defs {
		if !def.IsEnabled() || strings.TrimSpace(def.ID) == "" {
			continue
		}
		key := strings.ToLower(def.ID)
		if _, dup := c.byID[key]; dup {
			c.dropped = append(c.dropped, def.ID)
			continue
		}
		c.enabled = append(c.enabled, def)
		c.byID[key] = def
		c.groups[key] = conflictGroup(def)
		c.minLevels[key] = minLevel(def)
		seen := make(map[uint32]struct{}, len(def.TriggerActionIDs))
		for _, actionID := range def.TriggerActionIDs {
			if actionID == 0 {
				continue
			}
			if _, ok := seen[actionID]; ok {
				continue
			}
			seen[actionID] = struct{}{}
			c.byTrigger[actionID] = append(c.byTrigger[actionID], def)
		}
	}
	return c
}

// Enabled returns the enabled definitions in configuration order.
func (c *Catalog) Enabled() []domain.MitigationDefinition {
	if c == nil {
		return nil
	}
	return c.enabled
}

// ByTrigger returns the definitions applied by actionID.
func (c *Catalog) ByTrigger(actionID uint32) []domain.MitigationDefinition {
	if c == nil {
		return nil
	}
	return c.byTrigger[actionID]
}

// Get looks a definition up by id, ignoring case.
func (c *Catalog) Get(id string) (domain.MitigationDefinition, bool) {
	if c == nil {
		return domain.MitigationDefinition{}, false
	}
	def, ok := c.byID[strings.ToLower(id)]
	return def, ok
}

// ConflictGroup returns the exclusivity key of def.
func (c *Catalog) ConflictGroup(def domain.MitigationDefinition) string {
	if c != nil {
		if g, ok := c.groups[strings.ToLower(def.ID)]; ok {
			return g
		}
	}
	return conflictGroup(def)
}

// MinLevel returns the level an owner needs before def counts as owned.
func (c *Catalog) MinLevel(id string) int {
	if c == nil {
		return 0
	}
	return c.minLevels[strings.ToLower(id)]
}

// Len returns the number of enabled definitions.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.enabled)
}

// Dropped returns the enabled ids New ignored as duplicates, in input order.
func (c *Catalog) Dropped() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.dropped...)
}

func conflictGroup(def domain.MitigationDefinition) string {
	if g, ok := conflictGroupsByAction[def.IconActionID]; ok && def.IconActionID != 0 {
		return g
	}
	for _, actionID := range def.TriggerActionIDs {
		if g, ok := conflictGroupsByAction[actionID]; ok {
			return g
		}
	}
	return def.ID
}

func minLevel(def domain.MitigationDefinition) int {
	if def.MinLevel > 0 {
		return def.MinLevel
	}
	lowest := 0
	for _, actionID := range def.TriggerActionIDs {
		lvl, ok := actionLevels[actionID]
		if !ok {
			continue
		}
		if lowest == 0 || lvl < lowest {
			lowest = lvl
		}
	}
	return lowest
}

// ResolveDuration picks the effect duration for a use of actionID by a
// caster at level (0 when unknown).
func ResolveDuration(def domain.MitigationDefinition, actionID uint32, level int) time.Duration {
	if v, ok := def.DurationByAction[actionID]; ok {
		return Seconds(v)
	}
	if rule, ok := durationRules[actionID]; ok && level > 0 {
		return Seconds(rule.resolve(level))
	}
	return Seconds(def.DurationSeconds)
}

// ResolveCooldown picks the recast for a use of actionID at level.
func ResolveCooldown(def domain.MitigationDefinition, actionID uint32, level int) time.Duration {
	if v, ok := def.CooldownByAction[actionID]; ok {
		return Seconds(v)
	}
	if rule, ok := cooldownRules[actionID]; ok && level > 0 {
		return Seconds(rule.resolve(level))
	}
	return Seconds(def.CooldownSeconds)
}

// Seconds converts fractional seconds into a Duration.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Validate reports definitions that cannot be loaded at all. Soft
// anomalies such as missing triggers are accepted.
func Validate(defs []domain.MitigationDefinition) error {
	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return fmt.Errorf("mitigation %d has empty id", i)
		}
		key := strings.ToLower(id)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate mitigation id %s", id)
		}
		seen[key] = struct{}{}
		switch def.Category {
		case domain.CategoryPersonal, domain.CategoryParty, domain.CategoryEnemyDebuff:
		default:
			return fmt.Errorf("mitigation %s has invalid category %q", id, def.Category)
		}
		switch def.ApplyTo {
		case domain.ApplyToTarget, domain.ApplyToSource:
		default:
			return fmt.Errorf("mitigation %s has invalid apply_to %q", id, def.ApplyTo)
		}
		if def.DurationSeconds < 0 || def.CooldownSeconds < 0 {
			return fmt.Errorf("mitigation %s has negative timing", id)
		}
	}
	return nil
}
