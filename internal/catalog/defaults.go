package catalog

import "mitwatch/internal/domain"

func def(id, name string, triggers []uint32, duration, cooldown float64, cat domain.Category, to domain.ApplyTo, jobs ...domain.JobID) domain.MitigationDefinition {
	return domain.MitigationDefinition{
		ID:               id,
		Name:             name,
		IconActionID:     triggers[0],
		TriggerActionIDs: triggers,
		DurationSeconds:  duration,
		CooldownSeconds:  cooldown,
		Category:         cat,
		ApplyTo:          to,
		Jobs:             jobs,
	}
}

var tanks = []domain.JobID{domain.JobPLD, domain.JobWAR, domain.JobDRK, domain.JobGNB}

// Default returns the built-in mitigation library.
func Default() []domain.MitigationDefinition {
	const (
		personal = domain.CategoryPersonal
		party    = domain.CategoryParty
		enemy    = domain.CategoryEnemyDebuff
		target   = domain.ApplyToTarget
		source   = domain.ApplyToSource
	)
	bloodwhetting := def("bloodwhetting", "Bloodwhetting / Raw Intuition", []uint32{25751, 3551, 16464}, 8, 25, personal, target, domain.JobWAR)
	bloodwhetting.DurationByAction = map[uint32]float64{3551: 6, 16464: 8, 25751: 8}

	return []domain.MitigationDefinition{
		def("rampart", "Rampart", []uint32{7531}, 20, 90, personal, target, tanks...),
		def("reprisal", "Reprisal", []uint32{7535}, 10, 60, enemy, source, tanks...),
		def("addle", "Addle", []uint32{7560}, 10, 90, enemy, source, domain.JobBLM, domain.JobSMN, domain.JobRDM, domain.JobPCT),
		def("feint", "Feint", []uint32{7549}, 10, 90, enemy, source, domain.JobMNK, domain.JobDRG, domain.JobNIN, domain.JobSAM, domain.JobRPR, domain.JobVPR),
		def("dismantle", "Dismantle", []uint32{2887}, 10, 120, enemy, source, domain.JobMCH),
		def("troubadour", "Troubadour", []uint32{7405}, 15, 90, party, target, domain.JobBRD),
		def("tactician", "Tactician", []uint32{16889}, 15, 90, party, target, domain.JobMCH),
		def("shield_samba", "Shield Samba", []uint32{16012}, 15, 90, party, target, domain.JobDNC),
		def("hallowed_ground", "Hallowed Ground", []uint32{30}, 10, 420, personal, target, domain.JobPLD),
		def("divine_veil", "Divine Veil", []uint32{3540}, 30, 90, party, target, domain.JobPLD),
		def("passage_of_arms", "Passage of Arms", []uint32{7385}, 18, 120, party, target, domain.JobPLD),
		def("holmgang", "Holmgang", []uint32{43}, 10, 240, personal, target, domain.JobWAR),
		def("shake_it_off", "Shake It Off", []uint32{7388}, 30, 90, party, target, domain.JobWAR),
		bloodwhetting,
		def("living_dead", "Living Dead", []uint32{3638}, 10, 300, personal, target, domain.JobDRK),
		def("dark_missionary", "Dark Missionary", []uint32{16471}, 15, 90, party, target, domain.JobDRK),
		def("the_blackest_night", "The Blackest Night", []uint32{7393}, 7, 15, party, target, domain.JobDRK),
		def("superbolide", "Superbolide", []uint32{16152}, 10, 360, personal, target, domain.JobGNB),
		def("heart_of_light", "Heart of Light", []uint32{16160}, 15, 90, party, target, domain.JobGNB),
		def("temperance", "Temperance", []uint32{16536}, 20, 120, party, target, domain.JobWHM),
		def("aquaveil", "Aquaveil", []uint32{25861}, 8, 60, party, target, domain.JobWHM),
		def("sacred_soil", "Sacred Soil", []uint32{188}, 15, 30, party, target, domain.JobSCH),
		def("fey_illumination", "Fey Illumination", []uint32{805}, 20, 120, party, target, domain.JobSCH),
		def("expedient", "Expedient", []uint32{25868}, 20, 120, party, target, domain.JobSCH),
		def("collective_unconscious", "Collective Unconscious", []uint32{3613}, 10, 60, party, target, domain.JobAST),
		def("exaltation", "Exaltation", []uint32{25873}, 8, 60, party, target, domain.JobAST),
		def("kerachole", "Kerachole", []uint32{24298}, 15, 30, party, target, domain.JobSGE),
		def("taurochole", "Taurochole", []uint32{24303}, 15, 45, party, target, domain.JobSGE),
		def("holos", "Holos", []uint32{24310}, 20, 120, party, target, domain.JobSGE),
	}
}
