package reduction_test

import (
	"math"
	"testing"

	"mitwatch/internal/domain"
	"mitwatch/internal/reduction"
)

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func contrib(ids ...string) []domain.MitigationContribution {
	out := make([]domain.MitigationContribution, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.MitigationContribution{MitigationID: id})
	}
	return out
}

func TestTwoTenPercentStackMultiplicatively(t *testing.T) {
	got := reduction.ComputeDamageReductionPercent(contrib("reprisal", "troubadour"), reduction.TypeMagic)
	if !almost(got, 0.19) {
		t.Fatalf("expected 0.19, got %v", got)
	}
}

func TestDuplicatesCountOnce(t *testing.T) {
	got := reduction.ComputeDamageReductionPercent(contrib("rampart", "RAMPART"), reduction.TypeBlunt)
	if !almost(got, 0.20) {
		t.Fatalf("expected 0.20, got %v", got)
	}
}

func TestDamageKindSelection(t *testing.T) {
	addle := contrib("addle")
	if got := reduction.ComputeDamageReductionPercent(addle, reduction.TypeMagic); !almost(got, 0.10) {
		t.Fatalf("magic addle = %v", got)
	}
	if got := reduction.ComputeDamageReductionPercent(addle, reduction.TypeSlashing); !almost(got, 0.05) {
		t.Fatalf("physical addle = %v", got)
	}
	if got := reduction.ComputeDamageReductionPercent(addle, ""); !almost(got, 0.05) {
		t.Fatalf("unknown addle should use the lower value, got %v", got)
	}
}

func TestUnknownMitigationsIgnored(t *testing.T) {
	if got := reduction.ComputeDamageReductionPercent(contrib("not_a_thing", ""), reduction.TypeMagic); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
	if got := reduction.ComputeDamageReductionPercent(nil, reduction.TypeMagic); got != 0 {
		t.Fatalf("expected 0 for empty input, got %v", got)
	}
}

func TestMergeClampsOutOfRange(t *testing.T) {
	table := reduction.DefaultTable().Merge(map[string]reduction.Profile{"Huge": {Physical: 3, Magical: 3}})
	if got := table.ComputeDamageReductionPercent(contrib("huge", "rampart"), reduction.TypePhysical); got != 1 {
		t.Fatalf("expected clamp to 1, got %v", got)
	}
}

func TestDamageTypeName(t *testing.T) {
	if reduction.DamageTypeName(5) != reduction.TypeMagic {
		t.Fatalf("code 5 should be magic")
	}
	if reduction.ClassifyDamageKind(reduction.DamageTypeName(8)) != reduction.Unknown {
		t.Fatalf("limit break should be unknown kind")
	}
	if reduction.DamageTypeName(42) != reduction.TypeUnknown {
		t.Fatalf("unexpected name for 42")
	}
}
