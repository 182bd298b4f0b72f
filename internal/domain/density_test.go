package domain

import "testing"

func TestDensityErosionPercent(t *testing.T) {
	dn := Density{InitialVolume: d("100"), CurrentVolume: d("60")}
	if got := dn.ErosionPercent(); !got.Equal(d("40")) {
		t.Errorf("expected 40%% erosion, got %s", got)
	}
}

func TestDensityErosionPercent_NeverNegative(t *testing.T) {
	dn := Density{InitialVolume: d("100"), CurrentVolume: d("150")}
	if got := dn.ErosionPercent(); !got.IsZero() {
		t.Errorf("growth in volume should clamp erosion to zero, got %s", got)
	}
}

func TestDensityErosionPercent_ZeroInitial(t *testing.T) {
	dn := Density{InitialVolume: d("0"), CurrentVolume: d("10")}
	if got := dn.ErosionPercent(); !got.IsZero() {
		t.Errorf("expected zero erosion with zero initial volume, got %s", got)
	}
}

func TestDensityAlive(t *testing.T) {
	dn := Density{}
	if !dn.Alive() {
		t.Fatal("expected a density with no DisappearedAt to be alive")
	}
	ts := dn.AppearedAt
	dn.DisappearedAt = &ts
	if dn.Alive() {
		t.Fatal("expected a density with DisappearedAt set to be dead")
	}
}

func TestDensityKey_StableAcrossVolumeDrift(t *testing.T) {
	tick := d("0.1")
	a := Density{Symbol: "BTCUSDT", Side: SideBid, PriceLevel: d("100.04"), CurrentVolume: d("10")}
	b := Density{Symbol: "BTCUSDT", Side: SideBid, PriceLevel: d("100.02"), CurrentVolume: d("20")}
	if a.Key(tick) != b.Key(tick) {
		t.Errorf("expected identical keys for prices rounding to the same tick, got %v and %v", a.Key(tick), b.Key(tick))
	}
}
