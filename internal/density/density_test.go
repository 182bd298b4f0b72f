package density

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"densityengine/internal/domain"
)

func dd(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func baseParams() domain.CoinParameters {
	return domain.CoinParameters{
		Symbol:                  "BTCUSDT",
		TickSize:                dd("0.1"),
		DensityThresholdAbs:     dd("1000"),
		RelativeMultiplier:      dd("2"),
		DensityThresholdPercent: dd("20"),
		ClusterRangePercent:     dd("0.5"),
	}
}

func bookWithDenseBid(price, volume string, other ...domain.PriceLevel) domain.OrderBook {
	bids := append([]domain.PriceLevel{{Price: dd(price), Volume: dd(volume)}}, other...)
	return domain.OrderBook{
		Symbol:    "BTCUSDT",
		Timestamp: time.Now(),
		Bids:      bids,
		Asks:      []domain.PriceLevel{{Price: dd("30100"), Volume: dd("1")}},
	}
}

func TestUpdate_DetectsAppearedDensity(t *testing.T) {
	tr := New()
	// Decoys sit well outside clusterRangePercent of the dense level so
	// this book exercises a standalone density, not a cluster.
	book := bookWithDenseBid("30000", "10",
		domain.PriceLevel{Price: dd("29800"), Volume: dd("0.1")},
		domain.PriceLevel{Price: dd("29700"), Volume: dd("0.1")},
	)
	events := tr.Update(book, baseParams())

	var sawAppeared bool
	for _, e := range events {
		if e.Kind == domain.DensityAppeared && e.Density.PriceLevel.Equal(dd("30000")) {
			sawAppeared = true
		}
	}
	if !sawAppeared {
		t.Fatalf("expected an appeared event for the dense level, got %+v", events)
	}
}

func TestUpdate_NoDetectionBelowThresholds(t *testing.T) {
	tr := New()
	book := domain.OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []domain.PriceLevel{{Price: dd("30000"), Volume: dd("0.01")}},
		Asks:   []domain.PriceLevel{{Price: dd("30100"), Volume: dd("0.01")}},
	}
	events := tr.Update(book, baseParams())
	if len(events) != 0 {
		t.Fatalf("expected no events for thin book, got %+v", events)
	}
}

func TestUpdate_UpdatedPreservesInitialVolumeAndAppearedAt(t *testing.T) {
	tr := New()
	params := baseParams()
	book1 := bookWithDenseBid("30000", "10",
		domain.PriceLevel{Price: dd("29990"), Volume: dd("0.1")},
	)
	tr.Update(book1, params)

	book2 := bookWithDenseBid("30000", "6",
		domain.PriceLevel{Price: dd("29990"), Volume: dd("0.1")},
	)
	book2.Timestamp = book1.Timestamp.Add(time.Second)
	events := tr.Update(book2, params)

	var found bool
	for _, e := range events {
		if e.Kind == domain.DensityUpdated && e.Density.PriceLevel.Equal(dd("30000")) {
			found = true
			if !e.Density.InitialVolume.Equal(dd("10")) {
				t.Errorf("expected InitialVolume to stay at 10, got %s", e.Density.InitialVolume)
			}
			if !e.Density.CurrentVolume.Equal(dd("6")) {
				t.Errorf("expected CurrentVolume to reflect new scan, got %s", e.Density.CurrentVolume)
			}
			if !e.Density.AppearedAt.Equal(book1.Timestamp) {
				t.Errorf("expected AppearedAt to stay at the first scan's time, got %s", e.Density.AppearedAt)
			}
		}
	}
	if !found {
		t.Fatal("expected an updated event on the second scan")
	}
}

func TestUpdate_DisappearanceRequiresTwoConsecutiveMisses(t *testing.T) {
	tr := New()
	params := baseParams()
	book1 := bookWithDenseBid("30000", "10",
		domain.PriceLevel{Price: dd("29990"), Volume: dd("0.1")},
	)
	tr.Update(book1, params)

	emptyBook := domain.OrderBook{
		Symbol:    "BTCUSDT",
		Timestamp: book1.Timestamp.Add(time.Second),
		Bids:      []domain.PriceLevel{{Price: dd("29990"), Volume: dd("0.1")}},
		Asks:      []domain.PriceLevel{{Price: dd("30100"), Volume: dd("1")}},
	}

	events := tr.Update(emptyBook, params)
	for _, e := range events {
		if e.Kind == domain.DensityDisappeared {
			t.Fatal("expected no disappearance on the first miss")
		}
	}

	emptyBook.Timestamp = emptyBook.Timestamp.Add(time.Second)
	events = tr.Update(emptyBook, params)
	var sawDisappeared bool
	for _, e := range events {
		if e.Kind == domain.DensityDisappeared {
			sawDisappeared = true
		}
	}
	if !sawDisappeared {
		t.Fatal("expected disappearance after two consecutive misses")
	}
}

func TestUpdate_ReappearanceBeforeGraceElapsesCountsAsUpdate(t *testing.T) {
	tr := New()
	params := baseParams()
	book1 := bookWithDenseBid("30000", "10",
		domain.PriceLevel{Price: dd("29990"), Volume: dd("0.1")},
	)
	tr.Update(book1, params)

	missed := domain.OrderBook{
		Symbol:    "BTCUSDT",
		Timestamp: book1.Timestamp.Add(time.Second),
		Bids:      []domain.PriceLevel{{Price: dd("29990"), Volume: dd("0.1")}},
		Asks:      []domain.PriceLevel{{Price: dd("30100"), Volume: dd("1")}},
	}
	tr.Update(missed, params)

	book3 := bookWithDenseBid("30000", "10",
		domain.PriceLevel{Price: dd("29990"), Volume: dd("0.1")},
	)
	book3.Timestamp = missed.Timestamp.Add(time.Second)
	events := tr.Update(book3, params)

	var sawUpdated bool
	for _, e := range events {
		if e.Kind == domain.DensityUpdated && e.Density.PriceLevel.Equal(dd("30000")) {
			sawUpdated = true
		}
	}
	if !sawUpdated {
		t.Error("expected the reappearance to be reported as an updated event")
	}

	current := tr.Current("BTCUSDT")
	var found bool
	for _, dn := range current {
		if dn.PriceLevel.Equal(dd("30000")) {
			found = true
			if !dn.Alive() {
				t.Error("density that reappeared inside the grace window should still be alive")
			}
		}
	}
	if !found {
		t.Fatal("expected the reappeared density to still be tracked")
	}
}

func TestCurrent_ExcludesDisappeared(t *testing.T) {
	tr := New()
	params := baseParams()
	book := bookWithDenseBid("30000", "10",
		domain.PriceLevel{Price: dd("29990"), Volume: dd("0.1")},
	)
	tr.Update(book, params)

	gone := domain.OrderBook{
		Symbol:    "BTCUSDT",
		Asks:      []domain.PriceLevel{{Price: dd("30100"), Volume: dd("1")}},
		Timestamp: book.Timestamp.Add(time.Second),
	}
	tr.Update(gone, params)
	gone.Timestamp = gone.Timestamp.Add(time.Second)
	tr.Update(gone, params)

	for _, dn := range tr.Current("BTCUSDT") {
		if dn.PriceLevel.Equal(dd("30000")) {
			t.Fatal("expected disappeared density to be excluded from Current")
		}
	}
}

// TestDetectSide_ClustersAggregateVolumeBelowIndividualThresholds covers
// spec.md §4.3: three nearby levels, each individually below the
// relative floor, must still be detected once their combined
// volume clears every criterion, represented as a single density at
// their volume-weighted centroid (spec.md §3).
func TestDetectSide_ClustersAggregateVolumeBelowIndividualThresholds(t *testing.T) {
	params := baseParams()
	levels := []domain.PriceLevel{
		{Price: dd("30000"), Volume: dd("0.5")},
		{Price: dd("30010"), Volume: dd("0.5")},
		{Price: dd("30020"), Volume: dd("0.5")},
		{Price: dd("31000"), Volume: dd("0.1")},
		{Price: dd("32000"), Volume: dd("0.1")},
	}
	out := detectSide("BTCUSDT", levels, domain.SideBid, params, time.Now())

	var cluster *domain.Density
	for i := range out {
		if out[i].IsCluster {
			cluster = &out[i]
		}
	}
	if cluster == nil {
		t.Fatalf("expected a cluster density, got %+v", out)
	}
	if !cluster.InitialVolume.Equal(dd("1.5")) {
		t.Errorf("expected aggregate cluster volume 1.5, got %s", cluster.InitialVolume)
	}
	if !cluster.PriceLevel.Equal(dd("30010")) {
		t.Errorf("expected centroid price 30010 (equal-weighted midpoint), got %s", cluster.PriceLevel)
	}
}

// TestDetectSide_NoClusterBelowThreeMembers covers the other half of the
// same rule: two nearby levels never form a cluster even when each
// individually clears every criterion on its own, because the cluster
// candidate requires at least three members (grounded on the original
// bot's own minimum, src/data_collection/orderbook_manager.py).
func TestDetectSide_NoClusterBelowThreeMembers(t *testing.T) {
	params := baseParams()
	levels := []domain.PriceLevel{
		{Price: dd("30000"), Volume: dd("1000")},
		{Price: dd("30010"), Volume: dd("1000")},
		{Price: dd("35000"), Volume: dd("0.01")},
		{Price: dd("36000"), Volume: dd("0.01")},
		{Price: dd("37000"), Volume: dd("0.01")},
	}
	out := detectSide("BTCUSDT", levels, domain.SideBid, params, time.Now())

	var standalone int
	for _, dn := range out {
		if dn.IsCluster {
			t.Errorf("did not expect a cluster with only two nearby levels, got %+v", out)
		}
		if dn.PriceLevel.Equal(dd("30000")) || dn.PriceLevel.Equal(dd("30010")) {
			standalone++
		}
	}
	if standalone != 2 {
		t.Fatalf("expected both nearby levels to still qualify as standalone densities, got %+v", out)
	}
}

// TestDetectSide_RelativeCriterionUsesLocalNeighborAverage covers the
// reworked Relative criterion: a candidate is compared against the mean
// volume of its own relativeNeighborCount nearest price-neighbors, not a
// single side-wide average. A distant, oversized level here would have
// dragged a whole-side average high enough to reject the target under the
// old rule; restricting the comparison to the target's 5 nearest neighbors
// lets it pass.
func TestDetectSide_RelativeCriterionUsesLocalNeighborAverage(t *testing.T) {
	params := domain.CoinParameters{
		Symbol:                  "BTCUSDT",
		TickSize:                dd("0.1"),
		DensityThresholdAbs:     dd("1"),
		RelativeMultiplier:      dd("2"),
		DensityThresholdPercent: dd("0"),
		ClusterRangePercent:     dd("0.001"),
	}
	levels := []domain.PriceLevel{
		{Price: dd("20000"), Volume: dd("1000")}, // far outlier, outside the nearest-5 window
		{Price: dd("28000"), Volume: dd("1")},
		{Price: dd("28500"), Volume: dd("1")},
		{Price: dd("29000"), Volume: dd("1")}, // nearest 5: 29300,29500,29700,29800,29900
		{Price: dd("29300"), Volume: dd("1")},
		{Price: dd("29500"), Volume: dd("1")},
		{Price: dd("29700"), Volume: dd("1")},
		{Price: dd("29800"), Volume: dd("1")},
		{Price: dd("29900"), Volume: dd("1")},
		{Price: dd("30000"), Volume: dd("5")}, // target
	}
	out := detectSide("BTCUSDT", levels, domain.SideBid, params, time.Now())

	var found *domain.Density
	for i := range out {
		if out[i].PriceLevel.Equal(dd("30000")) {
			found = &out[i]
		}
	}
	if found == nil {
		t.Fatalf("expected the target level to pass the local-neighbor relative floor, got %+v", out)
	}
	if found.IsCluster {
		t.Errorf("expected a standalone density, got a cluster")
	}
}

// TestUpdate_AbsoluteAloneKeepsADensityAliveThroughErosion covers the
// reworked disappearance rule: a previously tracked density that a fresh
// detectSide pass would no longer select — because neighboring volume
// growth erodes its local relative floor — must still be carried forward
// as long as its own absolute-notional criterion holds, rather than being
// counted as a miss (spec.md §3).
func TestUpdate_AbsoluteAloneKeepsADensityAliveThroughErosion(t *testing.T) {
	tr := New()
	params := domain.CoinParameters{
		Symbol:                  "BTCUSDT",
		TickSize:                dd("0.1"),
		DensityThresholdAbs:     dd("1000"),
		RelativeMultiplier:      dd("2"),
		DensityThresholdPercent: dd("0"),
		ClusterRangePercent:     dd("0.001"),
	}
	book1 := domain.OrderBook{
		Symbol:    "BTCUSDT",
		Timestamp: time.Now(),
		Bids: []domain.PriceLevel{
			{Price: dd("29000"), Volume: dd("0.1")},
			{Price: dd("29200"), Volume: dd("0.1")},
			{Price: dd("29400"), Volume: dd("0.1")},
			{Price: dd("29600"), Volume: dd("0.1")},
			{Price: dd("29800"), Volume: dd("0.1")},
			{Price: dd("30000"), Volume: dd("10")}, // target, easily clears every criterion
		},
		Asks: []domain.PriceLevel{{Price: dd("30100"), Volume: dd("1")}},
	}
	events := tr.Update(book1, params)
	var sawAppeared bool
	for _, e := range events {
		if e.Kind == domain.DensityAppeared && e.Density.PriceLevel.Equal(dd("30000")) {
			sawAppeared = true
		}
	}
	if !sawAppeared {
		t.Fatalf("expected the target level to appear on the first scan, got %+v", events)
	}

	// Neighboring volume surges on the second scan; a fresh detectSide pass
	// would now require the target to clear 2x a much higher local average,
	// which its unchanged volume cannot do. The target level itself is
	// untouched and still clears the absolute-notional floor on its own.
	book2 := domain.OrderBook{
		Symbol:    "BTCUSDT",
		Timestamp: book1.Timestamp.Add(time.Second),
		Bids: []domain.PriceLevel{
			{Price: dd("29000"), Volume: dd("1000")},
			{Price: dd("29200"), Volume: dd("1000")},
			{Price: dd("29400"), Volume: dd("1000")},
			{Price: dd("29600"), Volume: dd("1000")},
			{Price: dd("29800"), Volume: dd("1000")},
			{Price: dd("30000"), Volume: dd("10")},
		},
		Asks: []domain.PriceLevel{{Price: dd("30100"), Volume: dd("1")}},
	}
	events = tr.Update(book2, params)

	var sawDisappeared, sawUpdated bool
	for _, e := range events {
		if e.Density.PriceLevel.Equal(dd("30000")) {
			switch e.Kind {
			case domain.DensityDisappeared:
				sawDisappeared = true
			case domain.DensityUpdated:
				sawUpdated = true
			}
		}
	}
	if sawDisappeared {
		t.Fatal("expected the target level to survive on absolute volume alone, not disappear")
	}
	if !sawUpdated {
		t.Fatalf("expected an updated event for the target level via the absolute-only retest, got %+v", events)
	}

	var stillAlive bool
	for _, d := range tr.Current("BTCUSDT") {
		if d.PriceLevel.Equal(dd("30000")) && d.Alive() {
			stillAlive = true
		}
	}
	if !stillAlive {
		t.Fatal("expected the target level to remain tracked and alive")
	}
}

// TestSupersedeSingleLevelsAtSameTick covers spec.md §4.3's tie-break
// directly: when a cluster and a standalone level round to the same
// tick, the cluster survives regardless of which one was appended
// first.
func TestSupersedeSingleLevelsAtSameTick(t *testing.T) {
	tick := dd("50")
	cluster := domain.Density{PriceLevel: dd("30010"), IsCluster: true}
	single := domain.Density{PriceLevel: dd("30005"), IsCluster: false}

	out := supersedeSingleLevelsAtSameTick([]domain.Density{single, cluster}, tick)
	if len(out) != 1 {
		t.Fatalf("expected same-tick collision to collapse to one density, got %+v", out)
	}
	if !out[0].IsCluster {
		t.Errorf("expected the cluster to supersede the single level regardless of order")
	}

	out = supersedeSingleLevelsAtSameTick([]domain.Density{cluster, single}, tick)
	if len(out) != 1 || !out[0].IsCluster {
		t.Errorf("expected the cluster to remain the survivor when encountered first too, got %+v", out)
	}
}
