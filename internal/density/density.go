// Package density detects liquidity concentrations in a live order book
// and tracks their lifecycle across successive book snapshots (spec.md
// §4.2, §4.3).
package density

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"densityengine/internal/domain"
)

// missScanGrace is how many consecutive scans a previously tracked
// density may be absent from before it is declared disappeared. The
// original bot removes a density the instant it is absent from one
// scan; that is too eager for a live feed where a single delta burst
// or a momentary websocket hiccup can blank a level for one tick
// without the liquidity actually having left, so this tracker waits
// for two consecutive misses.
const missScanGrace = 2

// relativeNeighborCount is how many nearest price-neighbors the Relative
// criterion averages against (spec.md §3/§4.2).
const relativeNeighborCount = 5

// Tracker holds the live density set for every symbol it has scanned.
type Tracker struct {
	mu    sync.Mutex
	state map[string]map[domain.DensityKey]domain.Density
}

// New constructs an empty tracker.
func New() *Tracker {
	return &Tracker{state: make(map[string]map[domain.DensityKey]domain.Density)}
}

// Current returns a snapshot of every live (non-disappeared) density
// tracked for symbol.
func (t *Tracker) Current(symbol string) []domain.Density {
	t.mu.Lock()
	defer t.mu.Unlock()

	byKey := t.state[symbol]
	out := make([]domain.Density, 0, len(byKey))
	for _, d := range byKey {
		if d.Alive() {
			out = append(out, d)
		}
	}
	return out
}

// Update runs one detection+clustering+lifecycle pass over book and
// returns every appeared/updated/disappeared transition discovered,
// in FIFO order (spec.md §5).
func (t *Tracker) Update(book domain.OrderBook, params domain.CoinParameters) []domain.LifecycleEvent {
	now := book.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	detected := detectSide(book.Symbol, book.Bids, domain.SideBid, params, now)
	detected = append(detected, detectSide(book.Symbol, book.Asks, domain.SideAsk, params, now)...)

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.state[book.Symbol]
	if prev == nil {
		prev = make(map[domain.DensityKey]domain.Density)
	}

	current := make(map[domain.DensityKey]domain.Density, len(detected))
	var events []domain.LifecycleEvent

	for _, d := range detected {
		key := d.Key(params.TickSize)
		if prior, ok := prev[key]; ok {
			d.InitialVolume = prior.InitialVolume
			d.PreviousVolume = prior.CurrentVolume
			d.AppearedAt = prior.AppearedAt
			d.MissedAbsolute = 0
			current[key] = d
			events = append(events, domain.LifecycleEvent{Kind: domain.DensityUpdated, Density: d, Book: book})
		} else {
			current[key] = d
			events = append(events, domain.LifecycleEvent{Kind: domain.DensityAppeared, Density: d, Book: book})
		}
	}

	for key, prior := range prev {
		if _, stillPresent := current[key]; stillPresent {
			continue
		}
		if !prior.Alive() {
			continue
		}

		levels := book.Bids
		if prior.Side == domain.SideAsk {
			levels = book.Asks
		}
		// spec.md §3: a density "stays while at least the absolute-volume
		// criterion holds" — failing the relative or percent criteria alone
		// must not count toward disappearance, so re-test absolute alone
		// against the current scan rather than relying on detectSide's
		// all-three-criteria re-detection.
		volume, notional := currentAbsoluteVolume(prior, levels, params)
		if notional.GreaterThanOrEqual(params.DensityThresholdAbs) {
			prior.PreviousVolume = prior.CurrentVolume
			prior.CurrentVolume = volume
			prior.LastSeenAt = now
			prior.MissedAbsolute = 0
			current[key] = prior
			events = append(events, domain.LifecycleEvent{Kind: domain.DensityUpdated, Density: prior, Book: book})
			continue
		}

		prior.MissedAbsolute++
		if prior.MissedAbsolute < missScanGrace {
			current[key] = prior
			continue
		}
		disappearedAt := now
		prior.DisappearedAt = &disappearedAt
		current[key] = prior
		events = append(events, domain.LifecycleEvent{Kind: domain.DensityDisappeared, Density: prior, Book: book})
	}

	t.state[book.Symbol] = current
	return events
}

// detectSide applies spec.md §4.2's two detection branches to one side
// of the book: first, contiguous runs of three or more levels within
// clusterRangePercent of an anchor level are tested as a single cluster
// candidate against their combined volume; a run that passes is emitted
// as one density at the volume-weighted centroid of its members (spec.md
// §3) and its members are withdrawn from individual consideration. Every
// level not absorbed into a passing cluster is then tested on its own
// volume as a standalone candidate. Both branches share the same three
// criteria: the level or cluster's volume must simultaneously clear the
// absolute-notional floor, the relative-multiplier-times-local-neighbor-average
// floor, and the percent-of-total-side-volume floor. The relative floor is
// local, not side-wide: each candidate is compared against the mean volume
// of its own relativeNeighborCount nearest price-neighbors, excluding the
// candidate's own member levels (spec.md §3/§4.2).
func detectSide(symbol string, levels []domain.PriceLevel, side domain.Side, params domain.CoinParameters, at time.Time) []domain.Density {
	if len(levels) == 0 {
		return nil
	}

	totalVolume := decimal.Zero
	for _, lvl := range levels {
		totalVolume = totalVolume.Add(lvl.Volume)
	}
	if totalVolume.IsZero() {
		return nil
	}

	passesCriteria := func(volume, notional, localAvg decimal.Decimal, haveNeighbors bool) bool {
		passAbs := notional.GreaterThanOrEqual(params.DensityThresholdAbs)
		passRelative := !haveNeighbors || volume.GreaterThanOrEqual(localAvg.Mul(params.RelativeMultiplier))
		percentOfTotal := volume.Div(totalVolume).Mul(decimal.NewFromInt(100))
		passPercent := percentOfTotal.GreaterThanOrEqual(params.DensityThresholdPercent)
		return passAbs && passRelative && passPercent
	}

	sorted := make([]domain.PriceLevel, len(levels))
	copy(sorted, levels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Price.LessThan(sorted[j].Price) })

	consumed := make([]bool, len(sorted))
	var out []domain.Density

	for i := range sorted {
		if consumed[i] || sorted[i].Price.IsZero() {
			continue
		}
		anchor := sorted[i].Price
		j := i + 1
		for j < len(sorted) {
			diffPercent := sorted[j].Price.Sub(anchor).Div(anchor).Abs().Mul(decimal.NewFromInt(100))
			if diffPercent.GreaterThan(params.ClusterRangePercent) {
				break
			}
			j++
		}
		members := sorted[i:j]
		if len(members) < 3 {
			continue
		}

		clusterVolume := decimal.Zero
		clusterNotional := decimal.Zero
		weightedPrice := decimal.Zero
		for _, m := range members {
			clusterVolume = clusterVolume.Add(m.Volume)
			clusterNotional = clusterNotional.Add(m.Notional())
			weightedPrice = weightedPrice.Add(m.Price.Mul(m.Volume))
		}
		centroid := weightedPrice.Div(clusterVolume)
		localAvg, neighbors := nearestNeighborVolumeAverage(sorted, i, j, centroid, relativeNeighborCount)
		if !passesCriteria(clusterVolume, clusterNotional, localAvg, neighbors > 0) {
			continue
		}

		for k := i; k < j; k++ {
			consumed[k] = true
		}
		out = append(out, domain.Density{
			Symbol:        symbol,
			Side:          side,
			PriceLevel:    weightedPrice.Div(clusterVolume),
			InitialVolume: clusterVolume,
			CurrentVolume: clusterVolume,
			AppearedAt:    at,
			LastSeenAt:    at,
			IsCluster:     true,
		})
	}

	for i, lvl := range sorted {
		if consumed[i] {
			continue
		}
		localAvg, neighbors := nearestNeighborVolumeAverage(sorted, i, i+1, lvl.Price, relativeNeighborCount)
		if !passesCriteria(lvl.Volume, lvl.Notional(), localAvg, neighbors > 0) {
			continue
		}
		out = append(out, domain.Density{
			Symbol:        symbol,
			Side:          side,
			PriceLevel:    lvl.Price,
			InitialVolume: lvl.Volume,
			CurrentVolume: lvl.Volume,
			AppearedAt:    at,
			LastSeenAt:    at,
		})
	}

	return supersedeSingleLevelsAtSameTick(out, params.TickSize)
}

// nearestNeighborVolumeAverage returns the mean volume of the n
// price-closest levels to priceRef in sorted, excluding the index range
// [excludeFrom, excludeTo) — a single candidate level or an entire
// cluster's own members. sorted must be sorted by ascending price, so the
// nearest neighbors by price can be found by walking outward from the
// excluded range with a two-pointer merge instead of a full distance scan.
// Returns (0, 0) if sorted has no levels outside the excluded range.
func nearestNeighborVolumeAverage(sorted []domain.PriceLevel, excludeFrom, excludeTo int, priceRef decimal.Decimal, n int) (decimal.Decimal, int) {
	left := excludeFrom - 1
	right := excludeTo
	sum := decimal.Zero
	count := 0
	for count < n && (left >= 0 || right < len(sorted)) {
		takeLeft := left >= 0
		if left >= 0 && right < len(sorted) {
			leftDist := priceRef.Sub(sorted[left].Price).Abs()
			rightDist := sorted[right].Price.Sub(priceRef).Abs()
			takeLeft = leftDist.LessThanOrEqual(rightDist)
		} else {
			takeLeft = right >= len(sorted)
		}
		if takeLeft {
			sum = sum.Add(sorted[left].Volume)
			left--
		} else {
			sum = sum.Add(sorted[right].Volume)
			right++
		}
		count++
	}
	if count == 0 {
		return decimal.Zero, 0
	}
	return sum.Div(decimal.NewFromInt(int64(count))), count
}

// currentAbsoluteVolume looks up the volume/notional a previously tracked
// density's price currently carries in levels, for the absolute-only
// re-test Update uses to decide a miss (spec.md §3). A cluster's identity
// price is a synthetic volume-weighted centroid with no single matching
// book level, so its current volume is re-aggregated the same way it was
// formed: every current level within clusterRangePercent of that centroid.
// A standalone level is looked up by its tick-rounded price directly.
func currentAbsoluteVolume(prior domain.Density, levels []domain.PriceLevel, params domain.CoinParameters) (volume, notional decimal.Decimal) {
	if prior.PriceLevel.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	if prior.IsCluster {
		for _, lvl := range levels {
			if lvl.Price.IsZero() {
				continue
			}
			diffPercent := lvl.Price.Sub(prior.PriceLevel).Div(prior.PriceLevel).Abs().Mul(decimal.NewFromInt(100))
			if diffPercent.LessThanOrEqual(params.ClusterRangePercent) {
				volume = volume.Add(lvl.Volume)
				notional = notional.Add(lvl.Notional())
			}
		}
		return volume, notional
	}
	target := domain.RoundToTick(prior.PriceLevel, params.TickSize).String()
	for _, lvl := range levels {
		if domain.RoundToTick(lvl.Price, params.TickSize).String() == target {
			return lvl.Volume, lvl.Notional()
		}
	}
	return decimal.Zero, decimal.Zero
}

// supersedeSingleLevelsAtSameTick enforces spec.md §4.3's tie-break: if a
// cluster's centroid and a standalone level round to the same tick, the
// cluster is the one kept. detectSide's own cluster/standalone split
// already prevents this for members of an accepted cluster; this guards
// the residual case of an unrelated standalone level elsewhere on the
// side happening to round to the same tick as a cluster's centroid.
func supersedeSingleLevelsAtSameTick(densities []domain.Density, tick decimal.Decimal) []domain.Density {
	bestByTick := make(map[string]int, len(densities))
	out := make([]domain.Density, 0, len(densities))
	for _, d := range densities {
		key := domain.RoundToTick(d.PriceLevel, tick).String()
		if idx, ok := bestByTick[key]; ok {
			if d.IsCluster && !out[idx].IsCluster {
				out[idx] = d
			}
			continue
		}
		bestByTick[key] = len(out)
		out = append(out, d)
	}
	return out
}
