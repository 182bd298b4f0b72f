package marketfeed

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"densityengine/internal/domain"
)

// bookState is the mutable in-memory order book for one symbol. Bybit's
// v5 linear orderbook stream sends a full snapshot followed by deltas
// keyed by price; a delta level with zero volume removes that price
// (spec.md §2's order book stream contract).
type bookState struct {
	mu sync.Mutex

	symbol       string
	bids         map[string]decimal.Decimal // price string -> volume
	asks         map[string]decimal.Decimal
	lastUpdateID int64
	ready        bool
	lastSeenAt   time.Time
}

func newBookState(symbol string) *bookState {
	return &bookState{
		symbol: symbol,
		bids:   make(map[string]decimal.Decimal),
		asks:   make(map[string]decimal.Decimal),
	}
}

// applySnapshot replaces the book wholesale and marks it ready.
func (b *bookState) applySnapshot(bids, asks [][2]decimal.Decimal, updateID int64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]decimal.Decimal, len(bids))
	b.asks = make(map[string]decimal.Decimal, len(asks))
	for _, lvl := range bids {
		b.bids[lvl[0].String()] = lvl[1]
	}
	for _, lvl := range asks {
		b.asks[lvl[0].String()] = lvl[1]
	}
	b.lastUpdateID = updateID
	b.ready = true
	b.lastSeenAt = at
}

// applyDelta merges incremental price-level changes. Returns false if
// the update is out of sequence (a gap was detected), in which case
// the caller must invalidate this book and wait for a fresh snapshot.
func (b *bookState) applyDelta(bids, asks [][2]decimal.Decimal, prevUpdateID, updateID int64, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return false
	}
	if prevUpdateID != 0 && prevUpdateID != b.lastUpdateID {
		b.ready = false
		return false
	}

	for _, lvl := range bids {
		applyLevel(b.bids, lvl)
	}
	for _, lvl := range asks {
		applyLevel(b.asks, lvl)
	}
	b.lastUpdateID = updateID
	b.lastSeenAt = at
	return true
}

func applyLevel(side map[string]decimal.Decimal, lvl [2]decimal.Decimal) {
	if lvl[1].IsZero() {
		delete(side, lvl[0].String())
		return
	}
	side[lvl[0].String()] = lvl[1]
}

func (b *bookState) invalidate() {
	b.mu.Lock()
	b.ready = false
	b.mu.Unlock()
}

// snapshot renders the current in-memory state into an ordered
// domain.OrderBook, bids descending and asks ascending, truncated to
// maxDepth levels per side.
func (b *bookState) snapshot(maxDepth int) (domain.OrderBook, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return domain.OrderBook{}, false
	}

	bids := sortedLevels(b.bids, true, maxDepth)
	asks := sortedLevels(b.asks, false, maxDepth)

	return domain.OrderBook{
		Symbol:    b.symbol,
		Timestamp: b.lastSeenAt,
		Bids:      bids,
		Asks:      asks,
	}, true
}

func sortedLevels(side map[string]decimal.Decimal, descending bool, maxDepth int) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(side))
	for priceStr, vol := range side {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Volume: vol})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if maxDepth > 0 && len(out) > maxDepth {
		out = out[:maxDepth]
	}
	return out
}

func (b *bookState) staleness(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastSeenAt.IsZero() {
		return 0
	}
	return now.Sub(b.lastSeenAt)
}
