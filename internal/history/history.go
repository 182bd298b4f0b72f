// Package history keeps short, bounded per-symbol windows of mid-price
// and order book volume samples, the input the exit evaluator's
// velocity and imbalance checks run against (spec.md §4.9).
package history

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// capacity bounds each per-symbol ring buffer to roughly 30 seconds of
// samples at the feed's ~2 updates/sec cadence.
const capacity = 60

// PricePoint is one mid-price observation.
type PricePoint struct {
	At  time.Time
	Mid decimal.Decimal
}

// VolumePoint is one total bid/ask volume observation.
type VolumePoint struct {
	At       time.Time
	BidVol   decimal.Decimal
	AskVol   decimal.Decimal
}

type ringBuffer[T any] struct {
	items []T
	start int
	count int
}

func newRingBuffer[T any](cap int) *ringBuffer[T] {
	return &ringBuffer[T]{items: make([]T, cap)}
}

func (r *ringBuffer[T]) push(v T) {
	idx := (r.start + r.count) % len(r.items)
	r.items[idx] = v
	if r.count < len(r.items) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.items)
	}
}

func (r *ringBuffer[T]) all() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

// Store holds bounded price and volume history for every tracked
// symbol (spec.md §4.9 velocity/imbalance inputs).
type Store struct {
	mu     sync.Mutex
	prices map[string]*ringBuffer[PricePoint]
	vols   map[string]*ringBuffer[VolumePoint]
}

// New constructs an empty history store.
func New() *Store {
	return &Store{
		prices: make(map[string]*ringBuffer[PricePoint]),
		vols:   make(map[string]*ringBuffer[VolumePoint]),
	}
}

// RecordPrice appends a mid-price sample for symbol.
func (s *Store) RecordPrice(symbol string, at time.Time, mid decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.prices[symbol]
	if !ok {
		buf = newRingBuffer[PricePoint](capacity)
		s.prices[symbol] = buf
	}
	buf.push(PricePoint{At: at, Mid: mid})
}

// RecordVolume appends a total bid/ask volume sample for symbol.
func (s *Store) RecordVolume(symbol string, at time.Time, bidVol, askVol decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.vols[symbol]
	if !ok {
		buf = newRingBuffer[VolumePoint](capacity)
		s.vols[symbol] = buf
	}
	buf.push(VolumePoint{At: at, BidVol: bidVol, AskVol: askVol})
}

// PriceHistory returns every price sample for symbol within the
// trailing window, oldest first.
func (s *Store) PriceHistory(symbol string, window time.Duration) []PricePoint {
	s.mu.Lock()
	buf, ok := s.prices[symbol]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	all := buf.all()
	if window <= 0 {
		return all
	}
	cutoff := time.Now().Add(-window)
	out := make([]PricePoint, 0, len(all))
	for _, p := range all {
		if !p.At.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// VolumeHistory returns every volume sample for symbol within the
// trailing window, oldest first.
func (s *Store) VolumeHistory(symbol string, window time.Duration) []VolumePoint {
	s.mu.Lock()
	buf, ok := s.vols[symbol]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	all := buf.all()
	if window <= 0 {
		return all
	}
	cutoff := time.Now().Add(-window)
	out := make([]VolumePoint, 0, len(all))
	for _, p := range all {
		if !p.At.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// Velocity computes the absolute percent-per-second mid-price change
// over the trailing window, the input both the short- and
// long-window velocity checks in internal/monitor share (spec.md §4.9).
func (s *Store) Velocity(symbol string, window time.Duration) (decimal.Decimal, bool) {
	points := s.PriceHistory(symbol, window)
	if len(points) < 2 {
		return decimal.Zero, false
	}
	first := points[0]
	last := points[len(points)-1]
	if first.Mid.IsZero() {
		return decimal.Zero, false
	}
	elapsed := last.At.Sub(first.At).Seconds()
	if elapsed <= 0 {
		return decimal.Zero, false
	}
	percentChange := last.Mid.Sub(first.Mid).Div(first.Mid).Mul(decimal.NewFromInt(100)).Abs()
	return percentChange.Div(decimal.NewFromFloat(elapsed)).Abs(), true
}

// Remove drops all history for symbol, called when a symbol leaves the
// active trading set.
func (s *Store) Remove(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, symbol)
	delete(s.vols, symbol)
}
