package history

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func hd(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRingBuffer_WrapsAtCapacity(t *testing.T) {
	r := newRingBuffer[int](3)
	r.push(1)
	r.push(2)
	r.push(3)
	r.push(4) // evicts 1
	got := r.all()
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRecordPrice_PreservesInsertionOrder(t *testing.T) {
	s := New()
	now := time.Now()
	s.RecordPrice("BTCUSDT", now, hd("100"))
	s.RecordPrice("BTCUSDT", now.Add(time.Second), hd("101"))

	points := s.PriceHistory("BTCUSDT", 0)
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if !points[0].Mid.Equal(hd("100")) || !points[1].Mid.Equal(hd("101")) {
		t.Fatalf("expected oldest-first order, got %v", points)
	}
}

func TestPriceHistory_FiltersOutsideWindow(t *testing.T) {
	s := New()
	now := time.Now()
	s.RecordPrice("BTCUSDT", now.Add(-time.Hour), hd("90"))
	s.RecordPrice("BTCUSDT", now, hd("100"))

	points := s.PriceHistory("BTCUSDT", time.Minute)
	if len(points) != 1 {
		t.Fatalf("expected only the recent point within the window, got %d", len(points))
	}
	if !points[0].Mid.Equal(hd("100")) {
		t.Errorf("expected the recent point, got %v", points[0])
	}
}

func TestPriceHistory_UnknownSymbol(t *testing.T) {
	s := New()
	if points := s.PriceHistory("NOPE", time.Minute); points != nil {
		t.Fatalf("expected nil for unknown symbol, got %v", points)
	}
}

func TestVelocity_RequiresAtLeastTwoPoints(t *testing.T) {
	s := New()
	s.RecordPrice("BTCUSDT", time.Now(), hd("100"))
	if _, ok := s.Velocity("BTCUSDT", time.Minute); ok {
		t.Fatal("expected velocity unavailable with a single sample")
	}
}

func TestVelocity_ComputesAbsolutePercentPerSecond(t *testing.T) {
	s := New()
	now := time.Now()
	s.RecordPrice("BTCUSDT", now, hd("100"))
	s.RecordPrice("BTCUSDT", now.Add(2*time.Second), hd("102"))

	v, ok := s.Velocity("BTCUSDT", time.Minute)
	if !ok {
		t.Fatal("expected velocity to be computable")
	}
	// 2% change over 2 seconds = 1%/sec
	if !v.Equal(hd("1")) {
		t.Errorf("expected velocity 1, got %s", v)
	}
}

func TestVelocity_AbsoluteRegardlessOfDirection(t *testing.T) {
	s := New()
	now := time.Now()
	s.RecordPrice("BTCUSDT", now, hd("100"))
	s.RecordPrice("BTCUSDT", now.Add(2*time.Second), hd("98"))

	v, ok := s.Velocity("BTCUSDT", time.Minute)
	if !ok {
		t.Fatal("expected velocity to be computable")
	}
	if v.IsNegative() {
		t.Errorf("expected velocity to be non-negative, got %s", v)
	}
}

func TestRemove_ClearsBothBuffers(t *testing.T) {
	s := New()
	now := time.Now()
	s.RecordPrice("BTCUSDT", now, hd("100"))
	s.RecordVolume("BTCUSDT", now, hd("10"), hd("5"))

	s.Remove("BTCUSDT")

	if points := s.PriceHistory("BTCUSDT", 0); points != nil {
		t.Errorf("expected price history cleared, got %v", points)
	}
	if vols := s.VolumeHistory("BTCUSDT", 0); vols != nil {
		t.Errorf("expected volume history cleared, got %v", vols)
	}
}
