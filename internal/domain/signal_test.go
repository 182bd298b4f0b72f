package domain

import (
	"testing"
	"time"
)

func TestSignalExpired(t *testing.T) {
	now := time.Now()
	fresh := Signal{CreatedAt: now.Add(-30 * time.Second)}
	if fresh.Expired(now) {
		t.Error("expected a 30s-old signal to not be expired")
	}

	stale := Signal{CreatedAt: now.Add(-61 * time.Second)}
	if !stale.Expired(now) {
		t.Error("expected a 61s-old signal to be expired")
	}
}

func TestDirectionSign(t *testing.T) {
	cases := map[Direction]int{
		DirectionLong:    1,
		DirectionUp:      1,
		DirectionShort:   -1,
		DirectionDown:    -1,
		DirectionNeutral: 0,
	}
	for dir, want := range cases {
		if got := dir.Sign(); got != want {
			t.Errorf("%s.Sign() = %d, want %d", dir, got, want)
		}
	}
}
