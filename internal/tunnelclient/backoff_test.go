package tunnelclient

import (
	"testing"
	"time"
)

func TestBackoffIncreases(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second, 2.0, 0.0)

	d1 := b.NextDelay()
	d2 := b.NextDelay()
	d3 := b.NextDelay()

	if d1 != time.Second {
		t.Fatalf("expected d1=1s, got %v", d1)
	}
	if d2 != 2*time.Second {
		t.Fatalf("expected d2=2s, got %v", d2)
	}
	if d3 != 4*time.Second {
		t.Fatalf("expected d3=4s, got %v", d3)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := NewBackoff(30*time.Second, 60*time.Second, 2.0, 0.0)

	d1 := b.NextDelay()
	d2 := b.NextDelay()
	d3 := b.NextDelay()

	if d1 != 30*time.Second {
		t.Fatalf("expected d1=30s, got %v", d1)
	}
	if d2 != 60*time.Second {
		t.Fatalf("expected d2=60s (capped), got %v", d2)
	}
	if d3 != 60*time.Second {
		t.Fatalf("expected d3=60s (still capped), got %v", d3)
	}
}

func TestBackoffResetReturnsToInitial(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second, 2.0, 0.0)
	b.NextDelay()
	b.NextDelay()
	b.Reset(time.Second)

	if d := b.NextDelay(); d != time.Second {
		t.Fatalf("expected reset delay of 1s, got %v", d)
	}
}

func TestBackoffJitterAddsNonNegativeAmount(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second, 2.0, 0.5)
	d := b.NextDelay()
	if d < time.Second || d > time.Second+500*time.Millisecond {
		t.Fatalf("expected delay within [1s, 1.5s], got %v", d)
	}
}
