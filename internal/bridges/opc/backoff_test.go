package opc

import (
	"testing"
	"time"
)

// jitterBounds returns the allowed range for a nominal delay.
func jitterBounds(nominal time.Duration) (time.Duration, time.Duration) {
	low := time.Duration(float64(nominal) * (1 - jitterFraction))
	high := time.Duration(float64(nominal) * (1 + jitterFraction))
	return low, high
}

func TestBackoff_ExponentialGrowth(t *testing.T) {
	bo := newBackoff(1, 60)

	nominals := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	for i, nominal := range nominals {
		got := bo.next()
		low, high := jitterBounds(nominal)
		if got < low || got > high {
			t.Errorf("attempt %d: next() = %v, want within [%v, %v]", i, got, low, high)
		}
	}
}

func TestBackoff_CappedAtMax(t *testing.T) {
	bo := newBackoff(1, 4)

	var got time.Duration
	for i := 0; i < 10; i++ {
		got = bo.next()
	}
	_, high := jitterBounds(4 * time.Second)
	if got > high {
		t.Errorf("next() after many attempts = %v, want at most %v", got, high)
	}
}

func TestBackoff_Reset(t *testing.T) {
	bo := newBackoff(1, 60)
	for i := 0; i < 5; i++ {
		bo.next()
	}
	bo.reset()

	got := bo.next()
	low, high := jitterBounds(1 * time.Second)
	if got < low || got > high {
		t.Errorf("next() after reset = %v, want within [%v, %v]", got, low, high)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	bo := newBackoff(0, 0)
	if bo.initial != defaultInitialBackoff {
		t.Errorf("initial = %v, want %v", bo.initial, defaultInitialBackoff)
	}
	if bo.max != defaultMaxBackoff {
		t.Errorf("max = %v, want %v", bo.max, defaultMaxBackoff)
	}

	// A max below the initial is raised to it.
	bo = newBackoff(30, 5)
	if bo.max != 30*time.Second {
		t.Errorf("max = %v, want %v", bo.max, 30*time.Second)
	}
}
