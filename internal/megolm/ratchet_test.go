package megolm

import (
	"bytes"
	"testing"
)

// TestRatchetFromBytes verifies state reconstruction.
func TestRatchetFromBytes(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		r, err := NewRatchet()
		if err != nil {
			t.Fatalf("NewRatchet() error = %v", err)
		}
		r.Advance()
		r.Advance()

		restored, err := RatchetFromBytes(r.Bytes(), r.Counter())
		if err != nil {
			t.Fatalf("RatchetFromBytes() error = %v", err)
		}
		if !bytes.Equal(restored.Bytes(), r.Bytes()) {
			t.Error("restored ratchet state differs from original")
		}
		if restored.Counter() != r.Counter() {
			t.Errorf("restored counter = %d, want %d", restored.Counter(), r.Counter())
		}
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		if _, err := RatchetFromBytes(make([]byte, RatchetLength-1), 0); err == nil {
			t.Error("expected error for short state, got nil")
		}
		if _, err := RatchetFromBytes(make([]byte, RatchetLength+1), 0); err == nil {
			t.Error("expected error for long state, got nil")
		}
	})
}

// TestRatchetAdvance verifies single-step advancement.
func TestRatchetAdvance(t *testing.T) {
	r, err := NewRatchet()
	if err != nil {
		t.Fatalf("NewRatchet() error = %v", err)
	}

	before := r.Bytes()
	r.Advance()

	if r.Counter() != 1 {
		t.Errorf("Counter() = %d, want 1", r.Counter())
	}
	if bytes.Equal(r.Bytes(), before) {
		t.Error("ratchet state unchanged after Advance()")
	}

	// A plain step only rehashes the last part.
	if !bytes.Equal(r.Bytes()[:3*ratchetPartLength], before[:3*ratchetPartLength]) {
		t.Error("parts R0..R2 changed on a step that only crosses the R3 boundary")
	}
}

// TestRatchetAdvance_PartBoundaries verifies that higher-order parts are
// reseeded exactly when the counter crosses their boundary.
func TestRatchetAdvance_PartBoundaries(t *testing.T) {
	r, err := NewRatchet()
	if err != nil {
		t.Fatalf("NewRatchet() error = %v", err)
	}

	// Advance to counter 255; R2 must still be untouched.
	before := r.Bytes()
	for i := 0; i < 255; i++ {
		r.Advance()
	}
	if !bytes.Equal(r.Bytes()[2*ratchetPartLength:3*ratchetPartLength], before[2*ratchetPartLength:3*ratchetPartLength]) {
		t.Error("R2 changed before crossing the 256 boundary")
	}

	// Step 256 crosses the R2 boundary.
	r.Advance()
	if bytes.Equal(r.Bytes()[2*ratchetPartLength:3*ratchetPartLength], before[2*ratchetPartLength:3*ratchetPartLength]) {
		t.Error("R2 unchanged after crossing the 256 boundary")
	}
	if !bytes.Equal(r.Bytes()[:2*ratchetPartLength], before[:2*ratchetPartLength]) {
		t.Error("R0/R1 changed at counter 256")
	}
}

// TestRatchetAdvanceTo verifies the skip-ahead path matches stepping.
func TestRatchetAdvanceTo(t *testing.T) {
	targets := []uint32{1, 2, 17, 255, 256, 257, 511, 1000, 65536, 65537, 70000}

	for _, target := range targets {
		base, err := NewRatchet()
		if err != nil {
			t.Fatalf("NewRatchet() error = %v", err)
		}

		stepped, err := RatchetFromBytes(base.Bytes(), base.Counter())
		if err != nil {
			t.Fatalf("RatchetFromBytes() error = %v", err)
		}
		for stepped.Counter() < target {
			stepped.Advance()
		}

		jumped, err := RatchetFromBytes(base.Bytes(), base.Counter())
		if err != nil {
			t.Fatalf("RatchetFromBytes() error = %v", err)
		}
		jumped.AdvanceTo(target)

		if jumped.Counter() != target {
			t.Errorf("AdvanceTo(%d): counter = %d", target, jumped.Counter())
		}
		if !bytes.Equal(jumped.Bytes(), stepped.Bytes()) {
			t.Errorf("AdvanceTo(%d) state differs from %d single steps", target, target)
		}
	}
}

// TestRatchetAdvanceTo_NoOpBackward verifies backward targets are ignored.
func TestRatchetAdvanceTo_NoOpBackward(t *testing.T) {
	r, err := NewRatchet()
	if err != nil {
		t.Fatalf("NewRatchet() error = %v", err)
	}
	r.AdvanceTo(10)

	state := r.Bytes()
	r.AdvanceTo(5)

	if r.Counter() != 10 {
		t.Errorf("Counter() = %d after backward AdvanceTo, want 10", r.Counter())
	}
	if !bytes.Equal(r.Bytes(), state) {
		t.Error("ratchet state changed on backward AdvanceTo")
	}
}

// TestDeriveMessageKeys verifies distinct keys per ratchet step.
func TestDeriveMessageKeys(t *testing.T) {
	r, err := NewRatchet()
	if err != nil {
		t.Fatalf("NewRatchet() error = %v", err)
	}

	first, err := r.deriveMessageKeys()
	if err != nil {
		t.Fatalf("deriveMessageKeys() error = %v", err)
	}
	r.Advance()
	second, err := r.deriveMessageKeys()
	if err != nil {
		t.Fatalf("deriveMessageKeys() error = %v", err)
	}

	if bytes.Equal(first.aesKey, second.aesKey) {
		t.Error("AES key unchanged across ratchet steps")
	}
	if bytes.Equal(first.macKey, second.macKey) {
		t.Error("MAC key unchanged across ratchet steps")
	}
	if bytes.Equal(first.iv, second.iv) {
		t.Error("IV unchanged across ratchet steps")
	}

	if len(first.aesKey) != aesKeyLength || len(first.macKey) != macKeyLength || len(first.iv) != ivLength {
		t.Errorf("derived key lengths = %d/%d/%d, want %d/%d/%d",
			len(first.aesKey), len(first.macKey), len(first.iv),
			aesKeyLength, macKeyLength, ivLength)
	}
}
