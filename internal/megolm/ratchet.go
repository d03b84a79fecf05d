package megolm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Ratchet geometry constants.
const (
	// ratchetParts is the number of independent hash chains in the ratchet.
	ratchetParts = 4

	// ratchetPartLength is the byte length of each chain's state.
	ratchetPartLength = 32

	// RatchetLength is the total byte length of serialized ratchet state.
	RatchetLength = ratchetParts * ratchetPartLength
)

// Key derivation constants.
const (
	// kdfInfo is the HKDF info string for message key derivation.
	kdfInfo = "MEGOLM_KEYS"

	// aesKeyLength is the AES-256 key length.
	aesKeyLength = 32

	// macKeyLength is the HMAC-SHA256 key length.
	macKeyLength = 32

	// ivLength is the AES-CBC initialisation vector length.
	ivLength = 16

	// derivedLength is the total HKDF output: AES key, MAC key, IV.
	derivedLength = aesKeyLength + macKeyLength + ivLength
)

// partSeeds are the single-byte HMAC messages used to reseed each
// ratchet part. Part j is always reseeded with seed byte j.
var partSeeds = [ratchetParts]byte{0x00, 0x01, 0x02, 0x03}

// Ratchet is the Megolm four-part hash ratchet.
//
// Part R(h) is reseeded from R(h) itself whenever the counter crosses a
// 2^(8*(3-h)) boundary, and every reseed of R(h) also reseeds all later
// parts from R(h). The construction allows a holder of state at counter
// i to derive state at any counter j >= i in O(1024) hash operations,
// while deriving state for j < i requires inverting HMAC-SHA256.
type Ratchet struct {
	data    [RatchetLength]byte
	counter uint32
}

// NewRatchet creates a ratchet with fresh random state at counter zero.
//
// Returns:
//   - *Ratchet: Initialised ratchet
//   - error: If the system random source fails
func NewRatchet() (*Ratchet, error) {
	var r Ratchet
	if _, err := io.ReadFull(rand.Reader, r.data[:]); err != nil {
		return nil, fmt.Errorf("generating ratchet state: %w", err)
	}
	return &r, nil
}

// RatchetFromBytes reconstructs a ratchet from serialized state.
//
// Parameters:
//   - data: Exactly RatchetLength bytes of ratchet state
//   - counter: The message counter the state corresponds to
//
// Returns:
//   - *Ratchet: Reconstructed ratchet
//   - error: If data has the wrong length
func RatchetFromBytes(data []byte, counter uint32) (*Ratchet, error) {
	if len(data) != RatchetLength {
		return nil, fmt.Errorf("ratchet state must be %d bytes, got %d", RatchetLength, len(data))
	}
	var r Ratchet
	copy(r.data[:], data)
	r.counter = counter
	return &r, nil
}

// Bytes returns the serialized ratchet state.
func (r *Ratchet) Bytes() []byte {
	out := make([]byte, RatchetLength)
	copy(out, r.data[:])
	return out
}

// Counter returns the current message counter.
func (r *Ratchet) Counter() uint32 {
	return r.counter
}

// Advance moves the ratchet forward by exactly one step.
//
// The lowest part whose boundary the new counter crosses is rehashed,
// and every later part is reseeded from that part's previous state.
func (r *Ratchet) Advance() {
	r.counter++

	// Find the highest-order part that needs reseeding. Part h owns the
	// counter bits below 2^(8*(4-h)); it reseeds when they are all zero.
	mask := uint32(0x00ffffff)
	h := 0
	for h < ratchetParts {
		if r.counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}

	// Reseed R(h)..R(3) from the old R(h). Iterating downward leaves
	// R(h) untouched until last, so each reseed keys off the old value.
	for i := ratchetParts - 1; i >= h; i-- {
		r.rehashPart(h, i)
	}
}

// AdvanceTo moves the ratchet forward to the given counter.
//
// Rather than stepping one message at a time, each part is rehashed only
// as many times as its own boundary is crossed, so catching up across a
// large index gap costs at most 255 hashes per part.
//
// Advancing to a counter at or before the current one is a no-op.
//
// Parameters:
//   - target: The counter to advance to
func (r *Ratchet) AdvanceTo(target uint32) {
	if target <= r.counter {
		return
	}

	for j := 0; j < ratchetParts; j++ {
		shift := uint32(ratchetParts-j-1) * 8
		steps := ((target >> shift) - (r.counter >> shift)) & 0xff
		if steps == 0 {
			continue
		}

		// All but the final step only touch R(j).
		for steps > 1 {
			r.rehashPart(j, j)
			steps--
		}

		// The final step reseeds R(j)..R(3) from the old R(j).
		for k := ratchetParts - 1; k >= j; k-- {
			r.rehashPart(j, k)
		}

		// Later parts now reflect the target's high-order bits; zero the
		// counter's low bits so the remaining loop iterations see only
		// their own part's residual steps.
		r.counter = target & ^((uint32(1) << shift) - 1)
	}

	r.counter = target
}

// rehashPart reseeds part `to` from part `from` via HMAC-SHA256 keyed
// with the current state of `from` over that part's single seed byte.
func (r *Ratchet) rehashPart(from, to int) {
	mac := hmac.New(sha256.New, r.data[from*ratchetPartLength:(from+1)*ratchetPartLength])
	mac.Write([]byte{partSeeds[to]})
	copy(r.data[to*ratchetPartLength:(to+1)*ratchetPartLength], mac.Sum(nil))
}

// messageKeys holds the per-message cipher material derived from one
// ratchet state. Each set must encrypt exactly one plaintext.
type messageKeys struct {
	aesKey []byte
	macKey []byte
	iv     []byte
}

// deriveMessageKeys expands the current ratchet state into AES-256 key,
// HMAC key and CBC IV via HKDF-SHA256 with a zero salt.
func (r *Ratchet) deriveMessageKeys() (messageKeys, error) {
	out := make([]byte, derivedLength)
	kdf := hkdf.New(sha256.New, r.data[:], nil, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return messageKeys{}, fmt.Errorf("deriving message keys: %w", err)
	}
	return messageKeys{
		aesKey: out[:aesKeyLength],
		macKey: out[aesKeyLength : aesKeyLength+macKeyLength],
		iv:     out[aesKeyLength+macKeyLength:],
	}, nil
}
