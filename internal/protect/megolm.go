package protect

import (
	"context"
	"fmt"

	"github.com/edgelink-io/opcua-agent/internal/megolm"
)

// Megolm protects payloads with the Megolm group ratchet. Each Protect
// call consumes exactly one durably-committed ratchet step from the
// session store; payloads on the wire are base64 of the binary message
// format so they survive text-oriented MQTT consumers.
type Megolm struct {
	store SessionStore
}

// NewMegolm creates a Megolm engine over the given session store.
func NewMegolm(store SessionStore) *Megolm {
	return &Megolm{store: store}
}

// Protect encrypts one envelope for a device channel.
//
// The ratchet step backing the ciphertext is committed before this
// method returns, so a crash after publish can skip an index but never
// reuse one. Persistence failures are returned unwrapped so callers on
// mandatory-encryption channels can refuse to publish.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - device: Channel identifier owning the outbound session
//   - envelope: JSON envelope to encrypt
//
// Returns:
//   - []byte: Base64 ciphertext message
//   - error: sessionstore.ErrPersistence if the advance could not be
//     made durable, or an encryption failure
func (m *Megolm) Protect(ctx context.Context, device string, envelope []byte) ([]byte, error) {
	step, err := m.store.AdvanceOutbound(ctx, device)
	if err != nil {
		return nil, err
	}

	session, err := megolm.GroupSessionFromState(step.SessionID, step.Ratchet, step.Index, step.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("restoring session for %q: %w", device, err)
	}

	msg, err := session.Encrypt(envelope)
	if err != nil {
		return nil, fmt.Errorf("encrypting for %q: %w", device, err)
	}
	return []byte(msg.EncodeBase64()), nil
}

// Unprotect authenticates and decrypts one received payload.
//
// The replay guard is only advanced after the decrypt succeeds, so a
// forged message cannot block later legitimate indices. No partial
// plaintext is ever returned.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - payload: Base64 ciphertext message
//
// Returns:
//   - []byte: The recovered JSON envelope
//   - error: megolm.ErrInvalidMessage, sessionstore.ErrUnknownSession,
//     sessionstore.ErrReplayedIndex, or a decrypt failure
func (m *Megolm) Unprotect(ctx context.Context, payload []byte) ([]byte, error) {
	msg, err := megolm.DecodeMessageBase64(string(payload))
	if err != nil {
		return nil, err
	}

	session, err := m.store.AcceptInbound(ctx, msg.SessionID, msg.Index)
	if err != nil {
		return nil, err
	}

	plaintext, err := session.Decrypt(msg)
	if err != nil {
		return nil, err
	}

	if err := m.store.ConfirmInbound(ctx, msg.SessionID, msg.Index); err != nil {
		return nil, err
	}
	return plaintext, nil
}
