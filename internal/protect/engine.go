package protect

import (
	"context"

	"github.com/google/uuid"

	"github.com/edgelink-io/opcua-agent/internal/megolm"
	"github.com/edgelink-io/opcua-agent/internal/sessionstore"
)

// Engine transforms telemetry envelopes to broker payloads and back.
// Implementations must be safe for concurrent use across channels.
type Engine interface {
	// Protect converts one JSON envelope into the payload to publish
	// for the given device channel.
	Protect(ctx context.Context, device string, envelope []byte) ([]byte, error)

	// Unprotect recovers the JSON envelope from a received payload.
	Unprotect(ctx context.Context, payload []byte) ([]byte, error)
}

// SessionStore is the slice of the session store the Megolm engine
// needs: one-shot outbound steps and the two-phase inbound guard.
type SessionStore interface {
	AdvanceOutbound(ctx context.Context, device string) (*sessionstore.OutboundStep, error)
	AcceptInbound(ctx context.Context, sessionID uuid.UUID, index uint32) (*megolm.InboundGroupSession, error)
	ConfirmInbound(ctx context.Context, sessionID uuid.UUID, index uint32) error
}

// ForChannel returns the engine for a channel based on its encryption
// setting: Megolm over the given store when encrypted, Passthrough
// otherwise.
func ForChannel(encrypted bool, store SessionStore) Engine {
	if encrypted {
		return NewMegolm(store)
	}
	return Passthrough{}
}
