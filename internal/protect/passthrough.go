package protect

import "context"

// Passthrough publishes the plain JSON envelope unchanged, for channels
// that opt out of encryption.
type Passthrough struct{}

// Protect returns a copy of the envelope as the payload.
func (Passthrough) Protect(_ context.Context, _ string, envelope []byte) ([]byte, error) {
	return append([]byte(nil), envelope...), nil
}

// Unprotect returns a copy of the payload as the envelope.
func (Passthrough) Unprotect(_ context.Context, payload []byte) ([]byte, error) {
	return append([]byte(nil), payload...), nil
}
