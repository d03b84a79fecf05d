package megolm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Session key export constants.
const (
	// sessionKeyVersion identifies the session export layout.
	sessionKeyVersion = 0x02

	// sessionKeyLength is the full export: version, session ID, counter,
	// ratchet state, Ed25519 public key, Ed25519 signature.
	sessionKeyLength = 1 + sessionIDLength + 4 + RatchetLength + ed25519.PublicKeySize + signatureLength
)

// GroupSession is an outbound Megolm session: the sending side of one
// device channel's encrypted stream.
//
// A GroupSession is not safe for concurrent use. The sessionstore
// serializes access per device and persists the advanced state before
// ciphertext is released.
type GroupSession struct {
	id         uuid.UUID
	ratchet    *Ratchet
	signingKey ed25519.PrivateKey
}

// NewGroupSession creates an outbound session with a fresh random
// ratchet, session identifier and Ed25519 signing key.
//
// Returns:
//   - *GroupSession: New session at message index 0
//   - error: If the system random source fails
func NewGroupSession() (*GroupSession, error) {
	ratchet, err := NewRatchet()
	if err != nil {
		return nil, err
	}
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &GroupSession{
		id:         uuid.New(),
		ratchet:    ratchet,
		signingKey: signingKey,
	}, nil
}

// GroupSessionFromState reconstructs an outbound session from persisted
// state, as loaded from the session store.
//
// Parameters:
//   - id: Session identifier
//   - ratchetState: RatchetLength bytes of ratchet state
//   - counter: Message counter the state corresponds to
//   - signingKey: Ed25519 private key (64 bytes)
//
// Returns:
//   - *GroupSession: Reconstructed session
//   - error: If any field has the wrong shape
func GroupSessionFromState(id uuid.UUID, ratchetState []byte, counter uint32, signingKey []byte) (*GroupSession, error) {
	ratchet, err := RatchetFromBytes(ratchetState, counter)
	if err != nil {
		return nil, err
	}
	if len(signingKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(signingKey))
	}
	return &GroupSession{
		id:         id,
		ratchet:    ratchet,
		signingKey: ed25519.PrivateKey(signingKey),
	}, nil
}

// ID returns the session identifier.
func (s *GroupSession) ID() uuid.UUID {
	return s.id
}

// MessageIndex returns the index the next Encrypt call will use.
func (s *GroupSession) MessageIndex() uint32 {
	return s.ratchet.Counter()
}

// RatchetState returns the serialized ratchet for persistence.
func (s *GroupSession) RatchetState() []byte {
	return s.ratchet.Bytes()
}

// SigningKey returns the Ed25519 private key for persistence.
func (s *GroupSession) SigningKey() []byte {
	return []byte(s.signingKey)
}

// Encrypt protects one plaintext with the current ratchet state and then
// advances the ratchet by exactly one step.
//
// The returned message carries the index the plaintext was encrypted at;
// after Encrypt returns, the session is at index+1 and the caller must
// persist the new state before releasing the ciphertext.
//
// Parameters:
//   - plaintext: The payload to protect
//
// Returns:
//   - *Message: Ciphertext message at the pre-advance index
//   - error: If key derivation fails
func (s *GroupSession) Encrypt(plaintext []byte) (*Message, error) {
	keys, err := s.ratchet.deriveMessageKeys()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(keys.aesKey)
	if err != nil {
		return nil, fmt.Errorf("initialising cipher: %w", err)
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, keys.iv).CryptBlocks(ciphertext, padded)

	msg := &Message{
		SessionID:  s.id,
		Index:      s.ratchet.Counter(),
		Ciphertext: ciphertext,
	}

	mac := hmac.New(sha256.New, keys.macKey)
	mac.Write(msg.macRegion())
	copy(msg.MAC[:], mac.Sum(nil)[:macLength])

	copy(msg.Signature[:], ed25519.Sign(s.signingKey, msg.signedRegion()))

	s.ratchet.Advance()
	return msg, nil
}

// SessionKey exports the session at its current index so a receiver can
// build an inbound session. The receiver can decrypt messages from this
// index onward but nothing earlier.
//
// Returns:
//   - []byte: Versioned, signed session export
func (s *GroupSession) SessionKey() []byte {
	out := make([]byte, 0, sessionKeyLength)
	out = append(out, sessionKeyVersion)
	out = append(out, s.id[:]...)
	out = binary.BigEndian.AppendUint32(out, s.ratchet.Counter())
	out = append(out, s.ratchet.Bytes()...)
	out = append(out, s.signingKey.Public().(ed25519.PublicKey)...)
	sig := ed25519.Sign(s.signingKey, out)
	out = append(out, sig...)
	return out
}

// SessionKeyBase64 exports the session key as base64 for the offline tools.
func (s *GroupSession) SessionKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.SessionKey())
}

// InboundGroupSession is the receiving side of one encrypted stream,
// built from a sender's exported session key.
type InboundGroupSession struct {
	id         uuid.UUID
	initial    *Ratchet // earliest state we know; keys before it are unreachable
	latest     *Ratchet // most advanced derived state, reused for in-order traffic
	publicKey  ed25519.PublicKey
	firstIndex uint32
}

// NewInboundGroupSession builds an inbound session from a session key
// export, verifying its embedded signature.
//
// Parameters:
//   - sessionKey: A SessionKey() export
//
// Returns:
//   - *InboundGroupSession: Session able to decrypt from the export index onward
//   - error: ErrInvalidSessionKey if parsing or signature verification fails
func NewInboundGroupSession(sessionKey []byte) (*InboundGroupSession, error) {
	if len(sessionKey) != sessionKeyLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSessionKey, sessionKeyLength, len(sessionKey))
	}
	if sessionKey[0] != sessionKeyVersion {
		return nil, fmt.Errorf("%w: unknown version 0x%02x", ErrInvalidSessionKey, sessionKey[0])
	}

	var id uuid.UUID
	copy(id[:], sessionKey[1:1+sessionIDLength])
	counter := binary.BigEndian.Uint32(sessionKey[1+sessionIDLength:])

	ratchetStart := 1 + sessionIDLength + 4
	pubStart := ratchetStart + RatchetLength
	sigStart := pubStart + ed25519.PublicKeySize

	publicKey := ed25519.PublicKey(append([]byte(nil), sessionKey[pubStart:sigStart]...))
	if !ed25519.Verify(publicKey, sessionKey[:sigStart], sessionKey[sigStart:]) {
		return nil, fmt.Errorf("%w: export signature does not verify", ErrInvalidSessionKey)
	}

	initial, err := RatchetFromBytes(sessionKey[ratchetStart:pubStart], counter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionKey, err)
	}
	latest, _ := RatchetFromBytes(initial.Bytes(), counter) //nolint:errcheck // Length already validated

	return &InboundGroupSession{
		id:         id,
		initial:    initial,
		latest:     latest,
		publicKey:  publicKey,
		firstIndex: counter,
	}, nil
}

// InboundGroupSessionFromState reconstructs an inbound session from
// persisted state, as loaded from the session store. No signature check
// is performed; the state was verified when first imported.
//
// Parameters:
//   - id: Session identifier
//   - ratchetState: RatchetLength bytes of the earliest known state
//   - counter: Message counter the state corresponds to
//   - publicKey: Sender's Ed25519 public key (32 bytes)
//
// Returns:
//   - *InboundGroupSession: Reconstructed session
//   - error: If any field has the wrong shape
func InboundGroupSessionFromState(id uuid.UUID, ratchetState []byte, counter uint32, publicKey []byte) (*InboundGroupSession, error) {
	initial, err := RatchetFromBytes(ratchetState, counter)
	if err != nil {
		return nil, err
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	latest, _ := RatchetFromBytes(initial.Bytes(), counter) //nolint:errcheck // Length already validated
	return &InboundGroupSession{
		id:         id,
		initial:    initial,
		latest:     latest,
		publicKey:  ed25519.PublicKey(append([]byte(nil), publicKey...)),
		firstIndex: counter,
	}, nil
}

// NewInboundGroupSessionBase64 builds an inbound session from a base64
// session key export.
func NewInboundGroupSessionBase64(encoded string) (*InboundGroupSession, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionKey, err)
	}
	return NewInboundGroupSession(data)
}

// ID returns the session identifier from the export.
func (s *InboundGroupSession) ID() uuid.UUID {
	return s.id
}

// FirstKnownIndex returns the earliest message index this session can
// derive keys for.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.firstIndex
}

// PublicKey returns the sender's Ed25519 public key for persistence.
func (s *InboundGroupSession) PublicKey() []byte {
	return append([]byte(nil), s.publicKey...)
}

// RatchetState returns the earliest known ratchet state for persistence,
// paired with FirstKnownIndex.
func (s *InboundGroupSession) RatchetState() []byte {
	return s.initial.Bytes()
}

// Decrypt verifies and decrypts one message.
//
// Verification order: session binding, index reachability, Ed25519
// signature, MAC, then decryption. A failure at any stage yields no
// partial plaintext.
//
// Decrypt enforces no replay policy by itself - deriving keys for an
// already-seen index is legitimate for a stateless decoder. The
// sessionstore's AcceptInbound provides the replay guard.
//
// Parameters:
//   - msg: The message to decrypt
//
// Returns:
//   - []byte: Recovered plaintext
//   - error: ErrSessionMismatch, ErrUnknownMessageIndex,
//     ErrSignatureInvalid, ErrMACInvalid or ErrDecryptFailed
func (s *InboundGroupSession) Decrypt(msg *Message) ([]byte, error) {
	if msg.SessionID != s.id {
		return nil, fmt.Errorf("%w: message session %s, this session %s", ErrSessionMismatch, msg.SessionID, s.id)
	}
	if msg.Index < s.firstIndex {
		return nil, fmt.Errorf("%w: index %d precedes first known index %d", ErrUnknownMessageIndex, msg.Index, s.firstIndex)
	}

	if !ed25519.Verify(s.publicKey, msg.signedRegion(), msg.Signature[:]) {
		return nil, ErrSignatureInvalid
	}

	keys, err := s.keysAt(msg.Index)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, keys.macKey)
	mac.Write(msg.macRegion())
	if subtle.ConstantTimeCompare(mac.Sum(nil)[:macLength], msg.MAC[:]) != 1 {
		return nil, ErrMACInvalid
	}

	if len(msg.Ciphertext) == 0 || len(msg.Ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d not a block multiple", ErrDecryptFailed, len(msg.Ciphertext))
	}

	block, err := aes.NewCipher(keys.aesKey)
	if err != nil {
		return nil, fmt.Errorf("initialising cipher: %w", err)
	}

	plaintext := make([]byte, len(msg.Ciphertext))
	cipher.NewCBCDecrypter(block, keys.iv).CryptBlocks(plaintext, msg.Ciphertext)

	unpadded, err := unpadPKCS7(plaintext, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return unpadded, nil
}

// keysAt derives message keys for the given index, advancing a copy of
// the cheapest available ratchet state.
func (s *InboundGroupSession) keysAt(index uint32) (messageKeys, error) {
	// In-order traffic hits the latest ratchet and advances it; a replayed
	// or out-of-order index re-derives from the initial export state.
	if index >= s.latest.Counter() {
		s.latest.AdvanceTo(index)
		return s.latest.deriveMessageKeys()
	}

	r, err := RatchetFromBytes(s.initial.Bytes(), s.initial.Counter())
	if err != nil {
		return messageKeys{}, err
	}
	r.AdvanceTo(index)
	return r.deriveMessageKeys()
}

// padPKCS7 pads data to a multiple of blockSize.
func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpadPKCS7 removes PKCS#7 padding, rejecting malformed padding.
func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: invalid padded length %d", ErrDecryptFailed, len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryptFailed)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryptFailed)
		}
	}
	return data[:len(data)-n], nil
}
