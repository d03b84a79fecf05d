package megolm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Wire format constants.
const (
	// messageVersion identifies this ciphertext layout. Bumped if the
	// ratchet scheme or framing ever changes.
	messageVersion = 0x01

	// macLength is the truncated HMAC-SHA256 length carried on the wire.
	// Truncation to 8 bytes follows the Megolm scheme; the Ed25519
	// signature over the whole message provides the stronger binding.
	macLength = 8

	// signatureLength is the Ed25519 signature length.
	signatureLength = 64

	// sessionIDLength is the binary UUID length.
	sessionIDLength = 16

	// messageHeaderLength is version + session ID + index + ciphertext length.
	messageHeaderLength = 1 + sessionIDLength + 4 + 4

	// minMessageLength is the smallest parseable message: empty
	// ciphertext plus MAC and signature.
	minMessageLength = messageHeaderLength + macLength + signatureLength
)

// Message is one Megolm ciphertext as carried in an MQTT payload or fed
// to the offline decode tool.
//
// The layout is self-describing: a decoder can select the inbound chain
// from SessionID and detect gaps or replays from Index without deriving
// any keys. All integers are big-endian.
//
//	version    1 byte
//	session ID 16 bytes (UUID)
//	index      4 bytes
//	length     4 bytes
//	ciphertext <length> bytes
//	MAC        8 bytes  (HMAC-SHA256 truncated, over all preceding bytes)
//	signature  64 bytes (Ed25519, over all preceding bytes including MAC)
type Message struct {
	SessionID  uuid.UUID
	Index      uint32
	Ciphertext []byte
	MAC        [macLength]byte
	Signature  [signatureLength]byte
}

// Encode serializes the message to its binary wire form.
func (m *Message) Encode() []byte {
	out := make([]byte, 0, messageHeaderLength+len(m.Ciphertext)+macLength+signatureLength)
	out = append(out, messageVersion)
	out = append(out, m.SessionID[:]...)
	out = binary.BigEndian.AppendUint32(out, m.Index)
	out = binary.BigEndian.AppendUint32(out, uint32(len(m.Ciphertext)))
	out = append(out, m.Ciphertext...)
	out = append(out, m.MAC[:]...)
	out = append(out, m.Signature[:]...)
	return out
}

// EncodeBase64 serializes the message to base64 for the offline tools.
func (m *Message) EncodeBase64() string {
	return base64.StdEncoding.EncodeToString(m.Encode())
}

// DecodeMessage parses a binary wire message.
//
// Parameters:
//   - data: The full message bytes
//
// Returns:
//   - *Message: Parsed message
//   - error: ErrInvalidMessage if the version, framing or length is wrong
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < minMessageLength {
		return nil, fmt.Errorf("%w: %d bytes is below minimum %d", ErrInvalidMessage, len(data), minMessageLength)
	}
	if data[0] != messageVersion {
		return nil, fmt.Errorf("%w: unknown version 0x%02x", ErrInvalidMessage, data[0])
	}

	var m Message
	copy(m.SessionID[:], data[1:1+sessionIDLength])
	m.Index = binary.BigEndian.Uint32(data[1+sessionIDLength:])
	ctLen := binary.BigEndian.Uint32(data[1+sessionIDLength+4:])

	want := messageHeaderLength + int(ctLen) + macLength + signatureLength
	if len(data) != want {
		return nil, fmt.Errorf("%w: expected %d bytes for %d-byte ciphertext, got %d",
			ErrInvalidMessage, want, ctLen, len(data))
	}

	m.Ciphertext = make([]byte, ctLen)
	copy(m.Ciphertext, data[messageHeaderLength:])
	copy(m.MAC[:], data[messageHeaderLength+int(ctLen):])
	copy(m.Signature[:], data[messageHeaderLength+int(ctLen)+macLength:])
	return &m, nil
}

// DecodeMessageBase64 parses a base64 wire message from the offline tools.
func DecodeMessageBase64(encoded string) (*Message, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return DecodeMessage(data)
}

// macRegion returns the encoded bytes covered by the MAC: everything up
// to and excluding the MAC itself.
func (m *Message) macRegion() []byte {
	full := m.Encode()
	return full[:len(full)-macLength-signatureLength]
}

// signedRegion returns the encoded bytes covered by the signature:
// everything up to and excluding the signature, including the MAC.
func (m *Message) signedRegion() []byte {
	full := m.Encode()
	return full[:len(full)-signatureLength]
}
