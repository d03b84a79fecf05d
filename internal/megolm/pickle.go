package megolm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Pickle constants.
const (
	// pickleKDFInfo is the HKDF info string for pickle key derivation,
	// kept distinct from message key derivation.
	pickleKDFInfo = "MEGOLM_PICKLE"

	// pickleMACLength is the full HMAC-SHA256 appended to a pickle.
	pickleMACLength = sha256.Size
)

// pickledSession is the serialized form of an outbound session inside an
// encrypted pickle.
type pickledSession struct {
	SessionID  string `json:"session_id"`
	Ratchet    []byte `json:"ratchet"`
	Counter    uint32 `json:"counter"`
	SigningKey []byte `json:"signing_key"`
}

// Pickle serializes and encrypts the session for transfer between
// agents. The pickle key is stretched with HKDF; the payload is
// AES-256-CBC encrypted and authenticated with HMAC-SHA256.
//
// Parameters:
//   - key: Pickle key (any length, stretched via HKDF)
//
// Returns:
//   - string: Base64 pickle
//   - error: If serialization or key derivation fails
func (s *GroupSession) Pickle(key []byte) (string, error) {
	plaintext, err := json.Marshal(pickledSession{
		SessionID:  s.id.String(),
		Ratchet:    s.ratchet.Bytes(),
		Counter:    s.ratchet.Counter(),
		SigningKey: s.SigningKey(),
	})
	if err != nil {
		return "", fmt.Errorf("serialising session: %w", err)
	}

	keys, err := derivePickleKeys(key)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(keys.aesKey)
	if err != nil {
		return "", fmt.Errorf("initialising cipher: %w", err)
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	out := make([]byte, len(padded), len(padded)+pickleMACLength)
	cipher.NewCBCEncrypter(block, keys.iv).CryptBlocks(out, padded)

	mac := hmac.New(sha256.New, keys.macKey)
	mac.Write(out)
	out = mac.Sum(out)

	return base64.StdEncoding.EncodeToString(out), nil
}

// GroupSessionFromPickle decrypts and restores a pickled session.
//
// Parameters:
//   - pickled: Base64 pickle from Pickle()
//   - key: The pickle key it was encrypted with
//
// Returns:
//   - *GroupSession: Restored session
//   - error: ErrInvalidPickle if the key is wrong or the pickle is corrupt
func GroupSessionFromPickle(pickled string, key []byte) (*GroupSession, error) {
	data, err := base64.StdEncoding.DecodeString(pickled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPickle, err)
	}
	if len(data) < pickleMACLength+aes.BlockSize {
		return nil, fmt.Errorf("%w: too short", ErrInvalidPickle)
	}

	keys, err := derivePickleKeys(key)
	if err != nil {
		return nil, err
	}

	ciphertext := data[:len(data)-pickleMACLength]
	mac := hmac.New(sha256.New, keys.macKey)
	mac.Write(ciphertext)
	if subtle.ConstantTimeCompare(mac.Sum(nil), data[len(data)-pickleMACLength:]) != 1 {
		return nil, fmt.Errorf("%w: authentication failed", ErrInvalidPickle)
	}

	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext length", ErrInvalidPickle)
	}

	block, err := aes.NewCipher(keys.aesKey)
	if err != nil {
		return nil, fmt.Errorf("initialising cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, keys.iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpadPKCS7(plaintext, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: bad padding", ErrInvalidPickle)
	}

	var ps pickledSession
	if err := json.Unmarshal(unpadded, &ps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPickle, err)
	}

	id, err := uuid.Parse(ps.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad session id: %v", ErrInvalidPickle, err)
	}

	session, err := GroupSessionFromState(id, ps.Ratchet, ps.Counter, ps.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPickle, err)
	}
	return session, nil
}

// derivePickleKeys stretches a pickle key into AES key, MAC key and IV.
// The IV is deterministic per key; a pickle is a point-in-time export,
// not a message stream, so IV reuse across different plaintexts under
// the same key is confined to the operator's own exports.
func derivePickleKeys(key []byte) (messageKeys, error) {
	out := make([]byte, derivedLength)
	kdf := hkdf.New(sha256.New, key, nil, []byte(pickleKDFInfo))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return messageKeys{}, fmt.Errorf("deriving pickle keys: %w", err)
	}
	return messageKeys{
		aesKey: out[:aesKeyLength],
		macKey: out[aesKeyLength : aesKeyLength+macKeyLength],
		iv:     out[aesKeyLength+macKeyLength:],
	}, nil
}
