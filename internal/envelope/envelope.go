// Package envelope implements the end-to-end encryption applied by the
// desktop and mobile endpoints. The relay never holds a key: both
// endpoints derive the same key from the pairing passphrase and the
// desktop's stable device id, and each sealed payload binds its message
// type and timestamp as additional authenticated data so a ciphertext
// cannot be replayed under a different type or time.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/pbkdf2"

	"github.com/chellapp/portal/internal/protocol"
)

const (
	// keySize is the AES-256 key length.
	keySize = 32

	// pbkdf2Iterations trades derivation cost against interactive
	// pairing latency on mobile hardware.
	pbkdf2Iterations = 100_000

	// saltPrefix domain-separates this derivation from any other use
	// of the passphrase. Changing it invalidates all existing keys.
	saltPrefix = "portal.envelope.v1:"
)

// ErrAuthentication is returned when a ciphertext, IV, or any bound
// AAD component fails GCM authentication.
var ErrAuthentication = errors.New("envelope: authentication failed")

// DeriveKey derives the shared symmetric key from the pairing
// passphrase and the desktop device id. It is deterministic: every
// device that knows both inputs computes the same key, so no handshake
// is needed.
func DeriveKey(passphrase, desktopDeviceID string) []byte {
	salt := []byte(saltPrefix + desktopDeviceID)
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
}

// Seal encrypts payload under key with AES-256-GCM. A fresh random IV
// is generated per call; msgType and timestamp are bound as AAD and
// must be presented unchanged to Open.
func Seal(key, payload []byte, msgType string, timestamp int64) (*protocol.Encrypted, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("envelope: generate iv: %w", err)
	}
	ciphertext := aead.Seal(nil, iv, payload, aad(msgType, timestamp))
	return &protocol.Encrypted{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Open decrypts an envelope sealed by Seal. It fails closed: any
// mismatch in key, IV, ciphertext, message type, or timestamp yields
// ErrAuthentication and no plaintext.
func Open(key []byte, enc *protocol.Encrypted, msgType string, timestamp int64) ([]byte, error) {
	if enc == nil {
		return nil, errors.New("envelope: nothing to open")
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode iv: %w", err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, ErrAuthentication
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, aad(msgType, timestamp))
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("envelope: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// aad binds the plaintext routing metadata into the authentication
// tag. The timestamp lets endpoints reject stale or replayed frames
// even though the relay makes no ordering promises.
func aad(msgType string, timestamp int64) []byte {
	return []byte(msgType + "|" + strconv.FormatInt(timestamp, 10))
}
