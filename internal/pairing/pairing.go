// Package pairing generates the shared secrets a desktop publishes and
// the credentials the relay mints for mobiles that present them.
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// words is the dictionary for human-memorable passphrases. Six words
// from a 24-word list give ~27 bits, enough for a secret that is only
// accepted while its desktop connection is live.
var words = []string{
	"apple", "banana", "cherry", "dolphin", "eagle", "forest",
	"garden", "harbor", "island", "jungle", "kitten", "lemon",
	"mountain", "nectar", "ocean", "palace", "quartz", "river",
	"sunset", "temple", "umbrella", "valley", "willow", "yellow",
}

// PassphraseWords is the number of words in a generated passphrase.
const PassphraseWords = 6

// TokenBytes sized so the hex-encoded session token is 36 characters.
const TokenBytes = 18

// NewCode returns a 6-digit pairing code for manual entry.
func NewCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		panic(fmt.Sprintf("pairing: crypto/rand unavailable: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}

// NewPassphrase returns a dash-joined dictionary passphrase, the secret
// encoded into the QR payload.
func NewPassphrase() string {
	parts := make([]string, PassphraseWords)
	for i := range parts {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
		if err != nil {
			panic(fmt.Sprintf("pairing: crypto/rand unavailable: %v", err))
		}
		parts[i] = words[n.Int64()]
	}
	return strings.Join(parts, "-")
}

// NewSessionToken mints the durable credential issued to a mobile on
// successful pairing: 36 hex characters of crypto/rand output. It must
// not be derivable from any public input.
func NewSessionToken() string {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("pairing: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// NewDeviceID returns a stable 32-hex desktop identifier (a UUID with
// the dashes stripped).
func NewDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// QRPayload is the out-of-band artifact the two devices share before
// the protocol takes over, typically rendered as a QR code.
type QRPayload struct {
	Type         string `json:"type"`
	Version      int    `json:"version"`
	RelayAddress string `json:"relayAddress"`
	Passphrase   string `json:"passphrase"`
	DesktopName  string `json:"desktopName"`
}

// NewQRPayload builds the version-1 pairing payload.
func NewQRPayload(relayAddress, passphrase, desktopName string) QRPayload {
	return QRPayload{
		Type:         "pairing",
		Version:      1,
		RelayAddress: relayAddress,
		Passphrase:   passphrase,
		DesktopName:  desktopName,
	}
}

// Encode renders the payload as the JSON string embedded in the QR
// image.
func (p QRPayload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
