// Package crypto implements the symmetric channel cipher used by the
// simulated and MQTT radio paths. Confidentiality on the serial path is
// the radio firmware's job; when frames instead travel over a broker or a
// shared test bus, the channel pre-shared key covers them.
//
// This is not an authentication layer: everyone holding the channel PSK is
// equally trusted, exactly like an on-air channel key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-128 key size.
	KeySize = 16
	// SecretSize is the derived secret length; the full secret keys the
	// MAC, its first KeySize bytes key the cipher.
	SecretSize = 32
	// MACSize is the truncated HMAC-SHA256 length prepended to frames.
	MACSize = 2
	// IVSize is the AES-CTR initialization vector length.
	IVSize = aes.BlockSize

	// kdfIterations for the passphrase derivation. Channel PSKs are
	// long-lived, so the cost is paid once per process.
	kdfIterations = 4096
)

var kdfSalt = []byte("atlas-mesh-channel-v1")

var (
	ErrCiphertextShort = errors.New("ciphertext too short")
	ErrMACMismatch     = errors.New("MAC verification failed")
)

// ChannelCipher seals and opens radio frames with a shared channel secret.
type ChannelCipher struct {
	secret [SecretSize]byte
}

// NewChannelCipher derives the channel secret from a passphrase.
func NewChannelCipher(psk string) *ChannelCipher {
	c := &ChannelCipher{}
	derived := pbkdf2.Key([]byte(psk), kdfSalt, kdfIterations, SecretSize, sha256.New)
	copy(c.secret[:], derived)
	return c
}

// Seal encrypts a frame: AES-128-CTR under a random IV, then an
// HMAC-SHA256 over IV and ciphertext truncated to MACSize.
// Output layout: [MAC(2)][IV(16)][ciphertext].
func (c *ChannelCipher) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, MACSize+IVSize+len(plaintext))
	iv := out[MACSize : MACSize+IVSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	block, err := aes.NewCipher(c.secret[:KeySize])
	if err != nil {
		return nil, err
	}
	cipher.NewCTR(block, iv).XORKeyStream(out[MACSize+IVSize:], plaintext)

	mac := hmac.New(sha256.New, c.secret[:])
	mac.Write(out[MACSize:])
	copy(out[:MACSize], mac.Sum(nil))
	return out, nil
}

// Open verifies and decrypts a sealed frame.
func (c *ChannelCipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < MACSize+IVSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCiphertextShort, len(sealed))
	}

	mac := hmac.New(sha256.New, c.secret[:])
	mac.Write(sealed[MACSize:])
	if !hmac.Equal(mac.Sum(nil)[:MACSize], sealed[:MACSize]) {
		return nil, ErrMACMismatch
	}

	iv := sealed[MACSize : MACSize+IVSize]
	block, err := aes.NewCipher(c.secret[:KeySize])
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(sealed)-MACSize-IVSize)
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, sealed[MACSize+IVSize:])
	return plaintext, nil
}

// Overhead is the size added to a frame by Seal.
func (c *ChannelCipher) Overhead() int {
	return MACSize + IVSize
}
