// Package envelope seals and opens message bodies with AES-256-GCM.
// Bodies are never stored in plaintext; the three hex fields below are
// what reaches the database.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// Envelope is the sealed form of a message body. The fields are
// hex-encoded and present as a unit, never partially.
type Envelope struct {
	Ciphertext string
	Nonce      string
	Tag        string
}

// DecryptError reports a failed open: tampered data, wrong key, or a
// malformed envelope. Callers render a redacted placeholder instead of
// failing the surrounding batch.
type DecryptError struct {
	Cause error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("envelope: decrypt failed: %v", e.Cause)
}

func (e *DecryptError) Unwrap() error { return e.Cause }

// Codec seals and opens envelopes under a fixed process-lifetime key.
// It is stateless and safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a codec from 32 raw key bytes. A missing or
// wrong-length key is a startup error, not a per-call one.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// KeyFromHex decodes a 64-char hex string into key bytes.
func KeyFromHex(s string) ([]byte, error) {
	if len(s) != KeySize*2 {
		return nil, fmt.Errorf("envelope: key must be a %d-char hex string, got %d chars", KeySize*2, len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("envelope: key is not valid hex: %v", err)
	}
	return key, nil
}

// Seal encrypts plaintext with a fresh random nonce. Random rather
// than counter nonces: multiple stateless instances may seal
// concurrently.
func (c *Codec) Seal(plaintext string) (*Envelope, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	// Split the trailing auth tag out so the stored layout matches the
	// three-field envelope.
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &Envelope{
		Ciphertext: hex.EncodeToString(ct),
		Nonce:      hex.EncodeToString(nonce),
		Tag:        hex.EncodeToString(tag),
	}, nil
}

// Open decrypts an envelope. Any malformed field or tag mismatch
// yields a *DecryptError.
func (c *Codec) Open(env *Envelope) (string, error) {
	ct, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return "", &DecryptError{Cause: err}
	}
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return "", &DecryptError{Cause: err}
	}
	tag, err := hex.DecodeString(env.Tag)
	if err != nil {
		return "", &DecryptError{Cause: err}
	}
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return "", &DecryptError{Cause: fmt.Errorf("bad nonce/tag length: %d/%d", len(nonce), len(tag))}
	}

	plain, err := c.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", &DecryptError{Cause: err}
	}
	return string(plain), nil
}
