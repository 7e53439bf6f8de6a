package envelope

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestRoundTrip(t *testing.T) {
	c, err := NewCodec(testKey)
	require.NoError(t, err)

	for _, plaintext := range []string{"hi", "", "héllo wörld 🙂", strings.Repeat("x", 4096)} {
		env, err := c.Seal(plaintext)
		require.NoError(t, err)
		assert.NotEmpty(t, env.Nonce)
		assert.NotEmpty(t, env.Tag)

		out, err := c.Open(env)
		require.NoError(t, err)
		assert.Equal(t, plaintext, out)
	}
}

func TestNonceIsFreshPerSeal(t *testing.T) {
	c, err := NewCodec(testKey)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		env, err := c.Seal("same plaintext")
		require.NoError(t, err)
		assert.False(t, seen[env.Nonce], "nonce reused")
		seen[env.Nonce] = true
	}
}

func TestTamperFails(t *testing.T) {
	c, err := NewCodec(testKey)
	require.NoError(t, err)

	env, err := c.Seal("attack at dawn")
	require.NoError(t, err)

	flip := func(s string) string {
		b, err := hex.DecodeString(s)
		require.NoError(t, err)
		b[0] ^= 0x01
		return hex.EncodeToString(b)
	}

	cases := map[string]*Envelope{
		"ciphertext": {Ciphertext: flip(env.Ciphertext), Nonce: env.Nonce, Tag: env.Tag},
		"nonce":      {Ciphertext: env.Ciphertext, Nonce: flip(env.Nonce), Tag: env.Tag},
		"tag":        {Ciphertext: env.Ciphertext, Nonce: env.Nonce, Tag: flip(env.Tag)},
	}
	for name, tampered := range cases {
		_, err := c.Open(tampered)
		assert.Error(t, err, name)
		assert.IsType(t, &DecryptError{}, err, name)
	}
}

func TestMalformedEnvelope(t *testing.T) {
	c, err := NewCodec(testKey)
	require.NoError(t, err)

	for name, env := range map[string]*Envelope{
		"bad hex":   {Ciphertext: "zz", Nonce: "00", Tag: "00"},
		"bad nonce": {Ciphertext: "00", Nonce: "0000", Tag: strings.Repeat("00", 16)},
		"bad tag":   {Ciphertext: "00", Nonce: strings.Repeat("00", 12), Tag: "00"},
	} {
		_, err := c.Open(env)
		assert.IsType(t, &DecryptError{}, err, name)
	}
}

func TestWrongKey(t *testing.T) {
	c1, err := NewCodec(testKey)
	require.NoError(t, err)
	c2, err := NewCodec([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)

	env, err := c1.Seal("secret")
	require.NoError(t, err)

	_, err = c2.Open(env)
	assert.IsType(t, &DecryptError{}, err)
}

func TestKeyValidation(t *testing.T) {
	_, err := NewCodec(nil)
	assert.Error(t, err)
	_, err = NewCodec([]byte("short"))
	assert.Error(t, err)

	_, err = KeyFromHex("abc")
	assert.Error(t, err)
	_, err = KeyFromHex(strings.Repeat("zz", 32))
	assert.Error(t, err)

	key, err := KeyFromHex(strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Len(t, key, KeySize)
}
