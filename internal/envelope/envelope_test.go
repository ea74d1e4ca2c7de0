package envelope

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
	TimeMs     int64  `json:"time_ms"`
}

func newTestCipher(t *testing.T, secret, user string) *Cipher {
	t.Helper()
	s, err := NewSession([]byte(secret), user, Options{Iterations: 1000, Logger: zerolog.Nop()})
	require.NoError(t, err)
	c, err := s.Cipher()
	require.NoError(t, err)
	return c
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := newTestCipher(t, "session-secret", "42")

	in := sample{QuestionID: "q1", Answer: "B", TimeMs: 1500}
	env, err := c.Seal(in)
	require.NoError(t, err)
	assert.NotContains(t, env.Ciphertext, "q1")

	var out sample
	require.NoError(t, c.Open(env, &out))
	assert.Equal(t, in, out)
}

func TestSealUsesFreshNonce(t *testing.T) {
	c := newTestCipher(t, "session-secret", "42")

	a, err := c.Seal("same")
	require.NoError(t, err)
	b, err := c.Seal("same")
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDeriveKeyDependsOnUser(t *testing.T) {
	salt := []byte(DefaultSalt)
	k1 := DeriveKey([]byte("secret"), "1", salt, 1000)
	k2 := DeriveKey([]byte("secret"), "2", salt, 1000)
	assert.Len(t, k1, KeySize)
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1, DeriveKey([]byte("secret"), "1", salt, 1000))
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	a := newTestCipher(t, "secret-a", "42")
	b := newTestCipher(t, "secret-b", "42")

	env, err := a.Seal(sample{Answer: "A"})
	require.NoError(t, err)

	var out sample
	assert.ErrorIs(t, b.Open(env, &out), ErrDecrypt)
}

func TestDecodeCorruptedCiphertextIsDiscarded(t *testing.T) {
	c := newTestCipher(t, "session-secret", "42")

	raw, err := c.Encode(sample{Answer: "A"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	blob, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xFF
	env.Ciphertext = base64.StdEncoding.EncodeToString(blob)
	corrupted, err := json.Marshal(env)
	require.NoError(t, err)

	var out sample
	assert.NotPanics(t, func() {
		assert.Equal(t, OutcomeDiscarded, c.Decode(string(corrupted), &out))
	})

	// Subsequent writes keep working.
	raw, err = c.Encode(sample{Answer: "C"})
	require.NoError(t, err)
	var again sample
	require.Equal(t, OutcomeDecrypted, c.Decode(raw, &again))
	assert.Equal(t, "C", again.Answer)
}

func TestDecodeLegacyPlaintext(t *testing.T) {
	c := newTestCipher(t, "session-secret", "42")

	var out sample
	outcome := c.Decode(`{"question_id":"q9","answer":"D","time_ms":10}`, &out)
	assert.Equal(t, OutcomeLegacy, outcome)
	assert.True(t, outcome.OK())
	assert.Equal(t, "D", out.Answer)
}

func TestDecodeGarbageIsDiscarded(t *testing.T) {
	c := newTestCipher(t, "session-secret", "42")

	cases := []string{"", "not json", "null", `{"unexpected":true}`}
	for _, raw := range cases {
		var out sample
		assert.Equal(t, OutcomeDiscarded, c.Decode(raw, &out), "raw=%q", raw)
	}
}
