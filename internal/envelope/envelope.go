// Package envelope encrypts values before they reach durable client storage.
//
// A key is derived once per session with PBKDF2 over a per-session secret and
// the active user id, then cached in memory for the lifetime of the Session.
// Every Seal uses a fresh random nonce with XChaCha20-Poly1305.
//
// Reads are deliberately forgiving. A slot that fails to decrypt is retried as
// a legacy plaintext JSON value and, failing that, reported as empty. The
// exam must stay usable when a cached entry is corrupt or was written under a
// rotated key; every non-decrypted outcome is logged and counted so silent
// loss stays observable.
package envelope

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/metrics"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the derived key length in bytes.
	KeySize = chacha20poly1305.KeySize
	// DefaultIterations is the PBKDF2 work factor used when none is configured.
	DefaultIterations = 100000
	// DefaultSalt is the fixed application-level salt.
	DefaultSalt = "exstem-attempt-cache-v1"
)

var (
	// ErrDecrypt is returned by Open when the envelope is malformed, was
	// sealed under another key, or has been tampered with.
	ErrDecrypt = errors.New("envelope: decryption failed")
	// ErrEmpty is returned by Open for an envelope without ciphertext.
	ErrEmpty = errors.New("envelope: empty envelope")
)

// Envelope is the encrypted-at-rest wire format. Ciphertext is the base64 of
// nonce||sealed bytes; IV repeats the nonce for inspection.
type Envelope struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

func (e Envelope) isEnvelope() bool {
	return e.IV != "" && e.Ciphertext != ""
}

// Outcome describes how a durable slot was decoded.
type Outcome string

const (
	OutcomeDecrypted Outcome = "decrypted"
	OutcomeLegacy    Outcome = "legacy_plaintext"
	OutcomeDiscarded Outcome = "discarded"
)

// OK reports whether dst was populated.
func (o Outcome) OK() bool {
	return o == OutcomeDecrypted || o == OutcomeLegacy
}

// DeriveKey runs PBKDF2-SHA256 over the session secret joined with the user id.
func DeriveKey(secret []byte, userID string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	material := make([]byte, 0, len(secret)+1+len(userID))
	material = append(material, secret...)
	material = append(material, ':')
	material = append(material, userID...)
	return pbkdf2.Key(material, salt, iterations, KeySize, sha256.New)
}

// Options configure a Session.
type Options struct {
	Salt       string
	Iterations int
	Logger     zerolog.Logger
}

// Session owns the per-session secret and lazily derives the key once.
type Session struct {
	secret []byte
	userID string
	opts   Options

	once   sync.Once
	cipher *Cipher
	err    error
}

// NewSession creates a Session. A nil or empty secret is replaced with 32
// random bytes, which makes data unreadable after the process exits.
func NewSession(secret []byte, userID string, opts Options) (*Session, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	if opts.Salt == "" {
		opts.Salt = DefaultSalt
	}
	return &Session{secret: secret, userID: userID, opts: opts}, nil
}

// Cipher returns the session cipher, deriving the key on first use.
func (s *Session) Cipher() (*Cipher, error) {
	s.once.Do(func() {
		key := DeriveKey(s.secret, s.userID, []byte(s.opts.Salt), s.opts.Iterations)
		s.cipher, s.err = NewCipher(key, s.opts.Logger)
	})
	return s.cipher, s.err
}

// Cipher seals and opens values with a fixed key.
type Cipher struct {
	aead cipher.AEAD
	log  zerolog.Logger
}

// NewCipher builds a Cipher from a KeySize-byte key.
func NewCipher(key []byte, log zerolog.Logger) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Cipher{
		aead: aead,
		log:  log.With().Str("component", "envelope").Logger(),
	}, nil
}

// Seal serializes v to JSON and encrypts it.
func (c *Cipher) Seal(v any) (Envelope, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	blob := c.aead.Seal(nonce, nonce, plain, nil)

	return Envelope{
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(blob),
	}, nil
}

// Open decrypts env into dst.
func (c *Cipher) Open(env Envelope, dst any) error {
	if env.Ciphertext == "" {
		return ErrEmpty
	}
	blob, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	ns := c.aead.NonceSize()
	if len(blob) < ns+c.aead.Overhead() {
		return fmt.Errorf("%w: short ciphertext", ErrDecrypt)
	}
	nonce, sealed := blob[:ns], blob[ns:]

	if env.IV != "" {
		iv, err := base64.StdEncoding.DecodeString(env.IV)
		if err != nil || subtle.ConstantTimeCompare(iv, nonce) != 1 {
			return fmt.Errorf("%w: nonce mismatch", ErrDecrypt)
		}
	}

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if err := json.Unmarshal(plain, dst); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrDecrypt, err)
	}
	return nil
}

// Encode seals v and renders the envelope as a storage string.
func (c *Cipher) Encode(v any) (string, error) {
	env, err := c.Seal(v)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(raw), nil
}

// Decode reads a storage string into dst. It never fails: an envelope that
// cannot be opened is discarded, and a value that is not an envelope is
// parsed as legacy plaintext JSON. Callers should pass a fresh dst and
// ignore it unless the outcome is OK.
func (c *Cipher) Decode(raw string, dst any) Outcome {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err == nil && env.isEnvelope() {
		if err := c.Open(env, dst); err != nil {
			c.log.Warn().Err(err).Msg("Discarding undecryptable cache entry")
			return c.count(OutcomeDiscarded)
		}
		return c.count(OutcomeDecrypted)
	}

	if err := decodeStrict([]byte(raw), dst); err != nil {
		c.log.Warn().Err(err).Msg("Discarding malformed cache entry")
		return c.count(OutcomeDiscarded)
	}
	c.log.Info().Msg("Read legacy plaintext cache entry")
	return c.count(OutcomeLegacy)
}

func (c *Cipher) count(o Outcome) Outcome {
	metrics.EnvelopeDecodes.WithLabelValues(string(o)).Inc()
	return o
}

// decodeStrict rejects unknown fields so an unrelated JSON object is not
// mistaken for a legacy value.
func decodeStrict(raw []byte, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errors.New("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
