package captchaguard

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const codecInfo = "captchaguard codec v1"

// TokenCodec turns short plaintexts into opaque, cookie safe tokens and back.
type TokenCodec interface {
	Encode(plaintext string) (string, error)
	// Decode reports ok == false for empty, malformed or foreign tokens.
	Decode(token string) (plaintext string, ok bool)
}

// Codec is the default TokenCodec: AES-256-GCM under a key derived from the
// configured secret, with a fresh random nonce for every token.
type Codec struct {
	aead cipher.AEAD
	// authenticated with every token, never stored in it
	label []byte
}

var _ TokenCodec = (*Codec)(nil)

// NewCodec derives the encryption key from secret. The secret may be any length.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, &ConfigError{Err: ErrNoSecret}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(codecInfo)), key); err != nil {
		return nil, fmt.Errorf("captchaguard derive codec key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("captchaguard new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("captchaguard new gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Bind returns a Codec sharing c's key whose tokens only decode under the
// same label.
func (c *Codec) Bind(label string) *Codec {
	return &Codec{aead: c.aead, label: []byte(label)}
}

// Encode seals plaintext. Two calls with the same plaintext give different tokens.
func (c *Codec) Encode(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrInvalidInput
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("captchaguard read nonce: %w", err)
	}

	// nonce || ciphertext
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), c.label)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *Codec) Decode(token string) (string, bool) {
	if token == "" {
		return "", false
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", false
	}

	plain, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], c.label)
	if err != nil || len(plain) == 0 {
		return "", false
	}
	return string(plain), true
}

// Encode is a one-shot helper around NewCodec(secret).Encode.
func Encode(plaintext string, secret []byte) (string, error) {
	c, err := NewCodec(secret)
	if err != nil {
		return "", err
	}
	return c.Encode(plaintext)
}

// Decode is a one-shot helper around NewCodec(secret).Decode.
// An empty secret never decodes anything.
func Decode(token string, secret []byte) (string, bool) {
	c, err := NewCodec(secret)
	if err != nil {
		return "", false
	}
	return c.Decode(token)
}

// bindSlot ties a codec to one session slot so a token minted for one slot
// is rejected in the other.
func bindSlot(c TokenCodec, slot string) TokenCodec {
	if cc, ok := c.(*Codec); ok {
		return cc.Bind(slot)
	}
	return slotCodec{inner: c, prefix: slot + ":"}
}

// slotCodec frames plaintexts with the slot name for codecs that have no
// notion of additional data.
type slotCodec struct {
	inner  TokenCodec
	prefix string
}

func (s slotCodec) Encode(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrInvalidInput
	}
	return s.inner.Encode(s.prefix + plaintext)
}

func (s slotCodec) Decode(token string) (string, bool) {
	plain, ok := s.inner.Decode(token)
	if !ok {
		return "", false
	}
	rest, found := strings.CutPrefix(plain, s.prefix)
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}
