package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	envelopeSaltSize = 32
	envelopeIVSize   = aes.BlockSize // 16 bytes
	envelopeTagSize  = 16
	envelopeMinSize  = envelopeSaltSize + envelopeIVSize + envelopeTagSize

	// MaxValueSize bounds plaintext accepted by Encrypt. Field values are
	// small; anything larger is abuse or a caller bug.
	MaxValueSize = 10_000
	// MaxBlobSize bounds plaintext accepted by EncryptBlob.
	MaxBlobSize = 10 << 20
)

var (
	// ErrEncryptFailed and ErrDecryptFailed are the only crypto failures an
	// outside caller may see. The sentinels below them carry the internal
	// cause for operator logs and must not cross the service boundary.
	ErrEncryptFailed = errors.New("crypto: encryption failed")
	ErrDecryptFailed = errors.New("crypto: decryption failed")

	ErrValueTooLarge    = errors.New("crypto: plaintext exceeds value size bound")
	ErrBlobTooLarge     = errors.New("crypto: plaintext exceeds blob size bound")
	ErrEnvelopeEncoding = errors.New("crypto: envelope is not valid base64")
	ErrEnvelopeTooShort = errors.New("crypto: envelope too short")
	ErrZeroAuthTag      = errors.New("crypto: auth tag is all zero")
	ErrAuthFailed       = errors.New("crypto: message authentication failed")
)

// Codec performs authenticated encryption under a single master key. Every
// call derives its own key from the master key and a fresh random salt, so
// envelopes never share key material. Codec is safe for concurrent use.
type Codec struct {
	master []byte
}

func NewCodec(master []byte) (*Codec, error) {
	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("crypto: master key must be %d bytes, got %d", MasterKeySize, len(master))
	}
	return &Codec{master: master}, nil
}

// Encrypt seals a small plaintext (a serialized field value) and returns the
// encoded envelope: base64 of [salt(32)||iv(16)||tag(16)||ciphertext].
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	if len(plaintext) > MaxValueSize {
		return "", ErrValueTooLarge
	}
	return c.seal(plaintext)
}

// EncryptBlob seals a file payload. Same envelope layout as Encrypt, with
// the larger blob bound instead of the field-value bound.
func (c *Codec) EncryptBlob(plaintext []byte) (string, error) {
	if len(plaintext) > MaxBlobSize {
		return "", ErrBlobTooLarge
	}
	return c.seal(plaintext)
}

func (c *Codec) seal(plaintext []byte) (string, error) {
	salt := make([]byte, envelopeSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: seal: %w", err)
	}
	iv := make([]byte, envelopeIVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: seal: %w", err)
	}

	key := perCallKey(c.master, salt)
	defer Zero(key)

	aead, err := newEnvelopeAEAD(key)
	if err != nil {
		return "", fmt.Errorf("crypto: seal: %w", err)
	}

	// Seal appends the tag after the ciphertext; the envelope layout wants
	// it between the IV and the ciphertext.
	sealed := aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - envelopeTagSize

	out := make([]byte, 0, envelopeMinSize+tagStart)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, sealed[tagStart:]...)
	out = append(out, sealed[:tagStart]...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an encoded envelope produced by Encrypt or EncryptBlob. The
// tag segment is checked for the all-zero pattern before any cipher work, a
// fast-path rejection of truncation and tag-stripping attempts.
func (c *Codec) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrEnvelopeEncoding
	}
	if len(raw) < envelopeMinSize {
		return nil, ErrEnvelopeTooShort
	}

	salt := raw[:envelopeSaltSize]
	iv := raw[envelopeSaltSize : envelopeSaltSize+envelopeIVSize]
	tag := raw[envelopeSaltSize+envelopeIVSize : envelopeMinSize]
	body := raw[envelopeMinSize:]

	if allZero(tag) {
		return nil, ErrZeroAuthTag
	}

	key := perCallKey(c.master, salt)
	defer Zero(key)

	aead, err := newEnvelopeAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}

	sealed := make([]byte, 0, len(body)+envelopeTagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	pt, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

func newEnvelopeAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, envelopeIVSize)
}

func allZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
