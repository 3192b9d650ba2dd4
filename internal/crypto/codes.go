package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Backup codes are short and low-entropy; their stored form goes through a
// slow password hash rather than the symmetric cipher.
type codeHashParams struct {
	memory      uint32 // KiB
	time        uint32
	parallelism uint8
	saltLen     int
	keyLen      uint32
}

var defaultCodeHash = codeHashParams{
	memory:      64 * 1024,
	time:        3,
	parallelism: 1,
	saltLen:     16,
	keyLen:      32,
}

var reBackupCode = regexp.MustCompile(`^[A-Z0-9]{8}$`)

var ErrMalformedCode = errors.New("crypto: backup code must be 8 characters A-Z0-9")

// HashBackupCode returns the salted Argon2id hash of a backup code in the
// encoded form argon2id$m=<M>,t=<T>,p=<P>$<b64(salt)>$<b64(key)>.
func HashBackupCode(code string) (string, error) {
	if !reBackupCode.MatchString(code) {
		return "", ErrMalformedCode
	}
	p := defaultCodeHash
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: hash backup code: %w", err)
	}
	key := argon2.IDKey([]byte(code), salt, p.time, p.memory, p.parallelism, p.keyLen)
	return fmt.Sprintf("argon2id$m=%d,t=%d,p=%d$%s$%s",
		p.memory, p.time, p.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyBackupCode reports whether code matches the encoded hash. Malformed
// codes are rejected before any hashing; the comparison itself is constant
// time.
func VerifyBackupCode(code, encoded string) bool {
	if !reBackupCode.MatchString(code) {
		return false
	}

	const prefix = "argon2id$"
	if !strings.HasPrefix(encoded, prefix) {
		return false
	}
	parts := strings.Split(encoded[len(prefix):], "$")
	if len(parts) != 3 {
		return false
	}

	var m, t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[0], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	keyRef, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}

	key := argon2.IDKey([]byte(code), salt, t, m, p, uint32(len(keyRef)))
	return subtle.ConstantTimeCompare(key, keyRef) == 1
}
