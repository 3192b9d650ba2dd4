// Package totp implements RFC 6238 time-based one-time passcodes: SHA-1,
// six decimal digits, 30-second steps, one step of clock skew tolerated in
// either direction.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	Step   = 30 * time.Second
	Digits = 6

	secretSize = 20 // 160-bit shared secret
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret returns a fresh shared secret encoded as unpadded base32.
// The caller is responsible for storing it only in encrypted form.
func GenerateSecret() (string, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("totp: generate secret: %w", err)
	}
	return b32.EncodeToString(secret), nil
}

// GenerateCode computes the passcode for the time step containing when.
func GenerateCode(secret string, when time.Time) (string, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return "", fmt.Errorf("totp: invalid secret: %w", err)
	}
	defer zero(raw)
	return hotp(raw, uint64(when.Unix()/int64(Step/time.Second))), nil
}

// Verify reports whether code matches the secret at when, checking the
// current step and one step on each side.
func Verify(code, secret string, when time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != Digits || !allDigits(code) {
		return false
	}
	raw, err := decodeSecret(secret)
	if err != nil {
		return false
	}
	defer zero(raw)

	counter := when.Unix() / int64(Step/time.Second)
	for skew := int64(-1); skew <= 1; skew++ {
		c := counter + skew
		if c < 0 {
			continue
		}
		if hmac.Equal([]byte(hotp(raw, uint64(c))), []byte(code)) {
			return true
		}
	}
	return false
}

// ProvisionURI renders the otpauth:// URI that enrollment QR codes encode.
func ProvisionURI(account, issuer, secret string) string {
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", strconv.Itoa(Digits))
	q.Set("period", strconv.Itoa(int(Step/time.Second)))
	return fmt.Sprintf("otpauth://totp/%s:%s?%s",
		url.PathEscape(issuer), url.PathEscape(account), q.Encode())
}

// hotp is RFC 4226 dynamic truncation over HMAC-SHA1.
func hotp(secret []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0F
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7FFFFFFF
	return fmt.Sprintf("%0*d", Digits, code%1_000_000)
}

func decodeSecret(secret string) ([]byte, error) {
	return b32.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
