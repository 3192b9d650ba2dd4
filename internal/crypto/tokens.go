package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	sessionTokenBytes = 32

	PasscodeLength = 6

	BackupCodeCount  = 8
	BackupCodeLength = 8
	backupCodeBytes  = 4
)

var ErrBackupCodeCollision = errors.New("crypto: duplicate backup code in generated set")

// GenerateSessionToken returns a 64-character hex token from 32 bytes of
// CSPRNG output.
func GenerateSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto: session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GeneratePasscode returns n uniformly distributed decimal digits. Random
// bytes are rejection-sampled: values 250..255 would fold the 256-value
// byte space unevenly onto ten digits, so they are discarded instead of
// reduced mod 10.
func GeneratePasscode(n int) (string, error) {
	if n <= 0 {
		n = PasscodeLength
	}
	digits := make([]byte, 0, n)
	buf := make([]byte, 2*n)
	for len(digits) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto: passcode: %w", err)
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			digits = append(digits, '0'+b%10)
			if len(digits) == n {
				break
			}
		}
	}
	return string(digits), nil
}

// GenerateBackupCodes returns count single-use recovery codes, each the
// uppercase hex of 4 random bytes. A duplicate inside one set is treated as
// a hard error; the caller regenerates rather than silently deduplicating.
func GenerateBackupCodes(count int) ([]string, error) {
	if count <= 0 {
		count = BackupCodeCount
	}
	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		b := make([]byte, backupCodeBytes)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("crypto: backup codes: %w", err)
		}
		code := strings.ToUpper(hex.EncodeToString(b))
		if _, dup := seen[code]; dup {
			return nil, ErrBackupCodeCollision
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}
