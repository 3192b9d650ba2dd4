package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	MasterKeySize = 32

	// MinPassphraseLen is the minimum length of an operator-supplied
	// passphrase. Enforced at derivation, not only in config validation.
	MinPassphraseLen = 32

	masterIterations  = 100_000
	perCallIterations = 10_000
)

// appSalt separates this deployment's key space from any other use of the
// same derivation scheme. It is an instance marker, not a secret: the real
// per-operation entropy is the random salt inside each envelope.
var appSalt = []byte("fractown/security/kdf/v1")

var ErrPassphraseTooShort = errors.New("crypto: passphrase shorter than minimum length")

// DeriveMasterKey stretches an operator-supplied passphrase into a master
// key. The output is stable for a given passphrase; it has to be, or data
// encrypted before a restart becomes unreadable after it.
func DeriveMasterKey(passphrase string) ([]byte, error) {
	if len(passphrase) < MinPassphraseLen {
		return nil, ErrPassphraseTooShort
	}
	key := pbkdf2.Key([]byte(passphrase), appSalt, masterIterations, MasterKeySize, sha256.New)
	_ = lockMemory(key)
	return key, nil
}

// perCallKey derives the working key for one envelope from the master key
// and that envelope's own salt. The iteration count is lower than the
// master stretch; this runs on every encrypt and decrypt.
func perCallKey(master, salt []byte) []byte {
	return pbkdf2.Key(master, salt, perCallIterations, MasterKeySize, sha256.New)
}

// SubKey derives a fixed-purpose subkey from a master key with HKDF-SHA256.
// Distinct labels yield independent keys, so the audit seal and the
// file-token MAC never share key material with envelope encryption.
func SubKey(master []byte, label string) []byte {
	stream := hkdf.New(sha256.New, master, nil, []byte(label))
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(stream, key); err != nil {
		// a 32-byte read from HKDF-SHA256 cannot fail
		panic("crypto: subkey derivation: " + err.Error())
	}
	return key
}
