package fieldcrypt

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// FileMetadata travels with every encrypted file, itself stored only as an
// encrypted envelope. Checksum is the SHA-256 of the plaintext bytes; it
// binds the stored content to what was originally uploaded.
type FileMetadata struct {
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploadedAt"`
	Checksum    string    `json:"checksum,omitempty"`
	Encrypted   bool      `json:"encrypted"`
}

// EncryptedFile bundles the three artifacts a caller stores separately:
// the sealed content, the sealed metadata, and the plaintext checksum for
// integrity spot checks that need no decryption.
type EncryptedFile struct {
	Content  string
	Metadata string
	Checksum string
}

// ErrChecksumMismatch is a hard integrity failure: the cipher
// authenticated the content, but it is not the content that was uploaded.
var ErrChecksumMismatch = errors.New("fieldcrypt: content checksum mismatch")

// EncryptFile seals a file payload and its metadata. The checksum is
// computed over the plaintext before encryption and embedded in the
// metadata envelope; content and metadata each get their own salt and IV.
func (s *Service) EncryptFile(data []byte, meta FileMetadata) (*EncryptedFile, error) {
	sum := Checksum(data)
	meta.Checksum = sum
	meta.Size = int64(len(data))
	meta.Encrypted = true
	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = s.now().UTC()
	}

	metaEnv, err := s.EncryptValue(meta)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: metadata: %w", err)
	}
	content, err := s.codec.EncryptBlob(data)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: content: %w", err)
	}
	return &EncryptedFile{Content: content, Metadata: metaEnv, Checksum: sum}, nil
}

// DecryptFile opens metadata first, then content, then recomputes the
// plaintext checksum against the one recorded at upload. A mismatch fails
// the decryption even though cipher-level authentication passed.
func (s *Service) DecryptFile(content, metadataEnv string) ([]byte, *FileMetadata, error) {
	var meta FileMetadata
	if err := s.DecryptValue(metadataEnv, &meta); err != nil {
		return nil, nil, fmt.Errorf("fieldcrypt: metadata: %w", err)
	}
	data, err := s.codec.Decrypt(content)
	if err != nil {
		return nil, nil, fmt.Errorf("fieldcrypt: content: %w", err)
	}
	if Checksum(data) != meta.Checksum {
		return nil, nil, ErrChecksumMismatch
	}
	return data, &meta, nil
}

// Checksum returns the SHA-256 of data as lowercase hex.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
