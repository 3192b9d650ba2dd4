// Package fieldcrypt encrypts JSON values, record fields and file payloads
// on behalf of the surrounding CRUD layer. It owns no storage: callers
// persist the envelopes it returns and hand them back for decryption.
package fieldcrypt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/crypto"
)

const (
	encryptedSuffix = "_encrypted"
	markerSuffix    = "_is_encrypted"

	// DefaultIssuer names this subsystem in file access tokens.
	DefaultIssuer = "fractown-security"
)

// ErrDataCorrupted marks a payload that authenticated correctly but failed
// to parse: corruption on the plaintext side of the cipher boundary, not
// tampering.
var ErrDataCorrupted = errors.New("fieldcrypt: decrypted payload failed to parse")

// Service performs field and file encryption under the data-plane codec.
// Construct one at startup and inject it wherever records are persisted.
type Service struct {
	codec    *crypto.Codec
	tokenKey []byte
	issuer   string
	now      func() time.Time
}

func New(codec *crypto.Codec, tokenKey []byte, issuer string) (*Service, error) {
	if codec == nil {
		return nil, errors.New("fieldcrypt: nil codec")
	}
	if len(tokenKey) == 0 {
		return nil, errors.New("fieldcrypt: empty token key")
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Service{codec: codec, tokenKey: tokenKey, issuer: issuer, now: time.Now}, nil
}

// EncryptValue serializes any JSON-encodable value and seals it.
func (s *Service) EncryptValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fieldcrypt: marshal value: %w", err)
	}
	return s.codec.Encrypt(raw)
}

// DecryptValue opens an envelope and parses the plaintext into out.
func (s *Service) DecryptValue(envelope string, out any) error {
	raw, err := s.codec.Decrypt(envelope)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDataCorrupted, err)
	}
	return nil
}

// EncryptRecordFields returns a copy of record with each named field that
// is present replaced by an encrypted sibling plus an is-encrypted marker.
// The plaintext field is removed.
func (s *Service) EncryptRecordFields(record map[string]any, fields []string) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	for _, name := range fields {
		v, ok := out[name]
		if !ok {
			continue
		}
		env, err := s.EncryptValue(v)
		if err != nil {
			return nil, fmt.Errorf("fieldcrypt: field %q: %w", name, err)
		}
		out[name+encryptedSuffix] = env
		out[name+markerSuffix] = true
		delete(out, name)
	}
	return out, nil
}

// DecryptRecordFields reverses EncryptRecordFields. A field that fails to
// decrypt stays in its encrypted form and its name is reported in the
// second return; the rest of the record is still usable. Surfacing the
// failed names to whoever reads the record is the caller's job.
func (s *Service) DecryptRecordFields(record map[string]any) (map[string]any, []string) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}

	var names []string
	for k, v := range out {
		if flag, ok := v.(bool); ok && flag && strings.HasSuffix(k, markerSuffix) {
			names = append(names, strings.TrimSuffix(k, markerSuffix))
		}
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		env, ok := out[name+encryptedSuffix].(string)
		if !ok {
			failed = append(failed, name)
			continue
		}
		var v any
		if err := s.DecryptValue(env, &v); err != nil {
			failed = append(failed, name)
			continue
		}
		out[name] = v
		delete(out, name+encryptedSuffix)
		delete(out, name+markerSuffix)
	}
	return out, failed
}
