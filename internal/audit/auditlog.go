// Package audit provides a tamper-evident operational log for the security
// subsystem. Entries are hash-chained so edits and truncation are
// detectable; detail payloads can additionally be sealed so the log leaks
// no client addresses or admin identifiers at rest.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/SatyaTirumalasetty/fractOwn-sub000/internal/crypto"
)

type Entry struct {
	Seq     int64  `json:"seq"`
	TS      int64  `json:"ts"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
	Sealed  bool   `json:"sealed,omitempty"`
	Hash    string `json:"hash"`
}

var (
	ErrChainBroken = errors.New("audit: hash chain broken")
	ErrNoSealKey   = errors.New("audit: entry is sealed and no seal key is configured")
)

// Log is a hash-chained audit trail, safe for concurrent use. Entries stay
// in memory for the process lifetime; the sink, when configured, is the
// durable record.
type Log struct {
	mu       sync.Mutex
	lastHash []byte
	entries  []Entry
	seq      int64
	sink     io.Writer
	sealKey  []byte
	now      func() time.Time
}

// New returns a Log. A non-nil sink receives one JSON line per entry. A
// non-nil sealKey encrypts entry detail with XChaCha20-Poly1305 before it
// is chained and written; the chain itself stays verifiable without the
// key.
func New(sink io.Writer, sealKey []byte) *Log {
	return &Log{sink: sink, sealKey: sealKey, now: time.Now}
}

// Record appends an entry. Metadata is marshalled to JSON and, when a seal
// key is present, encrypted with the action bound as associated data.
func (l *Log) Record(action string, success bool, metadata map[string]any) (Entry, error) {
	detail := ""
	sealed := false
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return Entry{}, fmt.Errorf("audit: marshal metadata: %w", err)
		}
		if l.sealKey != nil {
			blob, err := crypto.SealX(l.sealKey, raw, []byte(action))
			if err != nil {
				return Entry{}, fmt.Errorf("audit: seal metadata: %w", err)
			}
			detail = base64.StdEncoding.EncodeToString(blob)
			sealed = true
		} else {
			detail = string(raw)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e := Entry{Seq: l.seq, TS: l.now().Unix(), Action: action, Success: success, Detail: detail, Sealed: sealed}
	sum := chainHash(l.lastHash, &e)
	l.lastHash = sum
	e.Hash = hex.EncodeToString(sum)
	l.entries = append(l.entries, e)

	if l.sink != nil {
		line, err := json.Marshal(e)
		if err != nil {
			return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
		}
		if _, err := l.sink.Write(append(line, '\n')); err != nil {
			return Entry{}, fmt.Errorf("audit: write: %w", err)
		}
	}
	return e, nil
}

// Detail returns an entry's metadata, decrypting it if sealed.
func (l *Log) Detail(e Entry) (map[string]any, error) {
	if e.Detail == "" {
		return nil, nil
	}
	raw := []byte(e.Detail)
	if e.Sealed {
		if l.sealKey == nil {
			return nil, ErrNoSealKey
		}
		blob, err := base64.StdEncoding.DecodeString(e.Detail)
		if err != nil {
			return nil, fmt.Errorf("audit: decode sealed detail: %w", err)
		}
		raw, err = crypto.OpenX(l.sealKey, blob, []byte(e.Action))
		if err != nil {
			return nil, fmt.Errorf("audit: open sealed detail: %w", err)
		}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("audit: unmarshal detail: %w", err)
	}
	return m, nil
}

// Verify recomputes the chain over all retained entries.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var prev []byte
	for i := range l.entries {
		sum := chainHash(prev, &l.entries[i])
		if hex.EncodeToString(sum) != l.entries[i].Hash {
			return fmt.Errorf("%w: entry %d", ErrChainBroken, l.entries[i].Seq)
		}
		prev = sum
	}
	return nil
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Head returns the hex hash of the newest entry, or "" for an empty log.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastHash == nil {
		return ""
	}
	return hex.EncodeToString(l.lastHash)
}

// The chain binds every field except the hash itself. Detail is chained in
// its written (possibly sealed) form so files verify without the seal key.
func chainHash(prev []byte, e *Entry) []byte {
	h := sha256.New()
	h.Write(prev)
	fmt.Fprintf(h, "%d|%d|%s|%t|%t|%s", e.Seq, e.TS, e.Action, e.Success, e.Sealed, e.Detail)
	return h.Sum(nil)
}

// VerifyStream checks the hash chain of a JSONL audit file from its first
// line and returns the number of verified entries.
func VerifyStream(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var prev []byte
	n := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return n, fmt.Errorf("audit: line %d: %w", n+1, err)
		}
		sum := chainHash(prev, &e)
		if hex.EncodeToString(sum) != e.Hash {
			return n, fmt.Errorf("%w: entry %d", ErrChainBroken, e.Seq)
		}
		prev = sum
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("audit: read: %w", err)
	}
	return n, nil
}
