package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound = errors.New("not found")
)

// Record is a property record whose sensitive fields have already been
// envelope-encrypted. Fields carries the ciphertext columns alongside the
// plaintext ones; the field service decides which is which.
type Record struct {
	ID      string         `bson:"id" json:"id"`
	Fields  map[string]any `bson:"fields" json:"fields"`
	Created int64          `bson:"created" json:"created"`
	Updated int64          `bson:"updated" json:"updated"`
	Version int            `bson:"version" json:"version"`
}

type RecordStore interface {
	PutRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, id string) (Record, error)
	ListRecords(ctx context.Context) ([]Record, error)
	DeleteRecord(ctx context.Context, id string) error
}

// FileRecord indexes one encrypted file. Meta is the envelope-encrypted
// metadata JSON; the original filename and content type are only readable
// after decryption. Checksum mirrors the plaintext digest for dedup checks.
type FileRecord struct {
	ID       string `bson:"id" json:"id"`
	Owner    string `bson:"owner" json:"owner"`
	Meta     string `bson:"meta" json:"meta"`
	Checksum string `bson:"checksum" json:"checksum"`
	Size     int64  `bson:"size" json:"size"`
	Created  int64  `bson:"created" json:"created"`
}

type FileMetaStore interface {
	PutFile(ctx context.Context, fr FileRecord) error
	GetFile(ctx context.Context, id string) (FileRecord, error)
	ListFilesByOwner(ctx context.Context, owner string) ([]FileRecord, error)
	DeleteFile(ctx context.Context, id string) error
}

type MemoryRecordStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{recs: map[string]Record{}}
}

func cloneRecord(rec Record) Record {
	clone := rec
	clone.Fields = make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		clone.Fields[k] = v
	}
	return clone
}

func (s *MemoryRecordStore) PutRecord(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("empty record id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryRecordStore) GetRecord(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryRecordStore) ListRecords(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryRecordStore) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

type MemoryFileMetaStore struct {
	mu    sync.RWMutex
	files map[string]FileRecord
}

func NewMemoryFileMetaStore() *MemoryFileMetaStore {
	return &MemoryFileMetaStore{files: map[string]FileRecord{}}
}

func (s *MemoryFileMetaStore) PutFile(_ context.Context, fr FileRecord) error {
	if fr.ID == "" {
		return errors.New("empty file id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[fr.ID] = fr
	return nil
}

func (s *MemoryFileMetaStore) GetFile(_ context.Context, id string) (FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fr, ok := s.files[id]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	return fr, nil
}

func (s *MemoryFileMetaStore) ListFilesByOwner(_ context.Context, owner string) ([]FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FileRecord
	for _, fr := range s.files {
		if fr.Owner == owner {
			out = append(out, fr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created > out[j].Created })
	return out, nil
}

func (s *MemoryFileMetaStore) DeleteFile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return ErrNotFound
	}
	delete(s.files, id)
	return nil
}
