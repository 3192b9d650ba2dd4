package auth

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrAdminNotFound = errors.New("admin not found")
	ErrAdminExists   = errors.New("admin already exists")
)

// Admin is an administrator account for the records backend. TOTPSecret
// holds the envelope-encrypted authenticator secret, never the raw value.
// BackupCodes holds slow salted hashes of the recovery codes that are
// still unused; verifying a code removes its hash.
type Admin struct {
	ID          string
	Username    string
	Email       string
	PassHash    string // argon2id encoded string
	Roles       []Role
	TOTPSecret  string
	TOTPEnabled bool
	BackupCodes []string
}

type AdminStore interface {
	FindByUsername(username string) (*Admin, error)
	FindByEmail(email string) (*Admin, error)
	Add(a *Admin) error
	UpdatePassword(username, newHash string) error
	SaveTOTP(username, secret string, enabled bool) error
	SaveBackupCodes(username string, hashes []string) error
}

type MemoryAdminStore struct {
	mu         sync.RWMutex
	byUsername map[string]*Admin
	byEmail    map[string]*Admin
}

func NewMemoryAdminStore() *MemoryAdminStore {
	return &MemoryAdminStore{
		byUsername: map[string]*Admin{},
		byEmail:    map[string]*Admin{},
	}
}

func cloneAdmin(a *Admin) *Admin {
	clone := *a
	clone.Roles = append([]Role(nil), a.Roles...)
	clone.BackupCodes = append([]string(nil), a.BackupCodes...)
	return &clone
}

func (s *MemoryAdminStore) Add(a *Admin) error {
	if a == nil {
		return errors.New("admin is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUsername[a.Username]; exists {
		return ErrAdminExists
	}
	email := strings.ToLower(strings.TrimSpace(a.Email))
	if email != "" {
		if _, exists := s.byEmail[email]; exists {
			return ErrAdminExists
		}
	}
	clone := cloneAdmin(a)
	clone.Email = email
	s.byUsername[a.Username] = clone
	if email != "" {
		s.byEmail[email] = clone
	}
	return nil
}

func (s *MemoryAdminStore) FindByUsername(username string) (*Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.byUsername[username]; ok {
		return cloneAdmin(a), nil
	}
	return nil, ErrAdminNotFound
}

func (s *MemoryAdminStore) FindByEmail(email string) (*Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]; ok {
		return cloneAdmin(a), nil
	}
	return nil, ErrAdminNotFound
}

func (s *MemoryAdminStore) UpdatePassword(username, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byUsername[username]
	if !ok {
		return ErrAdminNotFound
	}
	a.PassHash = newHash
	return nil
}

func (s *MemoryAdminStore) SaveTOTP(username, secret string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byUsername[username]
	if !ok {
		return ErrAdminNotFound
	}
	a.TOTPSecret = secret
	a.TOTPEnabled = enabled
	return nil
}

func (s *MemoryAdminStore) SaveBackupCodes(username string, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byUsername[username]
	if !ok {
		return ErrAdminNotFound
	}
	a.BackupCodes = append([]string(nil), hashes...)
	return nil
}
