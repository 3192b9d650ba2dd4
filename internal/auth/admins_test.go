package auth

import (
	"errors"
	"testing"
)

func TestMemoryStoreAddAndFind(t *testing.T) {
	s := NewMemoryAdminStore()
	err := s.Add(&Admin{
		ID:       "a-1",
		Username: "ops-admin",
		Email:    " Ops@Example.COM ",
		PassHash: "hash",
		Roles:    []Role{RoleAdmin},
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}

	byName, err := s.FindByUsername("ops-admin")
	if err != nil {
		t.Fatalf("FindByUsername error: %v", err)
	}
	if byName.Email != "ops@example.com" {
		t.Fatalf("email not normalized: %q", byName.Email)
	}

	byEmail, err := s.FindByEmail("OPS@example.com")
	if err != nil {
		t.Fatalf("FindByEmail error: %v", err)
	}
	if byEmail.ID != "a-1" {
		t.Fatalf("wrong admin: %+v", byEmail)
	}

	if _, err := s.FindByUsername("ghost"); !errors.Is(err, ErrAdminNotFound) {
		t.Fatalf("expected ErrAdminNotFound, got %v", err)
	}
}

func TestMemoryStoreRejectsDuplicates(t *testing.T) {
	s := NewMemoryAdminStore()
	base := &Admin{ID: "a-1", Username: "ops-admin", Email: "ops@example.com"}
	if err := s.Add(base); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := s.Add(&Admin{ID: "a-2", Username: "ops-admin", Email: "other@example.com"}); !errors.Is(err, ErrAdminExists) {
		t.Fatalf("duplicate username: got %v", err)
	}
	if err := s.Add(&Admin{ID: "a-3", Username: "other", Email: "ops@example.com"}); !errors.Is(err, ErrAdminExists) {
		t.Fatalf("duplicate email: got %v", err)
	}
}

func TestMemoryStoreReturnsClones(t *testing.T) {
	s := NewMemoryAdminStore()
	if err := s.Add(&Admin{ID: "a-1", Username: "ops-admin", BackupCodes: []string{"h1", "h2"}}); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	got, err := s.FindByUsername("ops-admin")
	if err != nil {
		t.Fatalf("FindByUsername error: %v", err)
	}
	got.BackupCodes[0] = "mutated"
	got.PassHash = "mutated"

	again, err := s.FindByUsername("ops-admin")
	if err != nil {
		t.Fatalf("FindByUsername error: %v", err)
	}
	if again.BackupCodes[0] != "h1" || again.PassHash != "" {
		t.Fatalf("caller mutation leaked into store: %+v", again)
	}
}

func TestMemoryStoreTOTPAndBackupCodes(t *testing.T) {
	s := NewMemoryAdminStore()
	if err := s.Add(&Admin{ID: "a-1", Username: "ops-admin"}); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	if err := s.SaveTOTP("ops-admin", "envelope-secret", true); err != nil {
		t.Fatalf("SaveTOTP error: %v", err)
	}
	if err := s.SaveBackupCodes("ops-admin", []string{"h1", "h2", "h3"}); err != nil {
		t.Fatalf("SaveBackupCodes error: %v", err)
	}

	a, err := s.FindByUsername("ops-admin")
	if err != nil {
		t.Fatalf("FindByUsername error: %v", err)
	}
	if a.TOTPSecret != "envelope-secret" || !a.TOTPEnabled {
		t.Fatalf("totp state not saved: %+v", a)
	}
	if len(a.BackupCodes) != 3 {
		t.Fatalf("backup codes not saved: %v", a.BackupCodes)
	}

	// Consuming a code is a wholesale replace with the remaining hashes.
	if err := s.SaveBackupCodes("ops-admin", []string{"h1", "h3"}); err != nil {
		t.Fatalf("SaveBackupCodes error: %v", err)
	}
	a, _ = s.FindByUsername("ops-admin")
	if len(a.BackupCodes) != 2 || a.BackupCodes[0] != "h1" || a.BackupCodes[1] != "h3" {
		t.Fatalf("consume did not stick: %v", a.BackupCodes)
	}

	if err := s.SaveTOTP("ghost", "x", true); !errors.Is(err, ErrAdminNotFound) {
		t.Fatalf("expected ErrAdminNotFound, got %v", err)
	}
	if err := s.SaveBackupCodes("ghost", nil); !errors.Is(err, ErrAdminNotFound) {
		t.Fatalf("expected ErrAdminNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdatePassword(t *testing.T) {
	s := NewMemoryAdminStore()
	if err := s.Add(&Admin{ID: "a-1", Username: "ops-admin", PassHash: "old"}); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := s.UpdatePassword("ops-admin", "new"); err != nil {
		t.Fatalf("UpdatePassword error: %v", err)
	}
	a, _ := s.FindByUsername("ops-admin")
	if a.PassHash != "new" {
		t.Fatalf("password hash not updated: %q", a.PassHash)
	}
	if err := s.UpdatePassword("ghost", "x"); !errors.Is(err, ErrAdminNotFound) {
		t.Fatalf("expected ErrAdminNotFound, got %v", err)
	}
}
