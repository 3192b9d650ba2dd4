package server

import (
	"strings"
	"testing"
	"time"
)

func validTestConfig() Config {
	return Config{
		MasterKey: strings.Repeat("a", 32) + "-session",
		FieldKey:  strings.Repeat("b", 32) + "-field",
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := validTestConfig()
	cfg.setDefaults()

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.BlobBackend != "mongo" {
		t.Fatalf("BlobBackend = %q", cfg.BlobBackend)
	}
	if cfg.TokenTTL != 15*time.Minute {
		t.Fatalf("TokenTTL = %v", cfg.TokenTTL)
	}
	if len(cfg.EncryptedFields) == 0 || cfg.EncryptedFields[0] != "owner_ssn" {
		t.Fatalf("EncryptedFields = %v", cfg.EncryptedFields)
	}
	if cfg.JWTIssuer == "" || cfg.TOTPIssuer == "" {
		t.Fatalf("issuers not defaulted: %q %q", cfg.JWTIssuer, cfg.TOTPIssuer)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := validTestConfig()
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	short := validTestConfig()
	short.setDefaults()
	short.MasterKey = "too-short"
	if err := short.validate(); err == nil {
		t.Fatal("short MASTER_ENCRYPTION_KEY accepted")
	}

	shortField := validTestConfig()
	shortField.setDefaults()
	shortField.FieldKey = "too-short"
	if err := shortField.validate(); err == nil {
		t.Fatal("short ENCRYPTION_KEY accepted")
	}

	same := validTestConfig()
	same.setDefaults()
	same.FieldKey = same.MasterKey
	if err := same.validate(); err == nil {
		t.Fatal("identical key planes accepted")
	}

	backend := validTestConfig()
	backend.setDefaults()
	backend.BlobBackend = "tape"
	if err := backend.validate(); err == nil {
		t.Fatal("unknown blob backend accepted")
	}
}

func TestConfigKeepsExplicitValues(t *testing.T) {
	cfg := validTestConfig()
	cfg.Addr = ":9999"
	cfg.BlobBackend = "file"
	cfg.EncryptedFields = []string{"custom_field"}
	cfg.setDefaults()

	if cfg.Addr != ":9999" || cfg.BlobBackend != "file" {
		t.Fatalf("explicit values overwritten: %q %q", cfg.Addr, cfg.BlobBackend)
	}
	if len(cfg.EncryptedFields) != 1 || cfg.EncryptedFields[0] != "custom_field" {
		t.Fatalf("EncryptedFields = %v", cfg.EncryptedFields)
	}
}
