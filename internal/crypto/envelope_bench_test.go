package crypto

import (
	"crypto/rand"
	"testing"
)

func benchCodec(b *testing.B) *Codec {
	b.Helper()
	master := make([]byte, MasterKeySize)
	if _, err := rand.Read(master); err != nil {
		b.Fatalf("rand: %v", err)
	}
	c, err := NewCodec(master)
	if err != nil {
		b.Fatalf("NewCodec: %v", err)
	}
	return c
}

func BenchmarkEncrypt1K(b *testing.B) {
	c := benchCodec(b)
	msg := make([]byte, 1024)
	b.SetBytes(int64(len(msg)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Encrypt(msg); err != nil {
			b.Fatalf("Encrypt: %v", err)
		}
	}
}

func BenchmarkDecrypt1K(b *testing.B) {
	c := benchCodec(b)
	env, err := c.Encrypt(make([]byte, 1024))
	if err != nil {
		b.Fatalf("Encrypt: %v", err)
	}
	b.SetBytes(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Decrypt(env); err != nil {
			b.Fatalf("Decrypt: %v", err)
		}
	}
}

func BenchmarkEncryptBlob1M(b *testing.B) {
	c := benchCodec(b)
	msg := make([]byte, 1<<20)
	b.SetBytes(int64(len(msg)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.EncryptBlob(msg); err != nil {
			b.Fatalf("EncryptBlob: %v", err)
		}
	}
}
