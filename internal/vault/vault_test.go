package vault

import (
	"encoding/base64"
	"testing"
)

func mustNew(t *testing.T, secret string) *Vault {
	t.Helper()
	v, err := New(secret)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	v := mustNew(t, "test-secret")

	encoded, err := v.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if encoded == "hunter2" {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := v.Decrypt(encoded)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("got %q, want %q", got, "hunter2")
	}
}

func TestSameSecretAcrossRestarts(t *testing.T) {
	encoded, err := mustNew(t, "stable").Encrypt("pw")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := mustNew(t, "stable").Decrypt(encoded)
	if err != nil {
		t.Fatalf("decrypt with fresh vault: %v", err)
	}
	if got != "pw" {
		t.Fatalf("got %q", got)
	}
}

func TestWrongSecret(t *testing.T) {
	encoded, err := mustNew(t, "correct").Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := mustNew(t, "wrong").Decrypt(encoded); err == nil {
		t.Fatal("expected error decrypting with wrong secret")
	}
}

func TestRandomNonce(t *testing.T) {
	v := mustNew(t, "k")
	a, _ := v.Encrypt("same")
	b, _ := v.Encrypt("same")
	if a == b {
		t.Fatal("expected distinct ciphertexts for repeated encryption")
	}
}

func TestMalformedInput(t *testing.T) {
	v := mustNew(t, "k")
	if _, err := v.Decrypt("%%%not-base64"); err == nil {
		t.Error("expected decode error")
	}
	if _, err := v.Decrypt(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected short ciphertext error")
	}
}

func TestEmptySecret(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestEmptyPlaintext(t *testing.T) {
	v := mustNew(t, "test")

	encoded, err := v.Encrypt("")
	if err != nil {
		t.Fatalf("encrypt empty: %v", err)
	}
	got, err := v.Decrypt(encoded)
	if err != nil {
		t.Fatalf("decrypt empty: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
