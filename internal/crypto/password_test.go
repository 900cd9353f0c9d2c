package crypto

import "testing"

func TestSecretHashing(t *testing.T) {
	hash, err := HashSecret("secret")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if err := CheckSecret(hash, "secret"); err != nil {
		t.Fatalf("expected secret to match")
	}
	if err := CheckSecret(hash, "wrong"); err == nil {
		t.Fatalf("expected secret mismatch")
	}
}

func TestTokenHashIsStable(t *testing.T) {
	token, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if HashToken(token) != HashToken(token) {
		t.Fatalf("expected deterministic hash")
	}
	other, _ := NewRefreshToken()
	if token == other {
		t.Fatalf("expected unique tokens")
	}
}
