package auth

import (
	"testing"
	"time"

	"studypulse/server/internal/model"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	token, err := NewAccessToken("secret", "issuer", time.Minute, Claims{
		UserID:   "user-1",
		TenantID: "tenant-1",
		Role:     model.RoleStudent,
		Status:   model.StatusActive,
	})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}

	claims, err := ParseToken("secret", "issuer", token)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if claims.UserID != "user-1" || claims.TenantID != "tenant-1" || claims.Role != model.RoleStudent {
		t.Fatalf("unexpected claims")
	}
}

func TestParseTokenRejectsWrongSecretAndIssuer(t *testing.T) {
	token, err := NewAccessToken("secret", "issuer", time.Minute, Claims{UserID: "user-1"})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if _, err := ParseToken("other-secret", "issuer", token); err == nil {
		t.Fatalf("expected wrong secret to fail")
	}
	if _, err := ParseToken("secret", "other-issuer", token); err == nil {
		t.Fatalf("expected wrong issuer to fail")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := NewAccessToken("secret", "issuer", -time.Minute, Claims{UserID: "user-1"})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if _, err := ParseToken("secret", "issuer", token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}
