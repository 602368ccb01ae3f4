package jwt

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, expires, err := GenerateToken("user-1", "admin", KindAccess, "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected future expiry, got %v", expires)
	}
	claims, err := Parse(token, "secret", KindAccess)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "admin" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, _, err := GenerateToken("user-1", "user", KindAccess, "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "other", KindAccess); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, _, err := GenerateToken("user-1", "user", KindAccess, "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "secret", KindAccess); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestParseRejectsRefreshAsAccess(t *testing.T) {
	token, _, err := GenerateToken("user-1", "user", KindRefresh, "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "secret", KindAccess); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
}
