package auth

import (
	"testing"
	"time"

	"reelflow/app/config"
)

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{Secret: "test-secret", ExpireTime: 1, Issuer: "reelflow"}
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewJWTService(testJWTConfig())

	token, err := svc.GenerateToken("u1", 0)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != "u1" || claims.Issuer != "reelflow" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateTokenRejectsExpiredAndForeignTokens(t *testing.T) {
	svc := NewJWTService(testJWTConfig())
	token, err := svc.GenerateToken("u1", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	svc.nowFn = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := svc.ValidateToken(token); err == nil {
		t.Fatalf("expired token accepted")
	}

	other := testJWTConfig()
	other.Secret = "another-secret"
	foreign, err := NewJWTService(other).GenerateToken("u1", 0)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := NewJWTService(testJWTConfig()).ValidateToken(foreign); err == nil {
		t.Fatalf("token signed with another secret accepted")
	}

	if _, err := svc.GenerateToken("", 0); err == nil {
		t.Fatalf("empty user id accepted")
	}
}
