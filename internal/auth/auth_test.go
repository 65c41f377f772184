package auth

import (
	"errors"
	"testing"
	"time"

	"upbit-trading-bot/config"
)

func testService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	return NewService(config.AuthConfig{
		Enabled:              true,
		JWTSecret:            "test-secret",
		OperatorPasswordHash: hash,
		AccessTokenDuration:  time.Hour,
	})
}

func TestLoginAndValidate(t *testing.T) {
	s := testService(t)

	token, expiresAt, err := s.Login("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("empty token")
	}
	if time.Until(expiresAt) <= 0 {
		t.Error("expiry must be in the future")
	}

	claims, err := s.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Role != "operator" || claims.Subject != "operator" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	s := testService(t)

	if _, _, err := s.Login("not the password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	s := testService(t)
	past := time.Now().Add(-2 * time.Hour)
	s.SetClock(func() time.Time { return past })

	token, _, err := s.Login("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Validate(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	s := testService(t)
	other := NewService(config.AuthConfig{
		JWTSecret:            "different-secret",
		OperatorPasswordHash: s.cfg.OperatorPasswordHash,
		AccessTokenDuration:  time.Hour,
	})

	token, _, err := other.Login("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}
