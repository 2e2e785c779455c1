package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/internal/auth"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key"

func signToken(t *testing.T, secret string, claims auth.AppClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	v := auth.NewJWTVerifier(testSecret)
	token := signToken(t, testSecret, auth.AppClaims{
		Permissions: []string{"read", "write", "join"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	identity, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if identity.UserID != "user-1" {
		t.Errorf("Expected user-1, got %s", identity.UserID)
	}
	for _, perm := range []state.Permission{state.PermCanRead, state.PermCanWrite, state.PermCanJoin} {
		if !identity.Permissions.Has(perm) {
			t.Errorf("Expected permission %b to be set", perm)
		}
	}
}

func TestVerifyRejections(t *testing.T) {
	v := auth.NewJWTVerifier(testSecret)
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	cases := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", signToken(t, "other-secret", auth.AppClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: future},
		})},
		{"expired", signToken(t, testSecret, auth.AppClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		})},
		{"missing subject", signToken(t, testSecret, auth.AppClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future},
		})},
		{"unregistered permission", signToken(t, testSecret, auth.AppClaims{
			Permissions:      []string{"superuser"},
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: future},
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tc.token); !errors.Is(err, auth.ErrInvalidToken) {
				t.Errorf("Expected ErrInvalidToken, got %v", err)
			}
		})
	}
}
