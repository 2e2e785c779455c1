package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid or expired credential")

// Identity is the authenticated result consumed by the registry.
type Identity struct {
	UserID      string
	Permissions state.Permission
}

// Verifier is the external authentication collaborator: it turns a credential
// token into an authenticated identity. Credential issuance lives outside the
// delivery core.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// AppClaims defines our custom JWT claims structure.
type AppClaims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed session tokens.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

var _ Verifier = (*JWTVerifier)(nil)

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing 'sub' claim", ErrInvalidToken)
	}

	perms, err := compilePermissions(claims.Permissions)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Identity{UserID: claims.Subject, Permissions: perms}, nil
}

func compilePermissions(names []string) (state.Permission, error) {
	var perms state.Permission
	for _, name := range names {
		flag, ok := state.BuiltInPerms[name]
		if !ok {
			return 0, fmt.Errorf("unregistered permission %q", name)
		}
		perms |= flag
	}
	return perms, nil
}
