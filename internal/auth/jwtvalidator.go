package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/canopydb/gateway/internal/registry"
)

// NewJWTValidator builds a TokenValidator that verifies HS256 tokens signed
// with the given secret. Expected claims: sub (userId), roles (array of
// strings), and the standard exp. Gives external-validator mode a
// batteries-included validator without changing the pluggable contract.
func NewJWTValidator(secret []byte) TokenValidator {
	return func(_ context.Context, token string) (*registry.Session, error) {
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !parsed.Valid {
			return nil, nil
		}

		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return nil, nil
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			return nil, nil
		}

		var roles []string
		if raw, ok := claims["roles"].([]interface{}); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					roles = append(roles, s)
				}
			}
		}

		var expiresAt int64
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			expiresAt = exp.UnixMilli()
		}

		return &registry.Session{
			UserID:    sub,
			Roles:     roles,
			ExpiresAt: expiresAt,
			Token:     token,
		}, nil
	}
}
