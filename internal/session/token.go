package session

import (
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// ParseAccessToken reads the identity claims of the PJE access_token cookie.
// The signature is not verified: the token was just issued to this process by the
// tribunal and is only read for the lawyer id, never trusted for authorization.
func ParseAccessToken(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("failed to parse access token: %w", err)
	}

	id, err := claimInt(claims["id"])
	if err != nil {
		return Identity{}, fmt.Errorf("access token has no lawyer id: %w", err)
	}

	ident := Identity{LawyerID: id}
	ident.CPF, _ = claims["cpf"].(string)
	if name, ok := claims["name"].(string); ok {
		ident.Name = name
	} else if nome, ok := claims["nome"].(string); ok {
		ident.Name = nome
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ident.ExpiresAt = exp.Time
	}
	return ident, nil
}

func claimInt(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, fmt.Errorf("claim missing")
	}
	return 0, fmt.Errorf("unexpected claim type %T", v)
}
