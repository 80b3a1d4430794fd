package realtime

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleProfessional Role = "professional"
	RoleClient       Role = "client"
)

// Identity is the authenticated principal. owned by the session store
// once established and immutable except through a full re-auth.
type Identity struct {
	UserId int64  `json:"user_id"`
	Role   Role   `json:"user_type"`
	Name   string `json:"display_name,omitempty"`
}

// IdentityFromToken extracts identity claims from a session token
// without verifying the signature. the token is only trusted for
// optimistic ui continuity; the server re-checks it on every request.
func IdentityFromToken(token string) (*Identity, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}

	identity := &Identity{}
	switch userId := claims["user_id"].(type) {
	case float64:
		identity.UserId = int64(userId)
	case int64:
		identity.UserId = userId
	default:
		return nil, errors.New("token has no user_id claim")
	}
	if userType, ok := claims["user_type"].(string); ok {
		identity.Role = Role(userType)
	}
	if name, ok := claims["display_name"].(string); ok {
		identity.Name = name
	}
	return identity, nil
}
