// Package authutil decodes a bearer token's roles/scopes for display only.
// Per spec's explicit non-goal ("No true authorization model — roles/scopes
// are accepted and echoed but not enforced in the core"), this package never
// rejects a connection — it best-effort extracts claims so the handshake and
// presence snapshot can echo them back, nothing more.
//
// Adapted from the haasonsaas-nexus JWTService (internal/auth/jwt.go):
// same golang-jwt/jwt/v5 HMAC ParseWithClaims shape, stripped of signing and
// of any reject-on-invalid behavior since this package is decode-only.
package authutil

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of a bearer token's payload the handshake cares
// about for presence echoing.
type Claims struct {
	Subject string   `json:"sub,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Decode best-effort parses a JWT's claims without verifying its signature —
// there is no shared secret to verify against in the core gateway, and per
// the spec's non-goal the result is never used for access control. Returns
// a zero Claims, no error, for anything that doesn't parse as a JWT (e.g. an
// opaque bearer token), since the caller tolerates opaque tokens too.
func Decode(token string) Claims {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	var claims Claims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Claims{}
	}
	return claims
}
