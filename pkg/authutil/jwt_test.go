package authutil

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestDecodeEmptyTokenReturnsZeroClaims(t *testing.T) {
	if got := Decode(""); got.Subject != "" || got.Roles != nil {
		t.Fatalf("expected zero claims, got %+v", got)
	}
}

func TestDecodeOpaqueTokenReturnsZeroClaimsWithoutError(t *testing.T) {
	got := Decode("not-a-jwt-at-all")
	if got.Subject != "" {
		t.Fatalf("expected zero claims for opaque token, got %+v", got)
	}
}

func TestDecodeExtractsRolesAndScopesWithoutVerifyingSignature(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Subject: "user-1",
		Roles:   []string{"admin"},
		Scopes:  []string{"chat:send"},
	})
	// Signed with a key the decoder never sees or checks.
	signed, err := token.SignedString([]byte("some-secret-never-shared-with-the-decoder"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got := Decode(signed)
	if got.Subject != "user-1" {
		t.Fatalf("expected subject user-1, got %+v", got)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "admin" {
		t.Fatalf("expected roles [admin], got %+v", got.Roles)
	}
	if len(got.Scopes) != 1 || got.Scopes[0] != "chat:send" {
		t.Fatalf("expected scopes [chat:send], got %+v", got.Scopes)
	}
}

func TestDecodeAcceptsTokenSignedWithAnyKey(t *testing.T) {
	// Decode is intentionally signature-blind: a token signed with a
	// different key than any the gateway might know about still decodes.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Subject: "anyone"})
	signed, err := token.SignedString([]byte("totally-different-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if got := Decode(signed); got.Subject != "anyone" {
		t.Fatalf("expected subject anyone, got %+v", got)
	}
}
