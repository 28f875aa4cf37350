package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:   "usr_1",
		Name:  "Avery",
		Email: "avery@example.com",
		Role:  "editor",
		JTI:   "jti-1",
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "usr_1" || claims.Name != "Avery" || claims.Role != "editor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Email != "avery@example.com" {
		t.Fatalf("email claim lost: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "usr_1",
		Name: "Avery",
		Role: "editor",
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "usr_1",
		Name: "Avery",
		Role: "viewer",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	cases := map[string]string{
		"wrong secret":     issued,
		"flipped payload":  "x" + issued,
		"missing segment":  strings.Split(issued, ".")[0],
		"extra segments":   issued + ".extra",
		"garbage":          "not-a-token",
		"empty":            "",
		"swapped segments": strings.Split(issued, ".")[1] + "." + strings.Split(issued, ".")[0],
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			key := secret
			if name == "wrong secret" {
				key = []byte("other")
			}
			if _, err := ParseToken(key, token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("ParseToken(%q) error = %v, want ErrInvalidToken", token, err)
			}
		})
	}
}

func TestHashTokenIsStableAndHex(t *testing.T) {
	a := HashToken("refresh-secret")
	b := HashToken("refresh-secret")
	if a != b {
		t.Fatalf("HashToken not deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("HashToken length = %d, want 64 hex chars", len(a))
	}
	if a == HashToken("another") {
		t.Fatal("distinct inputs produced the same hash")
	}
}
