package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFromToken(t *testing.T) {
	token := signedToken(t, Claims{
		Name: "Maria Pérez",
		Role: "teacher",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	sess, err := FromToken(token)
	if err != nil {
		t.Fatalf("FromToken() error = %v", err)
	}
	if sess.UserID != "u-42" {
		t.Errorf("UserID = %q, want u-42", sess.UserID)
	}
	if sess.Role != "teacher" {
		t.Errorf("Role = %q, want teacher", sess.Role)
	}
	if sess.Token != token {
		t.Error("Token should carry the raw token")
	}
}

func TestFromTokenNoSubject(t *testing.T) {
	token := signedToken(t, Claims{Name: "x"})

	_, err := FromToken(token)
	if !errors.Is(err, ErrNoSubject) {
		t.Errorf("error = %v, want ErrNoSubject", err)
	}
}

func TestFromTokenMalformed(t *testing.T) {
	if _, err := FromToken("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}
