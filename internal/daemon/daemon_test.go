package daemon

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/fx"

	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/config"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/identity"
)

func testToken(t *testing.T) string {
	t.Helper()
	claims := identity.Claims{
		Name: "Ana",
		Role: "teacher",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// TestModuleGraphResolves verifies the fx dependency graph resolves without
// errors. Constructors are not executed, so no server needs to be running.
func TestModuleGraphResolves(t *testing.T) {
	cfg := &config.Config{
		ServerURL:    "http://localhost:0/api",
		WSURL:        "ws://localhost:0",
		SessionToken: testToken(t),
		DataDir:      filepath.Join(t.TempDir(), "data"),
	}
	if err := fx.ValidateApp(Module(cfg)); err != nil {
		t.Fatalf("fx graph does not resolve: %v", err)
	}
}

func TestSessionProviderRejectsGarbageToken(t *testing.T) {
	cfg := &config.Config{SessionToken: "not-a-jwt"}
	if _, err := provideSession(cfg); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
