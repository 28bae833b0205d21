package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestIsPublicPath(t *testing.T) {
	for path, want := range map[string]bool{
		"/health":            true,
		"/health/db":         true,
		"/api/v1/reports":    false,
		"/api/v1/blobs":      false,
		"/health/db/details": false,
	} {
		if got := IsPublicPath(path); got != want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	c.SetPath("/health")

	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("expected public path to skip auth, got %v", err)
	}
}

func TestJWTMiddleware_DoesNotSkipProtectedPaths(t *testing.T) {
	err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}, "", okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}
