package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/session"
	"github.com/ErlanBelekov/pro-entitlements/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testKey = "middleware-test-secret-32-chars!!"

func init() {
	gin.SetMode(gin.TestMode)
}

// newEngine serves GET /whoami (optional session) and GET /protected
// (required session); both echo the resolved identity.
func newEngine() *gin.Engine {
	issuer := session.NewIssuer([]byte(testKey), time.Hour)
	echo := func(c *gin.Context) {
		identity, _ := middleware.Identity(c)
		c.String(http.StatusOK, "%s", identity)
	}

	r := gin.New()
	r.Use(middleware.Session(issuer))
	r.GET("/whoami", echo)
	r.GET("/protected", middleware.RequireSession(), echo)
	return r
}

func issue(t *testing.T, identity string) string {
	t.Helper()
	cred, err := session.NewIssuer([]byte(testKey), time.Hour).Issue(identity)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return cred.Token
}

func TestRequireSession_Missing_Returns401(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	newEngine().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRequireSession_Cookie_Returns200(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: issue(t, "a@b.com")})
	newEngine().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "a@b.com" {
		t.Errorf("identity = %q, want a@b.com", got)
	}
}

func TestRequireSession_Bearer_Returns200(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, "a@b.com"))
	newEngine().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRequireSession_NonBearerScheme_Returns401(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	newEngine().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRequireSession_WrongKey_Returns401(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Issuer:    "pro-entitlements",
		Subject:   "a@b.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("some-other-secret-of-32-chars!!!"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: forged})
	newEngine().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestSession_InvalidCredentialIsAnonymous(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "garbage"})
	newEngine().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "" {
		t.Errorf("identity = %q, want anonymous", got)
	}
}
