package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func newRouter(t *testing.T, audience string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	v, err := NewVerifier(testSecret, audience)
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}

	router := gin.New()
	router.GET("/me", v.Middleware(), func(c *gin.Context) {
		subject, ok := GetUserID(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, subject)
	})
	return router
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("  ", ""); err != ErrNoSecret {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	expired := validClaims("alice")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	withAudience := validClaims("alice")
	withAudience.Audience = jwt.ClaimStrings{"face-check"}

	tests := []struct {
		name       string
		audience   string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "valid token", header: "Bearer " + signToken(t, testSecret, validClaims("alice")), wantStatus: http.StatusOK, wantBody: "alice"},
		{name: "lowercase scheme", header: "bearer " + signToken(t, testSecret, validClaims("bob")), wantStatus: http.StatusOK, wantBody: "bob"},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, "other", validClaims("alice")), wantStatus: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, testSecret, expired), wantStatus: http.StatusUnauthorized},
		{name: "missing subject", header: "Bearer " + signToken(t, testSecret, validClaims("")), wantStatus: http.StatusUnauthorized},
		{name: "audience required and present", audience: "face-check", header: "Bearer " + signToken(t, testSecret, withAudience), wantStatus: http.StatusOK, wantBody: "alice"},
		{name: "audience required and absent", audience: "face-check", header: "Bearer " + signToken(t, testSecret, validClaims("alice")), wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(t, tt.audience)

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			if resp.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d (%s)", tt.wantStatus, resp.Code, resp.Body.String())
			}
			if tt.wantBody != "" && resp.Body.String() != tt.wantBody {
				t.Fatalf("expected body %q, got %q", tt.wantBody, resp.Body.String())
			}
		})
	}
}
