package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)

	token, err := m.GenerateAccessToken("dashboard")
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	claims, err := m.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken failed: %v", err)
	}
	if claims.Subject != "dashboard" {
		t.Errorf("Expected subject dashboard, got %s", claims.Subject)
	}
	if !claims.HasScope(ScopeRead) || claims.HasScope(ScopeAdmin) {
		t.Errorf("Expected default read scope only, got %v", claims.Scopes)
	}
}

func TestJWTManager_Rejects(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, _ := m.GenerateAccessToken("ops", ScopeAdmin)

	other := NewJWTManager("other-secret", time.Hour)
	if _, err := other.ValidateAccessToken(token); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for wrong secret, got %v", err)
	}

	if _, err := m.ValidateAccessToken("not.a.token"); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for garbage, got %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := m.ValidateAccessToken(token); err != ErrTokenExpired {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewJWTManager("secret", time.Hour)
	readToken, _ := m.GenerateAccessToken("reader")
	adminToken, _ := m.GenerateAccessToken("ops", ScopeAdmin)

	router := gin.New()
	api := router.Group("/api", Middleware(m))
	api.GET("/read", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextKeySubject)) })
	api.GET("/admin", RequireScope(ScopeAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing header", "/api/read", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/read", "Basic abc", http.StatusUnauthorized},
		{"bad token", "/api/read", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "/api/read", "Bearer " + readToken, http.StatusOK},
		{"read token on admin route", "/api/admin", "Bearer " + readToken, http.StatusForbidden},
		{"admin token on admin route", "/api/admin", "Bearer " + adminToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}
