package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/admin-console/admin-console/internal/auth"
	"github.com/admin-console/admin-console/internal/config"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Setenv("ADM_JWT_SECRET", "router-test-secret-0123456789abcdef")
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Logging: config.LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: config.AuditConfig{
			Verification: config.VerificationConfig{
				DefaultLimit: 50,
				ChunkSize:    500,
			},
			Archive: config.ArchiveConfig{
				Backend: "local",
				Local:   config.LocalArchiveConfig{BasePath: t.TempDir()},
			},
		},
		Security: config.SecurityConfig{
			CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		},
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	router, bg := NewRouter(testConfig(t), db)
	t.Cleanup(bg.Shutdown)
	return router, mock
}

func bearerToken(t *testing.T, scopes []string) string {
	t.Helper()
	token, err := auth.GenerateJWT("user-1", "admin@example.com", scopes, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	return "Bearer " + token
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: body=%s", w.Code, w.Body.String())
	}
}

func TestReadyEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: body=%s", w.Code, w.Body.String())
	}
}

func TestVersionEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/version", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestActivityRoutes_RequireAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/activity", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestActivityRoutes_RequireScope(t *testing.T) {
	router, _ := newTestRouter(t)

	// A token without any activity scope can authenticate but not read.
	req := httptest.NewRequest("GET", "/api/v1/activity", nil)
	req.Header.Set("Authorization", bearerToken(t, []string{"something:else"}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403: body=%s", w.Code, w.Body.String())
	}
}

func TestVerifyRoute_ReadScopeInsufficient(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("POST", "/api/v1/activity/verify", nil)
	req.Header.Set("Authorization", bearerToken(t, []string{string(auth.ScopeActivityRead)}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403: body=%s", w.Code, w.Body.String())
	}
}

func TestMeEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", bearerToken(t, []string{string(auth.ScopeActivityRead)}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: body=%s", w.Code, w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest("OPTIONS", "/api/v1/activity", nil)
	req.Header.Set("Origin", "https://console.example.com")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
