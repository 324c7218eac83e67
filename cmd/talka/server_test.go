package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/talka/historico/internal/cache"
	"github.com/talka/historico/internal/telemetry"
	"github.com/talka/historico/internal/ws"
	"github.com/talka/historico/pkg/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*server, *gin.Engine) {
	t.Helper()

	cfg := testConfig(t)
	cfg.CORSOrigins = "https://app.example.com"
	cfg.LoginRateLimit = "2-M"
	cfg.Locale = "en"

	database, err := openDatabase(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	srv := &server{
		cfg:     cfg,
		db:      database,
		cache:   cache.NewMemory(),
		hub:     ws.NewHub(),
		metrics: telemetry.New(),
	}
	router, err := srv.routes()
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	return srv, router
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, router := newTestServer(t)

	w := serve(router, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "ok" || body["database"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}

	srv.db.Close()
	w = serve(router, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after close = %d, want 503", w.Code)
	}
}

func TestLoginRateLimit(t *testing.T) {
	_, router := newTestServer(t)

	login := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/login", bytes.NewBufferString(`{"username":"x","password":"wrongpass"}`))
		req.Header.Set("Content-Type", "application/json")
		return serve(router, req)
	}

	for i := 0; i < 2; i++ {
		if w := login(); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i, w.Code)
		}
	}
	w := login()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "2" || w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected rate limit headers %v", w.Header())
	}
}

func TestInvalidLoginRateLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.LoginRateLimit = "lots"
	if _, err := srv.routes(); err == nil {
		t.Fatal("expected an error for a malformed rate")
	}
}

func TestCORS(t *testing.T) {
	_, router := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := serve(router, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest("OPTIONS", "/api/login", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = serve(router, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q for foreign origin", got)
	}
}

func TestRequestID(t *testing.T) {
	_, router := newTestServer(t)

	w := serve(router, httptest.NewRequest("GET", "/health", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing generated request id")
	}

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w = serve(router, req)
	if w.Header().Get("X-Request-ID") != "abc-123" {
		t.Fatalf("request id not propagated: %q", w.Header().Get("X-Request-ID"))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := newTestServer(t)

	serve(router, httptest.NewRequest("GET", "/health", nil))
	w := serve(router, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `talka_http_requests_total{method="GET",route="/health",status="200"} 1`) {
		t.Fatalf("request counter missing:\n%s", w.Body.String())
	}
}

func TestNotFoundAndProtectedRoutes(t *testing.T) {
	_, router := newTestServer(t)

	w := serve(router, httptest.NewRequest("GET", "/nope", nil))
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "not found") {
		t.Fatalf("unexpected 404 response %d %s", w.Code, w.Body.String())
	}

	for _, path := range []string{"/api/users", "/api/conversations?userId=1", "/ws"} {
		if w := serve(router, httptest.NewRequest("GET", path, nil)); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", path, w.Code)
		}
	}
}

func TestSplitOrigins(t *testing.T) {
	got := splitOrigins(" https://a.example , ,https://b.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("splitOrigins = %v", got)
	}
	if got := splitOrigins(""); len(got) != 0 {
		t.Fatalf("splitOrigins(empty) = %v", got)
	}
}

func TestSQLitePath(t *testing.T) {
	if got := sqlitePath("file:/data/talka.db?_busy_timeout=5000"); got != "/data/talka.db" {
		t.Fatalf("sqlitePath = %q", got)
	}
}

func TestRunServerRejectsDefaultSecretInProduction(t *testing.T) {
	cfg := testConfig(t)
	cfg.Environment = "production"
	cfg.JWTSecret = config.DefaultJWTSecret

	if err := runServer(context.Background(), cfg); !errors.Is(err, errDefaultJWTSecret) {
		t.Fatalf("expected errDefaultJWTSecret, got %v", err)
	}
	if _, err := os.Stat(cfg.DatabaseURL); !os.IsNotExist(err) {
		t.Errorf("database should not be opened, stat err = %v", err)
	}
}
