package middleware

import (
	"bytes"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLogging_AccessLineFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"outcome":"delivered"}`))
	}))

	req := httptest.NewRequest("POST", "/publish", strings.NewReader(`{"channel":"game.events"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	line := buf.String()
	for _, want := range []string{
		`"method":"POST"`,
		`"path":"/publish"`,
		`"status":202`,
		`"bytes":23`,
		`"latency_ms"`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("access line missing %s: %s", want, line)
		}
	}
}

func TestLogging_MutedPathEmitsNothing(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	quiet := func(path string) slog.Level {
		if path == "/status" {
			return LogLevelNone
		}
		return slog.LevelInfo
	}
	handler := Logging(logger, quiet, nil)(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	if buf.Len() != 0 {
		t.Fatalf("muted path produced a log line: %s", buf.String())
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/publish", nil))
	if buf.Len() == 0 {
		t.Fatal("unmuted path produced no log line")
	}
}

func TestLogging_PayloadCaptureLeavesBodyIntact(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	handler := Logging(logger, nil, &LoggingConfig{BodyLogging: true, MaxBodyLogBytes: 64})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			seen = string(b)
			w.WriteHeader(http.StatusAccepted)
		}))

	body := `{"channel":"game.events","payload":{"tick":7}}`
	req := httptest.NewRequest("POST", "/publish", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != body {
		t.Fatalf("handler saw a mangled body: %q", seen)
	}
	if !strings.Contains(buf.String(), "game.events") {
		t.Fatalf("payload not captured in log: %s", buf.String())
	}
}

func TestLogging_PayloadTruncatedAndRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger, nil, &LoggingConfig{BodyLogging: true, MaxBodyLogBytes: 40})(okHandler())

	body := `{"token":"s3cret-value","filler":"` + strings.Repeat("x", 100) + `"}`
	req := httptest.NewRequest("POST", "/publish", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	if strings.Contains(line, "s3cret-value") {
		t.Fatalf("credential value leaked into log: %s", line)
	}
	if !strings.Contains(line, "truncated") {
		t.Fatalf("oversized payload not truncated: %s", line)
	}
}

func TestRedactPayload(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"token":"abc"}`, `{"token":"***"}`},
		{`{"Password": "p\"w"}`, `{"Password": "***"}`},
		{`{"api_key":"k","channel":"c"}`, `{"api_key":"***","channel":"c"}`},
		{`{"channel":"game.events"}`, `{"channel":"game.events"}`},
	}
	for _, tt := range tests {
		if got := redactPayload(tt.in); got != tt.want {
			t.Errorf("redactPayload(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCORS_BrowserClientHeaders(t *testing.T) {
	handler := CORS(DefaultCORSConfig())(okHandler())

	req := httptest.NewRequest("POST", "/publish", nil)
	req.Header.Set("Origin", "https://game.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected wildcard Access-Control-Allow-Origin")
	}
	methods := rec.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(methods, "POST") || strings.Contains(methods, "DELETE") {
		t.Errorf("unexpected allowed methods for the relay surface: %q", methods)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Error("bearer tokens must be allowed cross-origin")
	}
}

func TestCORS_NonBrowserClientUntouched(t *testing.T) {
	handler := CORS(DefaultCORSConfig())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/publish", nil))
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers must not be set without an Origin header")
	}
}

func TestCORS_Preflight(t *testing.T) {
	handler := CORS(DefaultCORSConfig())(okHandler())

	req := httptest.NewRequest("OPTIONS", "/publish", nil)
	req.Header.Set("Origin", "https://game.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rec.Code)
	}
}

func TestCORS_PinnedOrigin(t *testing.T) {
	cfg := CORSConfig{
		AllowedOrigins: []string{"https://game.example.com"},
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"Authorization"},
		MaxAge:         "3600",
	}
	handler := CORS(cfg)(okHandler())

	req := httptest.NewRequest("POST", "/publish", nil)
	req.Header.Set("Origin", "https://game.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://game.example.com" {
		t.Errorf("expected pinned origin, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "3600" {
		t.Errorf("expected max-age 3600, got %q", got)
	}
}

func TestRecovery_PanicBecomesInternalError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil session")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/publish", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "RELAY_INTERNAL_ERROR") {
		t.Errorf("expected relay error code in body: %s", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "panic in request handler") || !strings.Contains(buf.String(), "nil session") {
		t.Errorf("panic not logged with its value: %s", buf.String())
	}
}

func TestRecovery_PassThrough(t *testing.T) {
	handler := Recovery(slog.Default())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestBodyLimit_SmallEventPasses(t *testing.T) {
	handler := BodyLimit(1024)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest("POST", "/publish", strings.NewReader(`{"channel":"c","payload":{}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202 for small payload, got %d", rec.Code)
	}
}

func TestBodyLimit_DeclaredOversizeRejectedEarly(t *testing.T) {
	var handlerRan bool
	handler := BodyLimit(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
	}))

	req := httptest.NewRequest("POST", "/publish", strings.NewReader(strings.Repeat("a", 200)))
	req.ContentLength = 200
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if handlerRan {
		t.Fatal("oversize payload must not reach the handler")
	}
	if !strings.Contains(rec.Body.String(), "RELAY_BODY_TOO_LARGE") {
		t.Errorf("expected relay error code in body: %s", rec.Body.String())
	}
}

func TestBodyLimit_CapsUndeclaredStream(t *testing.T) {
	handler := BodyLimit(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest("POST", "/publish", strings.NewReader(strings.Repeat("a", 200)))
	req.ContentLength = -1 // chunked
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 once the reader hit the cap, got %d", rec.Code)
	}
}

func TestSecurityHeaders_JSONAPIHardening(t *testing.T) {
	handler := SecurityHeaders()(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected nosniff")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected frame denial")
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS must not be set on plain HTTP")
	}
}

func TestSecurityHeaders_HSTSOverTLS(t *testing.T) {
	handler := SecurityHeaders()(okHandler())

	req := httptest.NewRequest("GET", "/status", nil)
	req.TLS = &tls.ConnectionState{}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !strings.Contains(rec.Header().Get("Strict-Transport-Security"), "max-age=") {
		t.Errorf("expected HSTS over TLS, got %q", rec.Header().Get("Strict-Transport-Security"))
	}
}

func TestSecurityHeaders_HSTSBehindTLSProxy(t *testing.T) {
	handler := SecurityHeaders()(okHandler())

	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS when the TLS terminator forwards https")
	}
}
