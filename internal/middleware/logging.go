// Package middleware wraps the relay's ingest and status API with request
// logging, tracing, panic recovery, deadlines, and size caps. The WebSocket
// endpoints are wired outside this chain: the response wrappers here do not
// implement http.Hijacker, which the upgrade needs.
package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// LogLevelNone suppresses the request log line entirely. It sits above every
// real slog level, so logger.Enabled never passes for it.
const LogLevelNone slog.Level = slog.LevelError + 100

// ParseLogLevel maps a config string to a slog.Level, defaulting to Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return LogLevelNone
	default:
		return slog.LevelInfo
	}
}

// LoggingConfig opts the request log into capturing ingest payloads.
type LoggingConfig struct {
	BodyLogging     bool
	MaxBodyLogBytes int
}

// responseTrace records what the handler sent so the access line can carry
// status and size.
type responseTrace struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rt *responseTrace) WriteHeader(code int) {
	rt.status = code
	rt.ResponseWriter.WriteHeader(code)
}

func (rt *responseTrace) Write(b []byte) (int, error) {
	n, err := rt.ResponseWriter.Write(b)
	rt.bytes += n
	return n, err
}

// Logging emits one structured line per API request: method, path, status,
// response size, latency, client, and request ID. pathLogLevel picks the
// level per path (nil means Info everywhere); returning LogLevelNone mutes
// a path, which the status poller usually gets. When payload capture is on,
// the ingest body is logged too, truncated and with credential-shaped JSON
// fields masked.
func Logging(logger *slog.Logger, pathLogLevel func(string) slog.Level, bodyConfig *LoggingConfig) func(http.Handler) http.Handler {
	if pathLogLevel == nil {
		pathLogLevel = func(string) slog.Level { return slog.LevelInfo }
	}
	capturePayload := bodyConfig != nil && bodyConfig.BodyLogging
	maxPayload := 4096
	if bodyConfig != nil && bodyConfig.MaxBodyLogBytes > 0 {
		maxPayload = bodyConfig.MaxBodyLogBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level := pathLogLevel(r.URL.Path)
			if level == LogLevelNone {
				next.ServeHTTP(w, r)
				return
			}

			var payload string
			if capturePayload && r.Body != nil && isTextual(r.Header.Get("Content-Type")) {
				payload = drainPayload(r, maxPayload)
			}

			start := time.Now()
			trace := &responseTrace{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(trace, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", trace.status,
				"bytes", trace.bytes,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			if payload != "" {
				attrs = append(attrs, "payload", payload)
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") ||
		strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "form-urlencoded")
}

// drainPayload reads up to max bytes of the body for the log line and
// splices the consumed bytes back so the ingest handler still sees the
// whole stream.
func drainPayload(r *http.Request, max int) string {
	head, _ := io.ReadAll(io.LimitReader(r.Body, int64(max)+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(strings.NewReader(string(head)), r.Body), r.Body}

	s := string(head)
	if len(head) > max {
		s = s[:max] + "...[truncated]"
	}
	return redactPayload(s)
}

// redactPayload masks the values of credential-shaped JSON fields before
// they reach the log. Escaped quotes inside the value are handled.
var redactRe = regexp.MustCompile(`(?i)("(?:password|passwd|secret|token|api[_-]?key|authorization)"\s*:\s*)"(?:[^"\\]|\\.)*"`)

func redactPayload(s string) string {
	return redactRe.ReplaceAllString(s, `$1"***"`)
}
