package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/relay-core/internal/apierror"
)

// Recovery keeps a panicking handler from taking down the relay process.
// A panic in one ingest request must not drop every connected game client,
// so it is logged with its stack and answered with a 500.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				logger.Error("panic in request handler",
					"value", v,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
					"stack", string(debug.Stack()),
				)
				apierror.WriteJSON(w, r, http.StatusInternalServerError,
					apierror.InternalError, "an unexpected error occurred")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
