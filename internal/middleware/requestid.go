package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type ctxKey string

// RequestIDKey is the context key the request ID travels under.
const RequestIDKey ctxKey = "request_id"

// RequestID tags every API request with an X-Request-ID so an ingest call
// can be correlated with the delivery, retry, and dead-letter log lines it
// produces. A client-supplied ID is kept (game backends send their own);
// otherwise a fresh UUID is minted. The ID is echoed on the response and
// stored in the request context for the logging and recovery wrappers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r.Header.Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDKey, id)))
	})
}

// GetRequestID returns the request ID stored by RequestID, or "" when the
// request never went through it.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
