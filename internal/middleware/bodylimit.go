package middleware

import (
	"net/http"

	"github.com/dskow/relay-core/internal/apierror"
)

// BodyLimit caps request body size. Game event payloads are small; anything
// past maxBytes is either a misbehaving client or a flood, so the request is
// refused with 413 and the relay's BodyTooLarge error code.
//
// A declared Content-Length over the cap is rejected before any body bytes
// are read. Chunked uploads are capped by http.MaxBytesReader, which makes
// the ingest handler's json.Decode fail partway through.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge,
					apierror.BodyTooLarge, "event payload exceeds the configured size cap")
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
