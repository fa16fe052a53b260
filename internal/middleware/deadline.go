package middleware

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dskow/relay-core/internal/apierror"
)

// Deadline bounds how long one ingest request may hold an HTTP worker.
// Delivery retries and breaker waits happen inside the handler, so without
// a ceiling a broker outage would pin request goroutines for the full
// retry schedule. When the deadline fires first, the client gets a 504 and
// the handler keeps running to completion with a cancelled context (the
// pipeline dead-letters the message on its own). Zero disables the wrapper.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			ow := &onceWriter{ResponseWriter: w}
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				next.ServeHTTP(ow, r.WithContext(ctx))
			}()

			select {
			case <-finished:
			case <-ctx.Done():
				if ow.claim() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout,
						apierror.DeadlineExceeded, "request deadline exceeded before delivery completed")
				}
				<-finished
			}
		})
	}
}

// onceWriter lets exactly one side own the response: the handler goroutine
// or the timeout path. Once the 504 has been sent, late handler writes are
// swallowed so they cannot append bytes to it.
type onceWriter struct {
	http.ResponseWriter
	owner atomic.Int32 // 0 unclaimed, 1 handler, 2 timeout
}

const (
	ownerHandler int32 = 1
	ownerTimeout int32 = 2
)

// claim is called by the timeout path; it wins only if the handler has not
// written anything yet.
func (ow *onceWriter) claim() bool {
	return ow.owner.CompareAndSwap(0, ownerTimeout)
}

func (ow *onceWriter) handlerOwns() bool {
	ow.owner.CompareAndSwap(0, ownerHandler)
	return ow.owner.Load() == ownerHandler
}

func (ow *onceWriter) WriteHeader(code int) {
	if ow.handlerOwns() {
		ow.ResponseWriter.WriteHeader(code)
	}
}

func (ow *onceWriter) Write(b []byte) (int, error) {
	if ow.handlerOwns() {
		return ow.ResponseWriter.Write(b)
	}
	return len(b), nil
}
