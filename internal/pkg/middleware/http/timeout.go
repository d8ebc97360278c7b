package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const DefaultRequestTimeout = 10 * time.Second

// Timeout bounds the request context when the caller set no deadline. A
// non-positive d uses DefaultRequestTimeout.
func Timeout(d time.Duration) mux.MiddlewareFunc {
	if d <= 0 {
		d = DefaultRequestTimeout
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if _, ok := ctx.Deadline(); !ok {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
