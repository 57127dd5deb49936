package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"
)

var corsHandler = cors.Handler(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	AllowedHeaders: []string{"*"},
	MaxAge:         300,
})

// HandleWithCORS allows browser tooling served from any origin to call h.
func HandleWithCORS(h http.Handler) http.Handler {
	return corsHandler(h)
}

// HandleWithRateLimit responds with 429 once h is called more than once per
// interval, after an initial burst.
func HandleWithRateLimit(h http.Handler, interval time.Duration, burst int) http.Handler {
	limiter := rate.NewLimiter(rate.Every(interval), burst)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logs.WithTag("path", r.URL.Path).
				WithTag("remote_addr", r.RemoteAddr).
				Debug("request rate limited")

			w.Header().Set("Retry-After", retryAfter(interval))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func retryAfter(interval time.Duration) string {
	seconds := int(interval.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
