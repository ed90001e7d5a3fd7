package middleware

import (
	"net/http"
)

const (
	// DefaultMaxBodySize bounds JSON API request bodies.
	DefaultMaxBodySize int64 = 64 << 10

	// WebhookMaxBodySize bounds scraper webhook deliveries, which embed the
	// full run resource.
	WebhookMaxBodySize int64 = 1 << 20
)

// RequestSize wraps the body with http.MaxBytesReader. Handlers see a
// *http.MaxBytesError when they read past maxBytes and answer 413.
func RequestSize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// APIRequestSize limits request bodies for the JSON API.
func APIRequestSize() func(http.Handler) http.Handler {
	return RequestSize(DefaultMaxBodySize)
}

// WebhookRequestSize limits request bodies for webhook endpoints.
func WebhookRequestSize() func(http.Handler) http.Handler {
	return RequestSize(WebhookMaxBodySize)
}
