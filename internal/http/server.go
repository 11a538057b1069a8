// Package httpx is the HTTP transport of fingerprintd.
package httpx

import (
	"net/http"
	"time"
)

func NewMux(e Env) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/analyze", e.Analyze)
	mux.HandleFunc("/healthz", e.Healthz)
	mux.HandleFunc("/readyz", e.Readyz)
	mux.HandleFunc("/hmac/public-key", e.HMACPublicKey)

	return RequestLogger(e.Logger)(MetricsMiddleware(e.Metrics)(cors(mux)))
}

// NewServer wraps handler with the listener timeouts used in production.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
