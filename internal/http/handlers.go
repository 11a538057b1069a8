package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shortontech/fingerprintd/internal/detection"
	"github.com/shortontech/fingerprintd/internal/feature"
	"github.com/shortontech/fingerprintd/internal/metrics"
	"github.com/shortontech/fingerprintd/internal/resolve"
	"github.com/shortontech/fingerprintd/internal/store"
	cfg "github.com/shortontech/fingerprintd/pkg/config"
)

// HMACHeader carries the hex HMAC-SHA256 of the request body.
const HMACHeader = "X-Fingerprint-HMAC"

const defaultCookieMaxAge = 365 * 24 * time.Hour

// Resolver is the resolution service as seen by the transport.
type Resolver interface {
	Resolve(ctx context.Context, req resolve.Request) (resolve.Result, error)
}

// Pinger reports whether the identity store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Env struct {
	Cfg      cfg.Config
	Resolver Resolver
	Store    Pinger
	Metrics  *metrics.Metrics
	HMACAuth *HMACAuth // nil disables payload signing
	Logger   *zap.Logger
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz is ready once the identity store answers a ping.
func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := e.Store.Ping(ctx); err != nil {
			e.logger().Warn("readiness check failed", zap.Error(err))
			http.Error(w, "identity store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (e Env) HMACPublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if e.HMACAuth == nil {
		http.Error(w, "HMAC authentication not configured", http.StatusNotFound)
		return
	}
	publicKey := e.HMACAuth.GetPublicKeyBase64()
	if publicKey == "" {
		http.Error(w, "HMAC public key not available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"public_key":     publicKey,
		"algorithm":      "HMAC-SHA256",
		"key_derivation": ClientKeyDerivation,
		"header":         HMACHeader,
	})
}

// Analyze handles POST /analyze: it resolves one collector submission to a visitor identity.
func (e Env) Analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.Cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	clientIP := detection.ClientIP(r, e.Cfg.TrustProxy)
	if e.HMACAuth != nil && !e.HMACAuth.VerifyHMAC(r.Header.Get(HMACHeader), clientIP, body) {
		http.Error(w, "invalid or missing HMAC signature", http.StatusUnauthorized)
		return
	}

	sub, err := feature.DecodeSubmission(body)
	if err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	req := resolve.Request{
		Submission: sub,
		Headers:    r.Header,
		ClientIP:   clientIP,
	}
	if c, err := r.Cookie(e.cookieName()); err == nil {
		req.CookieID = c.Value
	}

	res, err := e.Resolver.Resolve(r.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			http.Error(w, "identity store unavailable", http.StatusServiceUnavailable)
			return
		}
		e.logger().Error("resolution failed", zap.Error(err))
		http.Error(w, "resolution failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, e.identityCookie(res.ResolvedID))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(res.Response())
}

func (e Env) cookieName() string {
	if e.Cfg.CookieName == "" {
		return "fingerprint_user_id"
	}
	return e.Cfg.CookieName
}

// identityCookie carries the resolved identity into the visitor's next request.
func (e Env) identityCookie(identity string) *http.Cookie {
	maxAge := e.Cfg.CookieMaxAge
	if maxAge <= 0 {
		maxAge = defaultCookieMaxAge
	}
	return &http.Cookie{
		Name:     e.cookieName(),
		Value:    identity,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   e.Cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
