// Package metrics exposes Prometheus instrumentation for the resolution
// pipeline and serves it on a dedicated listener.
package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shortontech/fingerprintd/pkg/config"
)

// Metrics holds all the Prometheus metrics for fingerprintd. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Counters
	Resolutions      *prometheus.CounterVec
	Tampering        prometheus.Counter
	TrustAdjustments *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	EventsEmitted    *prometheus.CounterVec
	SinkErrors       *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec

	// Histograms
	MatchScore        prometheus.Histogram
	CandidatesScanned prometheus.Histogram
	HTTPDuration      *prometheus.HistogramVec
}

// NewMetrics creates the fingerprintd metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingerprintd_resolutions_total",
				Help: "Completed resolutions by match status",
			},
			[]string{"status"},
		),
		Tampering: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fingerprintd_tampering_detected_total",
			Help: "Submissions for which at least one inconsistency rule fired",
		}),
		TrustAdjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingerprintd_trust_adjustments_total",
				Help: "Trust penalties applied, by feature",
			},
			[]string{"feature"},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingerprintd_store_errors_total",
				Help: "Identity store failures by operation",
			},
			[]string{"op"},
		),
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingerprintd_events_emitted_total",
				Help: "Audit events accepted by a sink",
			},
			[]string{"sink"},
		),
		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingerprintd_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink", "error_type"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingerprintd_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		MatchScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fingerprintd_match_score",
			Help:    "Best similarity score per resolution",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 85, 90, 95, 100},
		}),
		CandidatesScanned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fingerprintd_candidates_scanned",
			Help:    "Stored identities compared per resolution",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fingerprintd_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}

	reg.MustRegister(
		m.Resolutions,
		m.Tampering,
		m.TrustAdjustments,
		m.StoreErrors,
		m.EventsEmitted,
		m.SinkErrors,
		m.HTTPRequests,
		m.MatchScore,
		m.CandidatesScanned,
		m.HTTPDuration,
	)
	return m
}

// ObserveResolution records the outcome of one resolution.
func (m *Metrics) ObserveResolution(status string, score float64, candidates int, adjustments map[string]int) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(status).Inc()
	m.CandidatesScanned.Observe(float64(candidates))
	if candidates > 0 {
		m.MatchScore.Observe(score)
	}
	if len(adjustments) > 0 {
		m.Tampering.Inc()
	}
	for f := range adjustments {
		m.TrustAdjustments.WithLabelValues(f).Inc()
	}
}

func (m *Metrics) IncrementStoreErrors(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncrementEventsEmitted(sink string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config config.MetricsConfig
	logger *zap.Logger
	ln     net.Listener
}

// NewServer builds the metrics listener. TLS is used when both a certificate
// and key are configured; a client CA additionally requires client certificates.
func NewServer(cfg config.MetricsConfig, gatherer prometheus.Gatherer, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.ClientCA != "" {
			pool, err := loadCertPool(cfg.ClientCA)
			if err != nil {
				return nil, fmt.Errorf("metrics: %w", err)
			}
			tlsConfig.ClientCAs = pool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
		srv.TLSConfig = tlsConfig
	}

	return &Server{server: srv, config: cfg, logger: logger}, nil
}

func (s *Server) tlsEnabled() bool {
	return s.config.TLSCert != "" && s.config.TLSKey != ""
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("metrics server disabled")
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", s.config.Addr, err)
	}
	s.ln = ln
	s.logger.Info("metrics server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.tlsEnabled()),
		zap.Bool("mtls", s.tlsEnabled() && s.config.ClientCA != ""),
	)

	go func() {
		var err error
		if s.tlsEnabled() {
			err = s.server.ServeTLS(ln, s.config.TLSCert, s.config.TLSKey)
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound listener address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	s.logger.Info("shutting down metrics server")
	return s.server.Shutdown(ctx)
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}
