// Package resolve decides which identity a visitor's submission belongs to.
//
// A resolution moves through RECEIVED, SCORED, DECIDED and PERSISTED. It either
// reaches PERSISTED or fails as a whole; no identity is handed out for a
// resolution that was not written to the store.
package resolve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shortontech/fingerprintd/internal/detection"
	"github.com/shortontech/fingerprintd/internal/event"
	"github.com/shortontech/fingerprintd/internal/feature"
	"github.com/shortontech/fingerprintd/internal/metrics"
	"github.com/shortontech/fingerprintd/internal/scoring"
	"github.com/shortontech/fingerprintd/internal/store"
)

// Match statuses.
const (
	StatusMatchFound = "MATCH_FOUND"
	StatusNewUser    = "NEW_USER"
)

// Deps wires a Service. Tables and Store are required.
type Deps struct {
	Tables   *feature.Tables
	Store    store.Store
	Detector *detection.Engine
	Scorer   *scoring.Engine
	// Emit receives the audit event of every persisted resolution.
	Emit    func(event.Event)
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// NewID mints identities; uuid.NewString when nil.
	NewID func() string
	Now   func() time.Time
}

// Service runs resolutions. It holds no per-request state and is safe for
// concurrent use.
type Service struct {
	tables   *feature.Tables
	store    store.Store
	detector *detection.Engine
	scorer   *scoring.Engine
	emit     func(event.Event)
	metrics  *metrics.Metrics
	logger   *zap.Logger
	newID    func() string
	now      func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		tables:   d.Tables,
		store:    d.Store,
		detector: d.Detector,
		scorer:   d.Scorer,
		emit:     d.Emit,
		metrics:  d.Metrics,
		logger:   d.Logger,
		newID:    d.NewID,
		now:      d.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.detector == nil {
		s.detector = detection.NewEngine(s.tables, s.logger)
	}
	if s.scorer == nil {
		s.scorer = scoring.NewEngine(s.tables)
	}
	if s.emit == nil {
		s.emit = func(event.Event) {}
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Request is one submission plus the request metadata the server trusts.
type Request struct {
	Submission feature.Submission
	Headers    http.Header
	ClientIP   string
	// CookieID is the identity carried by the visitor's cookie, if any.
	CookieID string
}

// MatchDetails describes the identity a visitor was merged into.
type MatchDetails struct {
	MatchedID  string               `json:"matched_uuid"`
	Score      float64              `json:"score"`
	Comparison []scoring.Comparison `json:"comparison_table"`
}

// Result is the outcome of a persisted resolution.
type Result struct {
	// VisitorID is the session identity: the cookie value, or a fresh one.
	VisitorID string
	// ResolvedID is the identity the observation was stored under and the
	// value the visitor's cookie must carry from now on.
	ResolvedID       string
	MatchStatus      string
	Match            *MatchDetails
	TrustAdjustments detection.Adjustments
	Findings         []detection.Finding
	Noise            feature.NoiseReport
	// BestScore is the highest score against any candidate, matched or not.
	BestScore  float64
	Candidates int
}

// Tampering reports whether any inconsistency rule reduced trust.
func (r Result) Tampering() bool { return len(r.TrustAdjustments) > 0 }

// Response is the JSON document returned to the collector.
type Response struct {
	YourUUID          string                `json:"your_uuid"`
	MatchStatus       string                `json:"match_status"`
	MatchDetails      *MatchDetails         `json:"match_details,omitempty"`
	TamperingDetected bool                  `json:"tampering_detected"`
	TrustAdjustments  detection.Adjustments `json:"trust_adjustments"`
	NoiseReport       feature.NoiseReport   `json:"noise_report"`
}

func (r Result) Response() Response {
	adj := r.TrustAdjustments
	if adj == nil {
		adj = detection.Adjustments{}
	}
	noise := r.Noise
	if noise == nil {
		noise = feature.NoiseReport{}
	}
	return Response{
		YourUUID:          r.VisitorID,
		MatchStatus:       r.MatchStatus,
		MatchDetails:      r.Match,
		TamperingDetected: r.Tampering(),
		TrustAdjustments:  adj,
		NoiseReport:       noise,
	}
}

// Resolve scores the submission against the newest observation of every known
// identity and appends it to the store under the decided identity.
func (s *Service) Resolve(ctx context.Context, req Request) (Result, error) {
	// RECEIVED
	stable, unstable := s.partition(req.Submission)
	stable[feature.IPAddress] = req.ClientIP
	stable[feature.HTTPHeaders] = detection.HeaderFingerprint(s.tables.HeaderAllowlist, req.Headers)
	noise := req.Submission.Noise
	if noise == nil {
		noise = feature.NoiseReport{}
	}

	report := s.detector.Analyze(stable)

	h, err := s.store.Acquire(ctx)
	if err != nil {
		return Result{}, s.storeFailure("acquire", err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			s.logger.Warn("release store handle", zap.Error(err))
		}
	}()

	// SCORED
	candidates, err := h.LatestPerIdentity(ctx)
	if err != nil {
		return Result{}, s.storeFailure("latest", err)
	}

	var (
		bestScore    float64
		bestIdentity string
		bestDetails  []scoring.Comparison
	)
	for i, c := range candidates {
		res := s.scorer.Compare(stable, c.Stable, c.Noise, report.Adjustments)
		if i == 0 || res.Score > bestScore {
			bestScore, bestIdentity, bestDetails = res.Score, c.Identity, res.Details
		}
	}

	// DECIDED
	visitorID := req.CookieID
	if visitorID == "" {
		visitorID = s.newID()
	}
	result := Result{
		VisitorID:        visitorID,
		ResolvedID:       visitorID,
		MatchStatus:      StatusNewUser,
		TrustAdjustments: report.Adjustments,
		Findings:         report.Findings,
		Noise:            noise,
		BestScore:        bestScore,
		Candidates:       len(candidates),
	}
	if len(candidates) > 0 && bestScore >= s.tables.MatchThreshold {
		result.ResolvedID = bestIdentity
		result.MatchStatus = StatusMatchFound
		result.Match = &MatchDetails{MatchedID: bestIdentity, Score: bestScore, Comparison: bestDetails}
	}

	// PERSISTED
	if err := h.Append(ctx, store.Observation{
		Identity: result.ResolvedID,
		Stable:   stable,
		Unstable: unstable,
		Noise:    noise,
	}); err != nil {
		return Result{}, s.storeFailure("append", err)
	}

	s.metrics.ObserveResolution(result.MatchStatus, bestScore, len(candidates), report.Adjustments)
	s.logger.Debug("visitor resolved",
		zap.String("visitor_id", result.VisitorID),
		zap.String("resolved_id", result.ResolvedID),
		zap.String("status", result.MatchStatus),
		zap.Float64("best_score", bestScore),
		zap.Int("candidates", len(candidates)),
	)
	s.emit(s.auditEvent(req, result))
	return result, nil
}

// partition copies the submitted sets, moving any unstable key found in the
// stable set over to the unstable one.
func (s *Service) partition(sub feature.Submission) (stable, unstable feature.Set) {
	stable = feature.Set{}
	unstable = sub.Unstable.Clone()
	for k, v := range sub.Stable {
		if s.tables.IsUnstable(k) {
			if _, ok := unstable[k]; !ok {
				unstable[k] = v
			}
			continue
		}
		stable[k] = v
	}
	return stable, unstable
}

func (s *Service) storeFailure(op string, err error) error {
	s.metrics.IncrementStoreErrors(op)
	s.logger.Error("identity store failure", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("resolve: %w", err)
}

func (s *Service) auditEvent(req Request, r Result) event.Event {
	headers := detection.AnalyzeHeaders(req.Headers)
	e := event.Event{
		Type:              event.TypeResolution,
		VisitorID:         r.VisitorID,
		ResolvedID:        r.ResolvedID,
		MatchStatus:       r.MatchStatus,
		Score:             r.BestScore,
		Candidates:        r.Candidates,
		TamperingDetected: r.Tampering(),
		TrustAdjustments:  r.TrustAdjustments,
		Findings:          r.Findings,
		Client: event.ClientInfo{
			IP:             req.ClientIP,
			UA:             req.Headers.Get("User-Agent"),
			HeaderAnalysis: &headers,
		},
	}
	if r.Match != nil {
		e.MatchedID = r.Match.MatchedID
	}
	event.Normalize(&e, s.now())
	return e
}
