package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shortontech/fingerprintd/internal/event"
	"github.com/shortontech/fingerprintd/internal/feature"
	"github.com/shortontech/fingerprintd/internal/metrics"
	"github.com/shortontech/fingerprintd/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) emit(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	events  *recorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, tables *feature.Tables) *fixture {
	t.Helper()
	if tables == nil {
		tables = feature.DefaultTables()
	}
	f := &fixture{
		store:   store.NewMemoryStore(),
		events:  &recorder{},
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}
	var n int
	f.svc = NewService(Deps{
		Tables:  tables,
		Store:   f.store,
		Emit:    f.events.emit,
		Metrics: f.metrics,
		NewID: func() string {
			n++
			return fmt.Sprintf("minted-%d", n)
		},
		Now: func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) },
	})
	return f
}

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html")
	h.Set("Accept-Language", "zh-TW")
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)")
	return h
}

func request(stable feature.Set, cookie string) Request {
	return Request{
		Submission: feature.Submission{Stable: stable, Unstable: feature.Set{}, Noise: feature.NoiseReport{}},
		Headers:    browserHeaders(),
		ClientIP:   "203.0.113.7",
		CookieID:   cookie,
	}
}

func mustResolve(t *testing.T, svc *Service, req Request) Result {
	t.Helper()
	res, err := svc.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return res
}

// weighted returns tables that score only the given keys.
func weighted(w map[string]int) *feature.Tables {
	t := feature.DefaultTables()
	t.Weights = map[string]int{feature.IPAddress: 0, feature.HTTPHeaders: 0}
	for k, v := range w {
		t.Weights[k] = v
	}
	return t
}

func TestResolveNewVisitor(t *testing.T) {
	t.Run("mints an identity without cookie", func(t *testing.T) {
		f := newFixture(t, nil)
		res := mustResolve(t, f.svc, request(feature.Set{feature.UserAgent: "ua"}, ""))

		if res.MatchStatus != StatusNewUser || res.Match != nil {
			t.Errorf("status = %s match = %+v", res.MatchStatus, res.Match)
		}
		if res.VisitorID != "minted-1" || res.ResolvedID != "minted-1" {
			t.Errorf("ids = %s / %s", res.VisitorID, res.ResolvedID)
		}
		obs := f.store.Observations()
		if len(obs) != 1 || obs[0].Identity != "minted-1" {
			t.Fatalf("observations = %+v", obs)
		}
		if obs[0].Stable[feature.IPAddress] != "203.0.113.7" {
			t.Errorf("stored IP = %v", obs[0].Stable[feature.IPAddress])
		}
		if _, ok := obs[0].Stable[feature.HTTPHeaders].(string); !ok {
			t.Error("header fingerprint not stored")
		}
	})

	t.Run("keeps the cookie identity", func(t *testing.T) {
		f := newFixture(t, nil)
		res := mustResolve(t, f.svc, request(feature.Set{feature.UserAgent: "ua"}, "cookie-id"))
		if res.ResolvedID != "cookie-id" || res.VisitorID != "cookie-id" {
			t.Errorf("ids = %s / %s, want cookie-id", res.VisitorID, res.ResolvedID)
		}
	})
}

func TestResolveReturningVisitor(t *testing.T) {
	f := newFixture(t, nil)
	stable := feature.Set{feature.UserAgent: "ua", feature.CanvasFingerprint: "c1", "色彩深度": 24.0}

	first := mustResolve(t, f.svc, request(stable.Clone(), "cookie-a"))
	second := mustResolve(t, f.svc, request(stable.Clone(), "cookie-b"))

	if first.MatchStatus != StatusNewUser {
		t.Errorf("first status = %s", first.MatchStatus)
	}
	if second.MatchStatus != StatusMatchFound {
		t.Fatalf("second status = %s", second.MatchStatus)
	}
	if second.Match.MatchedID != "cookie-a" || second.Match.Score != 100 {
		t.Errorf("match = %+v", second.Match)
	}
	if second.ResolvedID != "cookie-a" || second.VisitorID != "cookie-b" {
		t.Errorf("ids = visitor %s resolved %s", second.VisitorID, second.ResolvedID)
	}
	obs := f.store.Observations()
	if len(obs) != 2 || obs[0].Identity != "cookie-a" || obs[1].Identity != "cookie-a" {
		t.Errorf("observations = %+v", obs)
	}
	for _, c := range second.Match.Comparison {
		if !c.Match {
			t.Errorf("unexpected mismatch %+v", c)
		}
	}
}

func TestResolveThresholdBoundary(t *testing.T) {
	tests := []struct {
		name       string
		weights    map[string]int
		wantStatus string
		wantScore  float64
	}{
		{"exactly 90 matches", map[string]int{"a": 9, "b": 1}, StatusMatchFound, 90},
		{"just below 90 does not", map[string]int{"a": 89999, "b": 10001}, StatusNewUser, 89.999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, weighted(tt.weights))
			mustResolve(t, f.svc, request(feature.Set{"a": "same", "b": "old"}, "stored"))
			res := mustResolve(t, f.svc, request(feature.Set{"a": "same", "b": "new"}, "visitor"))

			if res.MatchStatus != tt.wantStatus {
				t.Errorf("status = %s, want %s", res.MatchStatus, tt.wantStatus)
			}
			if res.BestScore != tt.wantScore {
				t.Errorf("score = %v, want %v", res.BestScore, tt.wantScore)
			}
			wantID := "visitor"
			if tt.wantStatus == StatusMatchFound {
				wantID = "stored"
			}
			if res.ResolvedID != wantID {
				t.Errorf("resolved = %s, want %s", res.ResolvedID, wantID)
			}
		})
	}
}

func TestResolveTieKeepsFirstScanned(t *testing.T) {
	tables := weighted(map[string]int{"a": 1})
	f := newFixture(t, tables)
	mustResolve(t, f.svc, request(feature.Set{"a": "x", "z": "1"}, "older"))
	mustResolve(t, f.svc, request(feature.Set{"a": "y"}, "unrelated"))
	mustResolve(t, f.svc, request(feature.Set{"a": "x", "z": "2"}, "newer"))

	// "older" and "newer" both score 50 against this submission.
	tables.MatchThreshold = 50
	res := mustResolve(t, f.svc, request(feature.Set{"a": "x"}, "visitor"))

	if res.Candidates != 3 {
		t.Errorf("candidates = %d, want 3", res.Candidates)
	}
	if res.MatchStatus != StatusMatchFound {
		t.Fatalf("status = %s, score %v", res.MatchStatus, res.BestScore)
	}
	if res.Match.MatchedID != "older" || res.Match.Score != 50 {
		t.Errorf("match = %s (%v), want older (50)", res.Match.MatchedID, res.Match.Score)
	}
}

func TestResolveOverwritesServerFeatures(t *testing.T) {
	f := newFixture(t, nil)
	mustResolve(t, f.svc, request(feature.Set{
		feature.IPAddress:   "10.0.0.1",
		feature.HTTPHeaders: "forged",
	}, ""))

	stored := f.store.Observations()[0].Stable
	if stored[feature.IPAddress] != "203.0.113.7" {
		t.Errorf("IP = %v, client value must be overwritten", stored[feature.IPAddress])
	}
	if stored[feature.HTTPHeaders] == "forged" {
		t.Error("header fingerprint must be derived server-side")
	}
}

func TestResolveRelocatesUnstableKeys(t *testing.T) {
	tables := feature.DefaultTables()
	if len(tables.UnstableKeys) == 0 {
		t.Skip("no unstable keys configured")
	}
	key := tables.UnstableKeys[0]

	f := newFixture(t, tables)
	req := request(feature.Set{key: "in-stable", feature.UserAgent: "ua"}, "")
	mustResolve(t, f.svc, req)

	obs := f.store.Observations()[0]
	if _, ok := obs.Stable[key]; ok {
		t.Errorf("%s left in the stable set", key)
	}
	if obs.Unstable[key] != "in-stable" {
		t.Errorf("unstable[%s] = %v", key, obs.Unstable[key])
	}
	if _, ok := req.Submission.Stable[key]; !ok {
		t.Error("caller's submission must not be mutated")
	}
}

func TestResolveTampering(t *testing.T) {
	f := newFixture(t, nil)
	res := mustResolve(t, f.svc, request(feature.Set{
		feature.UserAgent:        "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)",
		feature.ScreenResolution: "3840x2160",
	}, ""))

	if !res.Tampering() {
		t.Fatal("expected tampering")
	}
	if res.TrustAdjustments[feature.UserAgent] != -8 || res.TrustAdjustments[feature.ScreenResolution] != -8 {
		t.Errorf("adjustments = %v", res.TrustAdjustments)
	}
	resp := res.Response()
	if !resp.TamperingDetected || resp.TrustAdjustments[feature.UserAgent] != -8 {
		t.Errorf("response = %+v", resp)
	}
	if got := testutil.ToFloat64(f.metrics.Tampering); got != 1 {
		t.Errorf("tampering metric = %v", got)
	}
}

func TestResolveNoiseSuppressionUsesCandidateHistory(t *testing.T) {
	f := newFixture(t, nil)
	first := request(feature.Set{feature.CanvasFingerprint: "c1", feature.UserAgent: "ua"}, "noisy")
	first.Submission.Noise = feature.NoiseReport{feature.ProbeCanvas: true}
	mustResolve(t, f.svc, first)

	res := mustResolve(t, f.svc, request(feature.Set{feature.CanvasFingerprint: "c2", feature.UserAgent: "ua"}, "visitor"))
	if res.MatchStatus != StatusMatchFound || res.BestScore != 100 {
		t.Errorf("status = %s score = %v, want canvas ignored", res.MatchStatus, res.BestScore)
	}
	for _, c := range res.Match.Comparison {
		if c.Key == feature.CanvasFingerprint {
			t.Error("suppressed feature listed in comparison table")
		}
	}
}

func TestResolveEmitsAuditEvent(t *testing.T) {
	f := newFixture(t, nil)
	stable := feature.Set{feature.UserAgent: "ua"}
	mustResolve(t, f.svc, request(stable.Clone(), "a"))
	mustResolve(t, f.svc, request(stable.Clone(), "b"))

	events := f.events.all()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	e := events[1]
	if e.Type != event.TypeResolution || e.EventID == "" || e.TS != "2024-05-01T00:00:00Z" {
		t.Errorf("envelope = %+v", e)
	}
	if e.VisitorID != "b" || e.ResolvedID != "a" || e.MatchedID != "a" || e.MatchStatus != StatusMatchFound {
		t.Errorf("ids = %+v", e)
	}
	if e.Candidates != 1 || e.Score != 100 {
		t.Errorf("candidates = %d score = %v", e.Candidates, e.Score)
	}
	if e.Client.IP != "203.0.113.7" || e.Client.HeaderAnalysis == nil {
		t.Errorf("client = %+v", e.Client)
	}
	if got := testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues(StatusMatchFound)); got != 1 {
		t.Errorf("MATCH_FOUND metric = %v", got)
	}
}

func TestResolveStoreFailures(t *testing.T) {
	boom := errors.New("connection refused")
	for _, op := range []string{store.OpAcquire, store.OpLatest, store.OpAppend} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t, nil)
			f.store.FailOn(op, boom)

			_, err := f.svc.Resolve(context.Background(), request(feature.Set{"k": "v"}, "c"))
			if !errors.Is(err, store.ErrUnavailable) {
				t.Fatalf("error = %v, want ErrUnavailable", err)
			}
			if n := f.store.OpenHandles(); n != 0 {
				t.Errorf("leaked %d handles", n)
			}
			if n := len(f.store.Observations()); n != 0 {
				t.Errorf("observations = %d, want none", n)
			}
			if n := len(f.events.all()); n != 0 {
				t.Errorf("events = %d, want none for a failed resolution", n)
			}
			if got := testutil.ToFloat64(f.metrics.StoreErrors.WithLabelValues(op)); got != 1 {
				t.Errorf("store error metric = %v", got)
			}
		})
	}
}

func TestResolveConcurrent(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request(feature.Set{feature.UserAgent: fmt.Sprintf("ua-%d", i%4)}, fmt.Sprintf("c-%d", i))
			if _, err := f.svc.Resolve(context.Background(), req); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if n := len(f.store.Observations()); n != 32 {
		t.Errorf("observations = %d, want 32", n)
	}
	if n := f.store.OpenHandles(); n != 0 {
		t.Errorf("leaked %d handles", n)
	}
}

func TestResponseDefaults(t *testing.T) {
	resp := Result{VisitorID: "v", MatchStatus: StatusNewUser}.Response()
	if resp.TrustAdjustments == nil || resp.NoiseReport == nil {
		t.Error("response maps must encode as {} rather than null")
	}
	if resp.MatchDetails != nil || resp.TamperingDetected {
		t.Errorf("response = %+v", resp)
	}
}
