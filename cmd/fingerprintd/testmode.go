package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/shortontech/fingerprintd/internal/feature"
	"github.com/shortontech/fingerprintd/internal/resolve"
	"github.com/shortontech/fingerprintd/internal/store"
)

// resolver is the part of resolve.Service test mode drives.
type resolver interface {
	Resolve(ctx context.Context, req resolve.Request) (resolve.Result, error)
}

type syntheticVisit struct {
	name string
	req  resolve.Request
}

const (
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	iphoneUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
)

func syntheticHeaders(ua string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	return h
}

func desktopSubmission() feature.Submission {
	return feature.Submission{
		Stable: feature.Set{
			feature.UserAgent:         desktopUA,
			feature.ScreenResolution:  "1920x1080",
			feature.CanvasFingerprint: "c4nv4s-desktop",
			feature.AudioFingerprint:  "124.04347527516074",
			feature.FontFingerprint:   "Arial,Calibri,Segoe UI,Tahoma",
			feature.WebGLParameters:   "ANGLE (NVIDIA GeForce RTX 3060)",
		},
		Unstable: feature.Set{"電池 API": "87%"},
		Noise:    feature.NoiseReport{feature.ProbeCanvas: false, feature.ProbeAudio: false},
	}
}

// generateSyntheticVisits returns a returning desktop visitor seen twice
// without a cookie, a spoofed iPhone and an automated session.
func generateSyntheticVisits() []syntheticVisit {
	spoofed := desktopSubmission()
	spoofed.Stable[feature.UserAgent] = iphoneUA
	spoofed.Stable[feature.ScreenResolution] = "3840x2160"
	spoofed.Stable[feature.CanvasFingerprint] = "c4nv4s-spoofed"

	automated := desktopSubmission()
	automated.Stable[feature.WebDriverFlag] = true
	automated.Stable[feature.CanvasFingerprint] = "c4nv4s-headless"
	automated.Stable[feature.AudioFingerprint] = "35.73833402246237"

	return []syntheticVisit{
		{name: "desktop first visit", req: resolve.Request{
			Submission: desktopSubmission(), Headers: syntheticHeaders(desktopUA), ClientIP: "203.0.113.42",
		}},
		{name: "desktop cleared cookies", req: resolve.Request{
			Submission: desktopSubmission(), Headers: syntheticHeaders(desktopUA), ClientIP: "203.0.113.42",
		}},
		{name: "spoofed iphone", req: resolve.Request{
			Submission: spoofed, Headers: syntheticHeaders(iphoneUA), ClientIP: "198.51.100.7",
		}},
		{name: "webdriver session", req: resolve.Request{
			Submission: automated, Headers: syntheticHeaders(desktopUA), ClientIP: "192.0.2.15",
		}},
	}
}

// testModeService mirrors the production resolver over a throwaway in-memory
// store, so synthetic identities never enter the real visitor history. Audit
// events still reach the configured sinks.
func testModeService(deps resolve.Deps) *resolve.Service {
	deps.Store = store.NewMemoryStore()
	return resolve.NewService(deps)
}

// runTestMode resolves the synthetic visits in order and logs each outcome.
func runTestMode(ctx context.Context, r resolver, logger *zap.Logger) error {
	visits := generateSyntheticVisits()
	logger.Info("test mode: resolving synthetic visits", zap.Int("count", len(visits)))
	for _, v := range visits {
		res, err := r.Resolve(ctx, v.req)
		if err != nil {
			return fmt.Errorf("test mode %q: %w", v.name, err)
		}
		logger.Info("test mode resolution",
			zap.String("visit", v.name),
			zap.String("resolved_id", res.ResolvedID),
			zap.String("match_status", res.MatchStatus),
			zap.Float64("best_score", res.BestScore),
			zap.Bool("tampering_detected", res.Tampering()),
		)
	}
	return nil
}
