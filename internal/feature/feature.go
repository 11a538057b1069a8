// Package feature defines the feature-set shapes submitted by the collector
// script and the read-only tables the engines are configured with.
package feature

import "reflect"

// Well-known stable feature names. The vocabulary is open: any other key a
// client submits is scored with the default weight.
const (
	IPAddress         = "IP 位址"
	HTTPHeaders       = "HTTP 標頭"
	AudioFingerprint  = "音訊指紋"
	CanvasFingerprint = "Canvas 指紋"
	UserAgent         = "User Agent"
	ScreenResolution  = "螢幕解析度"
	ClientRects       = "ClientRects 指紋"
	FontFingerprint   = "字體指紋"
	WebGLParameters   = "WebGL 詳細參數"
	WebDriverFlag     = "WebDriver 標記"
)

// Noise probe names reported by the collector in the noise partition.
const (
	ProbeCanvas      = "Canvas"
	ProbeAudio       = "Audio"
	ProbeClientRects = "ClientRects"
)

// DefaultWeight applies to any stable feature missing from the weight table.
const DefaultWeight = 1

// Set maps a feature name to its JSON-decoded value (string, float64, bool,
// or a nested value the collector chose to send).
type Set map[string]any

// Clone returns a shallow copy; a nil set clones to an empty one.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// String returns the value of key when it is a string.
func (s Set) String(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok
}

// Equal reports whether key is present in both sets with deeply equal values.
func Equal(a, b Set, key string) bool {
	av, aok := a[key]
	bv, bok := b[key]
	if !aok || !bok {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// NoiseReport holds the client's own verdict on which probes were randomized
// by anti-fingerprinting protections during this session.
type NoiseReport map[string]any

// Noisy reports whether probe was flagged with a JSON true.
func (n NoiseReport) Noisy(probe string) bool {
	v, ok := n[probe].(bool)
	return ok && v
}

// Submission is the client payload of one analysis request.
type Submission struct {
	Stable   Set         `json:"stable"`
	Unstable Set         `json:"unstable"`
	Noise    NoiseReport `json:"noise"`
}
