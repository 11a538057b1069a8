// Package event defines the audit envelope emitted for every persisted
// resolution.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/fingerprintd/internal/detection"
)

// TypeResolution is the type of events produced by the resolution service.
const TypeResolution = "resolution"

// Event is one audit record. Optional fields are omitted when empty.
type Event struct {
	EventID string `json:"event_id,omitempty"`
	TS      string `json:"ts,omitempty"` // RFC3339Nano, UTC
	Type    string `json:"type,omitempty"`

	VisitorID   string  `json:"visitor_id,omitempty"`
	ResolvedID  string  `json:"resolved_id,omitempty"`
	MatchStatus string  `json:"match_status,omitempty"`
	Score       float64 `json:"score"`
	MatchedID   string  `json:"matched_id,omitempty"`
	Candidates  int     `json:"candidates"`

	TamperingDetected bool                  `json:"tampering_detected"`
	TrustAdjustments  detection.Adjustments `json:"trust_adjustments,omitempty"`
	Findings          []detection.Finding   `json:"findings,omitempty"`

	Client ClientInfo `json:"client"`
}

// ClientInfo carries the server's view of the requesting client.
type ClientInfo struct {
	IP             string                    `json:"ip,omitempty"`
	UA             string                    `json:"ua,omitempty"`
	HeaderAnalysis *detection.HeaderAnalysis `json:"header_analysis,omitempty"`
}

// Normalize fills the fields the server owns when the producer left them empty.
func Normalize(e *Event, now time.Time) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.TS == "" {
		e.TS = now.UTC().Format(time.RFC3339Nano)
	}
	if e.Type == "" {
		e.Type = TypeResolution
	}
}
