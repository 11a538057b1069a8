package detection

// Adjustments maps a stable feature name to a trust-weight delta. Deltas are
// never positive.
type Adjustments map[string]int

// add accumulates other into a, creating the map on first use.
func (a Adjustments) add(other Adjustments) Adjustments {
	if len(other) == 0 {
		return a
	}
	if a == nil {
		a = Adjustments{}
	}
	for k, v := range other {
		a[k] += v
	}
	return a
}

// Finding is a single inconsistency rule that fired on a submission.
type Finding struct {
	Rule        string      `json:"rule"`
	Description string      `json:"description"`
	Adjustments Adjustments `json:"adjustments"`
}

// Report is the outcome of running the full rule set over one submission.
type Report struct {
	Adjustments Adjustments `json:"trust_adjustments"`
	Findings    []Finding   `json:"findings"`
}

// Tampered reports whether any rule reduced trust in any feature.
func (r Report) Tampered() bool { return len(r.Adjustments) > 0 }

// HeaderAnalysis contains header-based diagnostic signals. It is attached to
// audit events and never influences scoring.
type HeaderAnalysis struct {
	MissingExpected   []string `json:"missing_expected"`
	AutomationHeaders []string `json:"automation_headers"`
	HeaderCount       int      `json:"header_count"`
}
