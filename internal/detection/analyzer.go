// Package detection inspects a submitted feature set for signs of spoofing or
// automation and turns them into per-feature trust penalties. It also derives
// the server-computed features (client IP, header fingerprint).
package detection

import (
	"go.uber.org/zap"

	"github.com/shortontech/fingerprintd/internal/feature"
)

// Engine runs the fixed inconsistency rule set. It is safe for concurrent use.
type Engine struct {
	tables *feature.Tables
	rules  []ruleFunc
	logger *zap.Logger
}

// NewEngine returns an Engine loaded with the default rule set. A nil logger
// disables the diagnostic audit lines.
func NewEngine(tables *feature.Tables, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		tables: tables,
		rules: []ruleFunc{
			rulePlatformHardware,
			ruleOSFont,
			ruleAutomationTool,
		},
		logger: logger,
	}
}

// Analyze runs every rule and sums their deltas per feature.
func (e *Engine) Analyze(stable feature.Set) Report {
	var report Report
	for _, rule := range e.rules {
		f := rule(e.tables, stable)
		if f == nil {
			continue
		}
		if f.Rule == ruleAutomationName {
			e.logger.Warn("webdriver flag detected, client is likely automated")
		}
		report.Findings = append(report.Findings, *f)
		report.Adjustments = report.Adjustments.add(f.Adjustments)
	}
	if report.Tampered() {
		e.logger.Warn("inconsistency checks reduced feature trust",
			zap.Any("adjustments", report.Adjustments),
			zap.Int("findings", len(report.Findings)),
		)
	}
	if report.Adjustments == nil {
		report.Adjustments = Adjustments{}
	}
	return report
}

// Detect returns only the summed trust adjustments.
func (e *Engine) Detect(stable feature.Set) Adjustments {
	return e.Analyze(stable).Adjustments
}
