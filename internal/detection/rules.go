package detection

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shortontech/fingerprintd/internal/feature"
)

// Rule names reported in findings.
const (
	rulePlatformHardwareName = "platform_hardware_mismatch"
	ruleOSFontName           = "os_font_mismatch"
	ruleAutomationName       = "automation_tool_signature"
)

// maxMobileDimension is the largest screen edge, in pixels, a phone-class UA
// can plausibly report.
const maxMobileDimension = 2000

// ruleFunc inspects a stable feature set and returns a Finding when it fires.
type ruleFunc func(t *feature.Tables, fp feature.Set) *Finding

// rulePlatformHardware flags mobile UAs that report a desktop-class screen.
// Trust in both the UA and the resolution is cancelled entirely.
func rulePlatformHardware(t *feature.Tables, fp feature.Set) *Finding {
	ua, _ := fp.String(feature.UserAgent)
	if !isMobileUA(strings.ToLower(ua)) {
		return nil
	}
	res, _ := fp.String(feature.ScreenResolution)
	width, height, ok := parseResolution(res)
	if !ok {
		return nil
	}
	if width <= maxMobileDimension && height <= maxMobileDimension {
		return nil
	}
	return &Finding{
		Rule:        rulePlatformHardwareName,
		Description: fmt.Sprintf("mobile user agent with %dx%d screen", width, height),
		Adjustments: Adjustments{
			feature.UserAgent:        -t.Weight(feature.UserAgent),
			feature.ScreenResolution: -t.Weight(feature.ScreenResolution),
		},
	}
}

// parseResolution parses "WIDTHxHEIGHT". Anything else is rejected.
func parseResolution(s string) (int, int, bool) {
	parts := strings.Split(s, "x")
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return w, h, true
}

// uaFontPenalty is the flat UA trust reduction applied on an OS/font mismatch.
const uaFontPenalty = 5

// ruleOSFont flags a declared macOS that only reports Windows fonts, and the
// reverse.
func ruleOSFont(t *feature.Tables, fp feature.Set) *Finding {
	ua, _ := fp.String(feature.UserAgent)
	fonts, _ := fp.String(feature.FontFingerprint)
	fonts = strings.ToLower(fonts)

	var own, foreign []string
	declared := classifyOS(strings.ToLower(ua))
	switch declared {
	case OSMacOS:
		own, foreign = t.MacOSFonts, t.WindowsFonts
	case OSWindows:
		own, foreign = t.WindowsFonts, t.MacOSFonts
	default:
		return nil
	}
	if containsAny(fonts, own) || !containsAny(fonts, foreign) {
		return nil
	}
	return &Finding{
		Rule:        ruleOSFontName,
		Description: fmt.Sprintf("%s user agent without %s fonts", declared, declared),
		Adjustments: Adjustments{
			feature.FontFingerprint: -t.Weight(feature.FontFingerprint),
			feature.UserAgent:       -uaFontPenalty,
		},
	}
}

// automationPenalties discounts every channel an automated agent can forge.
var automationPenalties = Adjustments{
	feature.CanvasFingerprint: -10,
	feature.AudioFingerprint:  -10,
	feature.FontFingerprint:   -10,
	feature.UserAgent:         -8,
	feature.WebGLParameters:   -10,
}

// ruleAutomationTool fires when the collector saw navigator.webdriver == true.
func ruleAutomationTool(_ *feature.Tables, fp feature.Set) *Finding {
	flag, ok := fp[feature.WebDriverFlag].(bool)
	if !ok || !flag {
		return nil
	}
	adj := make(Adjustments, len(automationPenalties))
	for k, v := range automationPenalties {
		adj[k] = v
	}
	return &Finding{
		Rule:        ruleAutomationName,
		Description: "navigator.webdriver is true",
		Adjustments: adj,
	}
}
