package detection

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var automationKeywords = []string{"headless", "selenium", "webdriver", "puppeteer", "playwright"}

var expectedHeaders = []string{"User-Agent", "Accept", "Accept-Language", "Accept-Encoding"}

// AnalyzeHeaders collects header diagnostics for the audit trail.
func AnalyzeHeaders(headers http.Header) HeaderAnalysis {
	return HeaderAnalysis{
		MissingExpected:   checkMissingHeaders(headers),
		AutomationHeaders: detectAutomationHeaders(headers),
		HeaderCount:       len(headers),
	}
}

// detectAutomationHeaders returns "<Header>: <value>" for every header value
// carrying an automation tool keyword, sorted for stable output.
func detectAutomationHeaders(headers http.Header) []string {
	found := []string{}
	for header, values := range headers {
		for _, value := range values {
			if containsAny(strings.ToLower(value), automationKeywords) {
				found = append(found, fmt.Sprintf("%s: %s", header, value))
			}
		}
	}
	sort.Strings(found)
	return found
}

func checkMissingHeaders(headers http.Header) []string {
	missing := []string{}
	for _, expected := range expectedHeaders {
		if headers.Get(expected) == "" {
			missing = append(missing, expected)
		}
	}
	return missing
}
