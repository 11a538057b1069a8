package detection

import "strings"

// Declared operating system families derived from a User-Agent string.
const (
	OSWindows = "windows"
	OSMacOS   = "macos"
	OSLinux   = "linux"
	OSUnknown = "unknown"
)

var mobileMarkers = []string{"iphone", "android", "mobile"}

// isMobileUA reports whether the lowercased UA claims a mobile device.
func isMobileUA(lowerUA string) bool {
	return containsAny(lowerUA, mobileMarkers)
}

// classifyOS extracts the declared OS family from a lowercased UA. Windows
// wins over macOS, and Android UAs are never classified as Linux.
func classifyOS(lowerUA string) string {
	switch {
	case strings.Contains(lowerUA, "windows"):
		return OSWindows
	case strings.Contains(lowerUA, "macintosh") || strings.Contains(lowerUA, "mac os"):
		return OSMacOS
	case strings.Contains(lowerUA, "linux") && !strings.Contains(lowerUA, "android"):
		return OSLinux
	}
	return OSUnknown
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
