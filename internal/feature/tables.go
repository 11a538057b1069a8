package feature

// Tables is the immutable configuration shared by the detection, scoring and
// resolution layers. Build it once at startup and pass it by pointer; callers
// must not mutate it afterwards.
type Tables struct {
	// Weights is the base weight per stable feature.
	Weights map[string]int
	// UnstableKeys never take part in scoring.
	UnstableKeys []string
	// HeaderAllowlist feeds the derived header fingerprint.
	HeaderAllowlist []string
	// NoiseProbes maps a noise probe name to the stable feature it covers.
	NoiseProbes map[string]string

	WindowsFonts []string
	MacOSFonts   []string
	LinuxFonts   []string

	// MatchThreshold is the minimum score that merges a visitor into an
	// existing identity.
	MatchThreshold float64
}

// Weight returns the base weight of key, DefaultWeight when uncatalogued.
func (t *Tables) Weight(key string) int {
	if w, ok := t.Weights[key]; ok {
		return w
	}
	return DefaultWeight
}

// IsUnstable reports whether key belongs to the telemetry-only partition.
func (t *Tables) IsUnstable(key string) bool {
	for _, k := range t.UnstableKeys {
		if k == key {
			return true
		}
	}
	return false
}

// SuppressedBy reports whether key is covered by a probe flagged noisy in report.
func (t *Tables) SuppressedBy(key string, report NoiseReport) bool {
	for probe, covered := range t.NoiseProbes {
		if covered == key && report.Noisy(probe) {
			return true
		}
	}
	return false
}

// DefaultMatchThreshold is the similarity score at which two submissions are
// treated as the same person.
const DefaultMatchThreshold = 90.0

// DefaultTables returns the curated production tables.
func DefaultTables() *Tables {
	return &Tables{
		Weights: map[string]int{
			IPAddress:                 20,
			HTTPHeaders:               10,
			AudioFingerprint:          15,
			CanvasFingerprint:         10,
			"語音合成引擎數量":                10,
			UserAgent:                 8,
			ScreenResolution:          8,
			"色彩深度":                    7,
			"媒體裝置":                    7,
			"時區 (IANA)":               5,
			"多語言支援":                   5,
			"Intl API 指紋":             8,
			"Three.js WebGL Render":   15,
			ClientRects:               8,
			"WebGPU 適配器資訊":            15,
			FontFingerprint:           15,
			WebGLParameters:           12,
			"User-Agent Client Hints": 10,
			"權限狀態":                    6,
			"WebRTC 本地 IP":            8,
			// Present so the automation rule has a key to react to.
			WebDriverFlag:             1,
		},
		UnstableKeys: []string{
			"電池 API", "廣告攔截器 (進階)", "主題更改擴充功能",
			"CPU 性能計時 (ms)", "GPU 基準性能 (FPS)", "有效網路類型",
			"估計下載速度 (Mbps)", "估計延遲 (ms)", "地理位置 API",
		},
		HeaderAllowlist: []string{
			"Accept", "Accept-Encoding", "Accept-Language", "User-Agent",
			"Upgrade-Insecure-Requests", "Sec-Ch-Ua", "Sec-Ch-Ua-Mobile", "Sec-Ch-Ua-Platform",
		},
		NoiseProbes: map[string]string{
			ProbeCanvas:      CanvasFingerprint,
			ProbeAudio:       AudioFingerprint,
			ProbeClientRects: ClientRects,
		},
		WindowsFonts:   []string{"microsoft yahei", "segoe ui", "tahoma", "calibri"},
		MacOSFonts:     []string{"helvetica neue", "lucida grande", "san francisco", "pingfang tc"},
		LinuxFonts:     []string{"ubuntu", "dejavu sans", "liberation sans"},
		MatchThreshold: DefaultMatchThreshold,
	}
}
