package detection

import (
	"net/http"
	"sort"
	"strings"
)

// headerJoin separates header entries in the derived fingerprint. Changing it,
// or the ordering, invalidates every stored HTTP header feature.
const headerJoin = " | "

// HeaderFingerprint derives the server-computed header feature: for each
// allowlisted header in lexicographic order, "<Name>:<value>", joined by " | ".
// Absent headers contribute an empty value.
func HeaderFingerprint(allowlist []string, headers http.Header) string {
	names := make([]string, len(allowlist))
	copy(names, allowlist)
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+":"+headers.Get(name))
	}
	return strings.Join(parts, headerJoin)
}
