package facematch

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentityID canonicalizes an identity ID so that IDs coming from the
// roster, the store and the embedding bank compare equal (NFC, trimmed).
func NormalizeIdentityID(id string) string {
	return strings.TrimSpace(norm.NFC.String(id))
}

// NormalizeRoster canonicalizes and de-duplicates roster IDs, keeping first
// occurrence order. Blank IDs are dropped.
func NormalizeRoster(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n := NormalizeIdentityID(id)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
