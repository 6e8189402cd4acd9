package selfmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/andywolf/ctxkeeper/internal/notes"
)

// MaxContradictions bounds how many pairs a scan reports.
const MaxContradictions = 10

// opposingTerms pairs keywords whose co-occurrence across two entries
// suggests they disagree. Matching is plain substring containment on
// lowercased text, so "preferred" counts as "prefer" and "async" also
// contains "sync". The scan over-reports and under-reports; that is a known
// limit of a lexical check.
var opposingTerms = [][2]string{
	{"prefer", "avoid"},
	{"always", "never"},
	{"sync", "async"},
	{"enable", "disable"},
	{"like", "dislike"},
	{"include", "exclude"},
	{"allow", "deny"},
	{"tabs", "spaces"},
	{"light mode", "dark mode"},
	{"monorepo", "polyrepo"},
}

func entryText(e notes.Entry) string {
	parts := []string{e.Content}
	parts = append(parts, e.Tags...)
	if len(e.Data) > 0 {
		parts = append(parts, string(e.Data))
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}

// sameScope reports whether two entries are checked against each other:
// same type, or at least one of them untyped.
func sameScope(a, b notes.Entry) bool {
	return a.Type == b.Type || a.Type == "" || b.Type == ""
}

// detectContradictions scans active entries pairwise and returns at most
// MaxContradictions findings in scan order.
func detectContradictions(active []notes.Entry) []Contradiction {
	texts := make([]string, len(active))
	for i, e := range active {
		texts[i] = entryText(e)
	}

	found := []Contradiction{}
	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			if !sameScope(active[i], active[j]) {
				continue
			}
			if desc, ok := opposed(texts[i], texts[j]); ok {
				found = append(found, Contradiction{
					EntryA:      active[i].ID,
					EntryB:      active[j].ID,
					Description: desc,
				})
				if len(found) >= MaxContradictions {
					return found
				}
			}
		}
	}
	return found
}

func opposed(a, b string) (string, bool) {
	for _, pair := range opposingTerms {
		x, y := pair[0], pair[1]
		if strings.Contains(a, x) && strings.Contains(b, y) {
			return fmt.Sprintf("one entry says %q while the other says %q", x, y), true
		}
		if strings.Contains(a, y) && strings.Contains(b, x) {
			return fmt.Sprintf("one entry says %q while the other says %q", y, x), true
		}
	}
	return "", false
}

// contradictionKey fingerprints the scan input so identical stores reuse a
// cached result.
func contradictionKey(active []notes.Entry) string {
	h := sha256.New()
	for _, e := range active {
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00", e.ID, e.Type, e.UpdatedAt.UnixNano())
		h.Write([]byte(entryText(e)))
		h.Write([]byte{0xff})
	}
	return hex.EncodeToString(h.Sum(nil))
}
