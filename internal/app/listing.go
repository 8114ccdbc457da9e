package app

import (
	"fmt"
	"strings"

	"newsletter_digest/internal/domain/digest"
	"newsletter_digest/internal/domain/period"
)

// FormatListing renders digests grouped by period kind, one line per digest
// with a (*) marker for those with pending sendings.
func FormatListing(digests []*digest.Digest) string {
	var b strings.Builder
	for _, kind := range period.Kinds {
		fmt.Fprintf(&b, "%s newsletters\n", titleCase(string(kind)))
		for _, d := range digests {
			if d.Kind != kind {
				continue
			}
			marker := "    "
			if d.Pending {
				marker = "(*) "
			}
			fmt.Fprintf(&b, "%s%3d. Newsletter #%d\n", marker, d.ID, d.Number)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
