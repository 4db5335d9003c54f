package memory

import (
	"fmt"
	"strings"
)

// FormatResults renders search results as a numbered list for display.
// Each entry is cut to an equal share of maxLen, but never below 100
// characters.
func FormatResults(results []Result, maxLen int) string {
	if len(results) == 0 {
		return "Nothing similar found."
	}

	perResult := maxLen / len(results)
	if perResult < 100 {
		perResult = 100
	}

	var b strings.Builder
	b.WriteString("=== SIMILAR MESSAGES ===\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s (%.2f)", i+1, truncateText(r.Text, perResult), r.Score)
	}
	return b.String()
}

// truncateText cuts s to at most max runes.
func truncateText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
