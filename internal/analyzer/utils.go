package analyzer

import (
	"strings"

	"github.com/kvesta/vigil/pkg/severity"
)

func sortSeverity(threats []*threat) {
	severity.Sort(threats, func(t *threat) severity.Level { return t.Severity })
}

// shorten keeps evidence lines readable in reports.
func shorten(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
