package severity

import (
	"sort"
	"strings"
)

// Level is the canonical severity shared by every scanner.
type Level string

const (
	Critical Level = "CRITICAL"
	High     Level = "HIGH"
	Medium   Level = "MEDIUM"
	Low      Level = "LOW"
	Info     Level = "INFO"
)

var rankMap = map[Level]int{
	Critical: 5,
	High:     4,
	Medium:   3,
	Low:      2,
	Info:     1,
}

// Levels lists the severities from the most to the least severe.
var Levels = []Level{Critical, High, Medium, Low, Info}

func (l Level) Rank() int {
	return rankMap[l]
}

func (l Level) String() string {
	return string(l)
}

// Valid reports whether l is one of the canonical levels.
func (l Level) Valid() bool {
	_, ok := rankMap[l]
	return ok
}

// Parse maps the labels used by upstream sources onto a Level.
// Unknown labels fall back to Info.
func Parse(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return Critical
	case "high", "important":
		return High
	case "medium", "moderate":
		return Medium
	case "low":
		return Low
	default:
		return Info
	}
}

// FromScore derives a Level from a CVSS base score (0.0-10.0).
func FromScore(score float64) Level {
	switch {
	case score >= 9.0:
		return Critical
	case score >= 7.0:
		return High
	case score >= 4.0:
		return Medium
	case score >= 0.1:
		return Low
	default:
		return Info
	}
}

// FromPhrase derives a Level from free text such as a port risk note.
// The first keyword found wins; text without a keyword is Medium.
func FromPhrase(note string) Level {
	lower := strings.ToLower(note)
	switch {
	case strings.Contains(lower, "critical"):
		return Critical
	case strings.Contains(lower, "high"):
		return High
	case strings.Contains(lower, "medium"):
		return Medium
	default:
		return Medium
	}
}

// Max returns the more severe of a and b.
func Max(a, b Level) Level {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// Sort orders items from the most to the least severe, keeping the
// original order between items of equal severity.
func Sort[T any](items []T, level func(T) Level) {
	sort.SliceStable(items, func(i, j int) bool {
		return level(items[i]).Rank() > level(items[j]).Rank()
	})
}
