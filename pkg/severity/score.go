package severity

const (
	MaxScore = 100
	MinScore = 0

	InvalidTLSPenalty    = 20
	MissingHeaderPenalty = 5
)

var findingPenalty = map[Level]int{
	Critical: 25,
	High:     15,
	Medium:   8,
	Low:      3,
	Info:     0,
}

// Penalty is a score deduction that is not tied to a single finding,
// e.g. an invalid certificate or a missing response header.
type Penalty struct {
	Reason string `json:"reason"`
	Points int    `json:"points"`
}

// FindingPenalty is the number of points one finding of level l costs.
func FindingPenalty(l Level) int {
	return findingPenalty[l]
}

// Clamp bounds a score to [MinScore, MaxScore].
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Compute folds finding severities and extra penalties into a score.
// Negative penalties are ignored so the score never grows while folding.
func Compute(levels []Level, extra []Penalty) int {
	score := MaxScore
	for _, l := range levels {
		score -= FindingPenalty(l)
	}
	for _, p := range extra {
		if p.Points > 0 {
			score -= p.Points
		}
	}
	return Clamp(score)
}
