package model

import "github.com/kvesta/vigil/pkg/severity"

// Result is what every scanner hands back to the orchestrator. A degraded
// result still carries whatever findings were collected before the error.
type Result struct {
	Source    Source             `json:"source"`
	Findings  []Finding          `json:"findings"`
	Penalties []severity.Penalty `json:"penalties,omitempty"`
	Degraded  bool               `json:"degraded"`
	Kind      ErrorKind          `json:"errorKind,omitempty"`
	Err       error              `json:"-"`
}

func Ok(src Source, findings []Finding, penalties ...severity.Penalty) Result {
	return Result{Source: src, Findings: findings, Penalties: penalties}
}

// Degrade builds a result for a scanner that failed. The error is
// classified with KindOf.
func Degrade(src Source, err error, partial []Finding) Result {
	return Result{
		Source:   src,
		Findings: partial,
		Degraded: true,
		Kind:     KindOf(err),
		Err:      err,
	}
}
