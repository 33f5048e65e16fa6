package model

import (
	"fmt"
	"strings"
	"time"
)

type ScanKind string

const (
	KindNetwork    ScanKind = "NETWORK"
	KindWeb        ScanKind = "WEB"
	KindDependency ScanKind = "DEPENDENCY"
	KindContainer  ScanKind = "CONTAINER"
	KindFull       ScanKind = "FULL"
)

// ParseKind accepts the kind names case-insensitively.
func ParseKind(s string) (ScanKind, error) {
	k := ScanKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindNetwork, KindWeb, KindDependency, KindContainer, KindFull:
		return k, nil
	}
	return "", fmt.Errorf("unknown scan kind %q", s)
}

type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition encodes the one-way job state machine.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobPending:
		return to == JobProcessing
	case JobProcessing:
		return to == JobCompleted || to == JobFailed
	}
	return false
}

type PortMode string

const (
	PortModeQuick  PortMode = "quick"
	PortModeFull   PortMode = "full"
	PortModeCustom PortMode = "custom"
)

// ScanOptions carries the per-request inputs of a scan.
type ScanOptions struct {
	PortMode PortMode `json:"portMode,omitempty"`
	Ports    []int    `json:"ports,omitempty"`

	// Manifest is the raw text of a dependency manifest. ManifestName is
	// used to pick the dialect when ManifestDialect is empty.
	Manifest        string `json:"manifest,omitempty"`
	ManifestName    string `json:"manifestName,omitempty"`
	ManifestDialect string `json:"manifestDialect,omitempty"`
	Ecosystem       string `json:"ecosystem,omitempty"`

	Dockerfile string `json:"dockerfile,omitempty"`
	Image      string `json:"image,omitempty"`
	UseDaemon  bool   `json:"useDaemon,omitempty"`
}

// ScanJob is the record of one scan request.
type ScanJob struct {
	ID          string      `json:"id"`
	Target      string      `json:"target"`
	Kind        ScanKind    `json:"kind"`
	Status      JobStatus   `json:"status"`
	Score       *int        `json:"score"`
	Options     ScanOptions `json:"options"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	CompletedAt *time.Time  `json:"completedAt"`
}

// JobRecord is the job as exposed to callers, with its findings.
type JobRecord struct {
	ScanJob
	Findings []Finding `json:"findings"`
}
