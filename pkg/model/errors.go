package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so that the orchestrator can apply one
// continue/abort policy.
type ErrorKind string

const (
	ResolutionError      ErrorKind = "ResolutionError"
	ForbiddenTargetError ErrorKind = "ForbiddenTargetError"
	UpstreamUnavailable  ErrorKind = "UpstreamUnavailable"
	ParseError           ErrorKind = "ParseError"
	PipelineFailure      ErrorKind = "PipelineFailure"
)

type ScanError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ScanError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Is matches another *ScanError by kind, so errors.Is(err, Forbidden(...))
// style checks work without comparing the wrapped cause.
func (e *ScanError) Is(target error) bool {
	t, ok := target.(*ScanError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func NewError(kind ErrorKind, op string, err error) error {
	return &ScanError{Kind: kind, Op: op, Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrResolution = &ScanError{Kind: ResolutionError}
	ErrForbidden  = &ScanError{Kind: ForbiddenTargetError}
	ErrUpstream   = &ScanError{Kind: UpstreamUnavailable}
	ErrParse      = &ScanError{Kind: ParseError}
	ErrPipeline   = &ScanError{Kind: PipelineFailure}
)

// KindOf classifies err. Anything that is not a ScanError is a pipeline
// failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *ScanError
	if errors.As(err, &se) {
		return se.Kind
	}
	return PipelineFailure
}

// TargetLevel reports whether the error concerns the target itself rather
// than a data source.
func (k ErrorKind) TargetLevel() bool {
	return k == ResolutionError || k == ForbiddenTargetError
}
