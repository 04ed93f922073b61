package build

import (
	"errors"
	"fmt"
	"time"
)

// Stage names where a source can fail.
const (
	StageSelect     = "select"
	StageRead       = "read"
	StageProjection = "projection"
	StageTransform  = "transform"
	StageIndex      = "index"
	StageEncode     = "encode"
	StageArchive    = "archive"
	StageWrite      = "write"
	StagePublish    = "publish"
)

// SourceError is the failure of one source at one stage.
type SourceError struct {
	Source string
	Stage  string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Stage, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Status is the outcome of one source.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// SourceResult summarises the build of one source.
type SourceResult struct {
	Name   string
	Layer  string
	Status Status

	// Projection is the code of the detected or configured projection.
	Projection string
	FellBack   bool

	Read     int
	Filtered int
	Dropped  int
	Features int

	Tiles      int
	EmptyTiles int
	Bytes      int64

	// Outputs lists the files written, relative to the output directory.
	Outputs []string

	Duration time.Duration
	Err      error

	// Reason explains a skip.
	Reason string
}

// Report aggregates the results of a run in source order.
type Report struct {
	Sources  []SourceResult
	Duration time.Duration
}

// Failed returns the results of failed sources.
func (r *Report) Failed() []SourceResult {
	var out []SourceResult
	for _, s := range r.Sources {
		if s.Status == StatusFailed {
			out = append(out, s)
		}
	}
	return out
}

// Err joins the errors of all failed sources, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, s := range r.Failed() {
		errs = append(errs, s.Err)
	}
	return errors.Join(errs...)
}

// Result returns the result of the named source.
func (r *Report) Result(name string) (SourceResult, bool) {
	for _, s := range r.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceResult{}, false
}
