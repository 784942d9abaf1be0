// Package downloader turns video ids into finished MP4 files: it stages
// segments through the hls pipeline, merges them with ffmpeg, relocates the
// result and records it in the catalog.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/justchokingaround/vodpull/internal/api"
	"github.com/justchokingaround/vodpull/internal/catalog"
	"github.com/justchokingaround/vodpull/internal/downloader/hls"
)

// ErrPersistence marks a failed write to the metadata store
var ErrPersistence = errors.New("persistence failed")

// RecordStore is the subset of the catalog the manager needs
type RecordStore interface {
	Get(ctx context.Context, id string) (catalog.Record, bool, error)
	Put(ctx context.Context, rec catalog.Record) error
}

// InfoSource resolves metadata, search pages and play URLs
type InfoSource interface {
	GetInfo(ctx context.Context, id string) (*api.Info, error)
	Search(ctx context.Context, keyword string, page int) ([]string, error)
	PlayURLs(id string) (manifestURL, keyURL string)
}

// SegmentPipeline stages the segments of one manifest into a directory
type SegmentPipeline interface {
	Run(ctx context.Context, manifestURL, fallbackKeyURL, destDir string) (*hls.Result, error)
}

// Outcome is the terminal state of one Process call
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeAlreadyDone Outcome = "already_done"
	OutcomeInFlight    Outcome = "in_flight"
	OutcomeFailed      Outcome = "failed"
)

// OK reports whether the outcome counts as success
func (o Outcome) OK() bool {
	return o != OutcomeFailed
}

// Stage names the step a job failed in
type Stage string

const (
	StageLookup   Stage = "lookup"
	StageInfo     Stage = "info"
	StageDisk     Stage = "disk"
	StageDownload Stage = "download"
	StageAssemble Stage = "assemble"
	StageRelocate Stage = "relocate"
	StagePersist  Stage = "persist"
)

// JobResult describes how one id was handled
type JobResult struct {
	ID       string
	Title    string
	Outcome  Outcome
	Stage    Stage // set when Outcome is OutcomeFailed
	Segments int   // segments merged
	Missing  int   // segments that failed after all attempts
	Location string
	Duration time.Duration
	Err      error
}

// Summary aggregates the results of a batch
type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int
	// NotStarted counts ids left unscheduled after cancellation
	NotStarted int
	Results    []JobResult
}

// Total is the number of ids the batch covered
func (s Summary) Total() int {
	return s.Succeeded + s.Skipped + s.Failed + s.NotStarted
}

// add folds r into the counters
func (s *Summary) add(r JobResult) {
	switch r.Outcome {
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomeAlreadyDone, OutcomeInFlight:
		s.Skipped++
	default:
		s.Failed++
	}
	s.Results = append(s.Results, r)
}

// Merge appends other's counts and results to s
func (s *Summary) Merge(other Summary) {
	s.Succeeded += other.Succeeded
	s.Skipped += other.Skipped
	s.Failed += other.Failed
	s.NotStarted += other.NotStarted
	s.Results = append(s.Results, other.Results...)
}

// String renders the counters for logs and the CLI
func (s Summary) String() string {
	return fmt.Sprintf("%d succeeded, %d skipped, %d failed, %d not started",
		s.Succeeded, s.Skipped, s.Failed, s.NotStarted)
}

// Dedupe trims ids, drops empty ones and removes duplicates keeping the
// first occurrence.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
