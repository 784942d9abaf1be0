// Package hls downloads and decrypts the segments of an HLS media playlist
// into a staging directory.
package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/justchokingaround/vodpull/internal/httpclient"
	"github.com/justchokingaround/vodpull/internal/metrics"
)

// ErrManifest marks a job that cannot start because its manifest could not
// be fetched, parsed, or listed no segments.
var ErrManifest = errors.New("manifest unavailable")

// StagedSegment is the outcome of one segment task
type StagedSegment struct {
	Index   int
	Path    string
	Present bool
}

// Result summarizes one pipeline run
type Result struct {
	Segments []StagedSegment
	// KeyValid is false when the zero key was substituted.
	KeyValid bool
}

// Missing returns how many segments failed after all attempts
func (r *Result) Missing() int {
	n := 0
	for _, s := range r.Segments {
		if !s.Present {
			n++
		}
	}
	return n
}

// ProgressCallback is called once per finished segment task, success or not.
// Calls are serialized.
type ProgressCallback func(done, failed, total int)

// PipelineConfig tunes the segment worker pool
type PipelineConfig struct {
	Workers   int
	JitterMin time.Duration
	JitterMax time.Duration
	Logger    *slog.Logger
}

// Pipeline fetches, decrypts and stages every segment of a manifest
type Pipeline struct {
	fetcher   Fetcher
	workers   int
	jitterMin time.Duration
	jitterMax time.Duration
	logger    *slog.Logger
}

// NewPipeline creates a pipeline around fetcher
func NewPipeline(fetcher Fetcher, cfg PipelineConfig) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		fetcher:   fetcher,
		workers:   cfg.Workers,
		jitterMin: cfg.JitterMin,
		jitterMax: cfg.JitterMax,
		logger:    cfg.Logger,
	}
}

// Run stages every segment of manifestURL into destDir
func (p *Pipeline) Run(ctx context.Context, manifestURL, fallbackKeyURL, destDir string) (*Result, error) {
	return p.RunWithProgress(ctx, manifestURL, fallbackKeyURL, destDir, nil)
}

// segmentTask is one unit of work for the pool
type segmentTask struct {
	slot int
	ref  SegmentRef
	url  string
	path string
}

// RunWithProgress stages every segment of manifestURL into destDir.
//
// Only a missing manifest is fatal. A missing or malformed key degrades to
// the zero key and a failed segment leaves a gap; both are visible in the
// returned Result.
func (p *Pipeline) RunWithProgress(ctx context.Context, manifestURL, fallbackKeyURL, destDir string, progress ProgressCallback) (*Result, error) {
	raw, err := p.fetcher.Fetch(ctx, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	manifest, err := ParseManifest(raw, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}
	if len(manifest.Segments) == 0 {
		return nil, fmt.Errorf("%w: no segments in %s", ErrManifest, manifestURL)
	}

	key, keyValid := p.resolveKey(ctx, manifestURL, manifest.KeyURI, fallbackKeyURL)

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}

	total := len(manifest.Segments)
	result := &Result{
		Segments: make([]StagedSegment, total),
		KeyValid: keyValid,
	}

	var (
		progressMu   sync.Mutex
		done, failed int
	)
	report := func(ok bool) {
		progressMu.Lock()
		defer progressMu.Unlock()
		done++
		if !ok {
			failed++
		}
		if progress != nil {
			progress(done, failed, total)
		}
	}

	tasks := make([]segmentTask, 0, total)
	for i, ref := range manifest.Segments {
		result.Segments[i] = StagedSegment{Index: ref.Index}

		segmentURL, err := ResolveURL(manifest.BaseURL, ref.Name)
		if err != nil {
			p.logger.Warn("skipping unresolvable segment", "segment", ref.Name, "error", err)
			metrics.SegmentsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			report(false)
			continue
		}

		name := ref.FileName()
		if name == "" {
			name = fmt.Sprintf("segment_%05d.ts", i)
		}
		tasks = append(tasks, segmentTask{
			slot: i,
			ref:  ref,
			url:  segmentURL,
			path: filepath.Join(destDir, name),
		})
	}

	var g errgroup.Group
	g.SetLimit(p.workers)
	for _, task := range tasks {
		g.Go(func() error {
			ok := p.stageSegment(ctx, task, key)
			result.Segments[task.slot].Present = ok
			if ok {
				result.Segments[task.slot].Path = task.path
			}
			report(ok)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// resolveKey fetches the key named by the manifest, or the fallback
// endpoint when the manifest has none.
func (p *Pipeline) resolveKey(ctx context.Context, manifestURL, keyURI, fallbackKeyURL string) ([]byte, bool) {
	keyURL := fallbackKeyURL
	if keyURI != "" {
		resolved, err := ResolveURL(manifestURL, keyURI)
		if err != nil {
			p.logger.Warn("unresolvable key URI, using fallback key endpoint", "key_uri", keyURI, "error", err)
		} else {
			keyURL = resolved
		}
	}

	material, err := p.fetcher.Fetch(ctx, keyURL)
	if err != nil {
		p.logger.Warn("key fetch failed, substituting zero key", "key_url", keyURL, "error", err)
	}

	key, ok := NormalizeKey(material)
	if !ok && err == nil {
		p.logger.Warn("key has unexpected length, substituting zero key", "key_url", keyURL, "length", len(material))
	}
	return key, ok
}

// stageSegment fetches, decrypts and writes one segment
func (p *Pipeline) stageSegment(ctx context.Context, task segmentTask, key []byte) bool {
	if err := httpclient.Pause(ctx, p.jitterMin, p.jitterMax); err != nil {
		metrics.SegmentsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return false
	}

	data, err := p.fetcher.Fetch(ctx, task.url)
	if err != nil {
		p.logger.Warn("segment failed after retries", "segment", task.ref.Name, "index", task.ref.Index, "error", err)
		metrics.SegmentsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return false
	}

	if len(data) == 0 {
		p.logger.Warn("segment body empty", "segment", task.ref.Name, "index", task.ref.Index)
		metrics.SegmentsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return false
	}

	if err := os.WriteFile(task.path, Decrypt(data, key), 0644); err != nil {
		p.logger.Warn("failed to write segment", "path", task.path, "error", err)
		metrics.SegmentsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return false
	}

	metrics.SegmentsTotal.WithLabelValues(metrics.OutcomeSucceeded).Inc()
	return true
}
