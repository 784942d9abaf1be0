package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/justchokingaround/vodpull/internal/catalog"
	"github.com/justchokingaround/vodpull/internal/httpclient"
	"github.com/justchokingaround/vodpull/internal/metrics"
)

// ErrInvalidID is returned for an empty id or one that is not a safe path
// component as is
var ErrInvalidID = errors.New("invalid video id")

// ManagerConfig tunes the orchestrator
type ManagerConfig struct {
	// WorkDir holds the temp_<id> segment directories
	WorkDir    string
	StagingDir string
	MaxJobs    int
	MaxMerges  int
	// MinFreeSpace is the number of bytes that must be free in StagingDir
	// before a download starts; 0 disables the check.
	MinFreeSpace   uint64
	JobJitterMin   time.Duration
	JobJitterMax   time.Duration
	SearchPauseMin time.Duration
	SearchPauseMax time.Duration
	Logger         *slog.Logger
}

// Manager runs video jobs. Concurrent Process calls for one id share a
// single execution.
type Manager struct {
	// mu guards inFlight and serializes every store access
	mu       sync.Mutex
	inFlight map[string]time.Time
	group    singleflight.Group

	store     RecordStore
	source    InfoSource
	pipeline  SegmentPipeline
	assembler *Assembler
	relocator Relocator
	merges    *semaphore.Weighted

	cfg    ManagerConfig
	logger *slog.Logger

	hookMu     sync.RWMutex
	onFinished func(JobResult)
}

// NewManager creates a manager and its working directories
func NewManager(store RecordStore, source InfoSource, pipeline SegmentPipeline, assembler *Assembler, relocator Relocator, cfg ManagerConfig) (*Manager, error) {
	switch {
	case store == nil:
		return nil, errors.New("record store cannot be nil")
	case source == nil:
		return nil, errors.New("info source cannot be nil")
	case pipeline == nil:
		return nil, errors.New("segment pipeline cannot be nil")
	case assembler == nil:
		return nil, errors.New("assembler cannot be nil")
	case relocator == nil:
		return nil, errors.New("relocator cannot be nil")
	}

	if cfg.MaxJobs < 1 {
		cfg.MaxJobs = 1
	}
	if cfg.MaxMerges < 1 {
		cfg.MaxMerges = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{cfg.WorkDir, cfg.StagingDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &Manager{
		inFlight:  make(map[string]time.Time),
		store:     store,
		source:    source,
		pipeline:  pipeline,
		assembler: assembler,
		relocator: relocator,
		merges:    semaphore.NewWeighted(int64(cfg.MaxMerges)),
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// OnJobFinished registers a callback invoked after each batch job
func (m *Manager) OnJobFinished(cb func(JobResult)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onFinished = cb
}

func (m *Manager) notify(r JobResult) {
	m.hookMu.RLock()
	cb := m.onFinished
	m.hookMu.RUnlock()
	if cb != nil {
		cb(r)
	}
}

// InFlight returns the ids currently claimed, sorted
func (m *Manager) InFlight() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.inFlight))
	for id := range m.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Process downloads, merges, relocates and records one id. Ids already done
// return OutcomeAlreadyDone without any network call. The returned error is
// non-nil exactly when the outcome is OutcomeFailed.
func (m *Manager) Process(ctx context.Context, id string) (JobResult, error) {
	id = strings.TrimSpace(id)
	// Ids name the work dir and output file, so they must map to paths 1:1.
	if id == "" || SanitizeID(id) != id {
		err := fmt.Errorf("%w: %q", ErrInvalidID, id)
		return JobResult{ID: id, Outcome: OutcomeFailed, Stage: StageLookup, Err: err}, err
	}

	v, _, shared := m.group.Do(id, func() (any, error) {
		return m.process(ctx, id), nil
	})
	res := v.(JobResult)
	if shared {
		m.logger.Debug("joined running job", "video_id", id, "outcome", res.Outcome)
	}
	return res, res.Err
}

type claimState int

const (
	claimAcquired claimState = iota
	claimDone
	claimBusy
)

// claim checks the store and the in-flight set and takes the id
func (m *Manager) claim(ctx context.Context, id string) (claimState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return claimBusy, err
	}
	if ok && rec.Done() {
		return claimDone, nil
	}
	if _, busy := m.inFlight[id]; busy {
		return claimBusy, nil
	}
	m.inFlight[id] = time.Now()
	return claimAcquired, nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
}

// persist writes rec under the same lock as the claim set
func (m *Manager) persist(ctx context.Context, rec catalog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Put(ctx, rec)
}

func (m *Manager) process(ctx context.Context, id string) JobResult {
	logger := m.logger.With("video_id", id)
	start := time.Now()
	res := JobResult{ID: id}

	state, err := m.claim(ctx, id)
	switch {
	case err != nil:
		return m.finish(logger, res, start, StageLookup, fmt.Errorf("%w: lookup: %w", ErrPersistence, err))
	case state == claimDone:
		res.Outcome = OutcomeAlreadyDone
		return m.finish(logger, res, start, "", nil)
	case state == claimBusy:
		res.Outcome = OutcomeInFlight
		return m.finish(logger, res, start, "", nil)
	}
	defer m.release(id)

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	stage, err := m.run(ctx, logger, &res)
	return m.finish(logger, res, start, stage, err)
}

// run is the body of a claimed job. The staged output is removed on every
// failure; the segment directory is kept when assembly fails.
func (m *Manager) run(ctx context.Context, logger *slog.Logger, res *JobResult) (stage Stage, err error) {
	id := res.ID
	workDir := filepath.Join(m.cfg.WorkDir, WorkDirName(id))
	fileName := OutputName(id)
	stagedPath := filepath.Join(m.cfg.StagingDir, fileName)

	defer func() {
		if err == nil {
			return
		}
		if rmErr := os.Remove(stagedPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("failed to remove staged output", "path", stagedPath, "error", rmErr)
		}
	}()

	if err := httpclient.Pause(ctx, m.cfg.JobJitterMin, m.cfg.JobJitterMax); err != nil {
		return StageInfo, err
	}

	info, err := m.source.GetInfo(ctx, id)
	if err != nil {
		return StageInfo, err
	}
	res.Title = info.Title
	logger.Info("processing", "title", info.Title, "labels", len(info.Labels))

	if err := m.checkDiskSpace(logger); err != nil {
		return StageDisk, err
	}

	manifestURL, keyURL := m.source.PlayURLs(id)
	staged, err := m.pipeline.Run(ctx, manifestURL, keyURL, workDir)
	if err != nil {
		return StageDownload, err
	}
	res.Missing = staged.Missing()
	if !staged.KeyValid {
		logger.Warn("key unavailable, segments decrypted with the zero key")
	}
	if res.Missing > 0 {
		logger.Warn("segments missing, output will have gaps", "missing", res.Missing, "total", len(staged.Segments))
	}

	n, err := m.merge(ctx, workDir, stagedPath)
	if err != nil {
		return StageAssemble, err
	}
	res.Segments = n

	if err := os.RemoveAll(workDir); err != nil {
		logger.Warn("failed to remove segment directory", "dir", workDir, "error", err)
	}

	location, err := m.relocator.Relocate(ctx, stagedPath, fileName)
	if err != nil {
		return StageRelocate, err
	}
	res.Location = location

	rec := catalog.Record{ID: id, Title: info.Title, Labels: info.Labels, FileName: fileName}
	if err := m.persist(ctx, rec); err != nil {
		return StagePersist, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return "", nil
}

// merge runs the assembler inside the merge concurrency bound
func (m *Manager) merge(ctx context.Context, workDir, stagedPath string) (int, error) {
	if err := m.merges.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer m.merges.Release(1)
	return m.assembler.Assemble(ctx, workDir, stagedPath)
}

func (m *Manager) checkDiskSpace(logger *slog.Logger) error {
	if m.cfg.MinFreeSpace == 0 {
		return nil
	}
	free, err := freeSpace(m.cfg.StagingDir)
	if err != nil {
		logger.Debug("skipping disk space check", "error", err)
		return nil
	}
	if free < m.cfg.MinFreeSpace {
		return fmt.Errorf("insufficient disk space in %s: %s free, %s required",
			m.cfg.StagingDir, humanize.IBytes(free), humanize.IBytes(m.cfg.MinFreeSpace))
	}
	return nil
}

// finish stamps the outcome, records metrics and logs the result
func (m *Manager) finish(logger *slog.Logger, res JobResult, start time.Time, stage Stage, err error) JobResult {
	res.Duration = time.Since(start)

	switch {
	case err != nil:
		res.Outcome = OutcomeFailed
		res.Stage = stage
		res.Err = err
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		metrics.JobFailuresTotal.WithLabelValues(string(stage)).Inc()
		logger.Error("job failed", "stage", stage, "error", err, "duration", res.Duration)
	case res.Outcome == "":
		res.Outcome = OutcomeSucceeded
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeSucceeded).Inc()
		logger.Info("job succeeded",
			"segments", res.Segments,
			"missing", res.Missing,
			"location", res.Location,
			"duration", res.Duration)
	default:
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		logger.Debug("job skipped", "outcome", res.Outcome)
	}
	return res
}

// RunMany processes ids on a bounded pool, at most MaxJobs at a time.
// Duplicates and empty ids are dropped first. Job failures are reported in
// the summary, never returned. Once ctx is done no further job starts;
// running jobs finish.
func (m *Manager) RunMany(ctx context.Context, ids []string) Summary {
	unique := Dedupe(ids)
	logger := m.logger.With("run_id", uuid.NewString())
	logger.Info("starting batch", "ids", len(unique), "workers", m.cfg.MaxJobs)

	results := make([]JobResult, len(unique))
	started := make([]bool, len(unique))
	jobCtx := context.WithoutCancel(ctx)
	slots := semaphore.NewWeighted(int64(m.cfg.MaxJobs))

	var g errgroup.Group
	for i, id := range unique {
		if ctx.Err() != nil {
			logger.Warn("interrupted, not scheduling remaining ids", "remaining", len(unique)-i)
			break
		}
		if err := slots.Acquire(ctx, 1); err != nil {
			logger.Warn("interrupted, not scheduling remaining ids", "remaining", len(unique)-i)
			break
		}
		started[i] = true
		g.Go(func() error {
			defer slots.Release(1)
			results[i] = m.processSafely(jobCtx, logger, id)
			m.notify(results[i])
			return nil
		})
	}
	_ = g.Wait()

	var sum Summary
	for i, r := range results {
		if !started[i] {
			sum.NotStarted++
			continue
		}
		sum.add(r)
	}
	logger.Info("batch finished", "summary", sum.String())
	return sum
}

// processSafely turns a panic inside one job into that job's failure
func (m *Manager) processSafely(ctx context.Context, logger *slog.Logger, id string) (res JobResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "video_id", id, "panic", r, "stack", string(debug.Stack()))
			metrics.JobsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			res = JobResult{ID: id, Outcome: OutcomeFailed, Err: fmt.Errorf("job panicked: %v", r)}
		}
	}()
	res, _ = m.Process(ctx, id)
	return res
}

// RunRange processes the numeric ids start..end inclusive
func (m *Manager) RunRange(ctx context.Context, start, end int) (Summary, error) {
	if end < start {
		return Summary{}, fmt.Errorf("invalid range: end %d is before start %d", end, start)
	}
	ids := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		ids = append(ids, strconv.Itoa(i))
	}
	return m.RunMany(ctx, ids), nil
}

// RunSearch walks the search results for keyword page by page and processes
// each page as a batch. It stops at the first failed or empty page.
func (m *Manager) RunSearch(ctx context.Context, keyword string) Summary {
	logger := m.logger.With("keyword", keyword)

	var total Summary
	for page := 1; ctx.Err() == nil; page++ {
		ids, err := m.source.Search(ctx, keyword, page)
		if err != nil {
			logger.Warn("search stopped", "page", page, "error", err)
			break
		}
		if len(ids) == 0 {
			logger.Info("search exhausted", "pages", page-1)
			break
		}

		logger.Info("search page", "page", page, "ids", len(ids))
		total.Merge(m.RunMany(ctx, ids))

		if err := httpclient.Pause(ctx, m.cfg.SearchPauseMin, m.cfg.SearchPauseMax); err != nil {
			break
		}
	}
	return total
}
