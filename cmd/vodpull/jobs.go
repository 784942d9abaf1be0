package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/justchokingaround/vodpull/internal/api"
	"github.com/justchokingaround/vodpull/internal/downloader"
	"github.com/justchokingaround/vodpull/internal/downloader/hls"
	"github.com/justchokingaround/vodpull/internal/downloader/tools"
)

// newManager wires the API client, segment pipeline, muxer and relocator.
// It fails when a required external tool is missing.
func newManager(ctx context.Context) (*downloader.Manager, error) {
	ffmpeg, err := tools.Require(ctx, tools.ToolFFmpeg, cfg.FFmpeg.Binary)
	if err != nil {
		return nil, err
	}
	logger.Debug("found ffmpeg", "path", ffmpeg.Binary, "version", ffmpeg.Version)

	var relocator downloader.Relocator
	if localMode {
		relocator = downloader.LocalRelocator{Dir: cfg.Storage.OutputDir}
	} else {
		if err := cfg.ValidateRemote(); err != nil {
			return nil, err
		}
		rclone, err := tools.Require(ctx, tools.ToolRclone, cfg.Rclone.Binary)
		if err != nil {
			return nil, err
		}
		logger.Debug("found rclone", "path", rclone.Binary, "version", rclone.Version)
		relocator = downloader.NewRcloneRelocator(downloader.RcloneConfig{
			Binary:     rclone.Binary,
			RemoteDest: cfg.Rclone.RemoteDest,
			Transfers:  cfg.Rclone.Transfers,
			BufferSize: cfg.Rclone.BufferSize,
			ChunkSize:  cfg.Rclone.ChunkSize,
			Logger:     logger,
		})
	}

	client := api.NewClient(api.Config{
		APIBase:           cfg.API.APIBase,
		PlayBase:          cfg.API.PlayBase,
		Token:             cfg.API.Token,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		UserAgents:        cfg.Download.UserAgents,
		Debug:             debugMode,
		Logger:            logger,
	})

	fetcher := hls.NewHTTPFetcher(hls.FetcherConfig{
		Attempts:   cfg.Download.Attempts,
		Timeout:    cfg.Download.Timeout,
		RetryDelay: cfg.Download.RetryDelay,
		UserAgents: cfg.Download.UserAgents,
		Debug:      debugMode,
		Logger:     logger,
	})
	pipeline := hls.NewPipeline(fetcher, hls.PipelineConfig{
		Workers:   cfg.Concurrency.MaxSegmentTasks,
		JitterMin: cfg.Download.SegmentJitterMin,
		JitterMax: cfg.Download.SegmentJitterMax,
		Logger:    logger,
	})

	assembler := downloader.NewAssembler(downloader.FFmpegMuxer{Binary: ffmpeg.Binary}, cfg.FFmpeg.AtomicReplace, logger)

	return downloader.NewManager(store, client, pipeline, assembler, relocator, downloader.ManagerConfig{
		WorkDir:        cfg.Storage.WorkDir,
		StagingDir:     cfg.Storage.StagingDir,
		MaxJobs:        cfg.Concurrency.MaxVideoTasks,
		MaxMerges:      cfg.Concurrency.MaxMerges,
		MinFreeSpace:   uint64(cfg.Storage.MinFreeSpace) * humanize.MiByte,
		JobJitterMin:   cfg.Download.JobJitterMin,
		JobJitterMax:   cfg.Download.JobJitterMax,
		SearchPauseMin: cfg.Download.SearchPauseMin,
		SearchPauseMax: cfg.Download.SearchPauseMax,
		Logger:         logger,
	})
}

// trackProgress draws a bar advanced by every finished job. A negative
// total draws a spinner.
func trackProgress(m *downloader.Manager, total int, description string) *progressbar.ProgressBar {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(total > 0),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	m.OnJobFinished(func(r downloader.JobResult) {
		_ = bar.Add(1)
	})
	return bar
}

func printResult(r downloader.JobResult) {
	switch r.Outcome {
	case downloader.OutcomeSucceeded:
		fmt.Printf("%s  %s  %d segments", r.ID, r.Title, r.Segments)
		if r.Missing > 0 {
			fmt.Printf(" (%d missing)", r.Missing)
		}
		fmt.Printf("  -> %s  [%s]\n", r.Location, r.Duration.Round(time.Second))
	case downloader.OutcomeFailed:
		fmt.Printf("%s  failed at %s: %v\n", r.ID, r.Stage, r.Err)
	default:
		fmt.Printf("%s  skipped (%s)\n", r.ID, r.Outcome)
	}
}

// reportSummary prints a batch summary. Failed jobs do not fail the
// command; the exit status only says whether the batch ran.
func reportSummary(sum downloader.Summary) {
	for _, r := range sum.Results {
		if r.Outcome == downloader.OutcomeFailed {
			printResult(r)
		}
	}
	fmt.Println(sum.String())
	if sum.NotStarted > 0 {
		fmt.Println("Interrupted before every id was scheduled")
	}
}

// runBatch builds a manager, runs fn with a progress bar and reports
func runBatch(cmd *cobra.Command, total int, description string, fn func(ctx context.Context, m *downloader.Manager) (downloader.Summary, error)) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	m, err := newManager(ctx)
	if err != nil {
		return err
	}
	bar := trackProgress(m, total, description)
	sum, err := fn(ctx, m)
	_ = bar.Finish()
	if err != nil {
		return err
	}
	reportSummary(sum)
	return nil
}

var processCmd = &cobra.Command{
	Use:   "process <id>",
	Short: "Download one video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		m, err := newManager(ctx)
		if err != nil {
			return err
		}
		res, err := m.Process(ctx, args[0])
		printResult(res)
		if errors.Is(err, downloader.ErrInvalidID) {
			return err
		}
		return nil
	},
}

var rangeCmd = &cobra.Command{
	Use:   "range <start> <end>",
	Short: "Download every numeric id from start to end inclusive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid start %q: %w", args[0], err)
		}
		end, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid end %q: %w", args[1], err)
		}
		if end < start {
			return fmt.Errorf("invalid range: end %d is before start %d", end, start)
		}

		return runBatch(cmd, end-start+1, fmt.Sprintf("range %d-%d", start, end), func(ctx context.Context, m *downloader.Manager) (downloader.Summary, error) {
			return m.RunRange(ctx, start, end)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list <id>...",
	Short: "Download the given ids",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := downloader.Dedupe(args)
		return runBatch(cmd, len(ids), "list", func(ctx context.Context, m *downloader.Manager) (downloader.Summary, error) {
			return m.RunMany(ctx, ids), nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <keyword>",
	Short: "Download every search result for keyword, page by page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyword := args[0]
		return runBatch(cmd, -1, "search "+keyword, func(ctx context.Context, m *downloader.Manager) (downloader.Summary, error) {
			return m.RunSearch(ctx, keyword), nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read stats: %w", err)
		}
		fmt.Printf("Total: %s | Succeeded: %s | Failed: %s\n",
			humanize.Comma(stats.Total), humanize.Comma(stats.Succeeded), humanize.Comma(stats.Failed()))
		return nil
	},
}
