package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/justchokingaround/vodpull/internal/downloader/hls"
)

const (
	// FileListName is the concat list written next to the segments
	FileListName = "filelist.txt"
	// MergedName is the muxer output before it is moved into place
	MergedName = "merged.mp4"
)

// ErrAssembly marks a muxing failure or a directory with nothing to merge
var ErrAssembly = errors.New("assembly failed")

// Muxer concatenates the segments listed in listFile (relative to dir) into
// output without re-encoding.
type Muxer interface {
	Concat(ctx context.Context, dir, listFile, output string) error
}

// FFmpegMuxer runs ffmpeg's concat demuxer
type FFmpegMuxer struct {
	Binary string
}

// Concat implements Muxer
func (f FFmpegMuxer) Concat(ctx context.Context, dir, listFile, output string) error {
	binary := f.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", output,
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// lastLine returns the final non-empty line of tool output
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Assembler merges a directory of staged segments into one MP4
type Assembler struct {
	muxer         Muxer
	atomicReplace bool
	logger        *slog.Logger
}

// NewAssembler creates an assembler. With atomicReplace the output is
// swapped in through a fsynced rename instead of remove-then-move.
func NewAssembler(muxer Muxer, atomicReplace bool, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{muxer: muxer, atomicReplace: atomicReplace, logger: logger}
}

// Assemble merges every segment in dir into outputPath and returns how many
// segments went in. outputPath is left untouched on failure.
func (a *Assembler) Assemble(ctx context.Context, dir, outputPath string) (int, error) {
	names, err := listSegments(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAssembly, err)
	}
	if len(names) == 0 {
		return 0, fmt.Errorf("%w: no segments in %s", ErrAssembly, dir)
	}

	if err := os.WriteFile(filepath.Join(dir, FileListName), buildFileList(names), 0644); err != nil {
		return 0, fmt.Errorf("%w: write file list: %w", ErrAssembly, err)
	}

	if err := a.muxer.Concat(ctx, dir, FileListName, MergedName); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAssembly, err)
	}

	merged := filepath.Join(dir, MergedName)
	if _, err := os.Stat(merged); err != nil {
		return 0, fmt.Errorf("%w: muxer produced no output: %w", ErrAssembly, err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAssembly, err)
	}

	if a.atomicReplace {
		err = replaceAtomically(merged, outputPath)
	} else {
		err = replace(merged, outputPath)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAssembly, err)
	}

	a.logger.Debug("segments merged", "dir", dir, "output", outputPath, "segments", len(names))
	return len(names), nil
}

// listSegments returns the segment file names of dir in sequence order.
// Names without digits share index 0; ties keep directory order.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name() == FileListName || e.Name() == MergedName {
			continue
		}
		names = append(names, e.Name())
	}

	sort.SliceStable(names, func(i, j int) bool {
		return hls.SequenceIndex(names[i]) < hls.SequenceIndex(names[j])
	})
	return names, nil
}

// buildFileList renders names in concat demuxer syntax
func buildFileList(names []string) []byte {
	var b bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(name, "'", `'\''`))
	}
	return b.Bytes()
}

// replace removes dst and moves src into its place. A crash between the
// two steps loses dst.
func replace(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing output: %w", err)
	}
	return moveFile(src, dst)
}

// moveFile renames src to dst, copying across filesystems when needed
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}

	_ = in.Close()
	return os.Remove(src)
}
