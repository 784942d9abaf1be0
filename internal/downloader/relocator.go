package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrRelocation marks a failed move out of staging
var ErrRelocation = errors.New("relocation failed")

// Relocator moves a staged file to long-term storage and returns where it
// ended up.
type Relocator interface {
	Relocate(ctx context.Context, stagedPath, fileName string) (string, error)
}

// LocalRelocator moves staged files into a local directory
type LocalRelocator struct {
	Dir string
}

// Relocate implements Relocator
func (l LocalRelocator) Relocate(_ context.Context, stagedPath, fileName string) (string, error) {
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRelocation, err)
	}
	dest := filepath.Join(l.Dir, fileName)
	if err := moveFile(stagedPath, dest); err != nil {
		return "", fmt.Errorf("%w: move %s: %w", ErrRelocation, stagedPath, err)
	}
	return dest, nil
}

// RcloneConfig holds the transfer tuning passed to rclone
type RcloneConfig struct {
	Binary     string
	RemoteDest string
	Transfers  int
	BufferSize string
	ChunkSize  string
	Logger     *slog.Logger
}

// RcloneRelocator moves staged files to an rclone remote
type RcloneRelocator struct {
	cfg    RcloneConfig
	logger *slog.Logger
}

// NewRcloneRelocator creates a relocator for cfg.RemoteDest
func NewRcloneRelocator(cfg RcloneConfig) *RcloneRelocator {
	if cfg.Binary == "" {
		cfg.Binary = "rclone"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RcloneRelocator{cfg: cfg, logger: logger}
}

// Args returns the rclone command line for one file
func (r *RcloneRelocator) Args(stagedPath string) []string {
	args := []string{"move", stagedPath, r.cfg.RemoteDest, "--stats", "1s"}
	if r.cfg.Transfers > 0 {
		args = append(args, "--transfers", strconv.Itoa(r.cfg.Transfers))
	}
	if r.cfg.BufferSize != "" {
		args = append(args, "--buffer-size", r.cfg.BufferSize)
	}
	if r.cfg.ChunkSize != "" {
		args = append(args, "--onedrive-chunk-size", r.cfg.ChunkSize)
	}
	return args
}

// Relocate implements Relocator
func (r *RcloneRelocator) Relocate(ctx context.Context, stagedPath, fileName string) (string, error) {
	if _, err := os.Stat(stagedPath); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRelocation, err)
	}

	cmd := exec.CommandContext(ctx, r.cfg.Binary, r.Args(stagedPath)...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	r.logger.Debug("running rclone", "file", stagedPath, "remote", r.cfg.RemoteDest)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: rclone move: %w: %s", ErrRelocation, err, lastLine(output.String()))
	}
	return remotePath(r.cfg.RemoteDest, fileName), nil
}

// remotePath joins an rclone destination ("remote:", "remote:dir") and a name
func remotePath(dest, name string) string {
	if strings.HasSuffix(dest, ":") || strings.HasSuffix(dest, "/") {
		return dest + name
	}
	return dest + "/" + name
}
