//go:build !windows

package downloader

import (
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
)

// replaceAtomically copies src into a pending file beside dst, fsyncs it and
// renames it over dst.
func replaceAtomically(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	pending, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0644))
	if err != nil {
		return fmt.Errorf("create pending output: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	if _, err := io.Copy(pending, in); err != nil {
		return fmt.Errorf("copy merged output: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace output: %w", err)
	}

	_ = in.Close()
	return os.Remove(src)
}
