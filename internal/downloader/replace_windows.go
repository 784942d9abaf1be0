//go:build windows

package downloader

// replaceAtomically falls back to remove-then-move; renameio has no
// Windows support.
func replaceAtomically(src, dst string) error {
	return replace(src, dst)
}
