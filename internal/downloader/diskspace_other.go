//go:build !(linux || darwin || windows)

package downloader

import "errors"

// freeSpace is not implemented on this platform; callers skip the check
func freeSpace(string) (uint64, error) {
	return 0, errDiskSpaceUnsupported
}

var errDiskSpaceUnsupported = errors.New("disk space check not supported on this platform")
