//go:build linux || darwin || freebsd

package qbt

import (
	"fmt"
	"os"
	"syscall"
)

// freeDiskSpace reports bytes available to non-root users at path, adapted
// from akira's disk_service_unix.go statfs-based probe.
func freeDiskSpace(path string) (int64, error) {
	if path == "" {
		return 0, fmt.Errorf("empty save path root")
	}
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("path does not exist: %w", err)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to get filesystem stats: %w", err)
	}

	blockSize := int64(stat.Bsize)
	return int64(stat.Bavail) * blockSize, nil
}
