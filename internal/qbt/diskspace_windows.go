//go:build windows

package qbt

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// freeDiskSpace reports bytes available at path via GetDiskFreeSpaceEx,
// adapted from akira's disk_service_windows.go probe.
func freeDiskSpace(path string) (int64, error) {
	if path == "" {
		return 0, fmt.Errorf("empty save path root")
	}
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("path does not exist: %w", err)
	}

	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("failed to convert path to UTF-16: %w", err)
	}

	var freeBytesAvailable, totalNumberOfBytes, totalNumberOfFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(
		pathPtr,
		(*uint64)(unsafe.Pointer(&freeBytesAvailable)),
		(*uint64)(unsafe.Pointer(&totalNumberOfBytes)),
		(*uint64)(unsafe.Pointer(&totalNumberOfFreeBytes)),
	); err != nil {
		return 0, fmt.Errorf("failed to get disk space: %w", err)
	}

	return int64(freeBytesAvailable), nil
}
