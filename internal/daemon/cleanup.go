package daemon

import (
	"context"
	"fmt"
	"os"
	"strings"

	"sharefs/internal/storage"
	"sharefs/internal/util"
)

// CleanupResult contains the result of a cleanup operation
type CleanupResult struct {
	StaleMounts    []string // Mount points that were unmounted
	CleanedPidFile bool     // Whether PID file was cleaned
	CleanedSocket  bool     // Whether socket file was cleaned
	Errors         []error  // Any errors encountered
}

// CleanupStale unmounts kernel mounts left behind by a daemon that is no
// longer running. Candidate mount points come from the registry, so only
// ShareFS mounts are ever touched. reg may be nil.
func CleanupStale(ctx context.Context, reg *storage.Registry) *CleanupResult {
	result := &CleanupResult{}

	if IsDaemonRunning() {
		return result
	}

	if reg != nil {
		entries, err := reg.List(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to list registered mounts: %w", err))
		}
		for _, e := range entries {
			if !IsMounted(e.MountPoint) {
				continue
			}
			if err := Unmount(e.MountPoint); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("failed to unmount %s: %w", e.MountPoint, err))
			} else {
				result.StaleMounts = append(result.StaleMounts, e.MountPoint)
			}
		}
	}

	result.CleanedPidFile = cleanupStalePidFile()
	result.CleanedSocket = cleanupStaleSocket()

	return result
}

// cleanupStalePidFile removes PID file if the process is not running
func cleanupStalePidFile() bool {
	pid, err := GetPID()
	if err != nil {
		return false
	}
	if util.IsProcessRunning(pid) {
		return false
	}
	os.Remove(PidPath())
	return true
}

// cleanupStaleSocket removes socket file if daemon isn't running
func cleanupStaleSocket() bool {
	socketPath := SocketPath()

	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return false
	}

	if !IsDaemonRunning() {
		os.Remove(socketPath)
		return true
	}

	return false
}

// FormatCleanupResult formats a cleanup result for display
func FormatCleanupResult(result *CleanupResult) string {
	var parts []string

	if len(result.StaleMounts) > 0 {
		parts = append(parts, fmt.Sprintf("Unmounted %d stale mount(s):", len(result.StaleMounts)))
		for _, m := range result.StaleMounts {
			parts = append(parts, fmt.Sprintf("  - %s", m))
		}
	}

	if result.CleanedPidFile {
		parts = append(parts, "Cleaned up stale PID file")
	}

	if result.CleanedSocket {
		parts = append(parts, "Cleaned up stale socket file")
	}

	if len(result.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Encountered %d error(s):", len(result.Errors)))
		for _, e := range result.Errors {
			parts = append(parts, fmt.Sprintf("  - %s", e.Error()))
		}
	}

	if len(parts) == 0 {
		return "No cleanup needed"
	}

	return strings.Join(parts, "\n")
}
