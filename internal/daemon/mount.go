package daemon

import (
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// unmountTimeout is the maximum time to wait for each unmount attempt.
// After the export server is shut down the kernel client may block
// unmount while it waits for a reply.
const unmountTimeout = 3 * time.Second

// IsMounted checks if a path is a mount point by checking the mount table
func IsMounted(mountPoint string) bool {
	output, err := exec.Command("mount").Output()
	if err != nil {
		return false
	}

	// On macOS /tmp -> /private/tmp, so the table shows the resolved path.
	realPath, err := filepath.EvalSymlinks(mountPoint)
	if err != nil {
		realPath = mountPoint
	}

	return len(output) > 0 && containsMount(string(output), realPath)
}

// containsMount checks if a mount point is in the mount output.
// Lines look like "something on /mount/point (type options)" on macOS and
// "something on /mount/point type nfs (options)" on Linux.
func containsMount(mountOutput, mountPoint string) bool {
	for _, line := range strings.Split(mountOutput, "\n") {
		if strings.Contains(line, " on "+mountPoint+" ") || strings.HasSuffix(line, " on "+mountPoint) {
			return true
		}
	}
	return false
}
