//go:build !darwin

package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// NFSMount mounts the NFS export at ip:port on mountPath. Requires root.
func NFSMount(ip string, port int, mountPath string) error {
	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	cmd := exec.Command("mount", "-t", "nfs",
		"-o", fmt.Sprintf("port=%d,mountport=%d,tcp,nolock,vers=3,noac,soft,timeo=50,retrans=3", port, port),
		fmt.Sprintf("%s:/", ip),
		mountPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount nfs failed: %w: %s", err, string(output))
	}
	return nil
}

// SMBMount mounts the SMB share with the cifs client as guest
func SMBMount(port int, shareName, mountPath string) error {
	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	cmd := exec.Command("mount", "-t", "cifs",
		"-o", fmt.Sprintf("guest,port=%d,vers=3.0", port),
		fmt.Sprintf("//127.0.0.1/%s", shareName),
		mountPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount cifs failed: %w: %s", err, string(output))
	}
	return nil
}

// Unmount unmounts a filesystem, falling back to a lazy unmount
func Unmount(mountPoint string) error {
	if !IsMounted(mountPoint) {
		log.Debugf("Unmount: %s is not mounted, nothing to do", mountPoint)
		return nil
	}

	var lastErr error
	for _, args := range [][]string{{mountPoint}, {"-f", mountPoint}, {"-l", mountPoint}} {
		ctx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
		output, err := exec.CommandContext(ctx, "umount", args...).CombinedOutput()
		cancel()
		if err == nil {
			return nil
		}
		log.Debugf("Unmount: umount %v failed: %v, output: %s", args, err, string(output))
		lastErr = err
	}
	return fmt.Errorf("all unmount attempts failed for %s: %w", mountPoint, lastErr)
}
