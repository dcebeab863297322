// Copyright 2026 ShareFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build darwin

package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// NFSMount mounts the NFS export at ip:port on mountPath using mount_nfs.
// noac keeps the kernel from caching attributes on top of the node cache TTL.
// soft,timeo=50,retrans=3 lets the kernel give up on a dead daemon instead of
// leaving a mount that only a reboot clears.
func NFSMount(ip string, port int, mountPath string) error {
	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	cmd := exec.Command("mount_nfs",
		"-o", fmt.Sprintf("port=%d,mountport=%d,tcp,nolocks,vers=3,rsize=65536,wsize=65536,noac,soft,timeo=50,retrans=3,nobrowse", port, port),
		fmt.Sprintf("%s:/", ip),
		mountPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount_nfs failed: %w: %s", err, string(output))
	}
	return nil
}

// SMBMount mounts the SMB share using mount_smbfs as guest
func SMBMount(port int, shareName, mountPath string) error {
	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	url := fmt.Sprintf("//Guest@127.0.0.1:%d/%s", port, shareName)
	log.Debugf("Mount: running mount_smbfs %s -> %s", url, mountPath)

	// -N: no password prompt; nobrowse: hidden from Finder; nostreams: no named streams
	cmd := exec.Command("mount_smbfs", "-N", "-o", "nobrowse,nostreams", url, mountPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount_smbfs failed: %w, output: %s", err, string(output))
	}
	return nil
}

// Unmount unmounts a filesystem, escalating from diskutil to umount -f
func Unmount(mountPoint string) error {
	if !IsMounted(mountPoint) {
		log.Debugf("Unmount: %s is not mounted, nothing to do", mountPoint)
		return nil
	}

	attempts := [][]string{
		{"diskutil", "unmount", mountPoint},
		{"umount", mountPoint},
		{"umount", "-f", mountPoint},
	}
	var lastErr error
	for _, args := range attempts {
		ctx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
		output, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
		cancel()
		if err == nil {
			log.Debugf("Unmount: %s succeeded for %s", args[0], mountPoint)
			return nil
		}
		log.Debugf("Unmount: %v failed: %v, output: %s", args, err, string(output))
		lastErr = err
	}
	return fmt.Errorf("all unmount attempts failed for %s: %w", mountPoint, lastErr)
}
