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

package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"sharefs/internal/daemon"
)

var mountCmd = &cobra.Command{
	Use:   "mount <share> <mount-point> (--host-dir <path> | --remote <network:addr>)",
	Short: "Mount a shared folder",
	Long: `Mounts a host directory, or a share served by "sharefs host serve",
at the specified mount point.

The daemon will be started automatically if not running. The mount point
must be an empty directory; it is created if missing.

Examples:
  sharefs mount projects ~/mnt/projects --host-dir /srv/projects
  sharefs mount docs ./docs --remote tcp:10.0.2.2:7070 --read-only
  sharefs mount www /var/www --host-dir ./site --uid 33 --gid 33 --fmask 022`,
	Args: cobra.ExactArgs(2),
	RunE: runMount,
}

var mountLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List active mounts",
	Long:  `Lists all currently active sharefs mounts.`,
	Args:  cobra.NoArgs,
	RunE:  runMountLs,
}

var mountCheckCmd = &cobra.Command{
	Use:   "check <path>...",
	Short: "Check if paths are mounted",
	Long: `Check if one or more paths are currently sharefs mount points.

Returns exit code 0 if ALL paths are mounted, non-zero otherwise.
Use -q/--quiet to suppress output (useful in scripts).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMountCheck,
}

var (
	mountCheckQuiet bool
	mountOpts       = newMountFlags()
)

// octalMode is a permission flag given in octal, e.g. 0644 or 755.
type octalMode uint32

func (m *octalMode) String() string { return fmt.Sprintf("%04o", uint32(*m)) }
func (m *octalMode) Type() string   { return "octal" }

func (m *octalMode) Set(s string) error {
	v, err := parseOctalMode(s)
	if err != nil {
		return err
	}
	*m = octalMode(v)
	return nil
}

func parseOctalMode(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal mode %q", s)
	}
	if v&^0o7777 != 0 {
		return 0, fmt.Errorf("mode %q has bits outside 07777", s)
	}
	return uint32(v), nil
}

// mountFlags holds the per-mount options shared by "mount" and "fuse".
type mountFlags struct {
	hostDir      string
	remote       string
	uid          uint32
	gid          uint32
	fileMode     octalMode
	dirMode      octalMode
	fmask        octalMode
	dmask        octalMode
	ttlMillis    int
	maxIO        int
	readOnly     bool
	hideSymlinks bool
	singleFile   string
}

func newMountFlags() *mountFlags {
	return &mountFlags{
		uid:       uint32(os.Getuid()),
		gid:       uint32(os.Getgid()),
		ttlMillis: -1,
	}
}

func (f *mountFlags) addFlags(fs *pflag.FlagSet, withSource bool) {
	if withSource {
		fs.StringVarP(&f.hostDir, "host-dir", "d", "", "Host directory to share")
		fs.StringVarP(&f.remote, "remote", "r", "", "Remote host service as network:address")
	}
	fs.Uint32Var(&f.uid, "uid", f.uid, "Owner reported for every node")
	fs.Uint32Var(&f.gid, "gid", f.gid, "Group reported for every node")
	fs.Var(&f.fileMode, "file-mode", "Fixed file permissions (octal, 0 keeps host modes)")
	fs.Var(&f.dirMode, "dir-mode", "Fixed directory permissions (octal, 0 keeps host modes)")
	fs.Var(&f.fmask, "fmask", "Permission bits cleared on files (octal)")
	fs.Var(&f.dmask, "dmask", "Permission bits cleared on directories (octal)")
	fs.IntVar(&f.ttlMillis, "ttl-ms", f.ttlMillis, "Attribute cache lifetime in milliseconds (-1 uses the daemon setting)")
	fs.IntVar(&f.maxIO, "max-io", 0, "Largest single read or write forwarded to the host (0 uses the default)")
	fs.BoolVar(&f.readOnly, "read-only", false, "Reject every modification")
	fs.BoolVar(&f.hideSymlinks, "hide-symlinks", false, "Hide symbolic links from listings and lookups")
	fs.StringVar(&f.singleFile, "single-file", "", "Expose only this one file of the share")
}

// toSpec builds the daemon request for share mounted at mountPoint.
func (f *mountFlags) toSpec(share, mountPoint string) (*daemon.MountSpec, error) {
	if share == "" || strings.ContainsAny(share, "/\\") {
		return nil, fmt.Errorf("invalid share name %q", share)
	}
	if (f.hostDir == "") == (f.remote == "") {
		return nil, errors.New("exactly one of --host-dir and --remote is required")
	}
	if f.remote != "" {
		if network, addr, ok := strings.Cut(f.remote, ":"); !ok || network == "" || addr == "" {
			return nil, fmt.Errorf("invalid --remote %q: want network:address", f.remote)
		}
	}
	if f.maxIO < 0 {
		return nil, fmt.Errorf("invalid --max-io %d", f.maxIO)
	}
	if f.singleFile != "" && strings.Contains(strings.Trim(f.singleFile, "/"), "/") {
		return nil, fmt.Errorf("--single-file must name a file directly in the share root")
	}

	spec := &daemon.MountSpec{
		Share:        share,
		Remote:       f.remote,
		UID:          f.uid,
		GID:          f.gid,
		FileMode:     uint32(f.fileMode),
		DirMode:      uint32(f.dirMode),
		FMask:        uint32(f.fmask),
		DMask:        uint32(f.dmask),
		TTLMillis:    f.ttlMillis,
		MaxIO:        f.maxIO,
		ReadOnly:     f.readOnly,
		HideSymlinks: f.hideSymlinks,
		SingleFile:   strings.Trim(f.singleFile, "/"),
	}
	var err error
	if spec.MountPoint, err = filepath.Abs(mountPoint); err != nil {
		return nil, fmt.Errorf("failed to resolve mount point: %w", err)
	}
	if f.hostDir != "" {
		if spec.HostDir, err = filepath.Abs(f.hostDir); err != nil {
			return nil, fmt.Errorf("failed to resolve host dir: %w", err)
		}
		info, err := os.Stat(spec.HostDir)
		if err != nil {
			return nil, fmt.Errorf("host dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("host dir is not a directory: %s", spec.HostDir)
		}
	}
	return spec, nil
}

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.AddCommand(mountLsCmd)
	mountCmd.AddCommand(mountCheckCmd)
	mountCheckCmd.Flags().BoolVarP(&mountCheckQuiet, "quiet", "q", false, "Suppress output, only set exit code")
	mountOpts.addFlags(mountCmd.Flags(), true)
	mountCmd.MarkFlagsMutuallyExclusive("host-dir", "remote")
	mountCmd.MarkFlagsOneRequired("host-dir", "remote")
}

func runMount(cmd *cobra.Command, args []string) error {
	spec, err := mountOpts.toSpec(args[0], args[1])
	if err != nil {
		return err
	}
	if err := prepareMountPoint(spec.MountPoint); err != nil {
		return err
	}

	if err := StartDaemonIfNeeded(true); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	client, err := connectDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := checkNotInMount(client, spec.MountPoint); err != nil {
		return err
	}

	resp, err := client.Mount(spec)
	if err != nil {
		return fmt.Errorf("mount request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}

	fmt.Println(resp.Message)
	return nil
}

// prepareMountPoint creates mountPoint if missing and otherwise requires an
// empty directory.
func prepareMountPoint(mountPoint string) error {
	info, err := os.Lstat(mountPoint)
	if os.IsNotExist(err) {
		return os.MkdirAll(mountPoint, 0o755)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point exists and is not a directory: %s", mountPoint)
	}
	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		return fmt.Errorf("failed to read mount point: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("mount point is not empty: %s", mountPoint)
	}
	return nil
}

// checkNotInMount rejects mount points nested inside an active mount.
// Creating one would route the kernel mount through our own export.
func checkNotInMount(client *daemon.Client, path string) error {
	mounts, err := client.List()
	if err != nil {
		return nil
	}
	if m, ok := enclosingMount(mounts, path); ok {
		return fmt.Errorf("mount point inside a mount is not supported\n\nThe path '%s' is inside the sharefs mount at '%s'.", path, m.MountPoint)
	}
	return nil
}

func enclosingMount(mounts []daemon.MountStatus, path string) (daemon.MountStatus, bool) {
	for _, m := range mounts {
		if path == m.MountPoint || strings.HasPrefix(path, m.MountPoint+string(filepath.Separator)) {
			return m, true
		}
	}
	return daemon.MountStatus{}, false
}

func runMountLs(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("No active mounts (daemon not running)")
		return nil
	}

	client, err := connectDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	mounts, err := client.List()
	if err != nil {
		return fmt.Errorf("failed to list mounts: %w", err)
	}
	printMounts(mounts)
	return nil
}

func printMounts(mounts []daemon.MountStatus) {
	if len(mounts) == 0 {
		fmt.Println("No active mounts")
		return
	}

	fmt.Printf("Active mounts (%d):\n", len(mounts))
	for _, m := range mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		fmt.Printf("  %s -> %s [%s]\n", m.Share, m.MountPoint, mode)
		fmt.Printf("    source: %s\n", m.Source)
		fmt.Printf("    nodes: %d (%d stale), open handles: %d", m.Nodes, m.StaleNodes, m.OpenHandles)
		if m.Port > 0 {
			fmt.Printf(", port %d", m.Port)
		}
		fmt.Println()
	}
}

func runMountCheck(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		if !mountCheckQuiet {
			fmt.Println("daemon not running")
		}
		return fmt.Errorf("daemon not running")
	}

	client, err := connectDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	mounts, err := client.List()
	if err != nil {
		return fmt.Errorf("failed to check mounts: %w", err)
	}
	active := make(map[string]bool, len(mounts))
	for _, m := range mounts {
		active[m.MountPoint] = true
	}

	allMounted := true
	for _, path := range args {
		absPath, err := filepath.Abs(path)
		if err != nil {
			if !mountCheckQuiet {
				fmt.Printf("%s: error resolving path\n", path)
			}
			allMounted = false
			continue
		}
		mounted := active[absPath]
		allMounted = allMounted && mounted
		if mountCheckQuiet {
			continue
		}
		if mounted {
			fmt.Printf("%s: mounted\n", absPath)
		} else {
			fmt.Printf("%s: not mounted\n", absPath)
		}
	}

	if !allMounted {
		return fmt.Errorf("one or more paths not mounted")
	}
	return nil
}
