package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sharefs/internal/daemon"
	"sharefs/internal/fusefs"
)

var fuseCmd = &cobra.Command{
	Use:   "fuse <share> <mount-point> (--host-dir <path> | --remote <network:addr>)",
	Short: "Mount a shared folder through FUSE in the foreground",
	Long: `Serves a share directly through FUSE instead of a loopback network
export. The command stays in the foreground; interrupt it to unmount.

Examples:
  sharefs fuse projects ~/mnt/projects --host-dir /srv/projects
  sharefs fuse docs /mnt/docs --remote tcp:10.0.2.2:7070 --allow-other`,
	Args: cobra.ExactArgs(2),
	RunE: runFuse,
}

var (
	fuseOpts       = newMountFlags()
	fuseAllowOther bool
	fuseDebug      bool
)

func init() {
	fuseOpts.addFlags(fuseCmd.Flags(), true)
	fuseCmd.Flags().BoolVar(&fuseAllowOther, "allow-other", false, "Let other users access the mount")
	fuseCmd.Flags().BoolVar(&fuseDebug, "fuse-debug", false, "Log every FUSE request")
	fuseCmd.MarkFlagsMutuallyExclusive("host-dir", "remote")
	fuseCmd.MarkFlagsOneRequired("host-dir", "remote")
	rootCmd.AddCommand(fuseCmd)
}

func runFuse(cmd *cobra.Command, args []string) error {
	spec, err := fuseOpts.toSpec(args[0], args[1])
	if err != nil {
		return err
	}
	if err := prepareMountPoint(spec.MountPoint); err != nil {
		return err
	}
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return err
	}

	svc, sfs, err := daemon.OpenShare(cmd.Context(), spec, settings)
	if err != nil {
		return err
	}
	defer svc.Disconnect()
	defer sfs.Unmount(true)

	server, err := fusefs.Mount(spec.MountPoint, sfs, fusefs.Options{
		AllowOther: fuseAllowOther,
		Debug:      fuseDebug,
	})
	if err != nil {
		return fmt.Errorf("fuse mount: %w", err)
	}
	fmt.Printf("Mounted %s at %s (interrupt to unmount)\n", spec.Share, spec.MountPoint)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		if err := server.Unmount(); err != nil {
			log.WithError(err).Warn("[FUSE] Unmount failed")
		}
	}()

	server.Wait()
	return nil
}
