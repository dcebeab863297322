package commands

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <mount-point | id> [path]",
	Short: "Drop cached state for part of a share",
	Long: `Marks the cached node at path, and everything below it, stale so the
next access re-reads it from the host. Path is relative to the share root
and defaults to the whole share.

Examples:
  sharefs invalidate ~/mnt/projects
  sharefs invalidate ~/mnt/projects src/generated`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runInvalidate,
}

func init() {
	rootCmd.AddCommand(invalidateCmd)
}

// sharePath turns a user-supplied path into an absolute share path.
func sharePath(p string) string {
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	target := args[0]
	if !isMountID(target) {
		abs, err := filepath.Abs(target)
		if err != nil {
			return err
		}
		target = abs
	}
	p := "/"
	if len(args) == 2 {
		p = sharePath(args[1])
	}

	client, err := connectDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	found, err := client.Invalidate(target, p)
	if err != nil {
		return err
	}
	if found {
		fmt.Printf("Invalidated %s\n", p)
	} else {
		fmt.Printf("%s is not cached\n", p)
	}
	return nil
}
