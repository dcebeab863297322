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
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var unmountCmd = &cobra.Command{
	Use:     "unmount [mount-point | id]",
	Aliases: []string{"umount"},
	Short:   "Unmount a shared folder",
	Long: `Unmounts a sharefs mount and forgets it.

Mounts with open files are refused unless --force is given.
Use --all to unmount every share (daemon continues running).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUnmount,
}

var (
	unmountAll   bool
	unmountForce bool
)

func init() {
	unmountCmd.Flags().BoolVarP(&unmountAll, "all", "a", false, "Unmount all shares")
	unmountCmd.Flags().BoolVarP(&unmountForce, "force", "f", false, "Unmount even with open files")
	rootCmd.AddCommand(unmountCmd)
}

// unmountTarget resolves the positional argument: mount ids pass through,
// anything else is taken as a path.
func unmountTarget(args []string, all bool) (string, error) {
	if all {
		if len(args) > 0 {
			return "", fmt.Errorf("--all does not take a mount point")
		}
		return "", nil
	}
	if len(args) == 0 {
		return "", fmt.Errorf("mount point required (or use --all)")
	}
	if isMountID(args[0]) {
		return args[0], nil
	}
	return filepath.Abs(args[0])
}

func runUnmount(cmd *cobra.Command, args []string) error {
	target, err := unmountTarget(args, unmountAll)
	if err != nil {
		return err
	}

	client, err := connectDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Unmount(target, unmountAll, unmountForce)
	if err != nil {
		return fmt.Errorf("unmount request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}

	fmt.Println(resp.Message)
	return nil
}
