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
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sharefs/internal/daemon"
	"sharefs/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// logLevel is the --logging flag of foreground commands.
var logLevel string

var rootCmd = &cobra.Command{
	Use:   "sharefs",
	Short: "Mount host-shared folders",
	Long: `Mounts folders shared by a host as local filesystems. A daemon keeps a
node cache per share and exports it over NFS (or SMB) on 127.0.0.1.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := daemon.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		settings, err := daemon.LoadGlobalSettings()
		if err != nil {
			return err
		}
		if settings.BusyTimeout > 0 {
			storage.SetConfigBusyTimeout(settings.BusyTimeout)
		}
		return setupCLILogging(logLevel)
	},
}

// setupCLILogging sends logrus output to stderr for commands that serve in
// the foreground. The daemon sets up its own log file.
func setupCLILogging(level string) error {
	if level == "" || level == "none" || level == "off" {
		log.SetOutput(io.Discard)
		return nil
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: must be one of trace, debug, info, warn, none", level)
	}
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	return nil
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("sharefs version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&logLevel, "logging", "", "Log level for foreground commands: trace, debug, info, warn, none")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
