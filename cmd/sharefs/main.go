// Command sharefs mounts host directories as shared folders.
package main

import (
	"fmt"
	"os"

	"sharefs/internal/cli/commands"
)

// Set by goreleaser ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersion(version, commit, date)
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sharefs: %v\n", err)
		os.Exit(1)
	}
}
