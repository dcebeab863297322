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
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sharefs/internal/provider/hostfs"
	"sharefs/internal/provider/remote"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host-side commands",
}

var hostServeCmd = &cobra.Command{
	Use:   "serve <dir>...",
	Short: "Serve host directories to remote mounts",
	Long: `Serves one or more directories over the remote folder protocol so
that "sharefs mount --remote" can mount them from another machine or VM.

Each directory is published under its base name unless given as name=dir.

Examples:
  sharefs host serve /srv/projects
  sharefs host serve docs=/srv/docs www=/var/www --listen tcp:0.0.0.0:7070
  sharefs host serve ~/work --listen unix:/tmp/sharefs.sock`,
	Args: cobra.MinimumNArgs(1),
	RunE: runHostServe,
}

var hostListen string

func init() {
	hostServeCmd.Flags().StringVarP(&hostListen, "listen", "l", "tcp:127.0.0.1:7070", "Listen address as network:address")
	hostCmd.AddCommand(hostServeCmd)
	rootCmd.AddCommand(hostCmd)
}

// parseShares maps share names to absolute host directories.
func parseShares(args []string) (map[string]string, error) {
	shares := make(map[string]string, len(args))
	for _, arg := range args {
		name, dir, ok := strings.Cut(arg, "=")
		if !ok {
			dir = arg
			name = filepath.Base(filepath.Clean(arg))
		}
		if name == "" || name == "." || name == "/" || strings.ContainsAny(name, "/\\") {
			return nil, fmt.Errorf("invalid share name for %q", arg)
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", abs)
		}
		if _, dup := shares[name]; dup {
			return nil, fmt.Errorf("share %q given twice", name)
		}
		shares[name] = abs
	}
	return shares, nil
}

func runHostServe(cmd *cobra.Command, args []string) error {
	shares, err := parseShares(args)
	if err != nil {
		return err
	}
	network, addr, ok := strings.Cut(hostListen, ":")
	if !ok {
		return fmt.Errorf("invalid --listen %q: want network:address", hostListen)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := hostfs.New(shares)
	if err := svc.Connect(ctx); err != nil {
		return err
	}
	defer svc.Disconnect()

	l, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	for name, dir := range shares {
		log.Infof("[Host] Sharing %s as %q", dir, name)
	}
	fmt.Printf("Serving %d share(s) on %s:%s\n", len(shares), network, l.Addr())

	return remote.NewServer(svc).Serve(ctx, l)
}
