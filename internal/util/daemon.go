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

package util

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DaemonStartConfig configures StartDaemonIfNeeded.
type DaemonStartConfig struct {
	Notify     bool       // print progress to stderr
	PollConfig PollConfig // how long to wait for the daemon to answer
	Env        []string   // nil inherits the caller's environment
}

// StartDaemonIfNeeded runs the current executable with startArgs in the
// background unless isRunning already reports true, then waits until it
// does.
func StartDaemonIfNeeded(ctx context.Context, cfg DaemonStartConfig, isRunning func() bool, startArgs []string) error {
	if isRunning() {
		return nil
	}

	status := func(msg string) {
		if cfg.Notify {
			fmt.Fprint(os.Stderr, msg)
		}
	}
	status("Starting daemon...")

	exe, err := GetExecutablePath()
	if err != nil {
		status(" failed\n")
		return err
	}
	if _, err := StartBackgroundProcess(exe, startArgs, cfg.Env); err != nil {
		status(" failed\n")
		return err
	}

	if err := PollUntil(ctx, cfg.PollConfig, isRunning); err != nil {
		status(" timeout\n")
		return fmt.Errorf("daemon did not start in time: %w", err)
	}
	status(" done\n")
	return nil
}

func evalSymlinksOr(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}
