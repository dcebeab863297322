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

package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"

	"sharefs/internal/storage"
)

func TestFormatCleanupResult_Empty(t *testing.T) {
	formatted := FormatCleanupResult(&CleanupResult{})
	if formatted != "No cleanup needed" {
		t.Errorf("FormatCleanupResult() = %q, want 'No cleanup needed'", formatted)
	}
}

func TestFormatCleanupResult_Full(t *testing.T) {
	result := &CleanupResult{
		StaleMounts:    []string{"/mnt/test"},
		CleanedPidFile: true,
		CleanedSocket:  true,
		Errors:         []error{errors.New("test error")},
	}
	formatted := FormatCleanupResult(result)

	for _, want := range []string{"Unmounted 1 stale mount(s)", "/mnt/test", "PID file", "socket file", "test error"} {
		if !strings.Contains(formatted, want) {
			t.Errorf("FormatCleanupResult() = %q, missing %q", formatted, want)
		}
	}
}

func TestCleanupStale_PidAndSocket(t *testing.T) {
	shortConfigDir(t)
	if err := EnsureConfigDir(); err != nil {
		t.Fatal(err)
	}

	// A pid no process can have and a socket nobody listens on.
	if err := os.WriteFile(PidPath(), []byte(strconv.Itoa(1<<30)), 0600); err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("unix", SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close()

	result := CleanupStale(context.Background(), nil)
	if !result.CleanedPidFile {
		t.Error("CleanedPidFile should be true")
	}
	if !result.CleanedSocket {
		t.Error("CleanedSocket should be true")
	}
	if _, err := os.Stat(PidPath()); !os.IsNotExist(err) {
		t.Errorf("pid file still present: %v", err)
	}
	if _, err := os.Stat(SocketPath()); !os.IsNotExist(err) {
		t.Errorf("socket still present: %v", err)
	}
}

func TestCleanupStale_SkipsUnmountedRegistryEntries(t *testing.T) {
	shortConfigDir(t)
	if err := EnsureConfigDir(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	reg, err := storage.OpenRegistry(RegistryPath(), storage.DBContextCLI)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	if err := reg.Add(ctx, &storage.MountEntry{Share: "docs", HostDir: t.TempDir(), MountPoint: t.TempDir(), TTLMillis: -1}); err != nil {
		t.Fatal(err)
	}

	result := CleanupStale(ctx, reg)
	if len(result.StaleMounts) != 0 {
		t.Errorf("StaleMounts = %v, want none", result.StaleMounts)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Errors = %v, want none", result.Errors)
	}
}
