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

package vfs

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/metrics"
	"sharefs/internal/provider"
)

// Open takes a reference on the shared remote handle of n, opening it on
// first use. Every successful Open must be paired with a Close. write
// fails with ErrReadOnly on a read-only mount.
func (fs *ShareFS) Open(ctx context.Context, n *Node, write bool) (err error) {
	defer recoverPanic("Open", &err)
	share, t, err := fs.mounted()
	if err != nil {
		return err
	}
	if write && fs.ReadOnly() {
		return fmt.Errorf("open %s: %w", n.path, common.ErrReadOnly)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if t.Membership(n) != Live {
		return fmt.Errorf("open %s: stale: %w", n.path, common.ErrNotFound)
	}
	if n.handle == 0 {
		flags := provider.OpenRead
		if n.typ == TypeRegular && !fs.ReadOnly() {
			flags = provider.OpenWrite
		}
		metrics.RemoteCall("open")
		h, err := share.Open(ctx, n.remote, flags)
		if err != nil {
			fs.staleOnNotFound(t, n, err)
			return remoteErr("open", n.path, err)
		}
		n.handle = h
	}

	t.mu.Lock()
	n.openers++
	t.mu.Unlock()
	return nil
}

// Close drops one reference taken by Open or by a file create. The last
// reference closes the remote handle, drops the listing and expires the
// cached attributes. A stale node with nothing left below it is then
// destroyed.
func (fs *ShareFS) Close(ctx context.Context, n *Node) (err error) {
	defer recoverPanic("Close", &err)
	share, t, err := fs.mounted()
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	t.mu.Lock()
	if n.openers == 0 {
		t.mu.Unlock()
		return fmt.Errorf("close %s: %w", n.path, common.ErrInvalidHandle)
	}
	n.openers--
	last := n.openers == 0
	t.mu.Unlock()
	if !last {
		return nil
	}

	h := n.handle
	n.handle = 0
	n.dirList.Store(nil)
	n.expireStat()
	if h != 0 {
		metrics.RemoteCall("close")
		if cerr := share.Close(ctx, h); cerr != nil {
			err = remoteErr("close", n.path, cerr)
		}
	}

	t.mu.Lock()
	if n.membership == Stale && reclaimable(n) {
		t.destroyLocked(n)
	}
	t.mu.Unlock()
	return err
}

func (fs *ShareFS) openHandle(n *Node) (provider.Handle, error) {
	h := n.Handle()
	if h == 0 {
		return 0, fmt.Errorf("%s is not open: %w", n.path, common.ErrInvalidHandle)
	}
	return h, nil
}

// Read fills buf from offset off, issuing remote reads of at most MaxIO
// bytes. A short remote read ends the loop; it is not an error.
func (fs *ShareFS) Read(ctx context.Context, n *Node, buf []byte, off int64) (done int, err error) {
	defer recoverPanic("Read", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() {
			log.Tracef("[VFS] Read %s off=%d len=%d: %d %v (%v)", n.path, off, len(buf), done, err, time.Since(start))
		}()
	}
	share, _, err := fs.mounted()
	if err != nil {
		return 0, err
	}
	if n.typ == TypeDir {
		return 0, fmt.Errorf("read %s: %w", n.path, common.ErrIsDir)
	}
	if off < 0 {
		return 0, fmt.Errorf("read %s: offset %d: %w", n.path, off, common.ErrInvalidPath)
	}
	h, err := fs.openHandle(n)
	if err != nil {
		return 0, err
	}

	for done < len(buf) {
		chunk := min(len(buf)-done, fs.opts.MaxIO)
		metrics.RemoteCall("read")
		k, rerr := share.Read(ctx, h, buf[done:done+chunk], off+int64(done))
		done += k
		if rerr != nil {
			return done, remoteErr("read", n.path, rerr)
		}
		if k < chunk {
			break
		}
	}
	return done, nil
}

// Write stores data at offset off in MaxIO sized remote writes.
func (fs *ShareFS) Write(ctx context.Context, n *Node, data []byte, off int64) (done int, err error) {
	defer recoverPanic("Write", &err)
	share, _, err := fs.mounted()
	if err != nil {
		return 0, err
	}
	if fs.ReadOnly() {
		return 0, fmt.Errorf("write %s: %w", n.path, common.ErrReadOnly)
	}
	if n.typ == TypeDir {
		return 0, fmt.Errorf("write %s: %w", n.path, common.ErrIsDir)
	}
	if off < 0 {
		return 0, fmt.Errorf("write %s: offset %d: %w", n.path, off, common.ErrInvalidPath)
	}
	h, err := fs.openHandle(n)
	if err != nil {
		return 0, err
	}
	defer n.expireStat()

	for done < len(data) {
		chunk := min(len(data)-done, fs.opts.MaxIO)
		metrics.RemoteCall("write")
		k, werr := share.Write(ctx, h, data[done:done+chunk], off+int64(done))
		done += k
		if werr != nil {
			return done, remoteErr("write", n.path, werr)
		}
		if k == 0 {
			return done, fmt.Errorf("write %s: no progress: %w", n.path, common.ErrIO)
		}
	}
	return done, nil
}

// Fsync flushes the remote handle of n.
func (fs *ShareFS) Fsync(ctx context.Context, n *Node) (err error) {
	defer recoverPanic("Fsync", &err)
	share, _, err := fs.mounted()
	if err != nil {
		return err
	}
	h, err := fs.openHandle(n)
	if err != nil {
		return err
	}
	metrics.RemoteCall("fsync")
	return remoteErr("fsync", n.path, share.Fsync(ctx, h))
}
