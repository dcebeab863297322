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
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/metrics"
	"sharefs/internal/provider"
)

// ShareFS is the node cache of one mounted share. It owns the node table
// and talks to the share through an explicitly connected provider.Service.
//
// Lifecycle: New, Mount, any number of operations, Unmount.
type ShareFS struct {
	svc  provider.Service
	name string
	opts Options

	mu       sync.RWMutex
	share    provider.Share
	table    *Table
	info     provider.FSInfo
	readOnly bool
}

// New prepares a ShareFS for the named share. svc must already be
// connected when Mount is called.
func New(svc provider.Service, share string, opts Options) *ShareFS {
	return &ShareFS{
		svc:  svc,
		name: share,
		opts: opts.withDefaults(),
	}
}

// Name returns the share name.
func (fs *ShareFS) Name() string { return fs.name }

// Options returns the effective mount options.
func (fs *ShareFS) Options() Options { return fs.opts }

// Mount attaches the share, fetches its capacity and the root attributes,
// and builds a fresh node table.
func (fs *ShareFS) Mount(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.share != nil {
		return fmt.Errorf("share %q: %w", fs.name, common.ErrBusy)
	}

	metrics.RemoteCall("mount")
	share, err := fs.svc.Mount(ctx, fs.name)
	if err != nil {
		return fmt.Errorf("mount share %q: %w", fs.name, err)
	}
	share.SetShowSymlinks(!fs.opts.HideSymlinks)

	metrics.RemoteCall("fsinfo")
	info, err := share.FSInfo(ctx)
	if err != nil {
		share.Unmount()
		return fmt.Errorf("mount share %q: fsinfo: %w", fs.name, err)
	}

	metrics.RemoteCall("getattr")
	rootStat, err := share.GetAttr(ctx, common.RootPath)
	if err != nil {
		share.Unmount()
		return fmt.Errorf("mount share %q: root: %w", fs.name, err)
	}
	if !rootStat.IsDir() {
		share.Unmount()
		return fmt.Errorf("mount share %q: root: %w", fs.name, common.ErrNotDir)
	}

	fs.table = NewTable()
	fs.table.Root().setStat(rootStat, fs.opts.Clock)
	fs.share = share
	fs.info = info
	fs.readOnly = fs.opts.ReadOnly || info.ReadOnly

	log.Infof("[VFS] Mounted share %q (ro=%v ttl=%v single=%q)", fs.name, fs.readOnly, fs.opts.TTL, fs.opts.SingleFile)
	return nil
}

// Unmount releases the share. With open nodes it fails with ErrBusy
// unless force is set, in which case their handles are closed first.
func (fs *ShareFS) Unmount(force bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.share == nil {
		return nil
	}

	var open []*Node
	fs.table.mu.Lock()
	for _, n := range fs.table.arena {
		if n != nil && n.openers > 0 {
			open = append(open, n)
		}
	}
	fs.table.mu.Unlock()

	if len(open) > 0 && !force {
		return fmt.Errorf("unmount %q: %d open nodes: %w", fs.name, len(open), common.ErrBusy)
	}
	for _, n := range open {
		n.mu.Lock()
		if n.handle != 0 {
			metrics.RemoteCall("close")
			if err := fs.share.Close(context.Background(), n.handle); err != nil {
				log.Warnf("[VFS] Unmount: close %s: %v", n.path, err)
			}
			n.handle = 0
		}
		n.mu.Unlock()
	}

	fs.table.Clear()
	err := fs.share.Unmount()
	fs.share = nil
	log.Infof("[VFS] Unmounted share %q", fs.name)
	return err
}

// Mounted reports whether Mount has succeeded and Unmount has not run.
func (fs *ShareFS) Mounted() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.share != nil
}

// ReadOnly reports whether write-class operations are rejected.
func (fs *ShareFS) ReadOnly() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.readOnly
}

// Root returns the root node.
func (fs *ShareFS) Root() *Node {
	return fs.Table().Root()
}

// Table exposes the node table of the current mount.
func (fs *ShareFS) Table() *Table {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.table
}

// mounted returns the share and table, or ErrNotConnected before Mount.
func (fs *ShareFS) mounted() (provider.Share, *Table, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.share == nil {
		return nil, nil, common.ErrNotConnected
	}
	return fs.share, fs.table, nil
}

// remoteErr folds a provider error into the taxonomy. Anything the
// provider did not classify becomes an opaque remote error.
func remoteErr(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrNotFound),
		errors.Is(err, common.ErrExists),
		errors.Is(err, common.ErrNotDir),
		errors.Is(err, common.ErrIsDir),
		errors.Is(err, common.ErrNotEmpty),
		errors.Is(err, common.ErrReadOnly),
		errors.Is(err, common.ErrInvalidHandle),
		errors.Is(err, common.ErrRemote),
		errors.Is(err, common.ErrNotConnected):
		return fmt.Errorf("%s %s: %w", op, path, err)
	default:
		return fmt.Errorf("%s %s: %w: %v", op, path, common.ErrRemote, err)
	}
}

// recoverPanic turns a panic in a front-end facing call into EIO. Table
// corruption is not recoverable and is re-raised.
func recoverPanic(operation string, err *error) {
	if r := recover(); r != nil {
		if c, ok := r.(corruption); ok {
			panic(c)
		}
		log.Errorf("[VFS] PANIC RECOVERED in %s: %v\nStack:\n%s", operation, r, debug.Stack())
		if err != nil {
			*err = EIO
		}
	}
}

// corruption marks a panic raised for a broken table invariant.
type corruption string

func (c corruption) Error() string { return string(c) }
