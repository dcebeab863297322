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
	"time"

	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/metrics"
	"sharefs/internal/provider"
)

// IntentKind says what a lookup should do on a miss.
type IntentKind uint8

const (
	IntentQuery IntentKind = iota
	IntentCreateFile
	IntentCreateDir
)

// Intent is the purpose of a Lookup call. Mode carries the permission
// bits of a create.
type Intent struct {
	Kind IntentKind
	Mode uint32
}

// Query resolves an existing path.
var Query = Intent{Kind: IntentQuery}

// CreateFile creates a regular file. The returned node is open and the
// caller owns one Close.
func CreateFile(mode uint32) Intent { return Intent{Kind: IntentCreateFile, Mode: mode} }

// CreateDir creates a directory.
func CreateDir(mode uint32) Intent { return Intent{Kind: IntentCreateDir, Mode: mode} }

func (i Intent) isCreate() bool { return i.Kind != IntentQuery }

// Lookup resolves name inside dir.
//
// "" and "." return dir, ".." returns the parent of dir (the root for the
// root), without a remote call. Otherwise the live table is consulted
// first and the remote service only on a miss.
//
// When two callers race for the same new path the first insert wins and
// the loser's inode number is abandoned. A losing query returns the
// winner. A losing create adopts the winner, since the remote create is
// exclusive and the winner can only be a query that saw the new entry.
func (fs *ShareFS) Lookup(ctx context.Context, dir *Node, name string, intent Intent) (node *Node, err error) {
	defer recoverPanic("Lookup", &err)

	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() {
			log.Tracef("[VFS] Lookup %s/%s intent=%d: %v (%v)", dirPath(dir), name, intent.Kind, err, time.Since(start))
		}()
	}

	share, t, err := fs.mounted()
	if err != nil {
		return nil, err
	}
	if dir == nil {
		dir = t.Root()
	}
	if !dir.IsDir() {
		return nil, fmt.Errorf("lookup %s in %s: %w", name, dir.path, common.ErrNotDir)
	}

	switch name {
	case "", ".":
		if intent.isCreate() {
			return nil, fmt.Errorf("create %s: %w", dir.path, common.ErrExists)
		}
		return dir, nil
	case "..":
		if intent.isCreate() {
			return nil, fmt.Errorf("create %s/..: %w", dir.path, common.ErrExists)
		}
		return t.Parent(dir), nil
	}
	if !common.ValidName(name) {
		return nil, fmt.Errorf("lookup %q: %w", name, common.ErrInvalidPath)
	}

	path := common.JoinPath(dir.path, name)
	remote := common.JoinPath(dir.remote, name)
	fixedIno := uint64(0)
	if fs.opts.SingleFile != "" {
		if dir != t.Root() || name != TheFileName {
			metrics.Lookup(metrics.LookupNotFound)
			return nil, fmt.Errorf("lookup %s: %w", path, common.ErrNotFound)
		}
		if intent.isCreate() {
			return nil, fmt.Errorf("create %s: %w", path, common.ErrNotSupported)
		}
		remote = fs.opts.SingleFile
		fixedIno = TheFileIno
	}

	t.mu.Lock()
	if dir.membership != Live {
		t.mu.Unlock()
		return nil, fmt.Errorf("lookup %s: parent is stale: %w", path, common.ErrNotFound)
	}
	if existing, ok := t.findLocked(path); ok {
		t.mu.Unlock()
		if intent.isCreate() {
			return nil, fmt.Errorf("create %s: %w", path, common.ErrExists)
		}
		metrics.Lookup(metrics.LookupCached)
		return existing, nil
	}
	t.mu.Unlock()

	if intent.isCreate() {
		if fs.ReadOnly() {
			return nil, fmt.Errorf("create %s: %w", path, common.ErrReadOnly)
		}
		if fs.hidden(path, intent.Kind == IntentCreateDir) {
			return nil, fmt.Errorf("create %s: excluded: %w", path, common.ErrNotSupported)
		}
	}

	var (
		st     provider.Stat
		handle provider.Handle
	)
	switch intent.Kind {
	case IntentCreateFile:
		metrics.RemoteCall("create")
		handle, st, err = share.Create(ctx, remote, intent.Mode&provider.ModePermMask)
	case IntentCreateDir:
		metrics.RemoteCall("mkdir")
		st, err = share.Mkdir(ctx, remote, intent.Mode&provider.ModePermMask)
	default:
		metrics.RemoteCall("getattr")
		st, err = share.GetAttr(ctx, remote)
	}
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			metrics.Lookup(metrics.LookupNotFound)
		} else {
			metrics.Lookup(metrics.LookupError)
		}
		return nil, remoteErr("lookup", path, err)
	}

	// Anything past this point owns handle until it is attached to a node.
	release := func() {
		if handle != 0 {
			metrics.RemoteCall("close")
			if cerr := share.Close(ctx, handle); cerr != nil {
				log.Warnf("[VFS] Lookup %s: close orphaned handle: %v", path, cerr)
			}
		}
	}

	n, err := newNode(path, remote, st)
	if err != nil {
		release()
		metrics.Lookup(metrics.LookupError)
		return nil, err
	}
	if !intent.isCreate() && fs.hidden(path, n.typ == TypeDir) {
		metrics.Lookup(metrics.LookupNotFound)
		return nil, fmt.Errorf("lookup %s: %w", path, common.ErrNotFound)
	}
	n.setStat(st, fs.opts.Clock)
	if handle != 0 {
		n.handle = handle
		n.openers = 1
	}

	t.mu.Lock()
	if dir.membership != Live {
		t.mu.Unlock()
		release()
		return nil, fmt.Errorf("lookup %s: parent went stale: %w", path, common.ErrNotFound)
	}
	if fixedIno != 0 {
		n.ino = fixedIno
	} else {
		n.ino = t.nextInoLocked()
	}
	winner, inserted := t.insertLocked(n, dir)
	t.mu.Unlock()

	if intent.isCreate() {
		fs.Invalidate(dir)
	}
	if inserted {
		metrics.Lookup(metrics.LookupRemote)
		log.Debugf("[VFS] Lookup %s: new %s node ino=%d", path, n.typ, n.ino)
		return n, nil
	}

	metrics.RaceLoss()
	log.Debugf("[VFS] Lookup %s: lost insert race to ino=%d, abandoning ino=%d", path, winner.ino, n.ino)
	if !intent.isCreate() {
		metrics.Lookup(metrics.LookupCached)
		return winner, nil
	}
	return fs.adopt(ctx, share, t, winner, handle, st)
}

// adopt attaches the result of a successful remote create to the node a
// concurrent query inserted first.
func (fs *ShareFS) adopt(ctx context.Context, share provider.Share, t *Table, n *Node, h provider.Handle, st provider.Stat) (*Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t.mu.Lock()
	if n.membership != Live {
		t.mu.Unlock()
		if h != 0 {
			metrics.RemoteCall("close")
			_ = share.Close(ctx, h)
		}
		return nil, fmt.Errorf("create %s: node went stale: %w", n.path, common.ErrNotFound)
	}
	if h != 0 {
		n.openers++
	}
	t.mu.Unlock()

	if h != 0 {
		if n.handle == 0 {
			n.handle = h
		} else {
			metrics.RemoteCall("close")
			if err := share.Close(ctx, h); err != nil {
				log.Warnf("[VFS] Lookup %s: close duplicate handle: %v", n.path, err)
			}
		}
	}
	n.setStat(st, fs.opts.Clock)
	metrics.Lookup(metrics.LookupRemote)
	return n, nil
}

// hidden reports whether the configured filter excludes path.
func (fs *ShareFS) hidden(path string, isDir bool) bool {
	return fs.opts.Filter != nil && !fs.opts.Filter(path, isDir)
}

// LookupPath resolves an absolute share path one component at a time.
func (fs *ShareFS) LookupPath(ctx context.Context, path string) (*Node, error) {
	_, t, err := fs.mounted()
	if err != nil {
		return nil, err
	}
	n := t.Root()
	for _, name := range common.SplitPath(path) {
		if n, err = fs.Lookup(ctx, n, name, Query); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func dirPath(n *Node) string {
	if n == nil {
		return ""
	}
	return n.path
}
