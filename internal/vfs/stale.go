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

	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/metrics"
)

// MakeStale detaches n, and everything cached below it, from the live
// partition. Descendants are handled first, deepest paths before their
// parents: those with no opener and no children are destroyed, the rest
// move to the stale partition. n itself follows the same rule and its parent's listing is
// cleared.
//
// The root is never stale; MakeStale on the root only detaches its
// descendants and drops its listing.
func (t *Table) MakeStale(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.makeStaleLocked(n)
}

func (t *Table) makeStaleLocked(n *Node) {
	switch n.membership {
	case Destroyed:
		return
	case Stale:
		if reclaimable(n) {
			t.destroyLocked(n)
		}
		return
	}

	metrics.StaleEvent()
	if n.typ == TypeDir {
		// Table order visits a directory before its children. A directory
		// kept stale for its children is reclaimed by destroyLocked once
		// the last of them goes.
		for _, d := range t.descendantsLocked(n.path) {
			if d == t.root || d.membership != Live {
				continue
			}
			if reclaimable(d) {
				t.destroyLocked(d)
			} else {
				t.markStaleLocked(d)
			}
		}
	}

	if n == t.root {
		n.dirList.Store(nil)
		return
	}
	if reclaimable(n) {
		t.destroyLocked(n)
		return
	}
	t.markStaleLocked(n)
	if parent := t.getLocked(n.parent); parent != nil {
		parent.dirList.Store(nil)
	}
}

// MakeStale marks n stale. See Table.MakeStale.
func (fs *ShareFS) MakeStale(n *Node) {
	if t := fs.Table(); t != nil {
		log.Debugf("[VFS] MakeStale %s", n.path)
		t.MakeStale(n)
	}
}

// Invalidate drops the cached attributes and listing of n, so the next
// GetAttr or ReadDir goes to the remote service. n stays live.
func (fs *ShareFS) Invalidate(n *Node) {
	n.expireStat()
	n.dirList.Store(nil)
}

// InvalidatePath drops everything cached at or below path. The node at
// path, if cached, is made stale; for the root only its descendants are.
// It reports whether anything was cached.
func (fs *ShareFS) InvalidatePath(ctx context.Context, path string) (bool, error) {
	_, t, err := fs.mounted()
	if err != nil {
		return false, err
	}
	p := common.NormalizePath(path)
	n, ok := t.Find(p)
	if !ok {
		// A stale parent or an uncached path still leaves the parent
		// listing possibly out of date.
		if parent, ok := t.Find(common.ParentPath(p)); ok {
			fs.Invalidate(parent)
		}
		return false, nil
	}
	fs.Invalidate(n)
	t.MakeStale(n)
	log.Infof("[VFS] Invalidated %s on share %q", p, fs.name)
	return true, nil
}

// staleOnNotFound marks n stale when err says the host no longer has it.
func (fs *ShareFS) staleOnNotFound(t *Table, n *Node, err error) {
	if errors.Is(err, common.ErrNotFound) {
		log.Debugf("[VFS] %s vanished on host, marking stale", n.path)
		t.MakeStale(n)
	}
}
