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

	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/metrics"
	"sharefs/internal/provider"
)

// DirEntry is one directory entry returned by ReadDir. Offset is the
// entry's position in the listing; Next resumes after it.
type DirEntry struct {
	Name   string
	Node   *Node
	Attr   Attr
	Offset int64
	Next   int64
}

// ReadDir returns up to max entries of directory n starting at offset off
// (all remaining entries when max is not positive), and the offset to
// resume from. The listing is fetched once and kept until n is closed or
// it or one of its children goes stale.
//
// Every entry is backed by a node, so entries carry stable inode numbers.
// "." and ".." in a listing resolve to n and its parent.
func (fs *ShareFS) ReadDir(ctx context.Context, n *Node, off int64, max int) (entries []DirEntry, next int64, err error) {
	defer recoverPanic("ReadDir", &err)
	share, t, err := fs.mounted()
	if err != nil {
		return nil, off, err
	}
	if n.typ != TypeDir {
		return nil, off, fmt.Errorf("readdir %s: %w", n.path, common.ErrNotDir)
	}
	chain, err := fs.populate(ctx, share, t, n)
	if err != nil {
		return nil, off, err
	}
	raw, next, err := chain.ReadAt(off, max)
	if err != nil {
		return nil, off, fmt.Errorf("readdir %s: %w", n.path, err)
	}

	entries = make([]DirEntry, 0, len(raw))
	for _, e := range raw {
		var child *Node
		switch e.Name {
		case ".":
			child = n
		case "..":
			child = t.Parent(n)
		default:
			child, err = fs.materialize(t, n, e.Name, e.Stat)
			if err != nil {
				if errIsUnsupported(err) {
					log.Debugf("[VFS] ReadDir %s: skipping %q: %v", n.path, e.Name, err)
					continue
				}
				return nil, off, err
			}
		}
		entries = append(entries, DirEntry{
			Name:   e.Name,
			Node:   child,
			Attr:   fs.CachedAttr(child),
			Offset: e.Offset,
			Next:   e.Next,
		})
	}
	return entries, next, nil
}

// DirSize returns the byte size of the listing of n, populating it if
// needed. Offsets passed to ReadDir range over [0, DirSize].
func (fs *ShareFS) DirSize(ctx context.Context, n *Node) (int64, error) {
	share, t, err := fs.mounted()
	if err != nil {
		return 0, err
	}
	chain, err := fs.populate(ctx, share, t, n)
	if err != nil {
		return 0, err
	}
	return chain.Size(), nil
}

// populate returns the cached listing of n, fetching it with one remote
// readdir if absent.
func (fs *ShareFS) populate(ctx context.Context, share provider.Share, t *Table, n *Node) (*provider.DirChain, error) {
	if chain := n.dirList.Load(); chain != nil {
		return chain, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if chain := n.dirList.Load(); chain != nil {
		return chain, nil
	}

	var (
		chain *provider.DirChain
		err   error
	)
	if fs.opts.SingleFile != "" {
		chain, err = fs.singleFileListing(ctx, share, n)
	} else {
		metrics.RemoteCall("readdir")
		chain, err = share.Readdir(ctx, n.remote, fs.opts.DirBufferSize)
	}
	if err != nil {
		fs.staleOnNotFound(t, n, err)
		return nil, remoteErr("readdir", n.path, err)
	}
	if fs.opts.Filter != nil {
		if chain, err = fs.filterChain(n, chain); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	live := n.membership == Live
	if live {
		n.dirList.Store(chain)
	}
	t.mu.Unlock()
	if !live {
		return nil, fmt.Errorf("readdir %s: stale: %w", n.path, common.ErrNotFound)
	}
	log.Debugf("[VFS] Populated %s: %d entries in %d buffers", n.path, chain.Len(), len(chain.Buffers))
	return chain, nil
}

// singleFileListing lists the root of a single-file mount: just thefile.
func (fs *ShareFS) singleFileListing(ctx context.Context, share provider.Share, n *Node) (*provider.DirChain, error) {
	b := provider.NewDirChainBuilder(fs.opts.DirBufferSize)
	if n.path != common.RootPath {
		return b.Chain(), nil
	}
	metrics.RemoteCall("getattr")
	st, err := share.GetAttr(ctx, fs.opts.SingleFile)
	if err != nil {
		return nil, err
	}
	if err := b.Add(TheFileName, st); err != nil {
		return nil, err
	}
	return b.Chain(), nil
}

// filterChain repacks chain without the entries the filter hides.
func (fs *ShareFS) filterChain(n *Node, chain *provider.DirChain) (*provider.DirChain, error) {
	b := provider.NewDirChainBuilder(fs.opts.DirBufferSize)
	var addErr error
	err := chain.Walk(0, func(e provider.DirEntry) bool {
		if e.Name != "." && e.Name != ".." && fs.hidden(common.JoinPath(n.path, e.Name), e.Stat.IsDir()) {
			return true
		}
		addErr = b.Add(e.Name, e.Stat)
		return addErr == nil
	})
	if err == nil {
		err = addErr
	}
	if err != nil {
		return nil, fmt.Errorf("readdir %s: filter: %w", n.path, err)
	}
	return b.Chain(), nil
}

// materialize returns the node for a listed entry, inserting one seeded
// with the entry's stat if none is live. No remote call is made.
func (fs *ShareFS) materialize(t *Table, dir *Node, name string, st provider.Stat) (*Node, error) {
	if !common.ValidName(name) {
		return nil, fmt.Errorf("readdir %s: entry %q: %w", dir.path, name, common.ErrNotSupported)
	}
	path := common.JoinPath(dir.path, name)
	remote := common.JoinPath(dir.remote, name)
	fixedIno := uint64(0)
	if fs.opts.SingleFile != "" && dir.path == common.RootPath && name == TheFileName {
		remote = fs.opts.SingleFile
		fixedIno = TheFileIno
	}

	t.mu.Lock()
	if existing, ok := t.findLocked(path); ok {
		t.mu.Unlock()
		if typ, _ := typeOf(st.Mode); typ == existing.typ {
			existing.setStat(st, fs.opts.Clock)
		}
		return existing, nil
	}
	t.mu.Unlock()

	n, err := newNode(path, remote, st)
	if err != nil {
		return nil, err
	}
	n.setStat(st, fs.opts.Clock)

	t.mu.Lock()
	defer t.mu.Unlock()
	if dir.membership != Live {
		return nil, fmt.Errorf("readdir %s: stale: %w", dir.path, common.ErrNotFound)
	}
	if fixedIno != 0 {
		n.ino = fixedIno
	} else {
		n.ino = t.nextInoLocked()
	}
	winner, _ := t.insertLocked(n, dir)
	return winner, nil
}
