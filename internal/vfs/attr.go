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

	"sharefs/internal/common"
	"sharefs/internal/metrics"
	"sharefs/internal/provider"
)

// BlockSize is the unit of Attr.Blocks.
const BlockSize = 512

// Attr is the attribute view of a node as presented to front ends.
type Attr struct {
	Ino       uint64
	Type      NodeType
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Size      int64
	Blocks    int64
	BlockSize uint32
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
}

// Perm returns the permission bits of Mode.
func (a Attr) Perm() uint32 { return a.Mode & provider.ModePermMask }

// StatFS is the capacity of a mounted share.
type StatFS struct {
	BlockSize   uint32
	Blocks      uint64
	BlocksFree  uint64
	BlocksAvail uint64
	Files       uint64
	FilesFree   uint64
	NameMax     uint32
	ReadOnly    bool
}

// GetAttr returns the attributes of n. Cached attributes are used while
// younger than the TTL; otherwise they are fetched again. A node that
// vanished on the host is made stale and ErrNotFound returned.
func (fs *ShareFS) GetAttr(ctx context.Context, n *Node) (a Attr, err error) {
	defer recoverPanic("GetAttr", &err)
	share, t, err := fs.mounted()
	if err != nil {
		return Attr{}, err
	}
	st, err := fs.refreshStat(ctx, share, t, n)
	if err != nil {
		return Attr{}, err
	}
	return fs.attrOf(n, st), nil
}

func (fs *ShareFS) refreshStat(ctx context.Context, share provider.Share, t *Table, n *Node) (provider.Stat, error) {
	if st, ok := n.statIfFresh(fs.opts.Clock.Now(), fs.opts.TTL); ok {
		return st, nil
	}
	metrics.RemoteCall("getattr")
	st, err := share.GetAttr(ctx, n.remote)
	if err != nil {
		fs.staleOnNotFound(t, n, err)
		return provider.Stat{}, remoteErr("getattr", n.path, err)
	}
	if typ, _ := typeOf(st.Mode); typ != n.typ {
		// Replaced on the host by something of another type.
		t.MakeStale(n)
		return provider.Stat{}, fmt.Errorf("getattr %s: type changed to %s: %w", n.path, typ, common.ErrNotFound)
	}
	n.setStat(st, fs.opts.Clock)
	return st, nil
}

func (fs *ShareFS) attrOf(n *Node, st provider.Stat) Attr {
	a := Attr{
		Ino:       n.ino,
		Type:      n.typ,
		UID:       fs.opts.UID,
		GID:       fs.opts.GID,
		Size:      st.Size,
		Blocks:    (st.Alloc + BlockSize - 1) / BlockSize,
		BlockSize: BlockSize,
		Atime:     st.Atime,
		Mtime:     st.Mtime,
		Ctime:     st.Ctime,
	}
	perm := st.Perm()
	if n.typ == TypeDir {
		if fs.opts.DirMode != 0 {
			perm = fs.opts.DirMode & provider.ModePermMask
		}
		perm &^= fs.opts.DMask
		a.Nlink = 2
	} else {
		if fs.opts.FileMode != 0 {
			perm = fs.opts.FileMode & provider.ModePermMask
		}
		perm &^= fs.opts.FMask
		a.Nlink = 1
	}
	a.Mode = st.Mode&provider.ModeTypeMask | perm
	return a
}

// CachedAttr returns the attributes of n from its last fetched stat,
// without a remote call.
func (fs *ShareFS) CachedAttr(n *Node) Attr {
	return fs.attrOf(n, n.CachedStat())
}

// StatFS reports the capacity of the share.
func (fs *ShareFS) StatFS(ctx context.Context) (s StatFS, err error) {
	defer recoverPanic("StatFS", &err)
	share, _, err := fs.mounted()
	if err != nil {
		return StatFS{}, err
	}
	metrics.RemoteCall("fsinfo")
	info, err := share.FSInfo(ctx)
	if err != nil {
		return StatFS{}, remoteErr("statfs", common.RootPath, err)
	}
	fs.mu.Lock()
	fs.info = info
	fs.mu.Unlock()

	return StatFS{
		BlockSize:   info.BlockSize,
		Blocks:      info.BlocksUsed + info.BlocksAvail,
		BlocksFree:  info.BlocksAvail,
		BlocksAvail: info.BlocksAvail,
		Files:       info.BlocksAvail / 4,
		FilesFree:   info.BlocksAvail / 4,
		NameMax:     info.MaxNameSize,
		ReadOnly:    fs.ReadOnly(),
	}, nil
}

// Readlink returns the target of a symlink node.
func (fs *ShareFS) Readlink(ctx context.Context, n *Node) (target string, err error) {
	defer recoverPanic("Readlink", &err)
	share, t, err := fs.mounted()
	if err != nil {
		return "", err
	}
	if n.typ != TypeSymlink {
		return "", fmt.Errorf("readlink %s: %w", n.path, common.ErrInvalidPath)
	}
	metrics.RemoteCall("readlink")
	target, err = share.Readlink(ctx, n.remote)
	if err != nil {
		fs.staleOnNotFound(t, n, err)
		return "", remoteErr("readlink", n.path, err)
	}
	return target, nil
}
