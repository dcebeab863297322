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

// Package fusefs serves a vfs.ShareFS through FUSE. Every kernel inode is
// backed by one sharefs node and carries its inode number, so a path that
// went stale on the host reappears to the kernel as a new inode.
package fusefs

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"sharefs/internal/provider"
	"sharefs/internal/vfs"
)

// Options configures a FUSE mount.
type Options struct {
	FsName     string
	AllowOther bool
	Debug      bool
}

// Mount serves sfs at mountpoint. The kernel caches entries and attributes
// for the share's TTL. The caller waits on and unmounts the returned
// server.
func Mount(mountpoint string, sfs *vfs.ShareFS, o Options) (*fuse.Server, error) {
	ttl := sfs.Options().TTL
	name := o.FsName
	if name == "" {
		name = "sharefs:" + sfs.Name()
	}
	opts := &fs.Options{
		AttrTimeout:  &ttl,
		EntryTimeout: &ttl,
		MountOptions: fuse.MountOptions{
			AllowOther: o.AllowOther,
			FsName:     name,
			Name:       "sharefs",
			Debug:      o.Debug,
			MaxWrite:   sfs.Options().MaxIO,
		},
	}
	server, err := fs.Mount(mountpoint, NewRoot(sfs), opts)
	if err != nil {
		return nil, err
	}
	log.Infof("[FUSE] Mounted share %q at %s", sfs.Name(), mountpoint)
	return server, nil
}

// NewRoot returns the root inode for sfs.
func NewRoot(sfs *vfs.ShareFS) fs.InodeEmbedder {
	return newNode(sfs, sfs.Root())
}

// node is one kernel inode.
type node struct {
	fs.Inode
	sfs *vfs.ShareFS
	v   atomic.Pointer[vfs.Node]
}

func newNode(sfs *vfs.ShareFS, v *vfs.Node) *node {
	n := &node{sfs: sfs}
	n.v.Store(v)
	return n
}

func (n *node) vnode() *vfs.Node { return n.v.Load() }

// rebind points n at v when the node n wraps has been dropped from the
// table. Inode numbers are reused (single-file mode always hands out the
// same one) and go-fuse returns the existing kernel inode for a known
// number.
func (n *node) rebind(v *vfs.Node) bool {
	old := n.vnode()
	if old == v || n.sfs.Table().Membership(old) == vfs.Live {
		return false
	}
	return n.v.CompareAndSwap(old, v)
}

var (
	_ = (fs.NodeLookuper)((*node)(nil))
	_ = (fs.NodeGetattrer)((*node)(nil))
	_ = (fs.NodeSetattrer)((*node)(nil))
	_ = (fs.NodeReaddirer)((*node)(nil))
	_ = (fs.NodeOpener)((*node)(nil))
	_ = (fs.NodeCreater)((*node)(nil))
	_ = (fs.NodeMkdirer)((*node)(nil))
	_ = (fs.NodeUnlinker)((*node)(nil))
	_ = (fs.NodeRmdirer)((*node)(nil))
	_ = (fs.NodeRenamer)((*node)(nil))
	_ = (fs.NodeSymlinker)((*node)(nil))
	_ = (fs.NodeReadlinker)((*node)(nil))
	_ = (fs.NodeStatfser)((*node)(nil))
)

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	errno := vfs.ToErrno(err)
	if errno == vfs.EIO {
		log.Debugf("[FUSE] %v", err)
	}
	return errno
}

// fillAttr copies sharefs attributes into a kernel attribute block.
func fillAttr(a vfs.Attr, out *fuse.Attr) {
	out.Ino = a.Ino
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	out.Size = uint64(a.Size)
	out.Blocks = uint64(a.Blocks)
	out.Blksize = a.BlockSize
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

func stableAttr(v *vfs.Node) fs.StableAttr {
	return fs.StableAttr{Mode: modeOf(v.Type()), Ino: v.Ino()}
}

func modeOf(t vfs.NodeType) uint32 {
	switch t {
	case vfs.TypeDir:
		return fuse.S_IFDIR
	case vfs.TypeSymlink:
		return syscall.S_IFLNK
	default:
		return fuse.S_IFREG
	}
}

// child wraps v in a kernel inode and fills out.
func (n *node) child(ctx context.Context, v *vfs.Node, out *fuse.EntryOut) *fs.Inode {
	fillAttr(n.sfs.CachedAttr(v), &out.Attr)
	ch := n.NewInode(ctx, newNode(n.sfs, v), stableAttr(v))
	if existing, ok := ch.Operations().(*node); ok {
		existing.rebind(v)
	}
	return ch
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	v, err := n.sfs.Lookup(ctx, n.vnode(), name, vfs.Query)
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.child(ctx, v, out), 0
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	a, err := n.sfs.GetAttr(ctx, n.vnode())
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(a, &out.Attr)
	return 0
}

// setAttrRequest translates the kernel's setattr into sharefs terms. The
// size change, if any, is returned separately since it is a truncate.
func setAttrRequest(in *fuse.SetAttrIn) (req provider.SetAttrRequest, changed bool, size int64, truncate bool) {
	if mode, ok := in.GetMode(); ok {
		m := mode & provider.ModePermMask
		req.Mode = &m
		changed = true
	}
	if atime, ok := in.GetATime(); ok {
		req.Atime = &atime
		changed = true
	}
	if mtime, ok := in.GetMTime(); ok {
		req.Mtime = &mtime
		changed = true
	}
	if sz, ok := in.GetSize(); ok {
		size, truncate = int64(sz), true
	}
	return req, changed, size, truncate
}

func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	req, changed, size, truncate := setAttrRequest(in)
	if changed {
		if err := n.sfs.SetAttr(ctx, n.vnode(), req); err != nil {
			return errnoOf(err)
		}
	}
	if truncate {
		if err := n.sfs.Truncate(ctx, n.vnode(), size); err != nil {
			return errnoOf(err)
		}
	}
	return n.Getattr(ctx, f, out)
}

// dirEntries converts a sharefs listing for the kernel.
func dirEntries(entries []vfs.DirEntry) []fuse.DirEntry {
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: e.Attr.Mode, Ino: e.Attr.Ino})
	}
	return out
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, _, err := n.sfs.ReadDir(ctx, n.vnode(), 0, 0)
	if err != nil {
		return nil, errnoOf(err)
	}
	return fs.NewListDirStream(dirEntries(entries)), 0
}

func isWrite(flags uint32) bool {
	return flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	v := n.vnode()
	if err := n.sfs.Open(ctx, v, isWrite(flags)); err != nil {
		return nil, 0, errnoOf(err)
	}
	if flags&syscall.O_TRUNC != 0 && isWrite(flags) {
		if err := n.sfs.Truncate(ctx, v, 0); err != nil {
			_ = n.sfs.Close(ctx, v)
			return nil, 0, errnoOf(err)
		}
	}
	return &handle{sfs: n.sfs, v: v}, 0, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	v, err := n.sfs.Create(ctx, n.vnode(), name, mode)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	return n.child(ctx, v, out), &handle{sfs: n.sfs, v: v}, 0, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	v, err := n.sfs.Mkdir(ctx, n.vnode(), name, mode)
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.child(ctx, v, out), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.sfs.Remove(ctx, n.vnode(), name))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.sfs.Rmdir(ctx, n.vnode(), name))
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	if flags != 0 {
		// RENAME_NOREPLACE and RENAME_EXCHANGE have no host counterpart.
		return syscall.ENOTSUP
	}
	return errnoOf(n.sfs.Rename(ctx, n.vnode(), name, dst.vnode(), newName))
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	v, err := n.sfs.Symlink(ctx, n.vnode(), name, target)
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.child(ctx, v, out), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.sfs.Readlink(ctx, n.vnode())
	if err != nil {
		return nil, errnoOf(err)
	}
	return []byte(target), 0
}

// fillStatfs copies share capacity into a kernel statfs block.
func fillStatfs(st vfs.StatFS, out *fuse.StatfsOut) {
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = st.Blocks
	out.Bfree = st.BlocksFree
	out.Bavail = st.BlocksAvail
	out.Files = st.Files
	out.Ffree = st.FilesFree
	out.NameLen = st.NameMax
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.sfs.StatFS(ctx)
	if err != nil {
		return errnoOf(err)
	}
	fillStatfs(st, out)
	return 0
}

// handle is one kernel open of a node. Every handle holds one sharefs
// open reference, dropped on release.
type handle struct {
	sfs *vfs.ShareFS
	v   *vfs.Node
}

var (
	_ = (fs.FileReader)((*handle)(nil))
	_ = (fs.FileWriter)((*handle)(nil))
	_ = (fs.FileReleaser)((*handle)(nil))
	_ = (fs.FileFlusher)((*handle)(nil))
	_ = (fs.FileFsyncer)((*handle)(nil))
)

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	var start time.Time
	if log.IsLevelEnabled(log.TraceLevel) {
		start = time.Now()
	}
	n, err := h.sfs.Read(ctx, h.v, dest, off)
	if err != nil {
		return nil, errnoOf(err)
	}
	if !start.IsZero() {
		log.Tracef("[FUSE] Read %s off=%d: %d bytes (%v)", h.v.Path(), off, n, time.Since(start))
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.sfs.Write(ctx, h.v, data, off)
	if err != nil {
		return uint32(n), errnoOf(err)
	}
	return uint32(n), 0
}

func (h *handle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (h *handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errnoOf(h.sfs.Fsync(ctx, h.v))
}

func (h *handle) Release(ctx context.Context) syscall.Errno {
	return errnoOf(h.sfs.Close(ctx, h.v))
}
