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
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/macos-fuse-t/go-smb2/vfs"

	"sharefs/internal/common"
	"sharefs/internal/provider"
)

// renameReplaceIfExists is the SMB rename flag allowing the target to be
// replaced.
const renameReplaceIfExists = 0x01

// HandleFS exposes a ShareFS through the handle-based vfs.VFSFileSystem
// interface used by the SMB server and by the NFS billy adapter. Handle 0
// refers to the share root.
type HandleFS struct {
	fs      *ShareFS
	handles *HandleManager
}

var _ vfs.VFSFileSystem = (*HandleFS)(nil)

// NewHandleFS wraps fs.
func NewHandleFS(fs *ShareFS) *HandleFS {
	return &HandleFS{fs: fs, handles: NewHandleManager()}
}

// ShareFS returns the wrapped node cache.
func (h *HandleFS) ShareFS() *ShareFS { return h.fs }

// OpenHandles returns the number of handles not yet closed.
func (h *HandleFS) OpenHandles() int { return h.handles.Len() }

// CloseAll drops every handle, releasing the node references they hold.
func (h *HandleFS) CloseAll() int {
	drained := h.handles.Drain()
	for _, info := range drained {
		if err := h.fs.Close(context.Background(), info.node); err != nil {
			log.Debugf("[VFS] CloseAll %s: %v", info.path, err)
		}
	}
	return len(drained)
}

// errno converts a ShareFS error for the handle API.
func errno(err error) error {
	if err == nil {
		return nil
	}
	return ToErrno(err)
}

func (h *HandleFS) node(handle vfs.VfsHandle) (*openHandle, error) {
	if handle == 0 {
		root := h.fs.Root()
		return &openHandle{node: root, path: root.Path(), isDir: true}, nil
	}
	info, ok := h.handles.Get(HandleID(handle))
	if !ok {
		return nil, EBADF
	}
	return info, nil
}

// resolve looks up an absolute share path.
func (h *HandleFS) resolve(ctx context.Context, path string) (*Node, error) {
	n, err := h.fs.LookupPath(ctx, path)
	return n, errno(err)
}

func (h *HandleFS) resolveParent(ctx context.Context, path string) (*Node, string, error) {
	path = common.NormalizePath(path)
	if path == common.RootPath {
		return nil, "", EINVAL
	}
	dir, err := h.resolve(ctx, common.ParentPath(path))
	if err != nil {
		return nil, "", err
	}
	return dir, common.BaseName(path), nil
}

func isWrite(flags int) bool {
	return flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// --- File Operations ---
// All operations have panic recovery to prevent SMB server disconnections

// Open opens a file, creating it when flags carry O_CREATE
func (h *HandleFS) Open(path string, flags int, mode int) (handle vfs.VfsHandle, err error) {
	defer recoverPanic("Open", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Open %q flags=%d → %v (%v)", path, flags, err, time.Since(start)) }()
	}
	ctx := context.Background()

	dir, name, err := h.resolveParent(ctx, path)
	if err != nil {
		if common.NormalizePath(path) == common.RootPath {
			return 0, EISDIR
		}
		return 0, err
	}

	n, err := h.fs.Lookup(ctx, dir, name, Query)
	switch {
	case err == nil:
		if flags&os.O_CREATE != 0 && flags&os.O_EXCL != 0 {
			return 0, EEXIST
		}
		if n.IsDir() {
			return 0, EISDIR
		}
		if err := h.fs.Open(ctx, n, isWrite(flags)); err != nil {
			return 0, errno(err)
		}
	case errors.Is(err, common.ErrNotFound) && flags&os.O_CREATE != 0:
		n, err = h.fs.Create(ctx, dir, name, uint32(mode))
		if err != nil {
			return 0, errno(err)
		}
	default:
		return 0, errno(err)
	}

	if flags&os.O_TRUNC != 0 && isWrite(flags) {
		if err := h.fs.Truncate(ctx, n, 0); err != nil {
			_ = h.fs.Close(ctx, n)
			return 0, errno(err)
		}
	}
	return vfs.VfsHandle(h.handles.Allocate(n, flags)), nil
}

// Close closes a handle
func (h *HandleFS) Close(handle vfs.VfsHandle) (err error) {
	defer recoverPanic("Close", &err)
	info, ok := h.handles.Release(HandleID(handle))
	if !ok {
		return EBADF
	}
	return errno(h.fs.Close(context.Background(), info.node))
}

// Read reads data from a file
func (h *HandleFS) Read(handle vfs.VfsHandle, buf []byte, offset uint64, flags int) (n int, err error) {
	defer recoverPanic("Read", &err)
	info, err := h.node(handle)
	if err != nil {
		return 0, err
	}
	if info.isDir {
		return 0, EISDIR
	}
	n, err = h.fs.Read(context.Background(), info.node, buf, int64(offset))
	return n, errno(err)
}

// Write writes data to a file
func (h *HandleFS) Write(handle vfs.VfsHandle, buf []byte, offset uint64, flags int) (n int, err error) {
	defer recoverPanic("Write", &err)
	info, err := h.node(handle)
	if err != nil {
		return 0, err
	}
	if info.isDir {
		return 0, EISDIR
	}
	n, err = h.fs.Write(context.Background(), info.node, buf, int64(offset))
	return n, errno(err)
}

// Truncate truncates a file
func (h *HandleFS) Truncate(handle vfs.VfsHandle, size uint64) (err error) {
	defer recoverPanic("Truncate", &err)
	info, err := h.node(handle)
	if err != nil {
		return err
	}
	return errno(h.fs.Truncate(context.Background(), info.node, int64(size)))
}

// FSync flushes file data on the host
func (h *HandleFS) FSync(handle vfs.VfsHandle) (err error) {
	defer recoverPanic("FSync", &err)
	info, err := h.node(handle)
	if err != nil {
		return err
	}
	if info.isDir {
		return nil
	}
	return errno(h.fs.Fsync(context.Background(), info.node))
}

// Flush is a no-op; writes are passed through immediately
func (h *HandleFS) Flush(handle vfs.VfsHandle) error {
	return nil
}

// --- Directory Operations ---

// Mkdir creates a directory
func (h *HandleFS) Mkdir(path string, mode int) (attrs *vfs.Attributes, err error) {
	defer recoverPanic("Mkdir", &err)
	log.Debugf("[VFS] Mkdir: path=%q mode=%o", path, mode)
	ctx := context.Background()
	dir, name, err := h.resolveParent(ctx, path)
	if err != nil {
		return nil, err
	}
	n, err := h.fs.Mkdir(ctx, dir, name, uint32(mode))
	if err != nil {
		return nil, errno(err)
	}
	return attrToAttributes(h.fs.CachedAttr(n)), nil
}

// OpenDir opens a directory
func (h *HandleFS) OpenDir(path string) (handle vfs.VfsHandle, err error) {
	defer recoverPanic("OpenDir", &err)
	log.Debugf("[VFS] OpenDir: path=%q", path)
	ctx := context.Background()
	n, err := h.resolve(ctx, path)
	if err != nil {
		return 0, err
	}
	if !n.IsDir() {
		return 0, ENOTDIR
	}
	if err := h.fs.Open(ctx, n, false); err != nil {
		return 0, errno(err)
	}
	return vfs.VfsHandle(h.handles.Allocate(n, os.O_RDONLY)), nil
}

// OpenAny opens a file or directory by path.
func (h *HandleFS) OpenAny(path string, flags int, mode int) (handle vfs.VfsHandle, err error) {
	defer recoverPanic("OpenAny", &err)
	ctx := context.Background()
	n, err := h.resolve(ctx, path)
	if err != nil {
		return 0, err
	}
	write := !n.IsDir() && isWrite(flags)
	if err := h.fs.Open(ctx, n, write); err != nil {
		return 0, errno(err)
	}
	if n.IsDir() {
		flags = os.O_RDONLY
	}
	return vfs.VfsHandle(h.handles.Allocate(n, flags)), nil
}

// ReadDir reads directory entries. "." and ".." come first. A positive
// offset restarts the enumeration; io.EOF reports that it is complete.
func (h *HandleFS) ReadDir(handle vfs.VfsHandle, offset int, count int) (entries []vfs.DirInfo, err error) {
	defer recoverPanic("ReadDir", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() {
			log.Tracef("[VFS] ReadDir handle=%d off=%d → %d entries, %v (%v)", handle, offset, len(entries), err, time.Since(start))
		}()
	}
	info, err := h.node(handle)
	if err != nil {
		return nil, err
	}
	if !info.isDir {
		return nil, ENOTDIR
	}

	id := HandleID(handle)
	if offset > 0 {
		h.handles.ResetDir(id)
	}
	pos, dotsSent, done := h.handles.DirState(id)
	if done {
		return nil, io.EOF
	}

	n := info.node
	if !dotsSent {
		parent := h.fs.Table().Parent(n)
		entries = append(entries,
			vfs.DirInfo{Name: ".", Attributes: *attrToAttributes(h.fs.CachedAttr(n))},
			vfs.DirInfo{Name: "..", Attributes: *attrToAttributes(h.fs.CachedAttr(parent))},
		)
		dotsSent = true
	}

	ctx := context.Background()
	size, err := h.fs.DirSize(ctx, n)
	if err != nil {
		return nil, errno(err)
	}
	// Entries ReadDir cannot represent are skipped, so a short batch says
	// nothing about the end of the listing. Only the offset does.
	for !done && (count <= 0 || len(entries) < count) {
		want := 0
		if count > 0 {
			want = count - len(entries)
		}
		listed, next, err := h.fs.ReadDir(ctx, n, pos, want)
		if err != nil {
			return nil, errno(err)
		}
		for _, e := range listed {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			entries = append(entries, vfs.DirInfo{Name: e.Name, Attributes: *attrToAttributes(e.Attr)})
		}
		done = count <= 0 || next >= size || next == pos
		pos = next
	}
	h.handles.UpdateDir(id, pos, dotsSent, done)

	if len(entries) == 0 {
		return nil, io.EOF
	}
	return entries, nil
}

// ReadDirAll returns every entry of the directory at path, without "."
// and "..".
func (h *HandleFS) ReadDirAll(path string) (entries []DirEntry, err error) {
	defer recoverPanic("ReadDirAll", &err)
	ctx := context.Background()
	n, err := h.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if !n.IsDir() {
		return nil, ENOTDIR
	}
	listed, _, err := h.fs.ReadDir(ctx, n, 0, 0)
	if err != nil {
		return nil, errno(err)
	}
	for _, e := range listed {
		if e.Name != "." && e.Name != ".." {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// --- Metadata Operations ---

// GetAttr gets file attributes
func (h *HandleFS) GetAttr(handle vfs.VfsHandle) (attrs *vfs.Attributes, err error) {
	defer recoverPanic("GetAttr", &err)
	info, err := h.node(handle)
	if err != nil {
		return nil, err
	}
	a, err := h.fs.GetAttr(context.Background(), info.node)
	if err != nil {
		return nil, errno(err)
	}
	return attrToAttributes(a), nil
}

// StatPath returns the attributes at path.
func (h *HandleFS) StatPath(path string) (a Attr, err error) {
	defer recoverPanic("StatPath", &err)
	ctx := context.Background()
	n, err := h.resolve(ctx, path)
	if err != nil {
		return Attr{}, err
	}
	a, err = h.fs.GetAttr(ctx, n)
	return a, errno(err)
}

// SetAttr sets file attributes
func (h *HandleFS) SetAttr(handle vfs.VfsHandle, inAttrs *vfs.Attributes) (attrs *vfs.Attributes, err error) {
	defer recoverPanic("SetAttr", &err)
	info, err := h.node(handle)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()

	var req provider.SetAttrRequest
	changed := false
	if mode, ok := inAttrs.GetUnixMode(); ok {
		m := mode & provider.ModePermMask
		req.Mode = &m
		changed = true
	}
	if mtime, ok := inAttrs.GetLastDataModificationTime(); ok {
		req.Mtime = &mtime
		changed = true
	}
	if atime, ok := inAttrs.GetAccessTime(); ok {
		req.Atime = &atime
		changed = true
	}
	if changed {
		if err := h.fs.SetAttr(ctx, info.node, req); err != nil {
			return nil, errno(err)
		}
	}
	if size, ok := inAttrs.GetSizeBytes(); ok && !info.isDir {
		if err := h.fs.Truncate(ctx, info.node, int64(size)); err != nil {
			return nil, errno(err)
		}
	}

	a, err := h.fs.GetAttr(ctx, info.node)
	if err != nil {
		return nil, errno(err)
	}
	return attrToAttributes(a), nil
}

// SetAttrPath applies req to the node at path.
func (h *HandleFS) SetAttrPath(path string, req provider.SetAttrRequest) (err error) {
	defer recoverPanic("SetAttrPath", &err)
	ctx := context.Background()
	n, err := h.resolve(ctx, path)
	if err != nil {
		return err
	}
	return errno(h.fs.SetAttr(ctx, n, req))
}

// Lookup finds a file in a directory. name may hold several components.
func (h *HandleFS) Lookup(dirHandle vfs.VfsHandle, name string) (attrs *vfs.Attributes, err error) {
	defer recoverPanic("Lookup", &err)
	log.Debugf("[VFS] Lookup: dirHandle=%d name=%q", dirHandle, name)
	info, err := h.node(dirHandle)
	if err != nil {
		return nil, err
	}
	if !info.isDir {
		return nil, ENOTDIR
	}

	ctx := context.Background()
	n := info.node
	for _, part := range strings.Split(strings.Trim(name, "/"), "/") {
		if n, err = h.fs.Lookup(ctx, n, part, Query); err != nil {
			return nil, errno(err)
		}
	}
	a, err := h.fs.GetAttr(ctx, n)
	if err != nil {
		return nil, errno(err)
	}
	return attrToAttributes(a), nil
}

// StatFS returns filesystem statistics
func (h *HandleFS) StatFS(handle vfs.VfsHandle) (attrs *vfs.FSAttributes, err error) {
	defer recoverPanic("StatFS", &err)
	st, err := h.fs.StatFS(context.Background())
	if err != nil {
		return nil, errno(err)
	}
	attrs = &vfs.FSAttributes{}
	attrs.SetBlockSize(uint64(st.BlockSize))
	attrs.SetIOSize(uint64(h.fs.opts.MaxIO))
	attrs.SetBlocks(st.Blocks)
	attrs.SetFreeBlocks(st.BlocksFree)
	attrs.SetAvailableBlocks(st.BlocksAvail)
	attrs.SetFiles(st.Files)
	attrs.SetFreeFiles(st.FilesFree)
	return attrs, nil
}

// --- File Management ---

// Unlink removes the file or empty directory the handle refers to
func (h *HandleFS) Unlink(handle vfs.VfsHandle) (err error) {
	defer recoverPanic("Unlink", &err)
	info, err := h.node(handle)
	if err != nil {
		return err
	}
	return h.UnlinkByPath(info.path)
}

// Remove is Unlink under its other name in the SMB interface.
func (h *HandleFS) Remove(handle vfs.VfsHandle) error {
	return h.Unlink(handle)
}

// UnlinkByPath removes a file or empty directory by path
func (h *HandleFS) UnlinkByPath(path string) (err error) {
	defer recoverPanic("UnlinkByPath", &err)
	ctx := context.Background()
	dir, name, err := h.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	n, err := h.fs.Lookup(ctx, dir, name, Query)
	if err != nil {
		return errno(err)
	}
	if n.IsDir() {
		return errno(h.fs.Rmdir(ctx, dir, name))
	}
	return errno(h.fs.Remove(ctx, dir, name))
}

// Rename renames the entry the handle refers to. A newName without a
// slash stays in the same directory; otherwise it is a share path.
func (h *HandleFS) Rename(handle vfs.VfsHandle, newName string, flags int) (err error) {
	defer recoverPanic("Rename", &err)
	info, err := h.node(handle)
	if err != nil {
		return err
	}
	newPath := newName
	if !strings.Contains(newName, "/") {
		newPath = common.JoinPath(common.ParentPath(info.path), newName)
	}
	return h.RenamePath(info.path, newPath, flags&renameReplaceIfExists != 0)
}

// RenamePath moves oldPath to newPath.
func (h *HandleFS) RenamePath(oldPath, newPath string, replace bool) (err error) {
	defer recoverPanic("RenamePath", &err)
	ctx := context.Background()
	srcDir, srcName, err := h.resolveParent(ctx, oldPath)
	if err != nil {
		return err
	}
	dstDir, dstName, err := h.resolveParent(ctx, newPath)
	if err != nil {
		return err
	}
	if !replace {
		if _, err := h.fs.Lookup(ctx, dstDir, dstName, Query); err == nil {
			return EEXIST
		}
	}
	return errno(h.fs.Rename(ctx, srcDir, srcName, dstDir, dstName))
}

// --- Symbolic Link Operations ---

// Readlink reads a symbolic link target
func (h *HandleFS) Readlink(handle vfs.VfsHandle) (target string, err error) {
	defer recoverPanic("Readlink", &err)
	info, err := h.node(handle)
	if err != nil {
		return "", err
	}
	target, err = h.fs.Readlink(context.Background(), info.node)
	return target, errno(err)
}

// ReadlinkPath reads the target of the symlink at path.
func (h *HandleFS) ReadlinkPath(path string) (target string, err error) {
	defer recoverPanic("ReadlinkPath", &err)
	ctx := context.Background()
	n, err := h.resolve(ctx, path)
	if err != nil {
		return "", err
	}
	target, err = h.fs.Readlink(ctx, n)
	return target, errno(err)
}

// Symlink turns the file the handle refers to into a symbolic link to
// target. The host cannot convert a file in place, so the file is
// removed and a symlink created at its path.
func (h *HandleFS) Symlink(handle vfs.VfsHandle, target string, mode int) (attrs *vfs.Attributes, err error) {
	defer recoverPanic("Symlink", &err)
	log.Debugf("[VFS] Symlink: handle=%d target=%q", handle, target)
	info, err := h.node(handle)
	if err != nil {
		return nil, err
	}
	if info.isDir {
		return nil, EISDIR
	}
	ctx := context.Background()
	dir, name, err := h.resolveParent(ctx, info.path)
	if err != nil {
		return nil, err
	}
	if err := h.fs.Remove(ctx, dir, name); err != nil {
		return nil, errno(err)
	}
	n, err := h.fs.Symlink(ctx, dir, name, target)
	if err != nil {
		return nil, errno(err)
	}
	return attrToAttributes(h.fs.CachedAttr(n)), nil
}

// SymlinkPath creates a symlink at link pointing to target.
func (h *HandleFS) SymlinkPath(target, link string) (err error) {
	defer recoverPanic("SymlinkPath", &err)
	ctx := context.Background()
	dir, name, err := h.resolveParent(ctx, link)
	if err != nil {
		return err
	}
	_, err = h.fs.Symlink(ctx, dir, name, target)
	return errno(err)
}

// Link creates a hard link
func (h *HandleFS) Link(srcNode vfs.VfsNode, dstNode vfs.VfsNode, name string) (*vfs.Attributes, error) {
	return nil, ENOTSUP
}

// --- Extended Attributes (not supported by the host service) ---

func (h *HandleFS) Listxattr(handle vfs.VfsHandle) ([]string, error) {
	return []string{}, nil
}

func (h *HandleFS) Getxattr(handle vfs.VfsHandle, name string, buf []byte) (int, error) {
	return 0, ENOATTR
}

func (h *HandleFS) Setxattr(handle vfs.VfsHandle, name string, value []byte) error {
	// Silently succeed (some SMB clients expect this to work)
	return nil
}

func (h *HandleFS) Removexattr(handle vfs.VfsHandle, name string) error {
	return nil
}

// attrToAttributes converts node attributes to the SMB attribute set.
func attrToAttributes(a Attr) *vfs.Attributes {
	attrs := &vfs.Attributes{}

	attrs.SetFileHandle(vfs.VfsNode(a.Ino))
	attrs.SetInodeNumber(a.Ino)
	attrs.SetSizeBytes(uint64(a.Size))
	attrs.SetLinkCount(a.Nlink)
	attrs.SetUID(a.UID)
	attrs.SetGID(a.GID)
	attrs.SetPermissions(vfs.NewPermissionsFromMode(a.Mode))
	attrs.SetUnixMode(a.Perm())
	attrs.SetLastDataModificationTime(a.Mtime)
	attrs.SetLastStatusChangeTime(a.Ctime)
	attrs.SetAccessTime(a.Atime)
	attrs.SetBirthTime(a.Ctime)
	attrs.SetChangeID(uint64(a.Mtime.UnixNano()))

	switch a.Type {
	case TypeDir:
		attrs.SetFileType(vfs.FileTypeDirectory)
	case TypeSymlink:
		attrs.SetFileType(vfs.FileTypeSymlink)
	default:
		attrs.SetFileType(vfs.FileTypeRegularFile)
	}
	return attrs
}
