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

// Write-class operations pass straight through to the remote service and
// then drop whatever they made out of date. They all fail with
// ErrReadOnly on a read-only mount.

func (fs *ShareFS) checkWritable(op, path string) (provider.Share, *Table, error) {
	share, t, err := fs.mounted()
	if err != nil {
		return nil, nil, err
	}
	if fs.ReadOnly() {
		return nil, nil, fmt.Errorf("%s %s: %w", op, path, common.ErrReadOnly)
	}
	return share, t, nil
}

// Mkdir creates directory name inside dir.
func (fs *ShareFS) Mkdir(ctx context.Context, dir *Node, name string, mode uint32) (*Node, error) {
	return fs.Lookup(ctx, dir, name, CreateDir(mode))
}

// Create creates regular file name inside dir. The node comes back open;
// the caller must Close it.
func (fs *ShareFS) Create(ctx context.Context, dir *Node, name string, mode uint32) (*Node, error) {
	return fs.Lookup(ctx, dir, name, CreateFile(mode))
}

// Remove unlinks the file or symlink name inside dir.
func (fs *ShareFS) Remove(ctx context.Context, dir *Node, name string) (err error) {
	defer recoverPanic("Remove", &err)
	share, t, err := fs.checkWritable("remove", common.JoinPath(dir.path, name))
	if err != nil {
		return err
	}
	n, err := fs.Lookup(ctx, dir, name, Query)
	if err != nil {
		return err
	}
	if n.IsDir() {
		return fmt.Errorf("remove %s: %w", n.path, common.ErrIsDir)
	}
	metrics.RemoteCall("remove")
	if err := share.Remove(ctx, n.remote, n.typ == TypeSymlink); err != nil {
		fs.staleOnNotFound(t, n, err)
		return remoteErr("remove", n.path, err)
	}
	t.MakeStale(n)
	fs.Invalidate(dir)
	log.Debugf("[VFS] Removed %s", n.path)
	return nil
}

// Rmdir removes the empty directory name inside dir.
func (fs *ShareFS) Rmdir(ctx context.Context, dir *Node, name string) (err error) {
	defer recoverPanic("Rmdir", &err)
	share, t, err := fs.checkWritable("rmdir", common.JoinPath(dir.path, name))
	if err != nil {
		return err
	}
	n, err := fs.Lookup(ctx, dir, name, Query)
	if err != nil {
		return err
	}
	if !n.IsDir() {
		return fmt.Errorf("rmdir %s: %w", n.path, common.ErrNotDir)
	}
	if n == t.Root() || n == dir {
		return fmt.Errorf("rmdir %s: %w", n.path, common.ErrBusy)
	}
	metrics.RemoteCall("rmdir")
	if err := share.Rmdir(ctx, n.remote); err != nil {
		fs.staleOnNotFound(t, n, err)
		return remoteErr("rmdir", n.path, err)
	}
	t.MakeStale(n)
	fs.Invalidate(dir)
	log.Debugf("[VFS] Removed directory %s", n.path)
	return nil
}

// Rename moves srcDir/srcName to dstDir/dstName. Both old and replaced
// paths are made stale; the moved entry is looked up afresh at its new
// path on next use.
func (fs *ShareFS) Rename(ctx context.Context, srcDir *Node, srcName string, dstDir *Node, dstName string) (err error) {
	defer recoverPanic("Rename", &err)
	share, t, err := fs.checkWritable("rename", common.JoinPath(srcDir.path, srcName))
	if err != nil {
		return err
	}
	if !common.ValidName(dstName) {
		return fmt.Errorf("rename to %q: %w", dstName, common.ErrInvalidPath)
	}
	if !dstDir.IsDir() {
		return fmt.Errorf("rename to %s: %w", dstDir.path, common.ErrNotDir)
	}
	src, err := fs.Lookup(ctx, srcDir, srcName, Query)
	if err != nil {
		return err
	}
	if src == t.Root() {
		return fmt.Errorf("rename %s: %w", src.path, common.ErrBusy)
	}
	dstPath := common.JoinPath(dstDir.path, dstName)
	if src.IsDir() && common.IsDescendant(src.path, dstPath) {
		return fmt.Errorf("rename %s into its own subtree: %w", src.path, common.ErrInvalidPath)
	}
	if fs.hidden(dstPath, src.IsDir()) {
		return fmt.Errorf("rename to %s: excluded: %w", dstPath, common.ErrNotSupported)
	}

	metrics.RemoteCall("rename")
	if err := share.Rename(ctx, src.remote, common.JoinPath(dstDir.remote, dstName), src.IsDir()); err != nil {
		fs.staleOnNotFound(t, src, err)
		return remoteErr("rename", src.path, err)
	}

	t.MakeStale(src)
	if dst, ok := t.Find(dstPath); ok {
		t.MakeStale(dst)
	}
	fs.Invalidate(srcDir)
	fs.Invalidate(dstDir)
	log.Debugf("[VFS] Renamed %s -> %s", src.path, dstPath)
	return nil
}

// Symlink creates a symlink name inside dir pointing at target.
func (fs *ShareFS) Symlink(ctx context.Context, dir *Node, name, target string) (n *Node, err error) {
	defer recoverPanic("Symlink", &err)
	path := common.JoinPath(dir.path, name)
	share, t, err := fs.checkWritable("symlink", path)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, fmt.Errorf("symlink %s: %w", dir.path, common.ErrNotDir)
	}
	if !common.ValidName(name) {
		return nil, fmt.Errorf("symlink %q: %w", name, common.ErrInvalidPath)
	}
	if fs.opts.SingleFile != "" || fs.hidden(path, false) {
		return nil, fmt.Errorf("symlink %s: %w", path, common.ErrNotSupported)
	}
	if _, ok := t.Find(path); ok {
		return nil, fmt.Errorf("symlink %s: %w", path, common.ErrExists)
	}

	metrics.RemoteCall("symlink")
	st, err := share.Symlink(ctx, common.JoinPath(dir.remote, name), target)
	if err != nil {
		return nil, remoteErr("symlink", path, err)
	}
	fs.Invalidate(dir)
	return fs.materialize(t, dir, name, st)
}

// SetAttr changes the mode or timestamps of n.
func (fs *ShareFS) SetAttr(ctx context.Context, n *Node, req provider.SetAttrRequest) (err error) {
	defer recoverPanic("SetAttr", &err)
	share, t, err := fs.checkWritable("setattr", n.path)
	if err != nil {
		return err
	}
	metrics.RemoteCall("setattr")
	if err := share.SetAttr(ctx, n.remote, req); err != nil {
		fs.staleOnNotFound(t, n, err)
		return remoteErr("setattr", n.path, err)
	}
	n.expireStat()
	return nil
}

// Truncate sets the size of regular file n.
func (fs *ShareFS) Truncate(ctx context.Context, n *Node, size int64) (err error) {
	defer recoverPanic("Truncate", &err)
	share, t, err := fs.checkWritable("truncate", n.path)
	if err != nil {
		return err
	}
	if n.IsDir() {
		return fmt.Errorf("truncate %s: %w", n.path, common.ErrIsDir)
	}
	if size < 0 {
		return fmt.Errorf("truncate %s: size %d: %w", n.path, size, common.ErrInvalidPath)
	}
	metrics.RemoteCall("setsize")
	if err := share.SetSize(ctx, n.remote, size); err != nil {
		fs.staleOnNotFound(t, n, err)
		return remoteErr("truncate", n.path, err)
	}
	n.expireStat()
	return nil
}
