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

// Package hostfs serves shares straight from directories on the local
// host. It is the remote folder service a sharefs daemon talks to when the
// share lives on the same machine, and the backend of `sharefs host serve`.
package hostfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"sharefs/internal/common"
	"sharefs/internal/provider"
)

// Service exports a fixed set of named host directories.
type Service struct {
	mu        sync.Mutex
	shares    map[string]string
	connected bool
	mounted   map[*Share]struct{}
}

var _ provider.Service = (*Service)(nil)

// New returns a service exporting shares, a map of share name to host
// directory.
func New(shares map[string]string) *Service {
	s := &Service{
		shares:  make(map[string]string, len(shares)),
		mounted: make(map[*Share]struct{}),
	}
	for name, dir := range shares {
		s.shares[name] = dir
	}
	return s
}

// AddShare exports dir under name.
func (s *Service) AddShare(name, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[name] = dir
}

func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Disconnect unmounts every share still mounted, closing its handles.
func (s *Service) Disconnect() error {
	s.mu.Lock()
	shares := make([]*Share, 0, len(s.mounted))
	for sh := range s.mounted {
		shares = append(shares, sh)
	}
	s.connected = false
	s.mu.Unlock()

	var errs []error
	for _, sh := range shares {
		if err := sh.Unmount(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) Mount(ctx context.Context, name string) (provider.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, common.ErrNotConnected
	}
	dir, ok := s.shares[name]
	if !ok {
		return nil, fmt.Errorf("share %q: %w", name, common.ErrNotFound)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	// Paths are confined against the resolved root.
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, mapError("mount", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, mapError("mount", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("share %q: %w", name, common.ErrNotDir)
	}
	sh := &Share{
		svc:          s,
		name:         name,
		root:         abs,
		files:        make(map[provider.Handle]*os.File),
		showSymlinks: true,
	}
	s.mounted[sh] = struct{}{}
	log.Debugf("[HostFS] Mounted share %q at %s", name, abs)
	return sh, nil
}

func (s *Service) forget(sh *Share) {
	s.mu.Lock()
	delete(s.mounted, sh)
	s.mu.Unlock()
}

// Share is one mounted host directory.
type Share struct {
	svc  *Service
	name string
	root string

	mu           sync.Mutex
	files        map[provider.Handle]*os.File
	nextHandle   provider.Handle
	showSymlinks bool
}

var _ provider.Share = (*Share)(nil)

func (sh *Share) Name() string { return sh.name }

func (sh *Share) Unmount() error {
	sh.mu.Lock()
	files := sh.files
	sh.files = make(map[provider.Handle]*os.File)
	sh.mu.Unlock()

	for _, f := range files {
		f.Close()
	}
	sh.svc.forget(sh)
	log.Debugf("[HostFS] Unmounted share %q (%d handles closed)", sh.name, len(files))
	return nil
}

// hostPath maps a share path onto the host for operations on the entry
// itself. Cleaning against "/" keeps ".." inside the share, and every
// component but the last is resolved on the host and must stay under the
// root, so a symlink partway down a path cannot lead out of the share.
func (sh *Share) hostPath(p string) (string, error) {
	np := common.NormalizePath(p)
	if np == common.RootPath {
		return sh.root, nil
	}
	dir, err := filepath.EvalSymlinks(filepath.Join(sh.root, filepath.FromSlash(common.ParentPath(np))))
	if err != nil {
		return "", mapError("resolve", err)
	}
	if !sh.contains(dir) {
		return "", fmt.Errorf("resolve %s: outside share: %w", np, common.ErrNotFound)
	}
	return filepath.Join(dir, common.BaseName(np)), nil
}

// followPath is hostPath for operations that follow a final symlink. A
// link whose target leaves the share looks dangling.
func (sh *Share) followPath(p string) (string, error) {
	hp, err := sh.hostPath(p)
	if err != nil {
		return "", err
	}
	return sh.confine(hp)
}

// confine resolves hp and requires the result to lie under the root. A
// path that does not resolve is returned as is; using it fails with
// ENOENT on the host.
func (sh *Share) confine(hp string) (string, error) {
	real, err := filepath.EvalSymlinks(hp)
	if errors.Is(err, fs.ErrNotExist) {
		return hp, nil
	}
	if err != nil {
		return "", mapError("resolve", err)
	}
	if !sh.contains(real) {
		return "", fmt.Errorf("resolve %s: outside share: %w", hp, common.ErrNotFound)
	}
	return real, nil
}

func (sh *Share) contains(real string) bool {
	return real == sh.root || strings.HasPrefix(real, sh.root+string(filepath.Separator))
}

func (sh *Share) FSInfo(ctx context.Context) (provider.FSInfo, error) {
	return statfs(sh.root)
}

func (sh *Share) GetAttr(ctx context.Context, p string) (provider.Stat, error) {
	sh.mu.Lock()
	follow := !sh.showSymlinks
	sh.mu.Unlock()
	resolve := sh.hostPath
	if follow {
		resolve = sh.followPath
	}
	hp, err := resolve(p)
	if err != nil {
		return provider.Stat{}, err
	}
	return statPath(hp, follow)
}

func statPath(hp string, follow bool) (provider.Stat, error) {
	var st unix.Stat_t
	var err error
	if follow {
		err = unix.Stat(hp, &st)
	} else {
		err = unix.Lstat(hp, &st)
	}
	if err != nil {
		return provider.Stat{}, mapError("getattr", &os.PathError{Op: "stat", Path: hp, Err: err})
	}
	return fromUnixStat(&st), nil
}

func fromUnixStat(st *unix.Stat_t) provider.Stat {
	return provider.Stat{
		Mode:  uint32(st.Mode),
		Size:  st.Size,
		Alloc: int64(st.Blocks) * 512,
		Atime: time.Unix(st.Atim.Unix()),
		Mtime: time.Unix(st.Mtim.Unix()),
		Ctime: time.Unix(st.Ctim.Unix()),
	}
}

func (sh *Share) SetAttr(ctx context.Context, p string, req provider.SetAttrRequest) error {
	hp, err := sh.followPath(p)
	if err != nil {
		return err
	}
	if req.Mode != nil {
		if err := os.Chmod(hp, os.FileMode(*req.Mode&0777)); err != nil {
			return mapError("setattr", err)
		}
	}
	if req.Atime != nil || req.Mtime != nil {
		st, err := statPath(hp, false)
		if err != nil {
			return err
		}
		atime, mtime := st.Atime, st.Mtime
		if req.Atime != nil {
			atime = *req.Atime
		}
		if req.Mtime != nil {
			mtime = *req.Mtime
		}
		if err := os.Chtimes(hp, atime, mtime); err != nil {
			return mapError("setattr", err)
		}
	}
	return nil
}

func (sh *Share) SetSize(ctx context.Context, p string, size int64) error {
	hp, err := sh.followPath(p)
	if err != nil {
		return err
	}
	return mapError("setsize", os.Truncate(hp, size))
}

func (sh *Share) track(f *os.File) provider.Handle {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.nextHandle++
	sh.files[sh.nextHandle] = f
	return sh.nextHandle
}

func (sh *Share) file(h provider.Handle) (*os.File, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	f, ok := sh.files[h]
	if !ok {
		return nil, common.ErrInvalidHandle
	}
	return f, nil
}

func (sh *Share) Create(ctx context.Context, p string, mode uint32) (provider.Handle, provider.Stat, error) {
	hp, err := sh.hostPath(p)
	if err != nil {
		return 0, provider.Stat{}, err
	}
	f, err := os.OpenFile(hp, os.O_RDWR|os.O_CREATE|os.O_EXCL, os.FileMode(mode&0777))
	if err != nil {
		return 0, provider.Stat{}, mapError("create", err)
	}
	st, err := statPath(hp, false)
	if err != nil {
		f.Close()
		return 0, provider.Stat{}, err
	}
	return sh.track(f), st, nil
}

// Open opens read-write when asked, falling back to read-only like the
// host side of a shared folder does for files the guest may not modify.
func (sh *Share) Open(ctx context.Context, p string, flags int) (provider.Handle, error) {
	hp, err := sh.followPath(p)
	if err != nil {
		return 0, err
	}
	var f *os.File
	if flags&provider.OpenWrite != 0 {
		f, err = os.OpenFile(hp, os.O_RDWR, 0)
		if err != nil && errors.Is(err, os.ErrPermission) {
			f, err = os.Open(hp)
		}
	} else {
		f, err = os.Open(hp)
	}
	if err != nil {
		return 0, mapError("open", err)
	}
	return sh.track(f), nil
}

func (sh *Share) Close(ctx context.Context, h provider.Handle) error {
	sh.mu.Lock()
	f, ok := sh.files[h]
	delete(sh.files, h)
	sh.mu.Unlock()
	if !ok {
		return common.ErrInvalidHandle
	}
	return mapError("close", f.Close())
}

// Read returns a short count at end of file rather than io.EOF.
func (sh *Share) Read(ctx context.Context, h provider.Handle, buf []byte, off int64) (int, error) {
	f, err := sh.file(h)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(buf, off)
	if err == io.EOF {
		err = nil
	}
	return n, mapError("read", err)
}

func (sh *Share) Write(ctx context.Context, h provider.Handle, data []byte, off int64) (int, error) {
	f, err := sh.file(h)
	if err != nil {
		return 0, err
	}
	n, err := f.WriteAt(data, off)
	return n, mapError("write", err)
}

func (sh *Share) Fsync(ctx context.Context, h provider.Handle) error {
	f, err := sh.file(h)
	if err != nil {
		return err
	}
	return mapError("fsync", f.Sync())
}

func (sh *Share) Mkdir(ctx context.Context, p string, mode uint32) (provider.Stat, error) {
	hp, err := sh.hostPath(p)
	if err != nil {
		return provider.Stat{}, err
	}
	if err := os.Mkdir(hp, os.FileMode(mode&0777)); err != nil {
		return provider.Stat{}, mapError("mkdir", err)
	}
	return statPath(hp, false)
}

func (sh *Share) Rmdir(ctx context.Context, p string) error {
	hp, err := sh.hostPath(p)
	if err != nil {
		return err
	}
	return mapError("rmdir", unix.Rmdir(hp))
}

func (sh *Share) Remove(ctx context.Context, p string, isLink bool) error {
	hp, err := sh.hostPath(p)
	if err != nil {
		return err
	}
	return mapError("remove", unix.Unlink(hp))
}

func (sh *Share) Rename(ctx context.Context, from, to string, isDir bool) error {
	src, err := sh.hostPath(from)
	if err != nil {
		return err
	}
	dst, err := sh.hostPath(to)
	if err != nil {
		return err
	}
	return mapError("rename", os.Rename(src, dst))
}

func (sh *Share) Readlink(ctx context.Context, p string) (string, error) {
	hp, err := sh.hostPath(p)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(hp)
	if err != nil {
		return "", mapError("readlink", err)
	}
	return target, nil
}

func (sh *Share) Symlink(ctx context.Context, linkPath, target string) (provider.Stat, error) {
	hp, err := sh.hostPath(linkPath)
	if err != nil {
		return provider.Stat{}, err
	}
	if err := os.Symlink(target, hp); err != nil {
		return provider.Stat{}, mapError("symlink", err)
	}
	return statPath(hp, false)
}

func (sh *Share) Readdir(ctx context.Context, p string, bufSize int) (*provider.DirChain, error) {
	hp, err := sh.followPath(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(hp)
	if err != nil {
		return nil, mapError("readdir", err)
	}
	sh.mu.Lock()
	follow := !sh.showSymlinks
	sh.mu.Unlock()

	b := provider.NewDirChainBuilder(bufSize)
	for _, de := range entries {
		ep := filepath.Join(hp, de.Name())
		if follow {
			ep, err = sh.confine(ep)
		}
		var st provider.Stat
		if err == nil {
			st, err = statPath(ep, follow)
		}
		if err != nil {
			// Vanished since the listing, or a link leading out of the share.
			log.Debugf("[HostFS] Readdir: skipping %s: %v", de.Name(), err)
			continue
		}
		if err := b.Add(de.Name(), st); err != nil {
			return nil, err
		}
	}
	return b.Chain(), nil
}

func (sh *Share) SetShowSymlinks(show bool) {
	sh.mu.Lock()
	sh.showSymlinks = show
	sh.mu.Unlock()
}
