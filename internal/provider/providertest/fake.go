// Package providertest provides an in-memory remote folder service for
// tests. Every call is counted, and a hook can intercept calls before they
// touch the tree, which lets tests hold a remote call open.
package providertest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"sharefs/internal/common"
	"sharefs/internal/provider"
)

type entry struct {
	stat   provider.Stat
	data   []byte
	target string
}

// Fake is an in-memory provider.Service that is also the provider.Share it
// mounts.
type Fake struct {
	mu        sync.Mutex
	share     string
	connected bool
	mounted   bool
	readOnly  bool
	tree      map[string]*entry
	handles   map[provider.Handle]string
	nextH     provider.Handle
	calls     map[string]int
	showLinks bool
	now       time.Time

	// Hook, when set, runs before every share call with the operation name
	// and primary path. It runs without the fake's lock held.
	Hook func(op, path string)
}

var (
	_ provider.Service = (*Fake)(nil)
	_ provider.Share   = (*Fake)(nil)
)

// New returns an empty share named share containing only its root.
func New(share string) *Fake {
	f := &Fake{
		share:     share,
		tree:      make(map[string]*entry),
		handles:   make(map[provider.Handle]string),
		calls:     make(map[string]int),
		showLinks: true,
		now:       time.Unix(1700000000, 0),
	}
	f.tree["/"] = &entry{stat: f.stat(provider.ModeDir|0755, 0)}
	return f
}

func (f *Fake) stat(mode uint32, size int64) provider.Stat {
	return provider.Stat{Mode: mode, Size: size, Alloc: size, Atime: f.now, Mtime: f.now, Ctime: f.now}
}

// SetReadOnly makes FSInfo report a read-only share.
func (f *Fake) SetReadOnly(ro bool) {
	f.mu.Lock()
	f.readOnly = ro
	f.mu.Unlock()
}

// AddDir creates a directory out of band.
func (f *Fake) AddDir(path string, perm uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tree[common.NormalizePath(path)] = &entry{stat: f.stat(provider.ModeDir|perm, 0)}
}

// AddFile creates or replaces a regular file out of band.
func (f *Fake) AddFile(path string, perm uint32, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tree[common.NormalizePath(path)] = &entry{
		stat: f.stat(provider.ModeRegular|perm, int64(len(data))),
		data: append([]byte(nil), data...),
	}
}

// AddSymlink creates a symlink out of band.
func (f *Fake) AddSymlink(path, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tree[common.NormalizePath(path)] = &entry{
		stat:   f.stat(provider.ModeSymlink|0777, int64(len(target))),
		target: target,
	}
}

// AddSpecial creates an entry with an arbitrary mode, such as a fifo.
func (f *Fake) AddSpecial(path string, mode uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tree[common.NormalizePath(path)] = &entry{stat: f.stat(mode, 0)}
}

// Delete removes path and everything below it out of band.
func (f *Fake) Delete(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := common.NormalizePath(path)
	for k := range f.tree {
		if k == p || common.IsDescendant(p, k) {
			delete(f.tree, k)
		}
	}
}

// SetSizeOOB changes the size of a file without going through the share.
func (f *Fake) SetSizeOOB(path string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.tree[common.NormalizePath(path)]; ok {
		e.stat.Size = size
	}
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// OpenHandles returns the number of handles not yet closed.
func (f *Fake) OpenHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// Connected reports whether Connect has been called without Disconnect.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) enter(op, path string) {
	if hook := f.Hook; hook != nil {
		hook(op, path)
	}
	f.mu.Lock()
	f.calls[op]++
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.mounted = false
	return nil
}

func (f *Fake) Mount(ctx context.Context, share string) (provider.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, common.ErrNotConnected
	}
	if share != f.share {
		return nil, common.ErrNotFound
	}
	f.mounted = true
	return f, nil
}

func (f *Fake) Name() string { return f.share }

func (f *Fake) Unmount() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounted = false
	return nil
}

func (f *Fake) FSInfo(ctx context.Context) (provider.FSInfo, error) {
	f.enter("fsinfo", "/")
	defer f.mu.Unlock()
	return provider.FSInfo{
		BlockSize:   4096,
		BlocksUsed:  100,
		BlocksAvail: 400,
		MaxNameSize: 255,
		ReadOnly:    f.readOnly,
	}, nil
}

func (f *Fake) lookup(path string) (*entry, error) {
	e, ok := f.tree[common.NormalizePath(path)]
	if !ok {
		return nil, common.ErrNotFound
	}
	return e, nil
}

func (f *Fake) checkParent(path string) error {
	parent, err := f.lookup(common.ParentPath(path))
	if err != nil {
		return err
	}
	if !parent.stat.IsDir() {
		return common.ErrNotDir
	}
	return nil
}

func (f *Fake) GetAttr(ctx context.Context, path string) (provider.Stat, error) {
	f.enter("getattr", path)
	defer f.mu.Unlock()
	e, err := f.lookup(path)
	if err != nil {
		return provider.Stat{}, err
	}
	return e.stat, nil
}

func (f *Fake) SetAttr(ctx context.Context, path string, req provider.SetAttrRequest) error {
	f.enter("setattr", path)
	defer f.mu.Unlock()
	e, err := f.lookup(path)
	if err != nil {
		return err
	}
	if req.Mode != nil {
		e.stat.Mode = e.stat.Mode&provider.ModeTypeMask | *req.Mode&provider.ModePermMask
	}
	if req.Atime != nil {
		e.stat.Atime = *req.Atime
	}
	if req.Mtime != nil {
		e.stat.Mtime = *req.Mtime
	}
	return nil
}

func (f *Fake) SetSize(ctx context.Context, path string, size int64) error {
	f.enter("setsize", path)
	defer f.mu.Unlock()
	e, err := f.lookup(path)
	if err != nil {
		return err
	}
	if e.stat.IsDir() {
		return common.ErrIsDir
	}
	resized := make([]byte, size)
	copy(resized, e.data)
	e.data = resized
	e.stat.Size = size
	return nil
}

func (f *Fake) newHandle(path string) provider.Handle {
	f.nextH++
	f.handles[f.nextH] = path
	return f.nextH
}

func (f *Fake) Create(ctx context.Context, path string, mode uint32) (provider.Handle, provider.Stat, error) {
	f.enter("create", path)
	defer f.mu.Unlock()
	if _, err := f.lookup(path); err == nil {
		return 0, provider.Stat{}, common.ErrExists
	}
	if err := f.checkParent(path); err != nil {
		return 0, provider.Stat{}, err
	}
	e := &entry{stat: f.stat(provider.ModeRegular|mode&provider.ModePermMask, 0)}
	f.tree[common.NormalizePath(path)] = e
	return f.newHandle(common.NormalizePath(path)), e.stat, nil
}

func (f *Fake) Open(ctx context.Context, path string, flags int) (provider.Handle, error) {
	f.enter("open", path)
	defer f.mu.Unlock()
	if _, err := f.lookup(path); err != nil {
		return 0, err
	}
	return f.newHandle(common.NormalizePath(path)), nil
}

func (f *Fake) Close(ctx context.Context, h provider.Handle) error {
	f.enter("close", "")
	defer f.mu.Unlock()
	if _, ok := f.handles[h]; !ok {
		return common.ErrInvalidHandle
	}
	delete(f.handles, h)
	return nil
}

func (f *Fake) handleEntry(h provider.Handle) (*entry, error) {
	path, ok := f.handles[h]
	if !ok {
		return nil, common.ErrInvalidHandle
	}
	return f.lookup(path)
}

func (f *Fake) Read(ctx context.Context, h provider.Handle, buf []byte, off int64) (int, error) {
	f.enter("read", "")
	defer f.mu.Unlock()
	e, err := f.handleEntry(h)
	if err != nil {
		return 0, err
	}
	if e.stat.IsDir() {
		return 0, common.ErrIsDir
	}
	if off >= int64(len(e.data)) {
		return 0, nil
	}
	return copy(buf, e.data[off:]), nil
}

func (f *Fake) Write(ctx context.Context, h provider.Handle, data []byte, off int64) (int, error) {
	f.enter("write", "")
	defer f.mu.Unlock()
	e, err := f.handleEntry(h)
	if err != nil {
		return 0, err
	}
	if end := off + int64(len(data)); end > int64(len(e.data)) {
		grown := make([]byte, end)
		copy(grown, e.data)
		e.data = grown
	}
	n := copy(e.data[off:], data)
	e.stat.Size = int64(len(e.data))
	e.stat.Alloc = e.stat.Size
	return n, nil
}

func (f *Fake) Fsync(ctx context.Context, h provider.Handle) error {
	f.enter("fsync", "")
	defer f.mu.Unlock()
	_, err := f.handleEntry(h)
	return err
}

func (f *Fake) Mkdir(ctx context.Context, path string, mode uint32) (provider.Stat, error) {
	f.enter("mkdir", path)
	defer f.mu.Unlock()
	if _, err := f.lookup(path); err == nil {
		return provider.Stat{}, common.ErrExists
	}
	if err := f.checkParent(path); err != nil {
		return provider.Stat{}, err
	}
	e := &entry{stat: f.stat(provider.ModeDir|mode&provider.ModePermMask, 0)}
	f.tree[common.NormalizePath(path)] = e
	return e.stat, nil
}

func (f *Fake) hasChildren(path string) bool {
	for k := range f.tree {
		if common.IsDescendant(path, k) {
			return true
		}
	}
	return false
}

func (f *Fake) Rmdir(ctx context.Context, path string) error {
	f.enter("rmdir", path)
	defer f.mu.Unlock()
	p := common.NormalizePath(path)
	e, err := f.lookup(p)
	if err != nil {
		return err
	}
	if !e.stat.IsDir() {
		return common.ErrNotDir
	}
	if f.hasChildren(p) {
		return common.ErrNotEmpty
	}
	delete(f.tree, p)
	return nil
}

func (f *Fake) Remove(ctx context.Context, path string, isLink bool) error {
	f.enter("remove", path)
	defer f.mu.Unlock()
	p := common.NormalizePath(path)
	e, err := f.lookup(p)
	if err != nil {
		return err
	}
	if e.stat.IsDir() {
		return common.ErrIsDir
	}
	delete(f.tree, p)
	return nil
}

func (f *Fake) Rename(ctx context.Context, from, to string, isDir bool) error {
	f.enter("rename", from)
	defer f.mu.Unlock()
	src := common.NormalizePath(from)
	dst := common.NormalizePath(to)
	if _, err := f.lookup(src); err != nil {
		return err
	}
	if err := f.checkParent(dst); err != nil {
		return err
	}
	moved := make(map[string]*entry)
	for k, e := range f.tree {
		if k == src || common.IsDescendant(src, k) {
			moved[dst+strings.TrimPrefix(k, src)] = e
			delete(f.tree, k)
		}
	}
	for k, e := range moved {
		f.tree[k] = e
	}
	return nil
}

func (f *Fake) Readlink(ctx context.Context, path string) (string, error) {
	f.enter("readlink", path)
	defer f.mu.Unlock()
	e, err := f.lookup(path)
	if err != nil {
		return "", err
	}
	if !e.stat.IsSymlink() {
		return "", common.NewRemoteError("readlink", 22)
	}
	return e.target, nil
}

func (f *Fake) Symlink(ctx context.Context, linkPath, target string) (provider.Stat, error) {
	f.enter("symlink", linkPath)
	defer f.mu.Unlock()
	if _, err := f.lookup(linkPath); err == nil {
		return provider.Stat{}, common.ErrExists
	}
	if err := f.checkParent(linkPath); err != nil {
		return provider.Stat{}, err
	}
	e := &entry{stat: f.stat(provider.ModeSymlink|0777, int64(len(target))), target: target}
	f.tree[common.NormalizePath(linkPath)] = e
	return e.stat, nil
}

func (f *Fake) Readdir(ctx context.Context, path string, bufSize int) (*provider.DirChain, error) {
	f.enter("readdir", path)
	defer f.mu.Unlock()
	p := common.NormalizePath(path)
	e, err := f.lookup(p)
	if err != nil {
		return nil, err
	}
	if !e.stat.IsDir() {
		return nil, common.ErrNotDir
	}
	var names []string
	for k := range f.tree {
		if common.IsDescendant(p, k) && common.ParentPath(k) == p {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	b := provider.NewDirChainBuilder(bufSize)
	for _, k := range names {
		if err := b.Add(common.BaseName(k), f.tree[k].stat); err != nil {
			return nil, err
		}
	}
	return b.Chain(), nil
}

func (f *Fake) SetShowSymlinks(show bool) {
	f.mu.Lock()
	f.showLinks = show
	f.mu.Unlock()
}
