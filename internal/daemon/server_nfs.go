//go:build !smb

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	smbvfs "github.com/macos-fuse-t/go-smb2/vfs"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"sharefs/internal/provider"
	"sharefs/internal/vfs"
)

func init() {
	backend = exportBackend{
		name: "nfs",
		serve: func(hfs *vfs.HandleFS, _ string) NetFSServer {
			return NewNFSServer(hfs)
		},
		mount: func(ip string, port int, _, mountPoint string) error {
			return NFSMount(ip, port, mountPoint)
		},
	}
}

// nfsHandleCache is the number of NFS file handles the caching handler
// keeps resolvable.
const nfsHandleCache = 65536

// NFSServer wraps the go-nfs server
type NFSServer struct {
	mu       sync.Mutex
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc
}

// NewNFSServer creates a new NFS server exporting one share
func NewNFSServer(hfs *vfs.HandleFS) *NFSServer {
	// Match go-nfs's log level to the daemon's
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	handler := nfshelper.NewNullAuthHandler(NewBillyAdapter(hfs))
	cacheHelper := nfshelper.NewCachingHandler(handler, nfsHandleCache)

	ctx, cancel := context.WithCancel(context.Background())
	return &NFSServer{
		server: &nfs.Server{
			Handler: cacheHelper,
			Context: ctx,
		},
		cancel: cancel,
	}
}

// Serve starts the NFS server
func (s *NFSServer) Serve(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	return s.server.Serve(listener)
}

// Shutdown stops the NFS server
func (s *NFSServer) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	// The kernel mount is gone by now; give in-flight replies a moment.
	time.Sleep(100 * time.Millisecond)

	if s.cancel != nil {
		s.cancel()
	}
}

// BillyAdapter presents a share's handle API as a billy filesystem for
// go-nfs. Paths are share-relative.
type BillyAdapter struct {
	hfs *vfs.HandleFS
}

// NewBillyAdapter creates a Billy adapter for a share
func NewBillyAdapter(hfs *vfs.HandleFS) *BillyAdapter {
	return &BillyAdapter{hfs: hfs}
}

func sharePath(name string) string {
	if name == "" || name == "." {
		return "/"
	}
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return path.Clean(name)
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	handle, err := b.hfs.Open(sharePath(filename), flag, int(perm.Perm()))
	if err != nil {
		return nil, err
	}
	return &BillyFile{
		adapter: b,
		handle:  handle,
		name:    filename,
		flags:   flag,
	}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	a, err := b.hfs.StatPath(sharePath(filename))
	if err != nil {
		return nil, err
	}
	return &BillyFileInfo{name: path.Base(sharePath(filename)), attr: a}, nil
}

// Lstat is Stat: symlinks are reported as links, never followed.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return b.hfs.RenamePath(sharePath(oldpath), sharePath(newpath), true)
}

func (b *BillyAdapter) Remove(filename string) error {
	return b.hfs.UnlinkByPath(sharePath(filename))
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	entries, err := b.hfs.ReadDirAll(sharePath(dirname))
	if err != nil {
		return nil, err
	}
	result := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		result = append(result, &BillyFileInfo{name: e.Name, attr: e.Attr})
	}
	return result, nil
}

// MkdirAll creates filename and any missing parents. Existing directories
// along the way are fine; an existing non-directory is not.
func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	p := sharePath(filename)
	if p == "/" {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		cur += "/" + part
		a, err := b.hfs.StatPath(cur)
		if err == nil {
			if a.Type != vfs.TypeDir {
				return vfs.ENOTDIR
			}
			continue
		}
		if !errors.Is(err, vfs.ENOENT) {
			return err
		}
		if _, err := b.hfs.Mkdir(cur, int(perm.Perm())); err != nil && !errors.Is(err, vfs.EEXIST) {
			return err
		}
	}
	return nil
}

func (b *BillyAdapter) Symlink(target, link string) error {
	return b.hfs.SymlinkPath(target, sharePath(link))
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return b.hfs.ReadlinkPath(sharePath(link))
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	m := uint32(mode.Perm())
	return b.hfs.SetAttrPath(sharePath(name), provider.SetAttrRequest{Mode: &m})
}

// Ownership comes from the mount options and cannot be changed.
func (b *BillyAdapter) Lchown(name string, uid, gid int) error { return nil }
func (b *BillyAdapter) Chown(name string, uid, gid int) error  { return nil }

func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error {
	return b.hfs.SetAttrPath(sharePath(name), provider.SetAttrRequest{Atime: &atime, Mtime: &mtime})
}

func (b *BillyAdapter) Capabilities() billy.Capability {
	caps := billy.ReadCapability | billy.SeekCapability
	if !b.hfs.ShareFS().ReadOnly() {
		caps |= billy.WriteCapability | billy.ReadAndWriteCapability | billy.TruncateCapability
	}
	return caps
}

// BillyFile is an open share file.
type BillyFile struct {
	adapter *BillyAdapter
	handle  smbvfs.VfsHandle
	name    string
	flags   int
	offset  int64
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (n int, err error) {
	n, err = f.adapter.hfs.Write(f.handle, p, uint64(f.offset), 0)
	f.offset += int64(n)
	return
}

func (f *BillyFile) Read(p []byte) (n int, err error) {
	n, err = f.ReadAt(p, f.offset)
	f.offset += int64(n)
	return
}

func (f *BillyFile) ReadAt(p []byte, off int64) (n int, err error) {
	n, err = f.adapter.hfs.Read(f.handle, p, uint64(off), 0)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		attrs, err := f.adapter.hfs.GetAttr(f.handle)
		if err != nil {
			return 0, err
		}
		size, _ := attrs.GetSizeBytes()
		f.offset = int64(size) + offset
	default:
		return 0, vfs.EINVAL
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	return f.adapter.hfs.Close(f.handle)
}

func (f *BillyFile) Lock() error   { return nil }
func (f *BillyFile) Unlock() error { return nil }

func (f *BillyFile) Truncate(size int64) error {
	return f.adapter.hfs.Truncate(f.handle, uint64(size))
}

// BillyFileInfo is os.FileInfo over a share attribute snapshot.
type BillyFileInfo struct {
	name string
	attr vfs.Attr
}

func (fi *BillyFileInfo) Name() string {
	return fi.name
}

func (fi *BillyFileInfo) Size() int64 {
	return fi.attr.Size
}

func (fi *BillyFileInfo) Mode() os.FileMode {
	perm := os.FileMode(fi.attr.Perm() & 0777)
	switch fi.attr.Type {
	case vfs.TypeDir:
		return os.ModeDir | perm
	case vfs.TypeSymlink:
		return os.ModeSymlink | perm
	default:
		return perm
	}
}

func (fi *BillyFileInfo) ModTime() time.Time {
	return fi.attr.Mtime
}

func (fi *BillyFileInfo) IsDir() bool {
	return fi.attr.Type == vfs.TypeDir
}

// Sys returns the go-nfs file.FileInfo; go-nfs only reads inode numbers
// and ownership from that type.
func (fi *BillyFileInfo) Sys() interface{} {
	return &nfsfile.FileInfo{
		Nlink:  fi.attr.Nlink,
		UID:    fi.attr.UID,
		GID:    fi.attr.GID,
		Fileid: fi.attr.Ino,
	}
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
	_ os.FileInfo      = (*BillyFileInfo)(nil)
)
