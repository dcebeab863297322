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

// Package provider defines the contract of the remote folder service: the
// host-side component that performs path-addressed file operations on
// behalf of a mounted share.
//
// Paths handed to a Share are share-relative, rooted at "/" and use "/" as
// separator regardless of the host platform. Implementations report absence
// with common.ErrNotFound, collisions with common.ErrExists and any other
// failure as a *common.RemoteError carrying the host's status code.
package provider

import (
	"context"
	"time"
)

// POSIX file type bits carried in Stat.Mode.
const (
	ModeTypeMask = 0170000
	ModeDir      = 0040000
	ModeRegular  = 0100000
	ModeSymlink  = 0120000
	ModePermMask = 07777
)

// Handle is an opaque host file handle. Zero is never a valid handle.
type Handle uint64

// Stat is a snapshot of remote attributes.
type Stat struct {
	Mode  uint32
	Size  int64
	Alloc int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

func (s Stat) IsDir() bool     { return s.Mode&ModeTypeMask == ModeDir }
func (s Stat) IsRegular() bool { return s.Mode&ModeTypeMask == ModeRegular }
func (s Stat) IsSymlink() bool { return s.Mode&ModeTypeMask == ModeSymlink }

// Perm returns the permission bits of the mode.
func (s Stat) Perm() uint32 { return s.Mode & ModePermMask }

// FSInfo describes the capacity of a mounted share.
type FSInfo struct {
	BlockSize   uint32
	BlocksUsed  uint64
	BlocksAvail uint64
	MaxNameSize uint32
	ReadOnly    bool
}

// SetAttrRequest carries the attribute changes of a SetAttr call. Nil
// fields are left untouched.
type SetAttrRequest struct {
	Mode  *uint32
	Atime *time.Time
	Mtime *time.Time
	Ctime *time.Time
}

// Open flags understood by Share.Open.
const (
	OpenRead  = 0x0
	OpenWrite = 0x1
)

// Service is the connection to the remote folder service. A Service must
// be connected before any share can be mounted, and disconnecting it
// invalidates every share it produced.
type Service interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Mount(ctx context.Context, share string) (Share, error)
}

// Share is one mounted host folder.
type Share interface {
	Name() string
	Unmount() error
	FSInfo(ctx context.Context) (FSInfo, error)

	GetAttr(ctx context.Context, path string) (Stat, error)
	SetAttr(ctx context.Context, path string, req SetAttrRequest) error
	SetSize(ctx context.Context, path string, size int64) error

	Create(ctx context.Context, path string, mode uint32) (Handle, Stat, error)
	Open(ctx context.Context, path string, flags int) (Handle, error)
	Close(ctx context.Context, h Handle) error
	Read(ctx context.Context, h Handle, buf []byte, off int64) (int, error)
	Write(ctx context.Context, h Handle, data []byte, off int64) (int, error)
	Fsync(ctx context.Context, h Handle) error

	Mkdir(ctx context.Context, path string, mode uint32) (Stat, error)
	Rmdir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string, isLink bool) error
	Rename(ctx context.Context, from, to string, isDir bool) error
	Readlink(ctx context.Context, path string) (string, error)
	Symlink(ctx context.Context, linkPath, target string) (Stat, error)

	// Readdir returns a complete enumeration of path packed into buffers of
	// at most bufSize bytes each.
	Readdir(ctx context.Context, path string, bufSize int) (*DirChain, error)

	SetShowSymlinks(show bool)
}
