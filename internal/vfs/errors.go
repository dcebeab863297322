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
	"errors"
	"syscall"

	"sharefs/internal/common"
)

// VFS error codes mapped to syscall errors
var (
	ENOENT    = syscall.ENOENT    // No such file or directory
	EEXIST    = syscall.EEXIST    // File exists
	ENOTDIR   = syscall.ENOTDIR   // Not a directory
	EISDIR    = syscall.EISDIR    // Is a directory
	EBADF     = syscall.EBADF     // Bad file descriptor
	EINVAL    = syscall.EINVAL    // Invalid argument
	ENOTSUP   = syscall.ENOTSUP   // Operation not supported
	EIO       = syscall.EIO       // I/O error
	EPERM     = syscall.EPERM     // Operation not permitted
	EROFS     = syscall.EROFS     // Read-only file system
	ENOTEMPTY = syscall.ENOTEMPTY // Directory not empty
	EBUSY     = syscall.EBUSY     // Device or resource busy
	ENOTCONN  = syscall.ENOTCONN  // Transport endpoint is not connected
)

// ToErrno maps an error from the sharefs error taxonomy onto the errno a
// filesystem front end should report. Unclassified remote failures and
// unknown errors become EIO.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, common.ErrNotFound):
		return ENOENT
	case errors.Is(err, common.ErrExists):
		return EEXIST
	case errors.Is(err, common.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, common.ErrIsDir):
		return EISDIR
	case errors.Is(err, common.ErrNotEmpty):
		return ENOTEMPTY
	case errors.Is(err, common.ErrReadOnly):
		return EROFS
	case errors.Is(err, common.ErrInvalidHandle):
		return EBADF
	case errors.Is(err, common.ErrInvalidPath), errors.Is(err, common.ErrInvalidOffset):
		return EINVAL
	case errors.Is(err, common.ErrBusy):
		return EBUSY
	case errors.Is(err, common.ErrNotSupported):
		return ENOTSUP
	case errors.Is(err, common.ErrNotConnected):
		return ENOTCONN
	default:
		return EIO
	}
}

func errIsUnsupported(err error) bool {
	return errors.Is(err, common.ErrNotSupported)
}
