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

package common

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("already exists")
	ErrNotDir        = errors.New("not a directory")
	ErrIsDir         = errors.New("is a directory")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrInvalidPath   = errors.New("invalid path")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrReadOnly      = errors.New("read-only filesystem")
	ErrIO            = errors.New("I/O error")
	ErrInvalidOffset = errors.New("invalid directory offset")
	ErrBusy          = errors.New("resource busy")
	ErrNotSupported  = errors.New("operation not supported")
	ErrRemote        = errors.New("remote folder service error")
	ErrNotConnected  = errors.New("not connected")
)

// RemoteError carries an opaque failure code returned by the remote folder
// service. It matches ErrRemote under errors.Is.
type RemoteError struct {
	Op   string
	Code int
}

func (e *RemoteError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("remote error %d", e.Code)
	}
	return fmt.Sprintf("remote %s: error %d", e.Op, e.Code)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// NewRemoteError wraps a remote status code.
func NewRemoteError(op string, code int) error {
	return &RemoteError{Op: op, Code: code}
}

// RemoteCode extracts the remote status code from err, if any.
func RemoteCode(err error) (int, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return 0, false
}
