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

// Package remote carries the remote folder service over a socket. A Server
// exports any provider.Service; a Client implements provider.Service by
// forwarding every call to a Server.
//
// The wire format is newline-delimited JSON: the client writes one call,
// the server answers with one reply carrying the same id. Calls on one
// connection are strictly sequential.
package remote

import (
	"errors"

	"sharefs/internal/common"
	"sharefs/internal/provider"
)

// Operations
const (
	opMount          = "mount"
	opUnmount        = "unmount"
	opFSInfo         = "fsinfo"
	opGetAttr        = "getattr"
	opSetAttr        = "setattr"
	opSetSize        = "setsize"
	opCreate         = "create"
	opOpen           = "open"
	opClose          = "close"
	opRead           = "read"
	opWrite          = "write"
	opFsync          = "fsync"
	opMkdir          = "mkdir"
	opRmdir          = "rmdir"
	opRemove         = "remove"
	opRename         = "rename"
	opReadlink       = "readlink"
	opSymlink        = "symlink"
	opReaddir        = "readdir"
	opSetShowSymlink = "show_symlinks"
)

// call is one request on the wire.
type call struct {
	ID     uint64 `json:"id"`
	Op     string `json:"op"`
	Share  string `json:"share,omitempty"`
	Path   string `json:"path,omitempty"`
	Path2  string `json:"path2,omitempty"`
	Handle uint64 `json:"handle,omitempty"`
	Mode   uint32 `json:"mode,omitempty"`
	Flags  int    `json:"flags,omitempty"`
	Offset int64  `json:"offset,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Count  int    `json:"count,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Flag   bool   `json:"flag,omitempty"` // isLink, isDir or show, depending on Op

	Attr *provider.SetAttrRequest `json:"attr,omitempty"`
}

// reply answers one call.
type reply struct {
	ID     uint64             `json:"id"`
	Error  *wireError         `json:"error,omitempty"`
	Stat   *provider.Stat     `json:"stat,omitempty"`
	Info   *provider.FSInfo   `json:"info,omitempty"`
	Handle uint64             `json:"handle,omitempty"`
	N      int                `json:"n,omitempty"`
	Data   []byte             `json:"data,omitempty"`
	Target string             `json:"target,omitempty"`
	Chain  *provider.DirChain `json:"chain,omitempty"`
}

// wireError is an error crossing the socket. Kind names a taxonomy
// sentinel; unknown failures travel as kindRemote with the host code.
type wireError struct {
	Kind    string `json:"kind"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

const kindRemote = "remote"

var kinds = []struct {
	name string
	err  error
}{
	{"not_found", common.ErrNotFound},
	{"exists", common.ErrExists},
	{"not_dir", common.ErrNotDir},
	{"is_dir", common.ErrIsDir},
	{"not_empty", common.ErrNotEmpty},
	{"invalid_path", common.ErrInvalidPath},
	{"invalid_handle", common.ErrInvalidHandle},
	{"read_only", common.ErrReadOnly},
	{"io", common.ErrIO},
	{"busy", common.ErrBusy},
	{"not_supported", common.ErrNotSupported},
	{"not_connected", common.ErrNotConnected},
	{"entry_too_large", provider.ErrEntryTooLarge},
}

func encodeError(err error) *wireError {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return &wireError{Kind: k.name, Message: err.Error()}
		}
	}
	code, ok := common.RemoteCode(err)
	if !ok {
		code = -1
	}
	return &wireError{Kind: kindRemote, Code: code, Message: err.Error()}
}

// decodeError rebuilds a local error for op. Taxonomy errors come back as
// their sentinel so errors.Is works on the client side.
func decodeError(op string, we *wireError) error {
	if we == nil {
		return nil
	}
	for _, k := range kinds {
		if we.Kind == k.name {
			return k.err
		}
	}
	return common.NewRemoteError(op, we.Code)
}
