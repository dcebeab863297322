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
	"sync"
	"sync/atomic"
	"time"

	"sharefs/internal/cache"
	"sharefs/internal/provider"
)

// Reserved inode numbers.
const (
	RootIno    uint64 = 1
	TheFileIno uint64 = 2
	firstIno   uint64 = 3

	// TheFileName is the only entry of a single-file share.
	TheFileName = "thefile"
)

// NodeID addresses a node slot in the table's arena. Slots are recycled
// once a node is destroyed; inode numbers never are.
type NodeID uint32

// NodeType classifies a node from the remote mode bits.
type NodeType uint8

const (
	TypeUnknown NodeType = iota
	TypeDir
	TypeRegular
	TypeSymlink
)

func (t NodeType) String() string {
	switch t {
	case TypeDir:
		return "dir"
	case TypeRegular:
		return "reg"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// typeOf maps mode bits onto a node type. ok is false for modes sharefs
// does not represent, such as devices and fifos.
func typeOf(mode uint32) (NodeType, bool) {
	switch mode & provider.ModeTypeMask {
	case provider.ModeDir:
		return TypeDir, true
	case provider.ModeRegular:
		return TypeRegular, true
	case provider.ModeSymlink:
		return TypeSymlink, true
	default:
		return TypeUnknown, false
	}
}

// Membership is where a node currently lives in the table.
type Membership uint8

const (
	Live Membership = iota
	Stale
	Destroyed
)

func (m Membership) String() string {
	switch m {
	case Live:
		return "live"
	case Stale:
		return "stale"
	default:
		return "destroyed"
	}
}

// Node is the cached state of one share path.
//
// path, remote, ino, typ and parent never change after creation.
// childCount, openers and membership belong to the table lock.
// mu serialises remote open/close and listing population for this node;
// it is never taken while holding the table lock.
type Node struct {
	id     NodeID
	path   string
	remote string
	ino    uint64
	typ    NodeType
	parent NodeID

	childCount int
	openers    int
	membership Membership

	mu     sync.Mutex
	handle provider.Handle

	dirList atomic.Pointer[provider.DirChain]

	statMu sync.Mutex
	stat   cache.Snapshot[provider.Stat]
}

func (n *Node) ID() NodeID     { return n.id }
func (n *Node) Path() string   { return n.path }
func (n *Node) Ino() uint64    { return n.ino }
func (n *Node) Type() NodeType { return n.typ }
func (n *Node) IsDir() bool    { return n.typ == TypeDir }

// Handle returns the shared remote handle, or zero when the node is not open.
func (n *Node) Handle() provider.Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle
}

// HasDirList reports whether a listing is cached.
func (n *Node) HasDirList() bool {
	return n.dirList.Load() != nil
}

// CachedStat returns the last fetched stat without consulting the TTL.
func (n *Node) CachedStat() provider.Stat {
	n.statMu.Lock()
	defer n.statMu.Unlock()
	return n.stat.Value
}

func (n *Node) setStat(st provider.Stat, clock cache.Clock) {
	n.statMu.Lock()
	n.stat.Set(st, clock.Now())
	n.statMu.Unlock()
}

func (n *Node) expireStat() {
	n.statMu.Lock()
	n.stat.Expire()
	n.statMu.Unlock()
}

func (n *Node) statIfFresh(now time.Time, ttl time.Duration) (provider.Stat, bool) {
	n.statMu.Lock()
	defer n.statMu.Unlock()
	if !n.stat.Fresh(now, ttl) {
		return provider.Stat{}, false
	}
	return n.stat.Value, true
}
