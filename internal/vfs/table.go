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
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"

	"sharefs/internal/common"
	"sharefs/internal/provider"
)

const btreeDegree = 16

// Table indexes the nodes of one mounted share by path. Live nodes are
// unique per path. Stale nodes wait in a second tree, ordered by path and
// then inode number, until their handles and children drain.
//
// All structural changes happen under mu. mu is never held across a
// remote call.
type Table struct {
	mu      sync.Mutex
	arena   []*Node
	free    []NodeID
	live    *btree.BTreeG[*Node]
	stale   *btree.BTreeG[*Node]
	nextIno uint64
	root    *Node
}

func lessLive(a, b *Node) bool { return a.path < b.path }

func lessStale(a, b *Node) bool {
	if a.path != b.path {
		return a.path < b.path
	}
	return a.ino < b.ino
}

// NewTable returns a table holding only the root node.
func NewTable() *Table {
	t := &Table{
		live:    btree.NewG[*Node](btreeDegree, lessLive),
		stale:   btree.NewG[*Node](btreeDegree, lessStale),
		nextIno: firstIno,
	}
	root := &Node{path: common.RootPath, remote: common.RootPath, ino: RootIno, typ: TypeDir}
	t.mu.Lock()
	t.allocSlotLocked(root)
	root.parent = root.id
	t.live.ReplaceOrInsert(root)
	t.root = root
	t.mu.Unlock()
	return t
}

// Root returns the root node.
func (t *Table) Root() *Node { return t.root }

// Find returns the live node at path.
func (t *Table) Find(path string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findLocked(path)
}

func (t *Table) findLocked(path string) (*Node, bool) {
	return t.live.Get(&Node{path: path})
}

// Get returns the node in slot id, or nil if the slot is free.
func (t *Table) Get(id NodeID) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(id)
}

func (t *Table) getLocked(id NodeID) *Node {
	if int(id) >= len(t.arena) {
		return nil
	}
	return t.arena[id]
}

// Parent returns the parent of n. The root is its own parent.
func (t *Table) Parent(n *Node) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.getLocked(n.parent); p != nil {
		return p
	}
	return t.root
}

// Len returns the number of live nodes, root included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live.Len()
}

// StaleLen returns the number of stale nodes.
func (t *Table) StaleLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stale.Len()
}

// Membership returns the current membership of n.
func (t *Table) Membership(n *Node) Membership {
	t.mu.Lock()
	defer t.mu.Unlock()
	return n.membership
}

// ChildCount returns the number of nodes that name n as parent.
func (t *Table) ChildCount(n *Node) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return n.childCount
}

// OpenCount returns the number of consumers holding n open.
func (t *Table) OpenCount(n *Node) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return n.openers
}

// Walk visits every live node in path order.
func (t *Table) Walk(fn func(*Node) bool) {
	t.mu.Lock()
	nodes := make([]*Node, 0, t.live.Len())
	t.live.Ascend(func(n *Node) bool {
		nodes = append(nodes, n)
		return true
	})
	t.mu.Unlock()
	for _, n := range nodes {
		if !fn(n) {
			return
		}
	}
}

func (t *Table) allocSlotLocked(n *Node) {
	if k := len(t.free); k > 0 {
		n.id = t.free[k-1]
		t.free = t.free[:k-1]
		t.arena[n.id] = n
		return
	}
	n.id = NodeID(len(t.arena))
	t.arena = append(t.arena, n)
}

// nextInoLocked hands out the next inode number. Numbers handed to a node
// that loses an insert race are not returned.
func (t *Table) nextInoLocked() uint64 {
	ino := t.nextIno
	t.nextIno++
	return ino
}

// insertLocked links a new child of parent into the live partition. It
// returns the node already live at the path, if any, and leaves n
// unlinked in that case.
func (t *Table) insertLocked(n *Node, parent *Node) (*Node, bool) {
	if existing, ok := t.findLocked(n.path); ok {
		return existing, false
	}
	t.allocSlotLocked(n)
	n.parent = parent.id
	n.membership = Live
	parent.childCount++
	t.live.ReplaceOrInsert(n)
	return n, true
}

// descendantsLocked returns every live node strictly below path, in table
// order.
func (t *Table) descendantsLocked(path string) []*Node {
	prefix := common.DescendantPrefix(path)
	var out []*Node
	t.live.AscendGreaterOrEqual(&Node{path: prefix}, func(n *Node) bool {
		if !strings.HasPrefix(n.path, prefix) {
			return false
		}
		// The root's key is its own prefix.
		if n.path != path {
			out = append(out, n)
		}
		return true
	})
	return out
}

// markStaleLocked moves n from the live to the stale partition. Finding n
// outside the live partition, or already among the stale nodes, means the
// table is corrupt.
func (t *Table) markStaleLocked(n *Node) {
	if n == t.root {
		panic(corruption("sharefs: attempt to mark the root node stale"))
	}
	if cur, ok := t.live.Get(n); !ok || cur != n || n.membership != Live {
		panic(corruption(fmt.Sprintf("sharefs: make stale %s: not in live nodes", n.path)))
	}
	if _, dup := t.stale.Get(n); dup {
		panic(corruption(fmt.Sprintf("sharefs: make stale %s: duplicate stale node", n.path)))
	}
	t.live.Delete(n)
	n.membership = Stale
	t.stale.ReplaceOrInsert(n)
	n.dirList.Store(nil)
}

// destroyLocked unlinks n from whichever partition holds it and frees its
// slot. A stale parent left with no children and no openers goes with it.
func (t *Table) destroyLocked(n *Node) {
	if n == t.root || n.membership == Destroyed {
		return
	}
	switch n.membership {
	case Live:
		t.live.Delete(n)
	case Stale:
		t.stale.Delete(n)
	}
	n.membership = Destroyed
	n.dirList.Store(nil)
	t.arena[n.id] = nil
	t.free = append(t.free, n.id)

	parent := t.getLocked(n.parent)
	if parent == nil || parent == n {
		return
	}
	parent.childCount--
	parent.dirList.Store(nil)
	if parent.membership == Stale && parent.childCount == 0 && parent.openers == 0 {
		t.destroyLocked(parent)
	}
}

// reclaimable reports whether n can be destroyed right away.
func reclaimable(n *Node) bool {
	return n.openers == 0 && n.childCount == 0
}

// Clear destroys every node but the root, which always occupies slot 0.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.arena[1:] {
		if n != nil {
			n.membership = Destroyed
			n.dirList.Store(nil)
		}
	}
	t.arena = t.arena[:1]
	t.free = t.free[:0]
	t.live.Clear(false)
	t.stale.Clear(false)
	t.live.ReplaceOrInsert(t.root)
	t.root.childCount = 0
	t.root.dirList.Store(nil)
}

func newNode(path, remote string, st provider.Stat) (*Node, error) {
	typ, ok := typeOf(st.Mode)
	if !ok {
		return nil, fmt.Errorf("%s: mode %o: %w", path, st.Mode, common.ErrNotSupported)
	}
	return &Node{path: path, remote: remote, typ: typ}, nil
}
