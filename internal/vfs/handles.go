package vfs

import "sync"

// HandleID is the type for front-end handles
type HandleID uint64

// openHandle is one front-end open of a node. Several may share the
// node's single remote handle.
type openHandle struct {
	node  *Node
	path  string
	isDir bool
	flags int

	// Directory enumeration state (SMB continues from the last position
	// unless asked to restart).
	dirPos      int64
	dotsSent    bool
	dirEnumDone bool
}

// HandleManager manages front-end handles
type HandleManager struct {
	mu         sync.RWMutex
	handles    map[HandleID]*openHandle
	nextHandle HandleID
}

// NewHandleManager creates a new handle manager
func NewHandleManager() *HandleManager {
	return &HandleManager{
		handles:    make(map[HandleID]*openHandle),
		nextHandle: 1,
	}
}

// Allocate creates a new handle for an opened node
func (hm *HandleManager) Allocate(n *Node, flags int) HandleID {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	handle := hm.nextHandle
	hm.nextHandle++

	hm.handles[handle] = &openHandle{
		node:  n,
		path:  n.Path(),
		isDir: n.IsDir(),
		flags: flags,
	}
	return handle
}

// Get retrieves a handle's info
func (hm *HandleManager) Get(h HandleID) (*openHandle, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	info, ok := hm.handles[h]
	return info, ok
}

// Release frees a handle and returns what it referred to
func (hm *HandleManager) Release(h HandleID) (*openHandle, bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	info, ok := hm.handles[h]
	delete(hm.handles, h)
	return info, ok
}

// Len returns the number of open handles
func (hm *HandleManager) Len() int {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return len(hm.handles)
}

// ResetDir rewinds directory enumeration to the first entry
func (hm *HandleManager) ResetDir(h HandleID) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if info, ok := hm.handles[h]; ok {
		info.dirPos = 0
		info.dotsSent = false
		info.dirEnumDone = false
	}
}

// DirState returns the enumeration position of a directory handle
func (hm *HandleManager) DirState(h HandleID) (pos int64, dotsSent, done bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	if info, ok := hm.handles[h]; ok {
		return info.dirPos, info.dotsSent, info.dirEnumDone
	}
	return 0, false, false
}

// UpdateDir records enumeration progress of a directory handle
func (hm *HandleManager) UpdateDir(h HandleID, pos int64, dotsSent, done bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if info, ok := hm.handles[h]; ok {
		info.dirPos = pos
		info.dotsSent = dotsSent
		info.dirEnumDone = done
	}
}

// Drain removes all handles and returns them, so their node references
// can be dropped.
func (hm *HandleManager) Drain() []*openHandle {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	out := make([]*openHandle, 0, len(hm.handles))
	for _, info := range hm.handles {
		out = append(out, info)
	}
	// Don't reset nextHandle to avoid handle ID reuse issues
	hm.handles = make(map[HandleID]*openHandle)
	return out
}
