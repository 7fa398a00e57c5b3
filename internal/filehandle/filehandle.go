// Package filehandle implements per-open-file-descriptor state: a
// counted reference to an inode plus per-handle eviction hints.
package filehandle

import (
	"sync"
	"sync/atomic"

	"github.com/jcnelson/syndicate/internal/inode"
	"github.com/jcnelson/syndicate/internal/manifest"
)

// Flags mirror the POSIX open(2) flags relevant to the write path.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagAppend
	FlagTruncate
)

// Handle holds a counted reference to its inode; back-references never
// imply ownership, so an inode can be freed independently of any
// handle still pointing at it.
type Handle struct {
	Inode  *inode.Inode
	Flags  Flags
	offset int64 // accessed only via Seek/Offset, atomic for concurrent readers

	mu         sync.Mutex
	evictHints map[manifest.BlockID]manifest.Version
}

// New opens a handle onto ino, incrementing its open-count.
func New(ino *inode.Inode, flags Flags) *Handle {
	ino.Open()
	return &Handle{
		Inode:      ino,
		Flags:      flags,
		evictHints: make(map[manifest.BlockID]manifest.Version),
	}
}

// Offset returns the handle's current read/write cursor.
func (h *Handle) Offset() int64 { return atomic.LoadInt64(&h.offset) }

// Seek sets the cursor to off and returns the new value.
func (h *Handle) Seek(off int64) int64 {
	atomic.StoreInt64(&h.offset, off)
	return off
}

// Advance moves the cursor forward by n bytes, as a write or read
// call would after consuming n bytes at the current offset.
func (h *Handle) Advance(n int64) int64 {
	return atomic.AddInt64(&h.offset, n)
}

// HintEvict records that blockID at version was cached by this handle
// and should be dropped on Close if not re-dirtied.
func (h *Handle) HintEvict(blockID manifest.BlockID, version manifest.Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictHints[blockID] = version
}

// ClearHint drops a hint, used when the block is re-dirtied before close.
func (h *Handle) ClearHint(blockID manifest.BlockID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.evictHints, blockID)
}

// EvictOnClose reports the (blockID, version) pairs this handle
// hinted for eviction and have not since been cleared.
func (h *Handle) EvictOnClose() map[manifest.BlockID]manifest.Version {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[manifest.BlockID]manifest.Version, len(h.evictHints))
	for k, v := range h.evictHints {
		out[k] = v
	}
	return out
}

// Close decrements the inode's open-count. Callers are responsible for
// acting on EvictOnClose's hints against the block cache before or
// after calling Close.
func (h *Handle) Close() {
	h.Inode.Close()
}
