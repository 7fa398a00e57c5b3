// Package dirtyblock implements per-inode uncommitted block buffers:
// staging-file descriptors, flush state, and the external block-cache
// interface those buffers are flushed through.
package dirtyblock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jcnelson/syndicate/internal/manifest"
)

// Cache is the external block-cache collaborator: content-addressed
// on-disk staging with async flush/evict. This module treats it as an
// opaque provider; internal/blockcache gives it a concrete, disk-backed
// implementation.
type Cache interface {
	// CacheWriteAsync submits buffer for the given block identity and
	// returns a future that resolves to a staging file descriptor.
	CacheWriteAsync(ctx context.Context, fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version, buffer []byte) (Future, error)
	// CacheEvictBlock drops any cached copy of the given block identity.
	CacheEvictBlock(fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version)
	// CacheReversionFile atomically renames the on-disk staging tree
	// for fileID from oldVersion to newVersion.
	CacheReversionFile(fileID uint64, oldVersion, newVersion manifest.Version) error
}

// Future resolves to a staging file descriptor once a CacheWriteAsync
// call completes.
type Future interface {
	// Wait blocks until the write completes, returning the resulting
	// descriptor or the failure.
	Wait(ctx context.Context) (fd int, err error)
}

// DirtyBlock is the uncommitted buffer for one block_id.
//
// Invariant: if Dirty is true, either Buffer is populated or
// StagingFD >= 0. Version is assigned at commit, strictly greater
// than any prior version of that block_id. A non-dirty entry cached
// here is an in-memory copy of an RG-resident block, eviction-eligible.
type DirtyBlock struct {
	BlockID   manifest.BlockID
	Version   manifest.Version
	Buffer    []byte // owned bytes; nil once flushed and dropped
	StagingFD int    // -1 if not yet flushed
	Dirty     bool
	Flushing  bool

	shared bool // true if Buffer may be aliased by another DirtyBlock
	mu     sync.Mutex
	future Future
}

// New constructs a dirty, in-memory-buffered block. StagingFD starts
// at -1, meaning no staging file has been assigned yet.
func New(id manifest.BlockID, version manifest.Version, buffer []byte) *DirtyBlock {
	return &DirtyBlock{BlockID: id, Version: version, Buffer: buffer, StagingFD: -1, Dirty: true}
}

// Clone returns a shallow copy that shares the underlying buffer,
// marked as shared so Unshare knows to deep-copy before either party
// mutates it in place. The sync pipeline's snapshot step uses this to
// hand a DirtyBlock to a replica context without racing the inode's
// live copy.
func (d *DirtyBlock) Clone() *DirtyBlock {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shared = true
	return &DirtyBlock{
		BlockID:   d.BlockID,
		Version:   d.Version,
		Buffer:    d.Buffer,
		StagingFD: d.StagingFD,
		Dirty:     d.Dirty,
		Flushing:  d.Flushing,
		shared:    true,
	}
}

// Unshare deep-copies Buffer if it is shared, required before
// trimming preserved-but-shared blocks.
func (d *DirtyBlock) Unshare() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.shared || d.Buffer == nil {
		return
	}
	cp := make([]byte, len(d.Buffer))
	copy(cp, d.Buffer)
	d.Buffer = cp
	d.shared = false
}

// FlushAsync submits d's buffer to cache. It fails (returns an error)
// if already flushing or the block already has a staging fd — that is
// an idempotent skip, not a hard error, so callers should treat
// ErrAlreadyFlushed as success.
var ErrAlreadyFlushed = fmt.Errorf("dirtyblock: already flushing or flushed")

func (d *DirtyBlock) FlushAsync(ctx context.Context, cache Cache, fileID uint64, fileVersion manifest.Version) error {
	d.mu.Lock()
	if d.Flushing || d.StagingFD >= 0 {
		d.mu.Unlock()
		return ErrAlreadyFlushed
	}
	d.Flushing = true
	buf := d.Buffer
	blockID, version := d.BlockID, d.Version
	d.mu.Unlock()

	fut, err := cache.CacheWriteAsync(ctx, fileID, fileVersion, blockID, version, buf)
	if err != nil {
		d.mu.Lock()
		d.Flushing = false
		d.mu.Unlock()
		return err
	}
	d.mu.Lock()
	d.future = fut
	d.mu.Unlock()
	return nil
}

// FlushFinish waits for a previously submitted flush to complete,
// clears Flushing, and stores the resulting fd. It is idempotent when
// not flushing.
func (d *DirtyBlock) FlushFinish(ctx context.Context) error {
	d.mu.Lock()
	if !d.Flushing {
		d.mu.Unlock()
		return nil
	}
	fut := d.future
	d.mu.Unlock()

	if fut == nil {
		d.mu.Lock()
		d.Flushing = false
		d.mu.Unlock()
		return nil
	}
	fd, err := fut.Wait(ctx)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Flushing = false
	if err != nil {
		return err
	}
	d.StagingFD = fd
	d.future = nil
	return nil
}

// Map is the per-inode dirty-block set: block_id -> DirtyBlock.
type Map struct {
	entries map[manifest.BlockID]*DirtyBlock
}

func NewMap() *Map {
	return &Map{entries: make(map[manifest.BlockID]*DirtyBlock)}
}

func (m *Map) Get(id manifest.BlockID) (*DirtyBlock, bool) {
	d, ok := m.entries[id]
	return d, ok
}

func (m *Map) Put(d *DirtyBlock) {
	m.entries[d.BlockID] = d
}

func (m *Map) Delete(id manifest.BlockID) {
	delete(m.entries, id)
}

func (m *Map) Len() int { return len(m.entries) }

// DirtySubset returns every entry with Dirty=true.
func (m *Map) DirtySubset() map[manifest.BlockID]*DirtyBlock {
	out := make(map[manifest.BlockID]*DirtyBlock)
	for id, d := range m.entries {
		if d.Dirty {
			out[id] = d
		}
	}
	return out
}

// Reset replaces the map's contents with a fresh empty map, returning
// the discarded entries so callers can decide their fate.
func (m *Map) Reset() map[manifest.BlockID]*DirtyBlock {
	old := m.entries
	m.entries = make(map[manifest.BlockID]*DirtyBlock)
	return old
}

// EvictAndFree calls cache.CacheEvictBlock and releases d's owned
// buffer. Idempotent.
func EvictAndFree(cache Cache, fileID uint64, fileVersion manifest.Version, d *DirtyBlock) {
	if d == nil {
		return
	}
	cache.CacheEvictBlock(fileID, fileVersion, d.BlockID, d.Version)
	d.mu.Lock()
	d.Buffer = nil
	d.mu.Unlock()
}
