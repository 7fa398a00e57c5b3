// Package inode implements the per-file in-memory state machine: an
// inode owns its manifest, dirty-block map, replaced-block ledger, and
// sync FIFO, and exposes the commit/merge/truncate/export/import
// operations that keep them consistent under concurrent mutation.
package inode

import (
	"sync"

	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/manifest"
)

// Type is the inode's filesystem object type: regular file, directory,
// or symlink.
type Type uint32

const (
	TypeFile Type = iota
	TypeDir
	TypeSymlink
)

// RootID is the well-known inode id for a volume's root directory.
const RootID = uint64(1)

// Owner is the uid/gid pair recorded on an inode.
type Owner struct {
	UID uint32
	GID uint32
}

// Inode is the per-file state machine.
type Inode struct {
	mu sync.RWMutex

	FileID   uint64
	ParentID uint64
	Name     string
	Type     Type
	Owner    Owner
	Mode     uint32

	SymlinkDest string // populated only for TypeSymlink

	M *manifest.Manifest // canonical manifest
	R *manifest.Manifest // replaced-block ledger awaiting vacuum
	D *dirtyblock.Map
	Q *SyncFIFO

	WriteNonce          uint64
	XattrNonce          uint64
	MaxReadFreshnessMs  uint32
	MaxWriteFreshnessMs uint32
	MsNumChildren       uint64
	MsCapacity          uint64
	Generation          uint64
	OldManifestModtime  manifest.Modtime

	xattrs map[string][]byte

	linkCount uint32
	openCount uint32

	// metadataStale is set when an MS publish fails after successful
	// replication, so the next read revalidates from MS and may
	// discover a newer coordinator.
	metadataStale bool
}

// New constructs an inode created on lookup/create. blockSize is the
// volume-wide constant used to size M and R.
func New(fileID, parentID uint64, name string, typ Type, owner Owner, mode uint32, volumeID, coordinatorID, blockSize uint64) *Inode {
	return &Inode{
		FileID:   fileID,
		ParentID: parentID,
		Name:     name,
		Type:     typ,
		Owner:    owner,
		Mode:     mode,
		M:        manifest.New(volumeID, coordinatorID, fileID, blockSize),
		R:        manifest.New(volumeID, coordinatorID, fileID, blockSize),
		D:        dirtyblock.NewMap(),
		Q:        NewSyncFIFO(),
		xattrs:   make(map[string][]byte),
		linkCount: 1,
	}
}

// Lock/Unlock/RLock/RUnlock implement the exclusive/shared discipline:
// all mutating operations require exclusive ownership of the inode;
// all read-only operations require shared access.
func (i *Inode) Lock()    { i.mu.Lock() }
func (i *Inode) Unlock()  { i.mu.Unlock() }
func (i *Inode) RLock()   { i.mu.RLock() }
func (i *Inode) RUnlock() { i.mu.RUnlock() }

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool { return i.Type == TypeDir }

// Open/Close/Link/Unlink track the reference counts that gate
// destruction: an inode is destroyed when link-count=0 and
// open-count=0.
func (i *Inode) Open()   { i.openCount++ }
func (i *Inode) Close()  { i.openCount-- }
func (i *Inode) Link()   { i.linkCount++ }
func (i *Inode) Unlink() { i.linkCount-- }

// Destroyable reports whether the inode may be reclaimed.
func (i *Inode) Destroyable() bool {
	return i.linkCount == 0 && i.openCount == 0
}

// MarkMetadataStale flags the inode after an MS publish failure.
func (i *Inode) MarkMetadataStale() { i.metadataStale = true }

// MetadataStale reports the stale flag without clearing it; call
// ClearMetadataStale once the metadata has been revalidated.
func (i *Inode) MetadataStale() bool { return i.metadataStale }

func (i *Inode) ClearMetadataStale() { i.metadataStale = false }

// SetXattr/GetXattr/ListXattr/RemoveXattr back the POSIX xattr calls.
// Every mutation bumps XattrNonce, the freshness counter for
// xattr-only changes.
func (i *Inode) SetXattr(name string, value []byte) {
	if i.xattrs == nil {
		i.xattrs = make(map[string][]byte)
	}
	i.xattrs[name] = value
	i.XattrNonce++
}

func (i *Inode) GetXattr(name string) ([]byte, bool) {
	v, ok := i.xattrs[name]
	return v, ok
}

func (i *Inode) ListXattr() []string {
	names := make([]string, 0, len(i.xattrs))
	for n := range i.xattrs {
		names = append(names, n)
	}
	return names
}

func (i *Inode) RemoveXattr(name string) bool {
	if _, ok := i.xattrs[name]; !ok {
		return false
	}
	delete(i.xattrs, name)
	i.XattrNonce++
	return true
}
