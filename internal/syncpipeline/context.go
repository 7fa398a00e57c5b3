package syncpipeline

import (
	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/inode"
	"github.com/jcnelson/syndicate/internal/manifest"
)

// ReplicaContext is the shallow-copied snapshot of (I, M, D_m) built
// at fsync time, suitable for background replication without holding
// the inode lock.
type ReplicaContext struct {
	FileID      uint64
	FileVersion manifest.Version
	FileSize    uint64
	Manifest    *manifest.Manifest // clone, safe to read after unlock
	DirtyBlocks map[manifest.BlockID]*dirtyblock.DirtyBlock
}

// VacuumContext is the (file_id, file_version, replaced_manifest)
// bundle handed to the vacuumer so it can delete superseded replica
// blocks in the background.
type VacuumContext struct {
	FileID          uint64
	FileVersion     manifest.Version
	ReplacedManifest *manifest.Manifest // clone of R
}

// SyncContext bundles a replica and vacuum context for one fsync
// call, ordered via the inode's FIFO by its Ticket. It shallow-owns
// both contexts for the lifetime of the fsync call.
type SyncContext struct {
	Replica *ReplicaContext
	Vacuum  *VacuumContext // nil if R was empty at snapshot time
	Ticket  *inode.Ticket
}

// snapshot builds a SyncContext from the inode's current state by
// cloning its dirty blocks, manifest, and replaced-block ledger.
// Callers must hold the inode's exclusive lock.
func snapshot(ino *inode.Inode) *SyncContext {
	dirty := ino.D.DirtySubset()
	cloned := make(map[manifest.BlockID]*dirtyblock.DirtyBlock, len(dirty))
	for id, d := range dirty {
		cloned[id] = d.Clone()
	}

	sc := &SyncContext{
		Replica: &ReplicaContext{
			FileID:      ino.FileID,
			FileVersion: ino.M.FileVersion,
			FileSize:    ino.M.Size,
			Manifest:    ino.M.Clone(),
			DirtyBlocks: cloned,
		},
		Ticket: inode.NewTicket(),
	}
	if ino.R.Len() > 0 {
		sc.Vacuum = &VacuumContext{
			FileID:           ino.FileID,
			FileVersion:      ino.M.FileVersion,
			ReplacedManifest: ino.R.Clone(),
		}
	}
	return sc
}
