package syncpipeline

import (
	"context"

	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/inode"
	"github.com/jcnelson/syndicate/internal/manifest"
	"github.com/jcnelson/syndicate/internal/syndicateerr"
)

// Backoff paces the indefinite retry required for out-of-memory
// during restore: the pipeline sleeps and retries indefinitely during
// post-replication restore, since acknowledged writes must not be
// lost.
type Backoff interface {
	Wait(ctx context.Context) error
}

// Restore re-commits dirty blocks after failed replication. It is
// deliberately a pure function of its snapshot and the inode's current
// state, designed so it can be unit-tested independently rather than
// inlined into the pipeline.
//
// For each (id, d) in the failed snapshot:
//   - if the file was truncated out from under this block (file
//     version changed while replicating and id*block_size >= old_size),
//     the block is evicted and freed;
//   - if D already holds this exact restored entry (a prior Restore
//     call already committed it) or a strictly newer post-snapshot
//     write, the snapshot entry is discarded as already-superseded;
//   - otherwise d is recommitted via commit_dirty_block, retried with
//     backoff on OutOfMemory.
//
// The middle case's "already holds this exact entry" check is what
// makes Restore idempotent: re-invoking Restore with the same snapshot
// after a prior successful run is a no-op rather than re-committing
// (which would otherwise re-derive a stale entry into the
// replaced-block ledger and violate the invariant that R[id].version
// never equals M[id].version for the same block).
//
// Callers must hold the inode's exclusive lock.
func Restore(ctx context.Context, ino *inode.Inode, cache dirtyblock.Cache, snapshotFileVersion manifest.Version, oldSize uint64, blockSize uint64, failed map[manifest.BlockID]*dirtyblock.DirtyBlock, backoff Backoff) error {
	for id, d := range failed {
		truncatedOut := ino.M.FileVersion != snapshotFileVersion && id*blockSize >= oldSize
		if truncatedOut {
			dirtyblock.EvictAndFree(cache, ino.FileID, ino.M.FileVersion, d)
			continue
		}

		if cur, ok := ino.D.Get(id); ok {
			if cur == d {
				// already restored by a prior call with this snapshot.
				continue
			}
			if cur.Version > d.Version {
				// a post-snapshot write superseded this entry.
				dirtyblock.EvictAndFree(cache, ino.FileID, ino.M.FileVersion, d)
				continue
			}
		}

		for {
			err := ino.CommitDirtyBlock(d, cache)
			if err == nil {
				break
			}
			if !syndicateerr.Retriable(err) {
				return err
			}
			if backoff != nil {
				if werr := backoff.Wait(ctx); werr != nil {
					return werr
				}
			}
		}
	}
	return nil
}
