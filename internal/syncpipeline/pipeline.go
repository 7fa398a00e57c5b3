// Package syncpipeline implements the fsync_ex pipeline: snapshot ->
// flush-to-cache -> replicate-to-RGs -> enqueue-vacuum ->
// restore-on-failure, serialized per-inode via a FIFO of sync
// contexts.
package syncpipeline

import (
	"context"
	"time"

	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/inode"
	"github.com/jcnelson/syndicate/internal/manifest"
	"github.com/jcnelson/syndicate/internal/syndicateerr"
)

const (
	defaultBackoffInitial = 10 * time.Millisecond
	defaultBackoffMax     = 5 * time.Second
)

// Replicator flushes a replica context's dirty blocks to the local
// cache and then replicates them to RGs. Intra-fsync
// ordering requires that flush-to-cache completes for every block in
// the snapshot before any RG replication is acknowledged.
type Replicator interface {
	Replicate(ctx context.Context, rc *ReplicaContext, cache dirtyblock.Cache) error
}

// VacuumEnqueuer hands a vacuum context to the background vacuumer.
type VacuumEnqueuer interface {
	Enqueue(ctx context.Context, vc *VacuumContext) error
}

// Pipeline runs fsync_ex for a set of inodes sharing one cache,
// replicator and vacuumer.
type Pipeline struct {
	Cache      dirtyblock.Cache
	Replicator Replicator
	Vacuumer   VacuumEnqueuer
	BlockSize  uint64

	// NewBackoff constructs a fresh backoff for each retry loop that
	// needs one (restore-on-OOM, vacuum-enqueue-on-OOM). Defaults to
	// a capped exponential backoff if nil.
	NewBackoff func() Backoff
}

func (p *Pipeline) backoff() Backoff {
	if p.NewBackoff != nil {
		return p.NewBackoff()
	}
	return NewExpBackoff(defaultBackoffInitial, defaultBackoffMax)
}

// FsyncEx runs the full fsync pipeline in thirteen steps. The inode's
// exclusive lock is held only during the snapshot and restore phases;
// it is dropped before the replication call and reacquired afterward
// so a slow RG round trip never holds up other operations on the same
// inode.
func (p *Pipeline) FsyncEx(ctx context.Context, ino *inode.Inode) error {
	// Steps 1-6: snapshot, extract D_m, build contexts, enqueue on
	// the FIFO, reset live state, unlock.
	ino.Lock()
	sc := snapshot(ino)
	oldSize := sc.Replica.FileSize
	snapshotFileVersion := sc.Replica.FileVersion

	ino.D.Reset()
	ino.R.Clear()
	ino.M.ClearDirtyFlags()

	firstInLine := ino.Q.PushAndCheckFirst(sc.Ticket)
	ino.Unlock()

	// Step 7: wait for our turn if another fsync on this inode is
	// still in flight ahead of us.
	if !firstInLine {
		sc.Ticket.Wait()
	}

	// Step 8: replicate. This is the sole suspension point that runs
	// without the inode lock held.
	replicateErr := p.Replicator.Replicate(ctx, sc.Replica, p.Cache)

	// Step 9: re-lock.
	ino.Lock()
	defer ino.Unlock()

	if replicateErr == nil {
		// Step 10: record the last successfully vacuumed modtime and
		// enqueue the vacuum context, retrying on OOM.
		ino.OldManifestModtime = sc.Replica.Manifest.ModTime
		if sc.Vacuum != nil {
			if err := p.enqueueVacuumWithRetry(ctx, sc.Vacuum); err != nil {
				ino.Q.WakeNext()
				return err
			}
		}
		ino.Q.WakeNext()
		return nil
	}

	// Step 11: replication failed. Restore D_m into D and R from the
	// vacuum context, then surface IOError.
	if err := Restore(ctx, ino, p.Cache, snapshotFileVersion, oldSize, p.BlockSize, sc.Replica.DirtyBlocks, p.backoff()); err != nil {
		ino.Q.WakeNext()
		return err
	}
	if sc.Vacuum != nil {
		restoreReplacedLedger(ino, sc.Vacuum)
	}

	// Step 12: wake next waiter.
	ino.Q.WakeNext()
	// Step 13: unlock (deferred), drop reference, free replica
	// context — both are ordinary GC-managed values in this port, so
	// there is nothing further to release explicitly.
	return syndicateerr.New(syndicateerr.IOError, "fsync", "", replicateErr)
}

func (p *Pipeline) enqueueVacuumWithRetry(ctx context.Context, vc *VacuumContext) error {
	b := p.backoff()
	for {
		err := p.Vacuumer.Enqueue(ctx, vc)
		if err == nil {
			return nil
		}
		if !syndicateerr.Retriable(err) {
			return err
		}
		if werr := b.Wait(ctx); werr != nil {
			return werr
		}
	}
}

// restoreReplacedLedger re-populates R from a vacuum context that was
// snapshotted but never handed to the vacuumer because replication
// failed.
func restoreReplacedLedger(ino *inode.Inode, vc *VacuumContext) {
	vc.ReplacedManifest.Iterate(func(id manifest.BlockID, info manifest.BlockInfo) {
		if _, alreadyPresent := ino.R.Lookup(id); !alreadyPresent {
			ino.R.PutBlock(id, info, true)
		}
	})
}
