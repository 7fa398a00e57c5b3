package inode

import (
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/manifest"
)

// injectableFailure lets tests exercise the rewind paths of CommitDirtyBlock
// by forcing step N to fail, so commit atomicity can be verified
// independently of any particular failure's real-world trigger. 0
// means "no injected failure." This is not reachable from any
// production code path.
type injectableFailure struct {
	atStep int
}

// CommitDirtyBlock implements the six-step commit protocol for
// landing a write into the manifest, replaced-block ledger, and dirty
// map together. All failure paths are strictly rewinding: on error,
// (M, D, R) are left bitwise-equal to their pre-call state.
//
// Callers must hold the inode's exclusive lock.
func (i *Inode) CommitDirtyBlock(d *dirtyblock.DirtyBlock, cache dirtyblock.Cache) error {
	return i.commitDirtyBlock(d, cache, nil)
}

func (i *Inode) commitDirtyBlock(d *dirtyblock.DirtyBlock, cache dirtyblock.Cache, fault *injectableFailure) error {
	blockID := d.BlockID

	// Step 1: snapshot old BlockInfo and old dirty entry for block_id.
	oldInfo, hadOldInfo := i.M.Lookup(blockID)
	oldDirty, hadOldDirty := i.D.Get(blockID)

	newInfo := manifest.BlockInfo{Version: d.Version, Hash: hashBlock(d.Buffer), Dirty: false}

	// Step 2: M.put_block(d.info, replace=true).
	if fault != nil && fault.atStep == 2 {
		return fmt.Errorf("inode: injected failure at step 2")
	}
	i.M.PutBlock(blockID, newInfo, true)

	// Step 3: insert d into D.
	if fault != nil && fault.atStep == 3 {
		// undo step 2
		i.rewindManifest(blockID, oldInfo, hadOldInfo)
		return fmt.Errorf("inode: injected failure at step 3")
	}
	i.D.Put(d)

	// Step 4: if an old BlockInfo existed and no prior replaced-ledger
	// entry for this id, record the old BlockInfo in R for vacuum.
	_, hadReplacedEntry := i.R.Lookup(blockID)
	if fault != nil && fault.atStep == 4 {
		// undo steps 2 and 3
		i.rewindManifest(blockID, oldInfo, hadOldInfo)
		i.rewindDirty(blockID, oldDirty, hadOldDirty)
		return fmt.Errorf("inode: injected failure at step 4")
	}
	if hadOldInfo && !hadReplacedEntry {
		i.R.PutBlock(blockID, oldInfo, true)
	}

	// Step 5: mark M[d.block_id].dirty = true.
	i.M.SetBlockDirty(blockID, true)

	// Step 6: on success, evict the prior dirty block from cache.
	if hadOldDirty && oldDirty != d {
		dirtyblock.EvictAndFree(cache, i.FileID, i.M.FileVersion, oldDirty)
	}

	return nil
}

// hashBlock computes the content digest CommitDirtyBlock stores in
// BlockInfo.Hash, so a later reader (or the vacuumer, deciding whether
// a replaced block is truly superseded) can tell two block versions
// apart by content rather than trusting the version counter alone.
func hashBlock(buf []byte) manifest.Hash {
	h := blake3.New()
	h.Write(buf)
	return manifest.Hash(h.Sum(nil))
}

func (i *Inode) rewindManifest(blockID manifest.BlockID, oldInfo manifest.BlockInfo, hadOldInfo bool) {
	if hadOldInfo {
		i.M.PutBlock(blockID, oldInfo, true)
	} else {
		i.M.Delete(blockID)
	}
}

func (i *Inode) rewindDirty(blockID manifest.BlockID, oldDirty *dirtyblock.DirtyBlock, hadOldDirty bool) {
	if hadOldDirty {
		i.D.Put(oldDirty)
	} else {
		i.D.Delete(blockID)
	}
}
