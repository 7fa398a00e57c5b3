package inode

import (
	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/manifest"
)

// dropID computes ceil(newSize/blockSize), the first block id a
// truncate to newSize discards.
func dropID(newSize, blockSize uint64) manifest.BlockID {
	if blockSize == 0 {
		return 0
	}
	return (newSize + blockSize - 1) / blockSize
}

// TruncateFindRemoved is a pure query producing the set of BlockInfos
// that Truncate would drop for newSize, without mutating any state.
// Callers use this to pre-announce or garbage-collect.
func (i *Inode) TruncateFindRemoved(newSize uint64) map[manifest.BlockID]manifest.BlockInfo {
	drop := dropID(newSize, i.M.BlockSize)
	removed := make(map[manifest.BlockID]manifest.BlockInfo)
	i.M.Iterate(func(id manifest.BlockID, info manifest.BlockInfo) {
		if id >= drop {
			removed[id] = info
		}
	})
	return removed
}

// Truncate drops every manifest entry at or past
// ceil(new_size/block_size), evicting each from cache and the dirty
// map, then applies the new size. When newVersion is non-zero the
// file is reversioned and the discarded blocks become vacuum-eligible
// by virtue of the reversion — truncate does not itself record
// replaced-ledger entries. The write layer, not this function, is
// responsible for re-reading and re-committing the tail block that
// straddles new_size.
//
// Callers must hold the inode's exclusive lock.
func (i *Inode) Truncate(newSize uint64, newVersion manifest.Version, cache dirtyblock.Cache) error {
	drop := dropID(newSize, i.M.BlockSize)

	i.M.Iterate(func(id manifest.BlockID, info manifest.BlockInfo) {
		if id < drop {
			return
		}
		cache.CacheEvictBlock(i.FileID, i.M.FileVersion, id, info.Version)
		if d, ok := i.D.Get(id); ok {
			dirtyblock.EvictAndFree(cache, i.FileID, i.M.FileVersion, d)
			i.D.Delete(id)
		}
	})

	i.M.Truncate(drop)
	i.M.SetSize(newSize)

	if newVersion != 0 {
		oldVersion := i.M.FileVersion
		i.M.SetFileVersion(newVersion)
		if err := cache.CacheReversionFile(i.FileID, oldVersion, newVersion); err != nil {
			return err
		}
	}
	return nil
}
