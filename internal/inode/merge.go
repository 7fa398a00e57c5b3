package inode

import (
	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/manifest"
)

// MergeManifest applies manifest merge semantics against i.M. On each
// replacement it cache-evicts the prior block version, drops the
// matching dirty entry via EvictAndFree, and deletes the matching
// entry from R. Partial progress under failure is allowed;
// re-invocation converges — Merge below never partially
// writes a single block, so the only "partial progress" a caller can
// observe is stopping mid-iteration across blocks, which is safe to
// resume.
//
// Callers must hold the inode's exclusive lock.
func (i *Inode) MergeManifest(newM *manifest.Manifest, cache dirtyblock.Cache) {
	manifest.Merge(i.M, newM, func(id manifest.BlockID, priorVersion manifest.Version, replacedPrior bool) {
		cache.CacheEvictBlock(i.FileID, i.M.FileVersion, id, priorVersion)
		if d, ok := i.D.Get(id); ok {
			dirtyblock.EvictAndFree(cache, i.FileID, i.M.FileVersion, d)
			i.D.Delete(id)
		}
		i.R.Delete(id)
	})
}
