package manifest

// EvictFunc is called by Merge for each block id whose local entry is
// replaced by a remote one, so the caller can evict the prior cached
// block and dirty entry. replacedPrior reports whether local already
// had an entry for id before the merge; Merge calls onEvict only when
// replacing an existing local entry, so it is always true, and
// inode.MergeManifest does not read it.
type EvictFunc func(id BlockID, priorVersion Version, replacedPrior bool)

// Merge applies remote's blocks onto local in place:
//
//   - if local has no entry for a remote block, insert it
//   - else if versions are equal, skip
//   - else if local's entry is dirty, keep local
//   - else replace only when remote.ModTime is strictly greater than
//     local.ModTime
//
// This relation is commutative and associative under the total order
// on modtime, because at most one coordinator exists per file at a
// time and it advances modtime monotonically — see manifest_test.go
// for the property tests.
func Merge(local, remote *Manifest, onEvict EvictFunc) {
	remote.Iterate(func(id BlockID, rinfo BlockInfo) {
		linfo, exists := local.Lookup(id)
		switch {
		case !exists:
			local.PutBlock(id, rinfo, true)
		case linfo.Version == rinfo.Version:
			// identical version: skip, no-op.
		case linfo.Dirty:
			// local was written locally and not yet replicated;
			// never clobber it with a remote merge.
		case remote.ModTime.Before(local.ModTime) || remote.ModTime.Equal(local.ModTime):
			// remote is not strictly newer: local wins.
		default:
			priorVersion := linfo.Version
			local.PutBlock(id, rinfo, true)
			if onEvict != nil {
				onEvict(id, priorVersion, true)
			}
		}
	})
	// Whichever manifest carries the later modtime governs the merged
	// coordinator/modtime pair, since a coordinator only advances
	// modtime monotonically.
	if local.ModTime.Before(remote.ModTime) {
		local.ModTime = remote.ModTime
		local.CoordinatorID = remote.CoordinatorID
		local.FileVersion = remote.FileVersion
	}
}
