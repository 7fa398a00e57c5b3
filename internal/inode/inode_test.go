package inode

import (
	"context"
	"testing"

	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/manifest"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 4096

type fakeCache struct {
	evicted    []manifest.BlockID
	reversions int
}

func (c *fakeCache) CacheWriteAsync(ctx context.Context, fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version, buffer []byte) (dirtyblock.Future, error) {
	return nil, nil
}
func (c *fakeCache) CacheEvictBlock(fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version) {
	c.evicted = append(c.evicted, blockID)
}
func (c *fakeCache) CacheReversionFile(fileID uint64, oldVersion, newVersion manifest.Version) error {
	c.reversions++
	return nil
}

func newTestInode() *Inode {
	return New(42, 1, "x", TypeFile, Owner{UID: 1, GID: 1}, 0644, 1, 100, testBlockSize)
}

func TestCommitDirtyBlockSuccess(t *testing.T) {
	i := newTestInode()
	cache := &fakeCache{}
	d := dirtyblock.New(0, 1, []byte("payload"))

	require.NoError(t, i.CommitDirtyBlock(d, cache))

	info, ok := i.M.Lookup(0)
	require.True(t, ok)
	require.True(t, info.Dirty)
	require.Equal(t, manifest.Version(1), info.Version)

	got, ok := i.D.Get(0)
	require.True(t, ok)
	require.Same(t, d, got)
}

func TestCommitDirtyBlockRecordsReplacedLedger(t *testing.T) {
	i := newTestInode()
	cache := &fakeCache{}

	d1 := dirtyblock.New(0, 1, []byte("v1"))
	require.NoError(t, i.CommitDirtyBlock(d1, cache))
	// mark it non-dirty as if it had been synced, so the second commit
	// exercises the "old BlockInfo existed" ledger path cleanly.
	i.M.SetBlockDirty(0, false)

	d2 := dirtyblock.New(0, 2, []byte("v2"))
	require.NoError(t, i.CommitDirtyBlock(d2, cache))

	replaced, ok := i.R.Lookup(0)
	require.True(t, ok, "prior BlockInfo must be recorded in R for vacuum")
	require.Equal(t, manifest.Version(1), replaced.Version)
}

func TestCommitDirtyBlockAtomicRewindStep3(t *testing.T) {
	i := newTestInode()
	cache := &fakeCache{}
	d := dirtyblock.New(0, 1, []byte("payload"))

	beforeM := i.M.Clone()
	err := i.commitDirtyBlock(d, cache, &injectableFailure{atStep: 3})
	require.Error(t, err)

	require.True(t, beforeM.Equal(i.M), "manifest must be rewound bitwise-equal to pre-call state")
	_, ok := i.D.Get(0)
	require.False(t, ok, "dirty map must be rewound")
}

func TestCommitDirtyBlockAtomicRewindStep4(t *testing.T) {
	i := newTestInode()
	cache := &fakeCache{}
	d1 := dirtyblock.New(0, 1, []byte("v1"))
	require.NoError(t, i.CommitDirtyBlock(d1, cache))
	i.M.SetBlockDirty(0, false)

	beforeM := i.M.Clone()
	beforeDirty, hadBefore := i.D.Get(0)
	require.True(t, hadBefore)

	d2 := dirtyblock.New(0, 2, []byte("v2"))
	err := i.commitDirtyBlock(d2, cache, &injectableFailure{atStep: 4})
	require.Error(t, err)

	require.True(t, beforeM.Equal(i.M))
	got, ok := i.D.Get(0)
	require.True(t, ok)
	require.Same(t, beforeDirty, got, "dirty entry must be rewound to the pre-call block")
}

func TestMergeManifestEvictsAndDropsLedger(t *testing.T) {
	i := newTestInode()
	cache := &fakeCache{}

	d := dirtyblock.New(0, 1, []byte("v1"))
	require.NoError(t, i.CommitDirtyBlock(d, cache))
	i.M.SetBlockDirty(0, false)
	i.M.SetModTime(manifest.Modtime{Sec: 1})

	remote := manifest.New(1, 100, 42, testBlockSize)
	remote.SetModTime(manifest.Modtime{Sec: 2})
	remote.PutBlock(0, manifest.BlockInfo{Version: 2}, true)

	i.MergeManifest(remote, cache)

	info, ok := i.M.Lookup(0)
	require.True(t, ok)
	require.Equal(t, manifest.Version(2), info.Version)
	_, stillDirty := i.D.Get(0)
	require.False(t, stillDirty, "dirty entry must be dropped on merge replacement")
	require.Contains(t, cache.evicted, manifest.BlockID(0))
}

func TestMergeManifestKeepsDirtyNoEviction(t *testing.T) {
	i := newTestInode()
	cache := &fakeCache{}
	d := dirtyblock.New(5, 3, []byte("dirty"))
	require.NoError(t, i.CommitDirtyBlock(d, cache))
	i.M.SetModTime(manifest.Modtime{Sec: 1})

	remote := manifest.New(1, 100, 42, testBlockSize)
	remote.SetModTime(manifest.Modtime{Sec: 100})
	remote.PutBlock(5, manifest.BlockInfo{Version: 4}, true)

	i.MergeManifest(remote, cache)

	info, _ := i.M.Lookup(5)
	require.Equal(t, manifest.Version(3), info.Version, "dirty local block must survive merge")
	require.Empty(t, cache.evicted)
}

func TestTruncateInvariants(t *testing.T) {
	i := newTestInode()
	cache := &fakeCache{}
	i.M.SetSize(4 * testBlockSize)
	for id := manifest.BlockID(0); id < 4; id++ {
		i.M.PutBlock(id, manifest.BlockInfo{Version: 1}, true)
	}

	require.NoError(t, i.Truncate(6000, 2, cache))

	require.Equal(t, uint64(6000), i.M.Size)
	i.M.Iterate(func(id manifest.BlockID, _ manifest.BlockInfo) {
		require.Less(t, id, dropID(i.M.Size, testBlockSize))
	})
	require.Equal(t, manifest.Version(2), i.M.FileVersion)
	require.Equal(t, 1, cache.reversions)
	require.ElementsMatch(t, []manifest.BlockID{2, 3}, cache.evicted)
}

func TestTruncateFindRemovedIsPure(t *testing.T) {
	i := newTestInode()
	i.M.SetSize(4 * testBlockSize)
	for id := manifest.BlockID(0); id < 4; id++ {
		i.M.PutBlock(id, manifest.BlockInfo{Version: 1}, true)
	}
	before := i.M.Clone()
	removed := i.TruncateFindRemoved(6000)
	require.True(t, before.Equal(i.M), "TruncateFindRemoved must not mutate the manifest")
	require.Len(t, removed, 2)
}

func TestExportImportRoundTrip(t *testing.T) {
	i := newTestInode()
	i.M.SetSize(100)
	i.M.SetModTime(manifest.Modtime{Sec: 5})

	entry, err := i.Export(nil)
	require.NoError(t, err)
	require.Equal(t, i.FileID, entry.FileID)

	hint, err := i.Import(entry)
	require.NoError(t, err)
	require.Equal(t, ReconcileNone, hint)
}

func TestImportRejectsSizeMismatch(t *testing.T) {
	i := newTestInode()
	entry, _ := i.Export(nil)
	entry.Size = 12345

	hint, err := i.Import(entry)
	require.Error(t, err)
	require.Equal(t, ReconcileReopen, hint)
}

func TestImportRejectsVersionMismatch(t *testing.T) {
	i := newTestInode()
	entry, _ := i.Export(nil)
	entry.FileVersion = 99

	hint, err := i.Import(entry)
	require.Error(t, err)
	require.Equal(t, ReconcileReversion, hint)
}

type fakeVisitor struct {
	parentID uint64
	name     string
}

func (v fakeVisitor) VisitParent(fileID uint64) (uint64, string, error) {
	return v.parentID, v.name, nil
}

func TestExportUsesResolver(t *testing.T) {
	i := newTestInode()
	entry, err := i.Export(fakeVisitor{parentID: 7, name: "resolved"})
	require.NoError(t, err)
	require.Equal(t, uint64(7), entry.ParentID)
	require.Equal(t, "resolved", entry.Name)
}
