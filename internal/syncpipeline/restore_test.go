package syncpipeline

import (
	"context"
	"testing"

	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/manifest"
	"github.com/stretchr/testify/require"
)

func TestRestoreRecommitsFailedBlock(t *testing.T) {
	ino := newTestInode()
	cache := &fakeCache{}
	ino.M.SetSize(testBlockSize)

	d := dirtyblock.New(0, 1, []byte("payload"))
	failed := map[manifest.BlockID]*dirtyblock.DirtyBlock{0: d}

	err := Restore(context.Background(), ino, cache, ino.M.FileVersion, ino.M.Size, testBlockSize, failed, nil)
	require.NoError(t, err)

	info, ok := ino.M.Lookup(0)
	require.True(t, ok)
	require.True(t, info.Dirty)
}

func TestRestoreIdempotence(t *testing.T) {
	ino := newTestInode()
	cache := &fakeCache{}
	ino.M.SetSize(testBlockSize)

	d := dirtyblock.New(0, 1, []byte("payload"))
	failed := map[manifest.BlockID]*dirtyblock.DirtyBlock{0: d}

	err := Restore(context.Background(), ino, cache, ino.M.FileVersion, ino.M.Size, testBlockSize, failed, nil)
	require.NoError(t, err)

	stateAfterFirst := ino.M.Clone()

	// re-invoking Restore with the SAME snapshot must be a no-op.
	err = Restore(context.Background(), ino, cache, ino.M.FileVersion, ino.M.Size, testBlockSize, failed, nil)
	require.NoError(t, err)

	require.True(t, stateAfterFirst.Equal(ino.M), "restore(restore(D_m)) must equal restore(D_m)")
	got, ok := ino.D.Get(0)
	require.True(t, ok)
	require.Same(t, d, got, "the already-restored entry must not be evicted by a repeat restore")
}

func TestRestoreEvictsTruncatedOutBlock(t *testing.T) {
	ino := newTestInode()
	cache := &fakeCache{}
	ino.M.SetSize(2 * testBlockSize)
	snapshotVersion := ino.M.FileVersion

	d := dirtyblock.New(1, 1, []byte("tail"))
	failed := map[manifest.BlockID]*dirtyblock.DirtyBlock{1: d}

	// simulate a truncate to 1 block while replication was in flight.
	ino.M.SetFileVersion(snapshotVersion + 1)
	ino.M.Truncate(1)
	ino.M.SetSize(testBlockSize)

	err := Restore(context.Background(), ino, cache, snapshotVersion, 2*testBlockSize, testBlockSize, failed, nil)
	require.NoError(t, err)

	_, ok := ino.M.Lookup(1)
	require.False(t, ok, "truncated-out block must not be recommitted")
	require.Contains(t, cache.evicted, manifest.BlockID(1))
}

func TestRestoreDiscardsSupersededByNewerWrite(t *testing.T) {
	ino := newTestInode()
	cache := &fakeCache{}
	ino.M.SetSize(testBlockSize)

	staleD := dirtyblock.New(0, 1, []byte("stale"))
	failed := map[manifest.BlockID]*dirtyblock.DirtyBlock{0: staleD}

	// a newer write landed in D after the snapshot was taken.
	newerD := dirtyblock.New(0, 2, []byte("fresh"))
	ino.D.Put(newerD)
	ino.M.PutBlock(0, manifest.BlockInfo{Version: 2, Dirty: true}, true)

	err := Restore(context.Background(), ino, cache, ino.M.FileVersion, ino.M.Size, testBlockSize, failed, nil)
	require.NoError(t, err)

	got, ok := ino.D.Get(0)
	require.True(t, ok)
	require.Same(t, newerD, got, "newer post-snapshot write must win over the stale restore")
	require.Contains(t, cache.evicted, manifest.BlockID(0))
}
