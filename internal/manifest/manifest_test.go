package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testBlockSize = 4096

func fixture() *Manifest {
	m := New(1, 100, 42, testBlockSize)
	m.SetSize(3 * testBlockSize)
	m.SetModTime(Modtime{Sec: 1000, Nsec: 0})
	m.PutBlock(0, BlockInfo{Version: 1, Hash: Hash{1, 2, 3}}, true)
	m.PutBlock(1, BlockInfo{Version: 1, Hash: Hash{4, 5, 6}}, true)
	m.PutBlock(2, BlockInfo{Version: 1, Hash: Hash{7, 8, 9}}, true)
	return m
}

func TestPutBlockOrderedByID(t *testing.T) {
	m := New(1, 1, 1, testBlockSize)
	m.PutBlock(5, BlockInfo{Version: 1}, true)
	m.PutBlock(1, BlockInfo{Version: 1}, true)
	m.PutBlock(3, BlockInfo{Version: 1}, true)

	var ids []BlockID
	m.Iterate(func(id BlockID, _ BlockInfo) { ids = append(ids, id) })
	require.Equal(t, []BlockID{1, 3, 5}, ids)
}

func TestPutBlockNoReplace(t *testing.T) {
	m := New(1, 1, 1, testBlockSize)
	require.True(t, m.PutBlock(0, BlockInfo{Version: 1}, true))
	require.False(t, m.PutBlock(0, BlockInfo{Version: 2}, false))
	info, ok := m.Lookup(0)
	require.True(t, ok)
	require.Equal(t, Version(1), info.Version)
}

func TestTruncateDropsHighIDs(t *testing.T) {
	m := fixture()
	m.Truncate(1)
	_, ok0 := m.Lookup(0)
	_, ok1 := m.Lookup(1)
	_, ok2 := m.Lookup(2)
	require.True(t, ok0)
	require.False(t, ok1)
	require.False(t, ok2)
}

func TestBlockRangeInvariant(t *testing.T) {
	m := fixture()
	// invariant: for every (id, info) in M.blocks, id < ceil(size/block_size)
	maxID, ok := m.BlockRange()
	require.True(t, ok)
	require.Less(t, maxID, m.BlockCount())
}

func TestTruncateSizeInvariant(t *testing.T) {
	m := fixture()
	newSize := uint64(6000)
	dropID := ceilDiv(newSize, testBlockSize)
	m.Truncate(dropID)
	m.SetSize(newSize)
	require.Equal(t, newSize, m.Size)
	m.Iterate(func(id BlockID, _ BlockInfo) {
		require.Less(t, id, ceilDiv(m.Size, testBlockSize))
	})
}

func TestRoundTrip(t *testing.T) {
	m := fixture()
	buf := make([]byte, m.BinSize())
	n := m.Encode(buf)
	require.Equal(t, len(buf), n)

	parsed, consumed, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, n, consumed)
	require.True(t, m.Equal(parsed), "parse(encode(M)) must equal M")
}

func TestRoundTripEmptyManifest(t *testing.T) {
	m := New(1, 1, 1, testBlockSize)
	buf := make([]byte, m.BinSize())
	m.Encode(buf)
	parsed, _, err := Parse(buf)
	require.NoError(t, err)
	require.True(t, m.Equal(parsed))
}

func TestMergeInsertsAbsent(t *testing.T) {
	local := New(1, 1, 1, testBlockSize)
	local.SetModTime(Modtime{Sec: 1})
	remote := New(1, 1, 1, testBlockSize)
	remote.SetModTime(Modtime{Sec: 2})
	remote.PutBlock(0, BlockInfo{Version: 1, Hash: Hash{9}}, true)

	Merge(local, remote, nil)
	info, ok := local.Lookup(0)
	require.True(t, ok)
	require.Equal(t, Version(1), info.Version)
}

func TestMergeSkipsEqualVersion(t *testing.T) {
	local := New(1, 1, 1, testBlockSize)
	local.SetModTime(Modtime{Sec: 5})
	local.PutBlock(0, BlockInfo{Version: 3, Hash: Hash{1}}, true)

	remote := New(1, 1, 1, testBlockSize)
	remote.SetModTime(Modtime{Sec: 6})
	remote.PutBlock(0, BlockInfo{Version: 3, Hash: Hash{9}}, true)

	Merge(local, remote, nil)
	info, _ := local.Lookup(0)
	require.Equal(t, Hash{1}, info.Hash, "equal-version block must be left untouched")
}

func TestMergeKeepsLocalDirty(t *testing.T) {
	local := New(1, 1, 1, testBlockSize)
	local.SetModTime(Modtime{Sec: 5})
	local.PutBlock(5, BlockInfo{Version: 3, Dirty: true}, true)

	remote := New(1, 1, 1, testBlockSize)
	remote.SetModTime(Modtime{Sec: 100}) // much newer
	remote.PutBlock(5, BlockInfo{Version: 4}, true)

	var evicted bool
	Merge(local, remote, func(id BlockID, priorVersion Version, replacedPrior bool) {
		evicted = true
	})

	info, _ := local.Lookup(5)
	require.Equal(t, Version(3), info.Version, "dirty local block must survive merge")
	require.True(t, info.Dirty)
	require.False(t, evicted, "no eviction should fire when local wins because it is dirty")
}

func TestMergeReplacesOnStrictlyNewerModtime(t *testing.T) {
	local := New(1, 1, 1, testBlockSize)
	local.SetModTime(Modtime{Sec: 1})
	local.PutBlock(0, BlockInfo{Version: 1}, true)

	remote := New(1, 1, 1, testBlockSize)
	remote.SetModTime(Modtime{Sec: 2})
	remote.PutBlock(0, BlockInfo{Version: 2}, true)

	var evictedID BlockID
	var evictedVersion Version
	Merge(local, remote, func(id BlockID, priorVersion Version, replacedPrior bool) {
		evictedID, evictedVersion = id, priorVersion
	})

	info, _ := local.Lookup(0)
	require.Equal(t, Version(2), info.Version)
	require.Equal(t, BlockID(0), evictedID)
	require.Equal(t, Version(1), evictedVersion)
}

func TestMergeDoesNotReplaceOnEqualModtime(t *testing.T) {
	local := New(1, 1, 1, testBlockSize)
	local.SetModTime(Modtime{Sec: 5})
	local.PutBlock(0, BlockInfo{Version: 1}, true)

	remote := New(1, 1, 1, testBlockSize)
	remote.SetModTime(Modtime{Sec: 5})
	remote.PutBlock(0, BlockInfo{Version: 2}, true)

	Merge(local, remote, nil)
	info, _ := local.Lookup(0)
	require.Equal(t, Version(1), info.Version, "modtime comparison must be strict")
}

// TestMergeCommutative checks merge(A,B) == merge(B,A) when no block
// is locally dirty.
func TestMergeCommutative(t *testing.T) {
	build := func() (*Manifest, *Manifest) {
		a := New(1, 1, 1, testBlockSize)
		a.SetModTime(Modtime{Sec: 10})
		a.PutBlock(0, BlockInfo{Version: 1}, true)
		a.PutBlock(1, BlockInfo{Version: 5}, true)

		b := New(1, 1, 1, testBlockSize)
		b.SetModTime(Modtime{Sec: 20})
		b.PutBlock(1, BlockInfo{Version: 6}, true)
		b.PutBlock(2, BlockInfo{Version: 1}, true)
		return a, b
	}

	a1, b1 := build()
	Merge(a1, b1, nil) // a1 becomes merge(A,B)

	b2, a2 := build()
	Merge(b2, a2, nil) // b2 becomes merge(B,A)

	require.True(t, a1.Equal(b2), "merge(A,B) must equal merge(B,A)")
}

// TestMergeAssociative checks merge(merge(A,B),C) == merge(A,merge(B,C)).
func TestMergeAssociative(t *testing.T) {
	build := func() (*Manifest, *Manifest, *Manifest) {
		a := New(1, 1, 1, testBlockSize)
		a.SetModTime(Modtime{Sec: 10})
		a.PutBlock(0, BlockInfo{Version: 1}, true)

		b := New(1, 1, 1, testBlockSize)
		b.SetModTime(Modtime{Sec: 20})
		b.PutBlock(0, BlockInfo{Version: 2}, true)
		b.PutBlock(1, BlockInfo{Version: 1}, true)

		c := New(1, 1, 1, testBlockSize)
		c.SetModTime(Modtime{Sec: 30})
		c.PutBlock(1, BlockInfo{Version: 2}, true)
		return a, b, c
	}

	a1, b1, c1 := build()
	Merge(a1, b1, nil)
	Merge(a1, c1, nil) // (A,B),C

	a2, b2, c2 := build()
	Merge(b2, c2, nil)
	Merge(a2, b2, nil) // A,(B,C)

	require.True(t, a1.Equal(a2), "merge must be associative over non-conflicting modtimes")
}

func TestModtimeMonotonicAcrossMerges(t *testing.T) {
	m := New(1, 1, 1, testBlockSize)
	m.SetModTime(Modtime{Sec: 1})

	var prev Modtime = m.ModTime
	for sec := int64(2); sec <= 5; sec++ {
		remote := New(1, 1, 1, testBlockSize)
		remote.SetModTime(Modtime{Sec: sec})
		Merge(m, remote, nil)
		require.False(t, m.ModTime.Before(prev), "modtime must be non-decreasing across successful merges")
		prev = m.ModTime
	}
}
