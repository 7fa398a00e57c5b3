package blockcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAsyncThenReadBack(t *testing.T) {
	c, err := Open(t.TempDir(), 2)
	require.NoError(t, err)
	defer c.Close()

	fut, err := c.CacheWriteAsync(context.Background(), 1, 1, 0, 1, []byte("hello"))
	require.NoError(t, err)
	fd, err := fut.Wait(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, fd, 0)

	got, err := c.Read(1, 1, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestEvictBlockRemovesFile(t *testing.T) {
	c, err := Open(t.TempDir(), 2)
	require.NoError(t, err)
	defer c.Close()

	fut, err := c.CacheWriteAsync(context.Background(), 1, 1, 0, 1, []byte("x"))
	require.NoError(t, err)
	_, err = fut.Wait(context.Background())
	require.NoError(t, err)

	c.CacheEvictBlock(1, 1, 0, 1)
	_, err = c.Read(1, 1, 0, 1)
	require.True(t, os.IsNotExist(err))
}

func TestEvictBlockIsIdempotent(t *testing.T) {
	c, err := Open(t.TempDir(), 2)
	require.NoError(t, err)
	defer c.Close()

	c.CacheEvictBlock(1, 1, 0, 1)
	c.CacheEvictBlock(1, 1, 0, 1)
}

func TestCacheReversionFileRenamesStagingTree(t *testing.T) {
	root := t.TempDir()
	c, err := Open(root, 2)
	require.NoError(t, err)
	defer c.Close()

	fut, err := c.CacheWriteAsync(context.Background(), 1, 1, 0, 1, []byte("v1"))
	require.NoError(t, err)
	_, err = fut.Wait(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.CacheReversionFile(1, 1, 2))

	_, err = os.Stat(filepath.Join(root, "staging", "1.1"))
	require.True(t, os.IsNotExist(err), "old staging dir must be gone after reversion")

	got, err := c.Read(1, 2, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)
}

func TestCacheReversionFileNoOpWhenNothingStaged(t *testing.T) {
	c, err := Open(t.TempDir(), 2)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.CacheReversionFile(99, 1, 2))
}
