// Package blockcache gives the dirtyblock.Cache collaborator a
// concrete, disk-backed implementation: a content-addressed staging
// tree under data_root, reversioned by rename on file-version bump,
// with a LevelDB index of block locations and a bounded worker pool
// for the async write path.
package blockcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/jmhodges/levigo"
	"github.com/panjf2000/ants/v2"

	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/manifest"
)

// Cache is the disk-backed implementation of dirtyblock.Cache. Blocks
// are staged under:
//
//	<data_root>/staging/<file_id>.<file_version>/<block_id>.<block_version>
//
// fs_path is tracked by the MS, not this package, so file_id stands in
// for it — the numeric identifier the rest of the write path already
// keys on.
type Cache struct {
	dataRoot  string
	index     *levigo.DB
	readOpts  *levigo.ReadOptions
	writeOpts *levigo.WriteOptions
	pool      *ants.Pool

	mu    sync.Mutex
	open  map[string]*os.File // indexKey -> staging fd, held open until evicted
}

// Open opens (creating if necessary) a disk-backed cache rooted at
// dataRoot, backed by a worker pool of size poolSize for async writes.
func Open(dataRoot string, poolSize int) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dataRoot, "staging"), 0755); err != nil {
		return nil, fmt.Errorf("blockcache: creating staging root: %w", err)
	}
	opts := levigo.NewOptions()
	opts.SetCreateIfMissing(true)
	index, err := levigo.Open(filepath.Join(dataRoot, "index.ldb"), opts)
	if err != nil {
		return nil, fmt.Errorf("blockcache: opening index db: %w", err)
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		index.Close()
		return nil, fmt.Errorf("blockcache: creating pool: %w", err)
	}
	writeOpts := levigo.NewWriteOptions()
	writeOpts.SetSync(true)
	return &Cache{
		dataRoot:  dataRoot,
		index:     index,
		readOpts:  levigo.NewReadOptions(),
		writeOpts: writeOpts,
		pool:      pool,
		open:      make(map[string]*os.File),
	}, nil
}

func fileDir(dataRoot string, fileID uint64, fileVersion manifest.Version) string {
	return filepath.Join(dataRoot, "staging", fmt.Sprintf("%d.%d", fileID, fileVersion))
}

func blockPath(dataRoot string, fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version) string {
	return filepath.Join(fileDir(dataRoot, fileID, fileVersion), fmt.Sprintf("%d.%d", blockID, blockVersion))
}

func indexKey(fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version) []byte {
	return []byte(fmt.Sprintf("%d/%d/%d/%d", fileID, fileVersion, blockID, blockVersion))
}

// future implements dirtyblock.Future over a channel result, the async
// completion signal that CacheWriteAsync callers block on via Wait.
type future struct {
	done chan struct{}
	fd   int
	err  error
}

func newFuture() *future { return &future{done: make(chan struct{})} }

func (f *future) resolve(fd int, err error) {
	f.fd, f.err = fd, err
	close(f.done)
}

func (f *future) Wait(ctx context.Context) (int, error) {
	select {
	case <-f.done:
		return f.fd, f.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// CacheWriteAsync stages buffer to disk on the worker pool and returns
// a future resolving to the open file descriptor once the write and
// fsync complete.
func (c *Cache) CacheWriteAsync(ctx context.Context, fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version, buffer []byte) (dirtyblock.Future, error) {
	fut := newFuture()
	err := c.pool.Submit(func() {
		fd, err := c.writeStaged(fileID, fileVersion, blockID, blockVersion, buffer)
		fut.resolve(fd, err)
	})
	if err != nil {
		return nil, fmt.Errorf("blockcache: pool submit: %w", err)
	}
	return fut, nil
}

func (c *Cache) writeStaged(fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version, buffer []byte) (int, error) {
	dir := fileDir(c.dataRoot, fileID, fileVersion)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return -1, err
	}
	path := blockPath(c.dataRoot, fileID, fileVersion, blockID, blockVersion)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return -1, err
	}
	if _, err := f.Write(buffer); err != nil {
		f.Close()
		return -1, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return -1, err
	}
	key := indexKey(fileID, fileVersion, blockID, blockVersion)
	if err := c.index.Put(c.writeOpts, key, []byte(path)); err != nil {
		f.Close()
		return -1, err
	}
	c.mu.Lock()
	if old, ok := c.open[string(key)]; ok {
		old.Close()
	}
	c.open[string(key)] = f
	c.mu.Unlock()
	return int(f.Fd()), nil
}

// CacheEvictBlock removes the staged copy of a block and its index
// entry. Best-effort: a missing file is not an error, since eviction
// must be idempotent.
func (c *Cache) CacheEvictBlock(fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version) {
	key := indexKey(fileID, fileVersion, blockID, blockVersion)
	path, err := c.index.Get(c.readOpts, key)
	if err == nil && path != nil {
		_ = os.Remove(string(path))
	}
	_ = c.index.Delete(c.writeOpts, key)

	c.mu.Lock()
	if f, ok := c.open[string(key)]; ok {
		f.Close()
		delete(c.open, string(key))
	}
	c.mu.Unlock()
}

// CacheReversionFile atomically renames the staging directory for
// fileID from oldVersion to newVersion.
func (c *Cache) CacheReversionFile(fileID uint64, oldVersion, newVersion manifest.Version) error {
	oldDir := fileDir(c.dataRoot, fileID, oldVersion)
	newDir := fileDir(c.dataRoot, fileID, newVersion)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		// nothing staged under the old version; nothing to reversion.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(newDir), 0755); err != nil {
		return err
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("blockcache: reversioning %d: %w", fileID, err)
	}
	return c.reindex(fileID, oldVersion, newVersion, newDir)
}

// reindex rewrites index entries pointing at the old staging directory
// so subsequent lookups resolve under the renamed path.
func (c *Cache) reindex(fileID uint64, oldVersion, newVersion manifest.Version, newDir string) error {
	entries, err := os.ReadDir(newDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	batch := levigo.NewWriteBatch()
	defer batch.Close()
	for _, e := range entries {
		name := e.Name()
		blockID, blockVersion, ok := parseBlockName(name)
		if !ok {
			continue
		}
		batch.Delete(indexKey(fileID, oldVersion, blockID, blockVersion))
		batch.Put(indexKey(fileID, newVersion, blockID, blockVersion), []byte(filepath.Join(newDir, name)))
	}
	return c.index.Write(c.writeOpts, batch)
}

func parseBlockName(name string) (manifest.BlockID, manifest.Version, bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			idPart, verPart := name[:i], name[i+1:]
			id, err1 := strconv.ParseUint(idPart, 10, 64)
			ver, err2 := strconv.ParseInt(verPart, 10, 64)
			if err1 != nil || err2 != nil {
				return 0, 0, false
			}
			return manifest.BlockID(id), manifest.Version(ver), true
		}
	}
	return 0, 0, false
}

// Read loads the currently staged bytes for a block, for callers that
// need a synchronous read path outside of dirtyblock's async write
// interface (e.g. the truncate re-read-and-zero-fill case, or the
// replication reader).
func (c *Cache) Read(fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version) ([]byte, error) {
	path := blockPath(c.dataRoot, fileID, fileVersion, blockID, blockVersion)
	return os.ReadFile(path)
}

// Close releases the index, worker pool, and any staging file
// descriptors still held open.
func (c *Cache) Close() {
	c.pool.Release()
	c.mu.Lock()
	for key, f := range c.open {
		f.Close()
		delete(c.open, key)
	}
	c.mu.Unlock()
	c.index.Close()
}
