package fsfrontend

import (
	"context"
	"errors"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/inode"
	"github.com/jcnelson/syndicate/internal/manifest"
	"github.com/jcnelson/syndicate/internal/syndicateerr"
)

var errUnreadableCache = errors.New("fsfrontend: cache does not support synchronous block reads")

var (
	_ gofuse.NodeOpener     = (*Node)(nil)
	_ gofuse.NodeCreater    = (*Node)(nil)
	_ gofuse.NodeReader     = (*Node)(nil)
	_ gofuse.NodeWriter     = (*Node)(nil)
	_ gofuse.NodeFsyncer    = (*Node)(nil)
	_ gofuse.NodeFlusher    = (*Node)(nil)
	_ gofuse.NodeReleaser   = (*Node)(nil)
)

// readableCache is the concrete capability internal/blockcache adds on
// top of dirtyblock.Cache: a synchronous point read of a committed
// block, needed to serve reads that miss the dirty map.
type readableCache interface {
	dirtyblock.Cache
	Read(fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockVersion manifest.Version) ([]byte, error)
}

// fileHandle implements gofuse.FileHandle. It carries only the node it
// was opened on; it does not wrap a filehandle.Handle, and Release
// does not act on eviction hints.
type fileHandle struct {
	node *Node
}

// Open implements open(2) for an already-existing file.
func (n *Node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	i, errno := n.ino()
	if errno != 0 {
		return nil, 0, errno
	}
	i.Open()
	return &fileHandle{node: n}, 0, 0
}

// Release implements close(2), decrementing the inode's open-count.
func (n *Node) Release(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	i, errno := n.ino()
	if errno != 0 {
		return errno
	}
	i.Close()
	n.gw.Forget(n.fileID)
	return 0
}

// Create implements open(2) with O_CREAT: it publishes a new file
// through the MS before materializing a resident inode for it.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	parentPath := n.Path(nil)
	if parentPath == "" {
		parentPath = "/"
	} else {
		parentPath = "/" + parentPath
	}

	entry := inode.MDEntry{
		ParentID: n.fileID,
		Name:     name,
		Type:     inode.TypeFile,
		Owner:    inode.Owner{},
		Mode:     mode,
	}
	newID, err := n.gw.publishNew(ctx, parentPath, name, entry)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}

	child := inode.New(newID, n.fileID, name, inode.TypeFile, entry.Owner, mode, n.gw.VolumeID, n.gw.SelfID, n.gw.BlockSize)
	n.gw.Insert(child)

	child.RLock()
	fillAttr(&out.Attr, child)
	child.RUnlock()

	stable := gofuse.StableAttr{Mode: modeFor(inode.TypeFile, mode), Ino: newID}
	childNode := n.NewInode(ctx, newNode(n.gw, newID), stable)
	child.Open()
	return childNode, &fileHandle{node: childNode.Operations().(*Node)}, 0, 0
}

// Read implements read(2), consulting the dirty map first and falling
// back to a committed block read from the cache-then-RG read path (RG
// reads themselves are out of scope; a missing committed block
// surfaces as IOError).
func (n *Node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	i, errno := n.ino()
	if errno != 0 {
		return nil, errno
	}

	i.RLock()
	size := i.M.Size
	blockSize := i.M.BlockSize
	fileID := i.FileID
	fileVersion := i.M.FileVersion
	i.RUnlock()

	if uint64(off) >= size {
		return fuse.ReadResultData(nil), 0
	}
	want := int64(len(dest))
	if uint64(off)+uint64(want) > size {
		want = int64(size) - off
	}

	rc, _ := n.gw.Cache.(readableCache)

	nRead := int64(0)
	for nRead < want {
		blockID := manifest.BlockID(uint64(off+nRead) / blockSize)
		blockOff := uint64(off+nRead) % blockSize
		chunk := blockSize - blockOff
		if remaining := want - nRead; uint64(remaining) < chunk {
			chunk = uint64(remaining)
		}

		buf, err := readBlock(i, rc, fileID, fileVersion, blockID, blockSize)
		if err != nil {
			return nil, errnoOf(err)
		}

		if blockOff < uint64(len(buf)) {
			end := blockOff + chunk
			if end > uint64(len(buf)) {
				end = uint64(len(buf))
			}
			copy(dest[nRead:], buf[blockOff:end])
		}
		nRead += int64(chunk)
	}

	return fuse.ReadResultData(dest[:nRead]), 0
}

// readBlock returns the current bytes of blockID: the dirty map's
// buffer if the block is resident there, else a synchronous read
// through rc of the committed block, else a fresh zero-filled block
// when nothing has ever been written to blockID.
func readBlock(i *inode.Inode, rc readableCache, fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockSize uint64) ([]byte, error) {
	i.RLock()
	d, dirty := i.D.Get(blockID)
	info, hasInfo := i.M.Lookup(blockID)
	i.RUnlock()

	return readBlockWith(rc, fileID, fileVersion, blockID, blockSize, d, dirty, info, hasInfo)
}

// readBlockLocked is readBlock for a caller that already holds i's
// lock (shared or exclusive) and so must not call i.RLock/i.RUnlock
// itself.
func readBlockLocked(i *inode.Inode, rc readableCache, fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockSize uint64) ([]byte, error) {
	d, dirty := i.D.Get(blockID)
	info, hasInfo := i.M.Lookup(blockID)
	return readBlockWith(rc, fileID, fileVersion, blockID, blockSize, d, dirty, info, hasInfo)
}

func readBlockWith(rc readableCache, fileID uint64, fileVersion manifest.Version, blockID manifest.BlockID, blockSize uint64, d *dirtyblock.DirtyBlock, dirty bool, info manifest.BlockInfo, hasInfo bool) ([]byte, error) {
	if dirty && d.Buffer != nil {
		return d.Buffer, nil
	}
	if !hasInfo {
		return make([]byte, blockSize), nil
	}
	if rc == nil {
		return nil, syndicateerr.New(syndicateerr.IOError, "read", "", errUnreadableCache)
	}
	return rc.Read(fileID, fileVersion, blockID, info.Version)
}

// Write implements write(2): buffers the range into the dirty map via
// CommitDirtyBlock's commit protocol, flushing each touched block to
// the cache asynchronously.
func (n *Node) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	i, errno := n.ino()
	if errno != 0 {
		return 0, errno
	}

	i.Lock()
	blockSize := i.M.BlockSize
	fileID := i.FileID
	i.Unlock()

	rc, _ := n.gw.Cache.(readableCache)

	written := int64(0)
	for written < int64(len(data)) {
		blockID := manifest.BlockID(uint64(off+written) / blockSize)
		blockOff := uint64(off+written) % blockSize
		chunk := blockSize - blockOff
		if remaining := int64(len(data)) - written; uint64(remaining) < chunk {
			chunk = uint64(remaining)
		}

		i.Lock()
		fileVersion := i.M.FileVersion
		var buf []byte
		if existing, ok := i.D.Get(blockID); ok && existing.Buffer != nil {
			existing.Unshare()
			buf = existing.Buffer
		} else {
			// blockOff > 0 (or the write leaves a gap before chunk's
			// end) means this is a partial overwrite of whatever is
			// already committed for blockID; a block absent from D is
			// not necessarily unwritten — fsync resets D to empty on
			// every successful sync — so the prior content must be
			// read back rather than assumed to be zero.
			base, err := readBlockLocked(i, rc, fileID, fileVersion, blockID, blockSize)
			if err != nil {
				i.Unlock()
				return uint32(written), errnoOf(err)
			}
			buf = append([]byte(nil), base...)
		}
		needed := blockOff + chunk
		if uint64(len(buf)) < needed {
			grown := make([]byte, needed)
			copy(grown, buf)
			buf = grown
		}
		copy(buf[blockOff:], data[written:written+int64(chunk)])

		newVersion := manifest.Version(1)
		if info, ok := i.M.Lookup(blockID); ok {
			newVersion = info.Version + 1
		}
		d := dirtyblock.New(blockID, newVersion, buf)
		if err := i.CommitDirtyBlock(d, n.gw.Cache); err != nil {
			i.Unlock()
			return uint32(written), errnoOf(err)
		}
		if err := d.FlushAsync(ctx, n.gw.Cache, fileID, fileVersion); err != nil && err != dirtyblock.ErrAlreadyFlushed {
			i.Unlock()
			return uint32(written), errnoOf(err)
		}

		newSize := uint64(off + written + int64(chunk))
		if newSize > i.M.Size {
			i.M.SetSize(newSize)
		}
		i.Unlock()

		written += int64(chunk)
	}

	return uint32(written), 0
}

// truncate implements ftruncate(2)/the size half of setattr: it
// reversions the file to a new version and, when new_size does not
// land on a block boundary, re-reads and zero-fills the block that
// straddles new_size so its stale tail past new_size%block_size never
// resurfaces on a later read.
func (n *Node) truncate(ctx context.Context, i *inode.Inode, size uint64) syscall.Errno {
	rc, _ := n.gw.Cache.(readableCache)

	i.Lock()
	defer i.Unlock()

	newVersion := i.M.FileVersion + 1
	if err := i.Truncate(size, newVersion, n.gw.Cache); err != nil {
		return errnoOf(err)
	}
	if err := truncateTail(ctx, i, n.gw.Cache, rc, i.FileID, newVersion, size); err != nil {
		return errnoOf(err)
	}
	return 0
}

// truncateTail re-commits the block straddling newSize as a fresh
// dirty block with its bytes past newSize%block_size zeroed, so a
// truncate-down never leaves stale data readable past the new EOF.
// It is a no-op when newSize already lands on a block boundary or no
// block was ever written at that position. Callers must call this
// only after i.Truncate(newSize, newVersion, cache) has already
// reversioned i to newVersion, and must hold i's exclusive lock
// throughout both calls.
func truncateTail(ctx context.Context, i *inode.Inode, cache dirtyblock.Cache, rc readableCache, fileID uint64, newVersion manifest.Version, newSize uint64) error {
	blockSize := i.M.BlockSize
	rem := newSize % blockSize
	if rem == 0 {
		return nil
	}

	straddleID := manifest.BlockID(newSize / blockSize)
	info, ok := i.M.Lookup(straddleID)
	if !ok {
		return nil
	}

	d, dirty := i.D.Get(straddleID)
	old, err := readBlockWith(rc, fileID, newVersion, straddleID, blockSize, d, dirty, info, ok)
	if err != nil {
		return err
	}

	tail := make([]byte, blockSize)
	n := uint64(len(old))
	if n > rem {
		n = rem
	}
	copy(tail[:n], old[:n])

	newBlock := dirtyblock.New(straddleID, info.Version+1, tail)
	if err := i.CommitDirtyBlock(newBlock, cache); err != nil {
		return err
	}
	if err := newBlock.FlushAsync(ctx, cache, fileID, newVersion); err != nil && err != dirtyblock.ErrAlreadyFlushed {
		return err
	}
	return nil
}

// Fsync implements fsync(2), running the full replicate/vacuum/restore
// pipeline, dispatched local-or-remote through the coordinator
// takeover retry loop.
func (n *Node) Fsync(ctx context.Context, f gofuse.FileHandle, flags uint32) syscall.Errno {
	i, errno := n.ino()
	if errno != 0 {
		return errno
	}

	d := n.gw.dispatcher(i.FileID, true)
	path := "/" + n.Path(nil)
	err := d.Dispatch(ctx, path, coordinatorState(i),
		func(ctx context.Context) error {
			return n.gw.Pipeline.FsyncEx(ctx, i)
		},
		func(ctx context.Context, coordinatorID uint64) error {
			return n.gw.remoteFsync(ctx, coordinatorID, i)
		},
	)
	return errnoOf(err)
}

// Flush implements the close(2)-adjacent flush callback as a
// best-effort fsync, so data survives an unexpected close without an
// explicit fsync call.
func (n *Node) Flush(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	return n.Fsync(ctx, f, 0)
}

