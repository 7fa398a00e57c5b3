package fsfrontend

import (
	"context"
	"testing"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"

	"github.com/jcnelson/syndicate/internal/blockcache"
	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/gwlog"
	"github.com/jcnelson/syndicate/internal/inode"
	"github.com/jcnelson/syndicate/internal/manifest"
	"github.com/jcnelson/syndicate/internal/msclient"
	"github.com/jcnelson/syndicate/internal/msclient/memclient"
	"github.com/jcnelson/syndicate/internal/syncpipeline"
)

const testBlockSize = 4096

type noopReplicator struct{}

func (noopReplicator) Replicate(ctx context.Context, rc *syncpipeline.ReplicaContext, cache dirtyblock.Cache) error {
	return nil
}

type noopVacuumEnqueuer struct{}

func (noopVacuumEnqueuer) Enqueue(ctx context.Context, vc *syncpipeline.VacuumContext) error {
	return nil
}

func newTestGateway(t *testing.T) (*Gateway, *Node) {
	t.Helper()
	cache, err := blockcache.Open(t.TempDir(), 2)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	ms := memclient.New()
	ms.SetVolume(1, msclient.VolumeInfo{VolumeID: 1, BlockSize: testBlockSize})

	pipeline := &syncpipeline.Pipeline{
		Cache:      cache,
		Replicator: noopReplicator{},
		Vacuumer:   noopVacuumEnqueuer{},
		BlockSize:  testBlockSize,
	}

	gw := NewGateway(100, 1, testBlockSize, ms, cache, pipeline, gwlog.NewNop(), nil)

	root := inode.New(inode.RootID, inode.RootID, "/", inode.TypeDir, inode.Owner{}, 0755, 1, 100, testBlockSize)
	gw.Insert(root)

	return gw, newNode(gw, inode.RootID)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	gw, root := newTestGateway(t)
	gofuse.NewNodeFS(root, &gofuse.Options{})

	ctx := context.Background()
	var entryOut fuse.EntryOut
	childInode, handle, _, errno := root.Create(ctx, "hello.txt", 0, 0644, &entryOut)
	require.Equal(t, uint32(0), uint32(errno))
	require.NotNil(t, childInode)
	require.NotNil(t, handle)

	childNode := childInode.Operations().(*Node)

	data := []byte("hello, syndicate")
	n, errno := childNode.Write(ctx, handle, data, 0)
	require.Equal(t, uint32(0), uint32(errno))
	require.Equal(t, uint32(len(data)), n)

	dest := make([]byte, len(data))
	res, errno := childNode.Read(ctx, handle, dest, 0)
	require.Equal(t, uint32(0), uint32(errno))
	buf, status := res.Bytes(dest)
	require.Equal(t, fuse.OK, status)
	require.Equal(t, data, buf)

	ino, ok := gw.Get(childNode.fileID)
	require.True(t, ok)
	require.Equal(t, uint64(len(data)), ino.M.Size)
}

func TestWriteSpanningMultipleBlocks(t *testing.T) {
	gw, root := newTestGateway(t)
	gofuse.NewNodeFS(root, &gofuse.Options{})
	ctx := context.Background()

	var entryOut fuse.EntryOut
	childInode, handle, _, errno := root.Create(ctx, "big.bin", 0, 0644, &entryOut)
	require.Equal(t, uint32(0), uint32(errno))
	childNode := childInode.Operations().(*Node)

	data := make([]byte, testBlockSize*2+100)
	for i := range data {
		data[i] = byte(i % 251)
	}

	n, errno := childNode.Write(ctx, handle, data, 0)
	require.Equal(t, uint32(0), uint32(errno))
	require.Equal(t, uint32(len(data)), n)

	dest := make([]byte, len(data))
	res, errno := childNode.Read(ctx, handle, dest, 0)
	require.Equal(t, uint32(0), uint32(errno))
	buf, status := res.Bytes(dest)
	require.Equal(t, fuse.OK, status)
	require.Equal(t, data, buf)

	ino, ok := gw.Get(childNode.fileID)
	require.True(t, ok)
	require.Equal(t, manifest.BlockID(3), ino.M.BlockCount())
}

func TestMkdirAndReaddir(t *testing.T) {
	gw, root := newTestGateway(t)
	gofuse.NewNodeFS(root, &gofuse.Options{})
	ctx := context.Background()

	var entryOut fuse.EntryOut
	dirInode, errno := root.Mkdir(ctx, "subdir", 0755, &entryOut)
	require.Equal(t, uint32(0), uint32(errno))
	require.NotNil(t, dirInode)

	_, _, _, errno = root.Create(ctx, "file.txt", 0, 0644, &entryOut)
	require.Equal(t, uint32(0), uint32(errno))

	stream, errno := root.Readdir(ctx)
	require.Equal(t, uint32(0), uint32(errno))

	names := map[string]bool{}
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, uint32(0), uint32(errno))
		names[e.Name] = true
	}
	require.True(t, names["subdir"])
	require.True(t, names["file.txt"])
	_ = gw
}

func TestXattrRoundTrip(t *testing.T) {
	_, root := newTestGateway(t)
	gofuse.NewNodeFS(root, &gofuse.Options{})
	ctx := context.Background()

	errno := root.Setxattr(ctx, "user.foo", []byte("bar"), 0)
	require.Equal(t, uint32(0), uint32(errno))

	dest := make([]byte, 16)
	n, errno := root.Getxattr(ctx, "user.foo", dest)
	require.Equal(t, uint32(0), uint32(errno))
	require.Equal(t, "bar", string(dest[:n]))

	listDest := make([]byte, 64)
	listN, errno := root.Listxattr(ctx, listDest)
	require.Equal(t, uint32(0), uint32(errno))
	require.Contains(t, string(listDest[:listN]), "user.foo")

	errno = root.Removexattr(ctx, "user.foo")
	require.Equal(t, uint32(0), uint32(errno))

	_, errno = root.Getxattr(ctx, "user.foo", dest)
	require.NotEqual(t, uint32(0), uint32(errno))
}

func TestGetattrReportsSize(t *testing.T) {
	gw, root := newTestGateway(t)
	gofuse.NewNodeFS(root, &gofuse.Options{})
	ctx := context.Background()

	var entryOut fuse.EntryOut
	childInode, handle, _, errno := root.Create(ctx, "f", 0, 0644, &entryOut)
	require.Equal(t, uint32(0), uint32(errno))
	childNode := childInode.Operations().(*Node)

	data := []byte("1234567890")
	_, errno = childNode.Write(ctx, handle, data, 0)
	require.Equal(t, uint32(0), uint32(errno))

	var attrOut fuse.AttrOut
	errno = childNode.Getattr(ctx, handle, &attrOut)
	require.Equal(t, uint32(0), uint32(errno))
	require.Equal(t, uint64(len(data)), attrOut.Size)
	_ = gw
}
