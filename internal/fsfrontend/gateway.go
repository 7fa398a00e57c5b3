// Package fsfrontend adapts the User Gateway's write path into a POSIX
// filesystem, built on the hanwen/go-fuse/v2 high-level "fs"
// InodeEmbedder API.
package fsfrontend

import (
	"context"
	"fmt"
	"sync"

	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/dispatch"
	"github.com/jcnelson/syndicate/internal/gwlog"
	"github.com/jcnelson/syndicate/internal/inode"
	"github.com/jcnelson/syndicate/internal/msclient"
	"github.com/jcnelson/syndicate/internal/syncpipeline"
	"github.com/jcnelson/syndicate/internal/syndicateerr"
)

// PeerResolver maps a gateway id to the address its wire.Server
// listens on, so remote dispatch knows where to dial.
type PeerResolver func(gatewayID uint64) (addr string, err error)

// Gateway bundles the collaborators a mounted filesystem needs: the
// live inode table, the MS client, the block cache, the fsync
// pipeline, and the dispatcher used to decide local-vs-remote for
// every mutating call.
type Gateway struct {
	SelfID    uint64
	VolumeID  uint64
	BlockSize uint64

	MS       msclient.Client
	Cache    dirtyblock.Cache
	Pipeline *syncpipeline.Pipeline
	Log      *gwlog.Logger
	Peers    PeerResolver

	mu       sync.Mutex
	table    map[uint64]*inode.Inode
	coords   map[uint64]uint64 // fileID -> coordinator; allocated by NewGateway, not read or written elsewhere
	peerPool *peerPool
}

// NewGateway constructs an empty Gateway; callers register the root
// inode via Insert before mounting.
func NewGateway(selfID, volumeID, blockSize uint64, ms msclient.Client, cache dirtyblock.Cache, pipeline *syncpipeline.Pipeline, log *gwlog.Logger, peers PeerResolver) *Gateway {
	if log == nil {
		log = gwlog.NewNop()
	}
	return &Gateway{
		SelfID:    selfID,
		VolumeID:  volumeID,
		BlockSize: blockSize,
		MS:        ms,
		Cache:     cache,
		Pipeline:  pipeline,
		Log:       log,
		Peers:     peers,
		table:     make(map[uint64]*inode.Inode),
		coords:    make(map[uint64]uint64),
	}
}

// Insert registers an already-constructed inode, for the root
// directory and for tests.
func (g *Gateway) Insert(ino *inode.Inode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.table[ino.FileID] = ino
}

// Get returns the live inode for fileID, if resident.
func (g *Gateway) Get(fileID uint64) (*inode.Inode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ino, ok := g.table[fileID]
	return ino, ok
}

// Forget drops fileID from the table once it is destroyable by the
// link-count/open-count reclamation rule.
func (g *Gateway) Forget(fileID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ino, ok := g.table[fileID]; ok && ino.Destroyable() {
		delete(g.table, fileID)
	}
}

// LookupChild resolves name under parent through an MS lookup, then
// returns the resident inode for the resulting file id if there is
// one, or populates a fresh inode from the MS record otherwise.
func (g *Gateway) LookupChild(ctx context.Context, parentPath, name string) (*inode.Inode, error) {
	path := parentPath
	if path == "/" {
		path = ""
	}
	fullPath := path + "/" + name

	fileID, entry, err := g.MS.Lookup(ctx, g.VolumeID, fullPath)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if ino, ok := g.table[fileID]; ok {
		return ino, nil
	}

	ino := inode.New(entry.FileID, entry.ParentID, entry.Name, inode.Type(entry.Type), entry.Owner, entry.Mode, g.VolumeID, entry.Coordinator, g.BlockSize)
	ino.M.SetFileVersion(entry.FileVersion)
	ino.M.SetSize(entry.Size)
	ino.M.SetModTime(entry.ModTime)
	ino.Generation = entry.Generation
	g.table[fileID] = ino
	return ino, nil
}

// coordinatorState builds a dispatch.CoordinatorState closing over
// ino's manifest coordinator field, per dispatch.NewCoordinatorState's
// contract.
func coordinatorState(ino *inode.Inode) *dispatch.CoordinatorState {
	return dispatch.NewCoordinatorState(
		func() uint64 { return ino.M.GetCoordinator() },
		func(id uint64) { ino.M.SetCoordinator(id) },
	)
}

// msPublishRequestFor builds a msclient.PublishRequest from an
// exported MDEntry, used by callers (Rename, fsync's MS reversion
// step) that already hold a freshly-exported record.
func msPublishRequestFor(entry inode.MDEntry) msclient.PublishRequest {
	return msclient.PublishRequest{
		FileID:      entry.FileID,
		FileVersion: int64(entry.FileVersion),
		ExpectedGen: int64(entry.Generation),
		Entry:       &entry,
	}
}

// publishNew allocates a new file through the MS under parentPath/name.
func (g *Gateway) publishNew(ctx context.Context, parentPath, name string, entry inode.MDEntry) (uint64, error) {
	entry.Coordinator = g.SelfID
	path := parentPath
	if path == "/" {
		path = ""
	}
	return g.MS.Create(ctx, g.VolumeID, path+"/"+name, entry)
}

// dispatcher builds a per-call dispatch.Dispatcher wired to this
// gateway's MS-mediated chcoord implementation for fileID. The Chcoord
// closure captures fileID since dispatch.Chcoord's signature only
// carries a path string.
func (g *Gateway) dispatcher(fileID uint64, capCoordinate bool) *dispatch.Dispatcher {
	return dispatch.New(g.SelfID, capCoordinate, func(ctx context.Context, path string, coord *dispatch.CoordinatorState, selfID uint64, capCoordinate bool) error {
		return g.chcoord(ctx, fileID, path, coord, selfID, capCoordinate)
	})
}

// chcoord performs the MS compare-and-swap coordinator takeover: only a
// gateway holding CAP_COORDINATE may take over, and only when the MS
// still agrees the coordinator is who the caller last observed.
func (g *Gateway) chcoord(ctx context.Context, fileID uint64, path string, coord *dispatch.CoordinatorState, selfID uint64, capCoordinate bool) error {
	if !capCoordinate {
		return syndicateerr.New(syndicateerr.PermissionDenied, "chcoord", path, fmt.Errorf("gateway %d lacks CAP_COORDINATE", selfID))
	}
	expected := coord.Current()
	if err := g.MS.CompareAndSwapCoordinator(ctx, fileID, expected, selfID); err != nil {
		return err
	}
	coord.Set(selfID)
	return nil
}
