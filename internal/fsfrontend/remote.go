package fsfrontend

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/jcnelson/syndicate/internal/dirtyblock"
	"github.com/jcnelson/syndicate/internal/inode"
	"github.com/jcnelson/syndicate/internal/syndicateerr"
	"github.com/jcnelson/syndicate/internal/wire"
)

// peerPool caches dialed wire.Client connections to peer coordinators.
type peerPool struct {
	resolve PeerResolver

	mu      sync.Mutex
	clients map[uint64]*wire.Client
}

func newPeerPool(resolve PeerResolver) *peerPool {
	return &peerPool{resolve: resolve, clients: make(map[uint64]*wire.Client)}
}

func (p *peerPool) get(coordinatorID uint64) (*wire.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[coordinatorID]; ok {
		return c, nil
	}
	if p.resolve == nil {
		return nil, syndicateerr.New(syndicateerr.RemoteUnavailable, "peer.dial", "", fmt.Errorf("no peer resolver configured"))
	}
	addr, err := p.resolve(coordinatorID)
	if err != nil {
		return nil, syndicateerr.New(syndicateerr.RemoteUnavailable, "peer.resolve", "", err)
	}
	c, err := wire.Dial(addr)
	if err != nil {
		return nil, syndicateerr.New(syndicateerr.RemoteUnavailable, "peer.dial", addr, err)
	}
	p.clients[coordinatorID] = c
	return c, nil
}

// drop closes and forgets a peer connection after an I/O failure, so
// the next attempt redials rather than reusing a dead socket.
func (p *peerPool) drop(coordinatorID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[coordinatorID]; ok {
		c.Close()
		delete(p.clients, coordinatorID)
	}
}

// remoteFsync asks coordinatorID to run fsync_ex on our behalf via a
// push-then-DETACH round trip: the peer protocol carries
// block/truncate writes and detach notifications, so a remote fsync is
// expressed as pushing every currently-dirty block to the coordinator
// followed by a DETACH marking the file closed on our side of the
// write, letting the coordinator's own fsync pipeline take it from
// there.
func (g *Gateway) remoteFsync(ctx context.Context, coordinatorID uint64, i *inode.Inode) error {
	client, err := g.peers().get(coordinatorID)
	if err != nil {
		return err
	}

	i.RLock()
	dirty := i.D.DirtySubset()
	fileID := i.FileID
	fileVersion := i.M.FileVersion
	i.RUnlock()

	idTag := fmt.Sprintf("%d", fileID)
	for blockID, d := range dirty {
		msg := &wire.Message{
			Kind:         wire.KindWrite,
			FSPath:       idTag,
			FileVersion:  int64(fileVersion),
			BlockID:      uint64(blockID),
			BlockVersion: int64(d.Version),
			Payload:      d.Buffer,
		}
		if _, err := client.Send(msg); err != nil {
			g.peers().drop(coordinatorID)
			return syndicateerr.New(syndicateerr.RemoteUnavailable, "remote_fsync.write", "", err)
		}
	}

	detach := &wire.Message{Kind: wire.KindDetach, FSPath: idTag, FileVersion: int64(fileVersion)}
	if _, err := client.Send(detach); err != nil {
		g.peers().drop(coordinatorID)
		return syndicateerr.New(syndicateerr.RemoteUnavailable, "remote_fsync.detach", "", err)
	}
	return nil
}

// peers lazily constructs the peer pool on first use.
func (g *Gateway) peers() *peerPool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.peerPool == nil {
		g.peerPool = newPeerPool(g.Peers)
	}
	return g.peerPool
}

// PeerHandler builds the wire.Handler a gateway's peer listener
// dispatches incoming WRITE/TRUNCATE/DETACH messages to, the server
// side of remoteFsync's push-then-detach protocol. A WRITE buffers the
// block into the named inode's dirty map exactly as a local write(2)
// would; a DETACH is a no-op acknowledgement, since ownership of when
// to actually run fsync_ex stays with this gateway's own coordinator
// logic rather than the sender's.
func PeerHandler(g *Gateway) wire.Handler {
	return func(m *wire.Message) *wire.Message {
		fileID, err := strconv.ParseUint(m.FSPath, 10, 64)
		if err != nil {
			return wireError(syndicateerr.New(syndicateerr.InvalidArgument, "peer_handler", m.FSPath, err))
		}

		switch m.Kind {
		case wire.KindWrite:
			if err := g.applyRemoteWrite(fileID, m); err != nil {
				return wireError(err)
			}
			return &wire.Message{Kind: wire.KindAccepted}
		case wire.KindTruncate:
			if err := g.applyRemoteTruncate(fileID, m); err != nil {
				return wireError(err)
			}
			return &wire.Message{Kind: wire.KindAccepted}
		case wire.KindDetach:
			return &wire.Message{Kind: wire.KindAccepted}
		default:
			return wireError(syndicateerr.New(syndicateerr.InvalidArgument, "peer_handler", "", fmt.Errorf("unexpected message kind %s", m.Kind)))
		}
	}
}

func wireError(err error) *wire.Message {
	return &wire.Message{Kind: wire.KindError, Code: int32(syndicateerr.KindOf(err)), Text: err.Error()}
}

func (g *Gateway) applyRemoteWrite(fileID uint64, m *wire.Message) error {
	ino, ok := g.Get(fileID)
	if !ok {
		return syndicateerr.New(syndicateerr.NotFound, "peer_handler.write", "", fmt.Errorf("no resident inode %d", fileID))
	}
	ino.Lock()
	defer ino.Unlock()
	d := dirtyblock.New(m.BlockID, m.BlockVersion, append([]byte(nil), m.Payload...))
	if err := ino.CommitDirtyBlock(d, g.Cache); err != nil {
		return err
	}
	if err := d.FlushAsync(context.Background(), g.Cache, fileID, ino.M.FileVersion); err != nil && err != dirtyblock.ErrAlreadyFlushed {
		return err
	}
	return nil
}

func (g *Gateway) applyRemoteTruncate(fileID uint64, m *wire.Message) error {
	ino, ok := g.Get(fileID)
	if !ok {
		return syndicateerr.New(syndicateerr.NotFound, "peer_handler.truncate", "", fmt.Errorf("no resident inode %d", fileID))
	}
	rc, _ := g.Cache.(readableCache)
	ino.Lock()
	defer ino.Unlock()
	if err := ino.Truncate(m.Size, m.FileVersion, g.Cache); err != nil {
		return err
	}
	return truncateTail(context.Background(), ino, g.Cache, rc, fileID, m.FileVersion, m.Size)
}
