// Package memclient is an in-memory reference implementation of
// msclient.Client, used by tests elsewhere in this module (and
// available as a single-process MS stand-in) so packages that dispatch
// through msclient.Client don't need a live Mongo-backed MS to run
// their unit tests.
package memclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/jcnelson/syndicate/internal/inode"
	"github.com/jcnelson/syndicate/internal/msclient"
	"github.com/jcnelson/syndicate/internal/syndicateerr"
)

type fileRecord struct {
	entry       inode.MDEntry
	generation  int64
	coordinator uint64
}

// Client is a single-process, mutex-guarded implementation of
// msclient.Client suitable for tests and single-gateway deployments.
type Client struct {
	mu       sync.Mutex
	volumes  map[uint64]*msclient.VolumeInfo
	caps     map[uint64]map[uint64]map[msclient.Capability]bool
	byPath   map[string]uint64 // "volumeID/path" -> fileID
	files    map[uint64]*fileRecord
	nextFile uint64
}

// New constructs an empty in-memory MS.
func New() *Client {
	return &Client{
		volumes: make(map[uint64]*msclient.VolumeInfo),
		caps:    make(map[uint64]map[uint64]map[msclient.Capability]bool),
		byPath:  make(map[string]uint64),
		files:   make(map[uint64]*fileRecord),
	}
}

func pathKey(volumeID uint64, path string) string {
	return fmt.Sprintf("%d/%s", volumeID, path)
}

// SetVolume installs volume metadata, for test setup.
func (c *Client) SetVolume(volumeID uint64, info msclient.VolumeInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volumes[volumeID] = &info
}

// Grant gives gatewayID a capability on volumeID, for test setup.
func (c *Client) Grant(volumeID, gatewayID uint64, cap msclient.Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caps[volumeID] == nil {
		c.caps[volumeID] = make(map[uint64]map[msclient.Capability]bool)
	}
	if c.caps[volumeID][gatewayID] == nil {
		c.caps[volumeID][gatewayID] = make(map[msclient.Capability]bool)
	}
	c.caps[volumeID][gatewayID][cap] = true
}

// Register creates a file entry at path with an initial coordinator,
// for test setup.
func (c *Client) Register(volumeID uint64, path string, entry inode.MDEntry, coordinator uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextFile++
	id := c.nextFile
	entry.FileID = id
	c.files[id] = &fileRecord{entry: entry, generation: 1, coordinator: coordinator}
	c.byPath[pathKey(volumeID, path)] = id
	return id
}

func (c *Client) Create(ctx context.Context, volumeID uint64, path string, entry inode.MDEntry) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pathKey(volumeID, path)
	if _, exists := c.byPath[key]; exists {
		return 0, syndicateerr.New(syndicateerr.AlreadyExists, "msclient.create", path, nil)
	}
	c.nextFile++
	id := c.nextFile
	entry.FileID = id
	c.files[id] = &fileRecord{entry: entry, generation: 1, coordinator: entry.Coordinator}
	c.byPath[key] = id
	return id, nil
}

func (c *Client) Lookup(ctx context.Context, volumeID uint64, path string) (uint64, *inode.MDEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byPath[pathKey(volumeID, path)]
	if !ok {
		return 0, nil, syndicateerr.New(syndicateerr.NotFound, "msclient.lookup", path, nil)
	}
	rec := c.files[id]
	entry := rec.entry
	return id, &entry, nil
}

// ListChildren scans for files whose ParentID matches the directory
// resolved at path, an O(n) scan appropriate for this in-memory
// reference implementation.
func (c *Client) ListChildren(ctx context.Context, volumeID uint64, path string) ([]inode.MDEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parentID, ok := c.byPath[pathKey(volumeID, path)]
	if !ok && path != "" {
		return nil, syndicateerr.New(syndicateerr.NotFound, "msclient.list_children", path, nil)
	}
	if path == "" {
		parentID = inode.RootID
	}

	var out []inode.MDEntry
	for _, rec := range c.files {
		if rec.entry.ParentID == parentID && rec.entry.FileID != parentID {
			out = append(out, rec.entry)
		}
	}
	return out, nil
}

func (c *Client) GetVolume(ctx context.Context, volumeID uint64) (*msclient.VolumeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.volumes[volumeID]
	if !ok {
		return nil, syndicateerr.New(syndicateerr.NotFound, "msclient.get_volume", "", nil)
	}
	cp := *v
	return &cp, nil
}

func (c *Client) CheckCapability(ctx context.Context, volumeID, gatewayID uint64, cap msclient.Capability) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps[volumeID][gatewayID][cap], nil
}

func (c *Client) Publish(ctx context.Context, req msclient.PublishRequest) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.files[req.FileID]
	if !ok {
		return 0, syndicateerr.New(syndicateerr.NotFound, "msclient.publish", "", nil)
	}
	if req.ExpectedGen != 0 && req.ExpectedGen != rec.generation {
		return 0, syndicateerr.New(syndicateerr.StaleVersion, "msclient.publish", "", nil)
	}
	if req.Entry != nil {
		rec.entry = *req.Entry
	}
	rec.generation++
	return rec.generation, nil
}

// Revert checks that fileID exists and otherwise changes nothing: this
// client keeps no prior records, so none is restored or removed.
func (c *Client) Revert(ctx context.Context, fileID uint64, fileVersion int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.files[fileID]; !ok {
		return syndicateerr.New(syndicateerr.NotFound, "msclient.revert", "", nil)
	}
	return nil
}

func (c *Client) CompareAndSwapCoordinator(ctx context.Context, fileID uint64, expectedCoordinator, newCoordinator uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.files[fileID]
	if !ok {
		return syndicateerr.New(syndicateerr.NotFound, "msclient.chcoord", "", nil)
	}
	if rec.coordinator != expectedCoordinator {
		return syndicateerr.New(syndicateerr.CoordinatorChanged, "msclient.chcoord", "", nil)
	}
	rec.coordinator = newCoordinator
	return nil
}

var _ msclient.Client = (*Client)(nil)
