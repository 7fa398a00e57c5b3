// Package msclient defines the Metadata Service collaborator: directory
// lookups, volume metadata, capability checks, and publish/reversion
// RPCs. It is the source of truth for metadata; the dispatcher's
// chcoord is a compare-and-swap issued through this interface.
package msclient

import (
	"context"

	"github.com/jcnelson/syndicate/internal/inode"
)

// Capability is a coarse authorization flag the MS grants a gateway
// for a volume.
type Capability string

const (
	CapCoordinate Capability = "coordinate"
	CapRead       Capability = "read"
	CapWrite      Capability = "write"
)

// VolumeInfo is the volume-wide metadata every inode's manifest is
// scoped by: block size and the freshness parameters of the gateway's
// environment record.
type VolumeInfo struct {
	VolumeID           uint64
	BlockSize          uint64
	MaxReadFreshnessMs int64
	MaxWriteFreshnessMs int64
}

// PublishRequest carries the manifest state a coordinator pushes to
// the MS after a successful replication.
type PublishRequest struct {
	FileID        uint64
	FileVersion   int64
	ExpectedGen   int64 // generation the client last observed, for CAS
	Entry         *inode.MDEntry
}

// Client is the MS collaborator. Implementations must be safe for
// concurrent use; callers treat it as thread-safe.
type Client interface {
	// Lookup resolves a filesystem path to a file id and its current
	// metadata record.
	Lookup(ctx context.Context, volumeID uint64, path string) (fileID uint64, entry *inode.MDEntry, err error)

	// Create allocates a new file id at path and publishes
	// its initial metadata record. AlreadyExists is returned if the
	// name is taken.
	Create(ctx context.Context, volumeID uint64, path string, entry inode.MDEntry) (fileID uint64, err error)

	// ListChildren enumerates the direct children of the directory at
	// path, backing the opendir/readdir/rewinddir/telldir/seekdir/
	// closedir POSIX surface.
	ListChildren(ctx context.Context, volumeID uint64, path string) ([]inode.MDEntry, error)

	// GetVolume returns volume-wide metadata.
	GetVolume(ctx context.Context, volumeID uint64) (*VolumeInfo, error)

	// CheckCapability reports whether gatewayID holds cap on volumeID.
	CheckCapability(ctx context.Context, volumeID, gatewayID uint64, cap Capability) (bool, error)

	// Publish pushes a new manifest snapshot to the MS, incrementing
	// its generation counter. A generation mismatch against
	// req.ExpectedGen returns a StaleVersion-classified error.
	Publish(ctx context.Context, req PublishRequest) (newGeneration int64, err error)

	// Revert reports a reversion of fileID at fileVersion to the MS.
	// Neither implementation in this module restores or removes the
	// file's record: memclient only checks that fileID exists, and
	// mongoclient appends a row to its reversions collection.
	Revert(ctx context.Context, fileID uint64, fileVersion int64) error

	// CompareAndSwapCoordinator implements the chcoord MS-mediated CAS:
	// succeeds only if the MS's current coordinator for fileID equals
	// expectedCoordinator, in which case it is atomically replaced with
	// newCoordinator.
	CompareAndSwapCoordinator(ctx context.Context, fileID uint64, expectedCoordinator, newCoordinator uint64) error
}
