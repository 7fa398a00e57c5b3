package inode

import (
	"fmt"

	"github.com/jcnelson/syndicate/internal/manifest"
)

// MDEntry is the MS-facing metadata record produced by Export and
// consumed by Import.
type MDEntry struct {
	FileID      uint64
	ParentID    uint64
	Name        string
	Type        Type
	Owner       Owner
	Mode        uint32
	FileVersion manifest.Version
	Size        uint64
	ModTime     manifest.Modtime
	Coordinator uint64
	Generation  uint64
}

// ParentVisitor resolves an inode's parent id and name during a
// directory traversal, caching results as it walks. Modeled as a
// visitor object rather than a bare callback function type, so the
// cache a multi-inode traversal builds up is explicit state the caller
// owns.
type ParentVisitor interface {
	// VisitParent returns the resolved (parentID, name) for fileID,
	// populating any internal cache the visitor keeps across calls.
	VisitParent(fileID uint64) (parentID uint64, name string, err error)
}

// Export copies i's metadata into an MS-facing record. If resolver is
// non-nil, it is used to (re)resolve the parent/name pair — this lets
// callers walking many inodes share one cache-carrying visitor rather
// than repeating the traversal per inode.
//
// Callers must hold at least a shared lock on i.
func (i *Inode) Export(resolver ParentVisitor) (MDEntry, error) {
	parentID, name := i.ParentID, i.Name
	if resolver != nil {
		p, n, err := resolver.VisitParent(i.FileID)
		if err != nil {
			return MDEntry{}, err
		}
		parentID, name = p, n
	}
	return MDEntry{
		FileID:      i.FileID,
		ParentID:    parentID,
		Name:        name,
		Type:        i.Type,
		Owner:       i.Owner,
		Mode:        i.Mode,
		FileVersion: i.M.FileVersion,
		Size:        i.M.Size,
		ModTime:     i.M.ModTime,
		Coordinator: i.M.CoordinatorID,
		Generation:  i.Generation,
	}, nil
}

// ReconcileHint tells the caller of Import what out-of-band action is
// needed when the incoming record disagrees with the live inode:
// rename, reversion, or re-open.
type ReconcileHint int

const (
	ReconcileNone ReconcileHint = iota
	ReconcileRename
	ReconcileReversion
	ReconcileReopen
)

// Import copies metadata from an MS-facing record into i, rejecting
// updates whose file_id, type, version, name, or size disagree with
// the current inode. On rejection it returns the ReconcileHint that
// names which out-of-band action would resolve the conflict, so the
// dispatcher can pick the right retry path.
//
// Callers must hold the inode's exclusive lock.
func (i *Inode) Import(entry MDEntry) (ReconcileHint, error) {
	if entry.FileID != i.FileID {
		return ReconcileNone, fmt.Errorf("inode: import file_id mismatch: have %d, got %d", i.FileID, entry.FileID)
	}
	if entry.Type != i.Type {
		return ReconcileNone, fmt.Errorf("inode: import type mismatch for file %d", i.FileID)
	}
	if entry.Name != i.Name || entry.ParentID != i.ParentID {
		return ReconcileRename, fmt.Errorf("inode: import name/parent disagree for file %d, reconcile via rename", i.FileID)
	}
	if entry.FileVersion != i.M.FileVersion {
		return ReconcileReversion, fmt.Errorf("inode: import file_version disagree for file %d, reconcile via reversion", i.FileID)
	}
	if entry.Size != i.M.Size {
		return ReconcileReopen, fmt.Errorf("inode: import size disagree for file %d, reconcile via re-open", i.FileID)
	}

	i.Owner = entry.Owner
	i.Mode = entry.Mode
	i.M.SetModTime(entry.ModTime)
	i.M.SetCoordinator(entry.Coordinator)
	i.Generation = entry.Generation
	return ReconcileNone, nil
}
