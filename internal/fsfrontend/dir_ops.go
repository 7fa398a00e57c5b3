package fsfrontend

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jcnelson/syndicate/internal/inode"
)

var (
	_ gofuse.NodeMkdirer   = (*Node)(nil)
	_ gofuse.NodeUnlinker  = (*Node)(nil)
	_ gofuse.NodeRmdirer   = (*Node)(nil)
	_ gofuse.NodeRenamer   = (*Node)(nil)
	_ gofuse.NodeReaddirer = (*Node)(nil)
)

func (n *Node) parentPath() string {
	p := n.Path(nil)
	if p == "" {
		return "/"
	}
	return "/" + p
}

// Mkdir implements mkdir(2).
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	entry := inode.MDEntry{
		ParentID: n.fileID,
		Name:     name,
		Type:     inode.TypeDir,
		Mode:     mode,
	}
	newID, err := n.gw.publishNew(ctx, n.parentPath(), name, entry)
	if err != nil {
		return nil, errnoOf(err)
	}

	child := inode.New(newID, n.fileID, name, inode.TypeDir, entry.Owner, mode, n.gw.VolumeID, n.gw.SelfID, n.gw.BlockSize)
	n.gw.Insert(child)

	child.RLock()
	fillAttr(&out.Attr, child)
	child.RUnlock()

	stable := gofuse.StableAttr{Mode: modeFor(inode.TypeDir, mode), Ino: newID}
	return n.NewInode(ctx, newNode(n.gw, newID), stable), 0
}

// Unlink implements unlink(2): drops the MS record and the link count
// on the resident inode.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	child, err := n.gw.LookupChild(ctx, n.parentPath(), name)
	if err != nil {
		return errnoOf(err)
	}
	if err := n.gw.MS.Revert(ctx, child.FileID, int64(child.M.FileVersion)); err != nil {
		return errnoOf(err)
	}
	child.Unlink()
	n.gw.Forget(child.FileID)
	return 0
}

// Rmdir implements rmdir(2), reusing Unlink's MS-record removal since
// this port carries no separate empty-directory check at the gateway
// (the MS is authoritative for directory contents).
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.Unlink(ctx, name)
}

// Rename implements rename(2) by re-publishing the child's MDEntry
// under its new parent/name, reconciling the name/parent disagreement
// that results between the inode's cached path and the MS record.
func (n *Node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	child, err := n.gw.LookupChild(ctx, n.parentPath(), name)
	if err != nil {
		return errnoOf(err)
	}

	destParent, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}

	child.Lock()
	child.ParentID = destParent.fileID
	child.Name = newName
	entry, expErr := child.Export(nil)
	child.Unlock()
	if expErr != nil {
		return errnoOf(expErr)
	}

	if _, err := n.gw.MS.Publish(ctx, msPublishRequestFor(entry)); err != nil {
		return errnoOf(err)
	}
	return 0
}

// Readdir implements opendir/readdir/rewinddir/telldir/seekdir/
// closedir's enumeration contract via go-fuse's DirStream, which
// itself provides the telldir/seekdir cursor semantics over the slice
// this method returns.
func (n *Node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	path := n.parentPath()
	if path == "/" {
		path = ""
	}

	children, err := n.gw.MS.ListChildren(ctx, n.gw.VolumeID, path)
	if err != nil {
		return nil, errnoOf(err)
	}

	entries := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		entries = append(entries, fuse.DirEntry{
			Name: c.Name,
			Ino:  c.FileID,
			Mode: modeFor(c.Type, c.Mode),
		})
	}
	return &sliceDirStream{entries: entries}, 0
}

type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool { return s.index < len(s.entries) }

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	e := s.entries[s.index]
	s.index++
	return e, 0
}

func (s *sliceDirStream) Close() {}
