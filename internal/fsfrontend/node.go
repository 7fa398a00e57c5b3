package fsfrontend

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/jcnelson/syndicate/internal/inode"
	"github.com/jcnelson/syndicate/internal/syndicateerr"
)

// Node is the go-fuse InodeEmbedder for one Syndicate file or
// directory.
type Node struct {
	gofuse.Inode

	gw     *Gateway
	fileID uint64
}

var (
	_ gofuse.InodeEmbedder = (*Node)(nil)
	_ gofuse.NodeGetattrer = (*Node)(nil)
	_ gofuse.NodeSetattrer = (*Node)(nil)
	_ gofuse.NodeLookuper  = (*Node)(nil)
)

func newNode(gw *Gateway, fileID uint64) *Node {
	return &Node{gw: gw, fileID: fileID}
}

func (n *Node) ino() (*inode.Inode, syscall.Errno) {
	i, ok := n.gw.Get(n.fileID)
	if !ok {
		return nil, syscall.ESTALE
	}
	return i, 0
}

// errnoOf maps err to a POSIX errno via syndicateerr.Errno, treating
// nil as success.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return syndicateerr.Errno(err)
}

func modeFor(t inode.Type, mode uint32) uint32 {
	switch t {
	case inode.TypeDir:
		return syscall.S_IFDIR | mode
	case inode.TypeSymlink:
		return syscall.S_IFLNK | mode
	default:
		return syscall.S_IFREG | mode
	}
}

func fillAttr(out *fuse.Attr, i *inode.Inode) {
	out.Ino = i.FileID
	out.Mode = modeFor(i.Type, i.Mode)
	out.Size = i.M.Size
	out.Uid = i.Owner.UID
	out.Gid = i.Owner.GID
	out.Mtime = uint64(i.M.ModTime.Sec)
	out.Mtimensec = uint32(i.M.ModTime.Nsec)
	out.Blocks = (i.M.Size + 511) / 512
	if i.M.BlockSize > 0 {
		out.Blksize = uint32(i.M.BlockSize)
	}
}

// Getattr implements stat/fstat.
func (n *Node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	i, errno := n.ino()
	if errno != 0 {
		return errno
	}
	i.RLock()
	fillAttr(&out.Attr, i)
	i.RUnlock()
	return 0
}

// Setattr implements chmod/chown/truncate(via size)/utimens.
func (n *Node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	i, errno := n.ino()
	if errno != 0 {
		return errno
	}

	i.Lock()
	if mode, ok := in.GetMode(); ok {
		i.Mode = mode &^ syscall.S_IFMT
	}
	if uid, ok := in.GetUID(); ok {
		i.Owner.UID = uid
	}
	if gid, ok := in.GetGID(); ok {
		i.Owner.GID = gid
	}
	i.Unlock()

	if size, ok := in.GetSize(); ok {
		if err := n.truncate(ctx, i, size); err != 0 {
			return err
		}
	}

	i.RLock()
	fillAttr(&out.Attr, i)
	i.RUnlock()
	return 0
}

// Lookup implements the directory-entry resolution behind open/stat by
// path.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	parentPath := n.Path(nil)
	if parentPath == "" {
		parentPath = "/"
	} else {
		parentPath = "/" + parentPath
	}

	child, err := n.gw.LookupChild(ctx, parentPath, name)
	if err != nil {
		n.gw.Log.Debug("lookup miss", zap.String("parent", parentPath), zap.String("name", name), zap.Error(err))
		return nil, errnoOf(err)
	}

	child.RLock()
	fillAttr(&out.Attr, child)
	child.RUnlock()

	stable := gofuse.StableAttr{Mode: modeFor(child.Type, child.Mode), Ino: child.FileID}
	childNode := n.NewInode(ctx, newNode(n.gw, child.FileID), stable)
	return childNode, 0
}
