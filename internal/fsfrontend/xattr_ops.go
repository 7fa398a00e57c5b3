package fsfrontend

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
)

var (
	_ gofuse.NodeGetxattrer    = (*Node)(nil)
	_ gofuse.NodeSetxattrer    = (*Node)(nil)
	_ gofuse.NodeListxattrer   = (*Node)(nil)
	_ gofuse.NodeRemovexattrer = (*Node)(nil)
)

// Getxattr implements getxattr(2).
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	i, errno := n.ino()
	if errno != 0 {
		return 0, errno
	}
	i.RLock()
	v, ok := i.GetXattr(attr)
	i.RUnlock()
	if !ok {
		return 0, syscall.ENODATA
	}
	if len(dest) < len(v) {
		return uint32(len(v)), syscall.ERANGE
	}
	copy(dest, v)
	return uint32(len(v)), 0
}

// Setxattr implements setxattr(2).
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	i, errno := n.ino()
	if errno != 0 {
		return errno
	}
	i.Lock()
	i.SetXattr(attr, append([]byte(nil), data...))
	i.Unlock()
	return 0
}

// Listxattr implements listxattr(2).
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	i, errno := n.ino()
	if errno != 0 {
		return 0, errno
	}
	i.RLock()
	names := i.ListXattr()
	i.RUnlock()

	size := 0
	for _, name := range names {
		size += len(name) + 1
	}
	if len(dest) < size {
		return uint32(size), syscall.ERANGE
	}
	off := 0
	for _, name := range names {
		off += copy(dest[off:], name)
		dest[off] = 0
		off++
	}
	return uint32(size), 0
}

// Removexattr implements removexattr(2).
func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	i, errno := n.ino()
	if errno != 0 {
		return errno
	}
	i.Lock()
	ok := i.RemoveXattr(attr)
	i.Unlock()
	if !ok {
		return syscall.ENODATA
	}
	return 0
}
