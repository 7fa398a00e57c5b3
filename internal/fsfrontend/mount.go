package fsfrontend

import (
	"fmt"
	"os"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/jcnelson/syndicate/internal/inode"
)

// MountOptions configures the FUSE mount.
type MountOptions struct {
	Mountpoint string
	AllowOther bool
	RootMode   uint32
}

// Mount mounts gw's filesystem at opts.Mountpoint, registering the
// volume root inode if not already present. The caller must call
// Unmount on the returned server.
func Mount(gw *Gateway, opts MountOptions) (*fuse.Server, error) {
	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("fsfrontend: mountpoint is required")
	}
	if err := os.MkdirAll(opts.Mountpoint, 0755); err != nil {
		return nil, fmt.Errorf("fsfrontend: creating mountpoint %s: %w", opts.Mountpoint, err)
	}

	if _, ok := gw.Get(inode.RootID); !ok {
		mode := opts.RootMode
		if mode == 0 {
			mode = 0755
		}
		root := inode.New(inode.RootID, inode.RootID, "/", inode.TypeDir, inode.Owner{}, mode, gw.VolumeID, gw.SelfID, gw.BlockSize)
		gw.Insert(root)
	}

	root := newNode(gw, inode.RootID)

	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(opts.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "syndicate",
			Name:       "ug",
			AllowOther: opts.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fsfrontend: mounting at %s: %w", opts.Mountpoint, err)
	}
	gw.Log.Info("user gateway filesystem mounted", zap.String("mountpoint", opts.Mountpoint))
	return server, nil
}
