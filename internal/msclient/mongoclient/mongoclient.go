// Package mongoclient implements msclient.Client against a MongoDB-
// backed Metadata Service.
package mongoclient

import (
	"context"
	"fmt"

	"labix.org/v2/mgo"
	"labix.org/v2/mgo/bson"

	"github.com/jcnelson/syndicate/internal/inode"
	"github.com/jcnelson/syndicate/internal/manifest"
	"github.com/jcnelson/syndicate/internal/msclient"
	"github.com/jcnelson/syndicate/internal/syndicateerr"
)

// Client is an mgo-backed msclient.Client. Each call opens a fresh
// session copy off the master session (mgo.Session.Copy), so a slow
// or wedged query on one goroutine never blocks another caller's
// socket.
type Client struct {
	session   *mgo.Session
	dbName    string
	colPrefix string
}

// Dial connects to a Mongo-backed MS at connString.
func Dial(connString, dbName, colPrefix string) (*Client, error) {
	session, err := mgo.Dial(connString)
	if err != nil {
		return nil, fmt.Errorf("mongoclient: dialing %s: %w", connString, err)
	}
	session.SetMode(mgo.Monotonic, true)
	return &Client{session: session, dbName: dbName, colPrefix: colPrefix}, nil
}

func (c *Client) col(session *mgo.Session, name string) *mgo.Collection {
	return session.DB(c.dbName).C(c.colPrefix + name)
}

type fileDoc struct {
	FileID      uint64 `bson:"file_id"`
	VolumeID    uint64 `bson:"volume_id"`
	Path        string `bson:"path"`
	ParentID    uint64 `bson:"parent_id"`
	Name        string `bson:"name"`
	Type        int    `bson:"type"`
	UID         uint32 `bson:"uid"`
	GID         uint32 `bson:"gid"`
	Mode        uint32 `bson:"mode"`
	FileVersion int64  `bson:"file_version"`
	Size        uint64 `bson:"size"`
	ModSec      int64  `bson:"mod_sec"`
	ModNsec     int32  `bson:"mod_nsec"`
	Coordinator uint64 `bson:"coordinator"`
	Generation  int64  `bson:"generation"`
}

func (c *Client) Create(ctx context.Context, volumeID uint64, path string, entry inode.MDEntry) (uint64, error) {
	session := c.session.Copy()
	defer session.Close()

	col := c.col(session, "counters")
	change := mgo.Change{Update: bson.M{"$inc": bson.M{"seq": 1}}, ReturnNew: true, Upsert: true}
	var counter struct {
		Seq uint64 `bson:"seq"`
	}
	if _, err := col.Find(bson.M{"_id": "file_id"}).Apply(change, &counter); err != nil {
		return 0, syndicateerr.New(syndicateerr.IOError, "mongoclient.create", path, err)
	}

	doc := fileDoc{
		FileID:      counter.Seq,
		VolumeID:    volumeID,
		Path:        path,
		ParentID:    entry.ParentID,
		Name:        entry.Name,
		Type:        int(entry.Type),
		UID:         entry.Owner.UID,
		GID:         entry.Owner.GID,
		Mode:        entry.Mode,
		FileVersion: int64(entry.FileVersion),
		Size:        entry.Size,
		Coordinator: entry.Coordinator,
		Generation:  1,
	}
	if err := c.col(session, "files").Insert(doc); err != nil {
		if mgo.IsDup(err) {
			return 0, syndicateerr.New(syndicateerr.AlreadyExists, "mongoclient.create", path, err)
		}
		return 0, syndicateerr.New(syndicateerr.IOError, "mongoclient.create", path, err)
	}
	return doc.FileID, nil
}

func (c *Client) Lookup(ctx context.Context, volumeID uint64, path string) (uint64, *inode.MDEntry, error) {
	session := c.session.Copy()
	defer session.Close()

	var doc fileDoc
	err := c.col(session, "files").Find(bson.M{"volume_id": volumeID, "path": path}).One(&doc)
	if err == mgo.ErrNotFound {
		return 0, nil, syndicateerr.New(syndicateerr.NotFound, "mongoclient.lookup", path, err)
	}
	if err != nil {
		return 0, nil, syndicateerr.New(syndicateerr.IOError, "mongoclient.lookup", path, err)
	}
	return doc.FileID, docToEntry(doc), nil
}

type volumeDoc struct {
	VolumeID            uint64 `bson:"volume_id"`
	BlockSize           uint64 `bson:"block_size"`
	MaxReadFreshnessMs  int64  `bson:"max_read_freshness_ms"`
	MaxWriteFreshnessMs int64  `bson:"max_write_freshness_ms"`
}

func (c *Client) ListChildren(ctx context.Context, volumeID uint64, path string) ([]inode.MDEntry, error) {
	session := c.session.Copy()
	defer session.Close()

	var parent fileDoc
	if path == "" {
		parent.FileID = inode.RootID
	} else {
		if err := c.col(session, "files").Find(bson.M{"volume_id": volumeID, "path": path}).One(&parent); err != nil {
			if err == mgo.ErrNotFound {
				return nil, syndicateerr.New(syndicateerr.NotFound, "mongoclient.list_children", path, err)
			}
			return nil, syndicateerr.New(syndicateerr.IOError, "mongoclient.list_children", path, err)
		}
	}

	var docs []fileDoc
	if err := c.col(session, "files").Find(bson.M{"volume_id": volumeID, "parent_id": parent.FileID}).All(&docs); err != nil {
		return nil, syndicateerr.New(syndicateerr.IOError, "mongoclient.list_children", path, err)
	}

	out := make([]inode.MDEntry, 0, len(docs))
	for _, doc := range docs {
		if doc.FileID == parent.FileID {
			continue
		}
		out = append(out, *docToEntry(doc))
	}
	return out, nil
}

func (c *Client) GetVolume(ctx context.Context, volumeID uint64) (*msclient.VolumeInfo, error) {
	session := c.session.Copy()
	defer session.Close()

	var doc volumeDoc
	err := c.col(session, "volumes").Find(bson.M{"volume_id": volumeID}).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, syndicateerr.New(syndicateerr.NotFound, "mongoclient.get_volume", "", err)
	}
	if err != nil {
		return nil, syndicateerr.New(syndicateerr.IOError, "mongoclient.get_volume", "", err)
	}
	return &msclient.VolumeInfo{
		VolumeID:            doc.VolumeID,
		BlockSize:           doc.BlockSize,
		MaxReadFreshnessMs:  doc.MaxReadFreshnessMs,
		MaxWriteFreshnessMs: doc.MaxWriteFreshnessMs,
	}, nil
}

func (c *Client) CheckCapability(ctx context.Context, volumeID, gatewayID uint64, cap msclient.Capability) (bool, error) {
	session := c.session.Copy()
	defer session.Close()

	count, err := c.col(session, "capabilities").Find(bson.M{
		"volume_id":  volumeID,
		"gateway_id": gatewayID,
		"capability": string(cap),
	}).Count()
	if err != nil {
		return false, syndicateerr.New(syndicateerr.IOError, "mongoclient.check_capability", "", err)
	}
	return count > 0, nil
}

func (c *Client) Publish(ctx context.Context, req msclient.PublishRequest) (int64, error) {
	session := c.session.Copy()
	defer session.Close()

	col := c.col(session, "files")
	query := bson.M{"file_id": req.FileID}
	if req.ExpectedGen != 0 {
		query["generation"] = req.ExpectedGen
	}

	update := bson.M{"$inc": bson.M{"generation": 1}}
	if req.Entry != nil {
		e := req.Entry
		update["$set"] = bson.M{
			"parent_id":    e.ParentID,
			"name":         e.Name,
			"type":         int(e.Type),
			"uid":          e.Owner.UID,
			"gid":          e.Owner.GID,
			"mode":         e.Mode,
			"file_version": int64(e.FileVersion),
			"size":         e.Size,
			"mod_sec":      e.ModTime.Sec,
			"mod_nsec":     e.ModTime.Nsec,
			"coordinator":  e.Coordinator,
		}
	}

	err := col.Update(query, update)
	if err == mgo.ErrNotFound {
		return 0, syndicateerr.New(syndicateerr.StaleVersion, "mongoclient.publish", "", err)
	}
	if err != nil {
		return 0, syndicateerr.New(syndicateerr.IOError, "mongoclient.publish", "", err)
	}

	var doc fileDoc
	if err := col.Find(bson.M{"file_id": req.FileID}).One(&doc); err != nil {
		return 0, syndicateerr.New(syndicateerr.IOError, "mongoclient.publish", "", err)
	}
	return doc.Generation, nil
}

// Revert inserts a (file_id, file_version) row into the reversions
// collection; the file's own record in the files collection is left
// unchanged.
func (c *Client) Revert(ctx context.Context, fileID uint64, fileVersion int64) error {
	session := c.session.Copy()
	defer session.Close()

	err := c.col(session, "reversions").Insert(bson.M{"file_id": fileID, "file_version": fileVersion})
	if err != nil {
		return syndicateerr.New(syndicateerr.IOError, "mongoclient.revert", "", err)
	}
	return nil
}

func (c *Client) CompareAndSwapCoordinator(ctx context.Context, fileID uint64, expectedCoordinator, newCoordinator uint64) error {
	session := c.session.Copy()
	defer session.Close()

	err := c.col(session, "files").Update(
		bson.M{"file_id": fileID, "coordinator": expectedCoordinator},
		bson.M{"$set": bson.M{"coordinator": newCoordinator}},
	)
	if err == mgo.ErrNotFound {
		return syndicateerr.New(syndicateerr.CoordinatorChanged, "mongoclient.chcoord", "", err)
	}
	if err != nil {
		return syndicateerr.New(syndicateerr.IOError, "mongoclient.chcoord", "", err)
	}
	return nil
}

func docToEntry(doc fileDoc) *inode.MDEntry {
	return &inode.MDEntry{
		FileID:      doc.FileID,
		ParentID:    doc.ParentID,
		Name:        doc.Name,
		Type:        inode.Type(doc.Type),
		Owner:       inode.Owner{UID: doc.UID, GID: doc.GID},
		Mode:        doc.Mode,
		FileVersion: manifest.Version(doc.FileVersion),
		Size:        doc.Size,
		ModTime:     manifest.Modtime{Sec: doc.ModSec, Nsec: doc.ModNsec},
		Coordinator: doc.Coordinator,
		Generation:  uint64(doc.Generation),
	}
}

// Close releases the master session.
func (c *Client) Close() {
	c.session.Close()
}

var _ msclient.Client = (*Client)(nil)
