package closure

import (
	"encoding/json"
	"fmt"

	"github.com/jmhodges/levigo"
)

// Cache is the persisted closure cache file under a gateway's
// data_root: a small LevelDB keyed by driver name holding the
// last-known-good bundle for that driver, so a gateway that restarts
// before the MS can redeliver a closure can still come up serving the
// last bundle it had.
type Cache struct {
	db        *levigo.DB
	readOpts  *levigo.ReadOptions
	writeOpts *levigo.WriteOptions
}

// OpenCache opens (creating if missing) the closure cache LevelDB at
// path.
func OpenCache(path string) (*Cache, error) {
	opts := levigo.NewOptions()
	opts.SetCreateIfMissing(true)
	db, err := levigo.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("closure: opening cache db: %w", err)
	}
	writeOpts := levigo.NewWriteOptions()
	writeOpts.SetSync(true)
	return &Cache{db: db, readOpts: levigo.NewReadOptions(), writeOpts: writeOpts}, nil
}

func cacheKey(driverName string) []byte {
	return []byte("bundle:" + driverName)
}

// Put persists bundle keyed by its (decoded) driver name.
func (c *Cache) Put(bundle *Bundle) error {
	name, err := decodeDriverName(bundle)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("closure: marshaling bundle: %w", err)
	}
	return c.db.Put(c.writeOpts, cacheKey(name), raw)
}

// Get loads the last persisted bundle for driverName, if any.
func (c *Cache) Get(driverName string) (*Bundle, bool, error) {
	raw, err := c.db.Get(c.readOpts, cacheKey(driverName))
	if err != nil {
		return nil, false, fmt.Errorf("closure: reading cache db: %w", err)
	}
	if raw == nil {
		return nil, false, nil
	}
	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, false, fmt.Errorf("closure: unmarshaling cached bundle: %w", err)
	}
	return &bundle, true, nil
}

// Close releases the underlying LevelDB handle.
func (c *Cache) Close() {
	c.db.Close()
}
