package closure

import (
	"crypto/ed25519"
	"errors"
	"sync"

	"filippo.io/age"

	"github.com/jcnelson/syndicate/internal/syndicateerr"
)

var (
	errArgCount      = errors.New("wrong argument count")
	errUnknownSymbol = errors.New("unknown symbol")
)

// Handle is the atomically-swappable closure instance. Call is
// reader-locked; Reload and Shutdown are writer-locked, so a reload or
// shutdown never races an in-flight call.
type Handle struct {
	mu     sync.RWMutex
	driver Driver
	bundle *Bundle

	identity    age.Identity
	msPublicKey ed25519.PublicKey
	cache       *Cache
}

// Init constructs a Handle from a signed, encrypted bundle: verify the
// signature, decrypt secrets, resolve and construct the driver.
func Init(bundle *Bundle, identity age.Identity, msPublicKey ed25519.PublicKey, cache *Cache) (*Handle, error) {
	if err := Verify(bundle, msPublicKey); err != nil {
		return nil, err
	}
	driver, err := resolveDriver(bundle, identity)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		driver:      driver,
		bundle:      bundle,
		identity:    identity,
		msPublicKey: msPublicKey,
		cache:       cache,
	}
	if cache != nil {
		if err := cache.Put(bundle); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Call dispatches a fixed-set operation to the currently installed
// driver under a shared lock, so a concurrent Reload cannot swap the
// driver out from underneath an in-flight call.
func (h *Handle) Call(symbol string, args ...string) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch symbol {
	case "get":
		if len(args) != 1 {
			return nil, syndicateerr.New(syndicateerr.InvalidArgument, "closure.call", symbol, errArgCount)
		}
		return h.driver.Get(args[0])
	case "put":
		if len(args) != 2 {
			return nil, syndicateerr.New(syndicateerr.InvalidArgument, "closure.call", symbol, errArgCount)
		}
		return nil, h.driver.Put(args[0], []byte(args[1]))
	case "delete":
		if len(args) != 1 {
			return nil, syndicateerr.New(syndicateerr.InvalidArgument, "closure.call", symbol, errArgCount)
		}
		return nil, h.driver.Delete(args[0])
	case "stat":
		if len(args) != 1 {
			return nil, syndicateerr.New(syndicateerr.InvalidArgument, "closure.call", symbol, errArgCount)
		}
		size, exists, err := h.driver.Stat(args[0])
		if err != nil || !exists {
			return nil, err
		}
		return []byte{byte(size)}, nil
	case "list":
		if len(args) != 1 {
			return nil, syndicateerr.New(syndicateerr.InvalidArgument, "closure.call", symbol, errArgCount)
		}
		names, err := h.driver.List(args[0])
		if err != nil {
			return nil, err
		}
		joined := ""
		for i, n := range names {
			if i > 0 {
				joined += "\x00"
			}
			joined += n
		}
		return []byte(joined), nil
	default:
		if h.bundle.IgnoreStubs {
			return nil, nil
		}
		return nil, syndicateerr.New(syndicateerr.InvalidArgument, "closure.call", symbol, errUnknownSymbol)
	}
}

// Reload atomically swaps in a new bundle. The new bundle is verified
// and its driver constructed before the lock is taken; then, under the
// writer lock, the cache is updated, the old driver is shut down and
// the new one installed. On failure the old bundle and driver are
// retained untouched.
func (h *Handle) Reload(newBundle *Bundle) error {
	if err := Verify(newBundle, h.msPublicKey); err != nil {
		return err
	}
	newDriver, err := resolveDriver(newBundle, h.identity)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	oldDriver, oldBundle := h.driver, h.bundle
	if h.cache != nil {
		if err := h.cache.Put(newBundle); err != nil {
			return err
		}
	}
	if closer, ok := oldDriver.(interface{ Shutdown() error }); ok {
		if err := closer.Shutdown(); err != nil {
			// old driver refused to shut down cleanly; keep it live
			// rather than orphaning in-flight state, and put the old
			// bundle back in the cache.
			if h.cache != nil {
				_ = h.cache.Put(oldBundle)
			}
			return err
		}
	}
	h.driver = newDriver
	h.bundle = newBundle
	return nil
}

// Shutdown tears down the currently installed driver.
func (h *Handle) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if closer, ok := h.driver.(interface{ Shutdown() error }); ok {
		return closer.Shutdown()
	}
	return nil
}

// CurrentBundle returns the bundle currently installed, for
// diagnostics.
func (h *Handle) CurrentBundle() *Bundle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bundle
}
