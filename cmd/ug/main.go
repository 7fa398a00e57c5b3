// Command ug runs a Syndicate User Gateway: it loads a gateway
// configuration record, wires the write path's collaborators
// together, and mounts the volume as a POSIX filesystem, driven by a
// single config file rather than positional subcommands.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/jcnelson/syndicate/internal/blockcache"
	"github.com/jcnelson/syndicate/internal/closure"
	"github.com/jcnelson/syndicate/internal/fsfrontend"
	"github.com/jcnelson/syndicate/internal/gwconfig"
	"github.com/jcnelson/syndicate/internal/gwlog"
	"github.com/jcnelson/syndicate/internal/manifest"
	"github.com/jcnelson/syndicate/internal/msclient"
	"github.com/jcnelson/syndicate/internal/msclient/memclient"
	"github.com/jcnelson/syndicate/internal/msclient/mongoclient"
	"github.com/jcnelson/syndicate/internal/rgclient"
	"github.com/jcnelson/syndicate/internal/syncpipeline"
	"github.com/jcnelson/syndicate/internal/vacuum"
	"github.com/jcnelson/syndicate/internal/wire"

	"go.uber.org/zap"
)

func usage(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
	}
	fmt.Fprintf(os.Stderr, "usage: ug -config path/to/gateway.yaml -mountpoint /mnt/vol [flags]\n")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to the gateway config YAML")
	mountpoint := flag.String("mountpoint", "", "directory to mount the volume at")
	allowOther := flag.Bool("allow-other", false, "pass allow_other to the FUSE mount")
	mongoConn := flag.String("mongo", "", "Mongo connection string for the MS client; empty uses an in-memory MS for local/dev use")
	rgAddrs := flag.String("rg-addrs", "", "comma-separated RG addresses for block replication (round-robin)")
	peerMap := flag.String("peers", "", "comma-separated gateway_id=addr pairs for peer-gateway dispatch")
	vacuumPoolSize := flag.Int("vacuum-pool-size", 4, "goroutine pool size for the background vacuumer")
	flag.Parse()

	if *configPath == "" || *mountpoint == "" {
		usage(nil)
		os.Exit(1)
	}

	if err := run(*configPath, *mountpoint, *allowOther, *mongoConn, *rgAddrs, *peerMap, *vacuumPoolSize); err != nil {
		usage(err)
		os.Exit(1)
	}
}

func run(configPath, mountpoint string, allowOther bool, mongoConn, rgAddrs, peerMap string, vacuumPoolSize int) error {
	cfg, err := gwconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := gwlog.New(cfg.DebugLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	ms, err := newMSClient(mongoConn)
	if err != nil {
		return fmt.Errorf("connecting to MS: %w", err)
	}

	if err := gwconfig.ResolveBlockingFactor(context.Background(), cfg, ms); err != nil {
		return fmt.Errorf("resolving blocking factor: %w", err)
	}

	if err := os.MkdirAll(cfg.DataRoot, 0755); err != nil {
		return fmt.Errorf("creating data root: %w", err)
	}

	cache, err := blockcache.Open(cfg.DataRoot, cfg.NumReplicaThreads)
	if err != nil {
		return fmt.Errorf("opening block cache: %w", err)
	}
	defer cache.Close()

	locate, err := parseRGAddrs(rgAddrs)
	if err != nil {
		return fmt.Errorf("parsing rg-addrs: %w", err)
	}
	rg, err := rgclient.New(locate)
	if err != nil {
		return fmt.Errorf("constructing RG client: %w", err)
	}
	defer rg.Close()

	vacuumLog, err := vacuum.OpenLog(filepath.Join(cfg.DataRoot, "vacuum.log"))
	if err != nil {
		return fmt.Errorf("opening vacuum log: %w", err)
	}
	defer vacuumLog.Close()

	vacuumer, err := vacuum.New(rg, vacuum.DefaultRetryPolicy(), vacuumPoolSize, vacuumLog)
	if err != nil {
		return fmt.Errorf("constructing vacuumer: %w", err)
	}
	defer vacuumer.Close()

	pipeline := &syncpipeline.Pipeline{
		Cache:      cache,
		Replicator: rg,
		Vacuumer:   vacuumer,
		BlockSize:  cfg.BlockingFactor,
	}

	resolvePeer, err := parsePeerMap(peerMap)
	if err != nil {
		return fmt.Errorf("parsing peers: %w", err)
	}

	gw := fsfrontend.NewGateway(cfg.GatewayID, cfg.Volume, cfg.BlockingFactor, ms, cache, pipeline, log, resolvePeer)

	peerServer, err := startPeerServer(cfg.PublicURL, gw, log)
	if err != nil {
		return fmt.Errorf("starting peer-gateway listener: %w", err)
	}
	if peerServer != nil {
		defer peerServer.Close()
	}

	if handle := loadClosure(cfg, log); handle != nil {
		defer handle.Shutdown()
	}

	server, err := fsfrontend.Mount(gw, fsfrontend.MountOptions{
		Mountpoint: mountpoint,
		AllowOther: allowOther,
	})
	if err != nil {
		return fmt.Errorf("mounting: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		server.Unmount()
	}()

	server.Wait()
	return nil
}

// newMSClient picks the MS backend: Mongo when a connection string is
// given, otherwise an in-memory client suitable for local development
// and single-node testing.
func newMSClient(mongoConn string) (msclient.Client, error) {
	if mongoConn == "" {
		return memclient.New(), nil
	}
	return mongoclient.Dial(mongoConn, "syndicate", "ug")
}

// parseRGAddrs builds a round-robin rgclient.Locator over a static
// address list. RG assignment/discovery is handled externally; this
// flag-driven static list is the simplest wiring that exercises
// rgclient against a real deployment shape.
func parseRGAddrs(raw string) (rgclient.Locator, error) {
	addrs := splitNonEmpty(raw)
	if len(addrs) == 0 {
		return func(fileID uint64, blockID manifest.BlockID) (string, error) {
			return "", fmt.Errorf("no rg-addrs configured")
		}, nil
	}
	return func(fileID uint64, blockID manifest.BlockID) (string, error) {
		idx := int((fileID ^ uint64(blockID)) % uint64(len(addrs)))
		return addrs[idx], nil
	}, nil
}

// parsePeerMap parses "gateway_id=addr,..." into a fsfrontend.PeerResolver.
func parsePeerMap(raw string) (fsfrontend.PeerResolver, error) {
	m := make(map[uint64]string)
	for _, pair := range splitNonEmpty(raw) {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q", pair)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed gateway id in %q: %w", pair, err)
		}
		m[id] = parts[1]
	}
	return func(gatewayID uint64) (string, error) {
		addr, ok := m[gatewayID]
		if !ok {
			return "", fmt.Errorf("no known address for gateway %d", gatewayID)
		}
		return addr, nil
	}, nil
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// startPeerServer listens for peer-gateway WRITE/TRUNCATE/DETACH
// requests on publicURL's host:port, handing accepted writes straight
// to the resident inode's dirty map the same way a local write would.
// A gateway with no public_url configured serves no peer traffic and
// can only act as a dispatch client, never a remote coordinator.
func startPeerServer(publicURL string, gw *fsfrontend.Gateway, log *gwlog.Logger) (*wire.Server, error) {
	addr := peerListenAddr(publicURL)
	if addr == "" {
		return nil, nil
	}
	srv, err := wire.Listen(addr, fsfrontend.PeerHandler(gw))
	if err != nil {
		return nil, err
	}
	srv.Start()
	log.Info("peer-gateway listener started", zap.String("addr", addr))
	return srv, nil
}

func peerListenAddr(publicURL string) string {
	u := strings.TrimPrefix(strings.TrimPrefix(publicURL, "https://"), "http://")
	return u
}

// loadClosure best-effort initializes the closure driver from the
// on-disk cache file; the MS-driven fresh-bundle-delivery RPC that
// would normally populate this handle on a cold start is handled
// elsewhere, so this only ever restores the last-known-good bundle a
// previous run cached. The closure cache is keyed by driver name, and
// only the entry for the driver named "default" is read.
func loadClosure(cfg *gwconfig.Config, log *gwlog.Logger) *closure.Handle {
	if cfg.PrivateKeyPath == "" || cfg.MSPublicKeyPath == "" {
		return nil
	}
	identity, err := closure.LoadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		log.Warn("closure: loading private key failed", zap.Error(err))
		return nil
	}
	msPub, err := loadEd25519PublicKey(cfg.MSPublicKeyPath)
	if err != nil {
		log.Warn("closure: loading MS public key failed", zap.Error(err))
		return nil
	}
	cache, err := closure.OpenCache(filepath.Join(cfg.DataRoot, "closure.cache"))
	if err != nil {
		log.Warn("closure: opening cache failed", zap.Error(err))
		return nil
	}
	bundle, ok, err := cache.Get("default")
	if err != nil || !ok {
		if err != nil {
			log.Warn("closure: reading cached bundle failed", zap.Error(err))
		}
		cache.Close()
		return nil
	}
	handle, err := closure.Init(bundle, identity, msPub, cache)
	if err != nil {
		log.Warn("closure: init from cached bundle failed", zap.Error(err))
		cache.Close()
		return nil
	}
	return handle
}

func loadEd25519PublicKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decoding hex-encoded ed25519 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("expected a 32-byte ed25519 public key, got %d bytes", len(key))
	}
	return key, nil
}
