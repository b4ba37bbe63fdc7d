package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/libp2p/go-libp2p/core/peer"
	maddr "github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/bus"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/capstore"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/ethprovider"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/fsendpoint"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/hypermap/cacher"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/hypermap/indexer"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/kernel"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/netendpoint"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/timerendpoint"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
	"github.com/hyperware-ai/hyperdrive-sub000/pkg/config"
	"github.com/hyperware-ai/hyperdrive-sub000/pkg/logging"
)

func main() {
	root := &cobra.Command{Use: "hyperware"}
	var configFile string
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to hyperware.yaml")

	root.AddCommand(runCmd(&configFile))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start a Hyperware node: kernel, runtime endpoints, hypermap indexer and cacher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

// staticPeerResolver resolves node names to libp2p peer addresses from a
// fixed "node=multiaddr" list, the simplest PeerResolver that exercises
// netendpoint without a full identity/HNS system (spec.md §1 scopes that
// out).
type staticPeerResolver map[string]peer.AddrInfo

func (r staticPeerResolver) Resolve(node string) (peer.AddrInfo, error) {
	info, ok := r[node]
	if !ok {
		return peer.AddrInfo{}, fmt.Errorf("no known address for node %q", node)
	}
	return info, nil
}

func parseBootstrapPeers(entries []string) staticPeerResolver {
	out := make(staticPeerResolver)
	for _, e := range entries {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ma, err := maddr.NewMultiaddr(parts[1])
		if err != nil {
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			continue
		}
		out[parts[0]] = *info
	}
	return out
}

func run(cfg *config.Config) error {
	log := logging.New(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	home := cfg.Node.HomeDir
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("hyperware: mkdir home: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("hyperware: generate node key: %w", err)
	}

	fs, err := fsendpoint.New(filepath.Join(home, "fs"))
	if err != nil {
		return err
	}

	theBus := bus.New(log)

	capStore := capstore.New(log, nil)
	go capStore.Run(ctx)
	capClient := capstore.NewClient(capStore.Requests())

	kctx := &kernel.Context{
		OurNode:    cfg.Node.Name,
		PrivateKey: priv,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		HomeDir:    home,
		Bus:        theBus,
		CapStore:   capClient,
		Log:        log,
	}
	capClient.Add(types.RuntimeProcessID(types.ProcKernel), types.RootCap(cfg.Node.Name))

	resolver := parseBootstrapPeers(cfg.Net.BootstrapPeers)

	// netendpoint's inbound callbacks close over loop, which is declared
	// here and reassigned below once net exists; Go closures capture the
	// variable, not its value, so the callbacks see the final *Loop even
	// though it's built in two steps to break the net/loop construction
	// cycle.
	var loop *kernel.Loop
	net, err := netendpoint.New(log, cfg.Net.ListenAddr, resolver,
		func(km types.KernelMessage) { loop.Envelopes() <- km },
		func(node string, km types.KernelMessage) {
			// The kernel loop already turns Send's returned error into a
			// SendError for the waiting process, so the failed envelope is
			// only logged here, not queued again.
			log.WithField("node", node).Debug("peer offline")
		},
	)
	if err != nil {
		return err
	}
	defer net.Close()

	loop = kernel.New(kctx, fs, nil, net)
	if err := loop.LoadProcessMap(); err != nil {
		return err
	}

	fsRecv := theBus.RegisterEndpoint(types.RuntimeProcessID(types.ProcFilesystem), "filesystem", bus.DefaultCapacity)
	fsInbox := kernel.NewInbox(fsRecv, loop.Envelopes())
	go fsendpoint.Serve(ctx, fs, fsInbox)

	ethRecv := theBus.RegisterEndpoint(types.RuntimeProcessID(types.ProcEth), "eth", bus.DefaultCapacity)
	ethInbox := kernel.NewInbox(ethRecv, loop.Envelopes())
	ethEndpoint, err := ethprovider.New(log, cfg.Node.Name, home, capClient, ethInbox)
	if err != nil {
		return err
	}
	for _, url := range cfg.Eth.ProviderURLs {
		ethEndpoint.Manager().AddProvider(cfg.Eth.DefaultChainID, ethprovider.Provider{Kind: ethprovider.ProviderURL, URL: url})
	}
	go ethEndpoint.Serve(ctx)

	timerRecv := theBus.RegisterEndpoint(types.RuntimeProcessID(types.ProcTimer), "timer", bus.DefaultCapacity)
	timerInbox := kernel.NewInbox(timerRecv, loop.Envelopes())
	go timerendpoint.Serve(ctx, timerInbox)

	drive, err := cacher.NewDrive(filepath.Join(home, "cacher"))
	if err != nil {
		return err
	}
	rawCaller := indexerRawCaller{ethEndpoint}
	chainHelper := indexer.NewEthChainHelper(rawCaller, cfg.Hypermap.ChainID,
		common.HexToAddress(cfg.Hypermap.NoteContract), common.HexToAddress(cfg.Hypermap.RegistryContract))

	cacherChain := newCacherChainAdapter(rawCaller, cfg.Hypermap.ChainID,
		common.HexToAddress(cfg.Hypermap.NoteContract), common.HexToAddress(cfg.Hypermap.RegistryContract))
	theCacher := cacher.New(log, drive, cacherChain, priv, cfg.Node.Name, cfg.Hypermap.ChainID)
	if err := theCacher.LoadState(); err != nil {
		return err
	}
	theCacher.SetCaching()
	go theCacher.Run(ctx)

	cacherRouter := cacher.NewRouter(theCacher)
	go func() {
		_ = startHTTP(ctx, cfg.Hypermap.HTTPAddr, cacherRouter)
	}()

	store, err := indexer.OpenStore(filepath.Join(home, "hypermap"))
	if err != nil {
		return err
	}
	defer store.Close()

	idx := indexer.New(log, store, chainHelper, theCacher, nil, indexer.Config{
		OurNode:          cfg.Node.Name,
		NoteContract:     common.HexToAddress(cfg.Hypermap.NoteContract),
		RegistryContract: common.HexToAddress(cfg.Hypermap.RegistryContract),
	})
	// No live event subscription is wired here: subscribing to a provider's
	// eth_subscribe feed is an operator-configured action over the eth
	// endpoint's own ConfigAction surface, not something the node starts
	// unconditionally. Until one is configured the indexer runs on its
	// gap-fill poll alone (spec.md §4.F "Bootstrap and cache" step 3).
	go idx.Run(ctx, nil, defaultPollInterval)

	log.WithField("node", cfg.Node.Name).Info("hyperware node started")

	loop.Run(ctx)
	return nil
}

// defaultPollInterval is the indexer's live-tail gap-fill cadence (spec.md
// §4.F "Bootstrap and cache" step 3: "periodic timer").
const defaultPollInterval = 30 * time.Second

// indexerRawCaller adapts ethprovider.Endpoint's Manager to indexer.RawCaller.
type indexerRawCaller struct {
	eth *ethprovider.Endpoint
}

func (c indexerRawCaller) Call(ctx context.Context, chainID uint64, method string, params json.RawMessage) (json.RawMessage, error) {
	return c.eth.Manager().Call(ctx, chainID, method, params)
}

// cacherChainAdapter satisfies cacher.ChainClient over the same RawCaller
// the indexer uses, filtering eth_getLogs across both the note contract
// and the token-registry contract so the cacher's on-disk batches cover
// everything the indexer replays from them (spec.md §4.F "Filter").
type cacherChainAdapter struct {
	caller           indexerRawCaller
	chainID          uint64
	noteContract     common.Address
	registryContract common.Address
}

func newCacherChainAdapter(caller indexerRawCaller, chainID uint64, noteContract, registryContract common.Address) *cacherChainAdapter {
	return &cacherChainAdapter{caller: caller, chainID: chainID, noteContract: noteContract, registryContract: registryContract}
}

func (a *cacherChainAdapter) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := a.caller.Call(ctx, a.chainID, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	var n hexutil.Uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("hyperware: malformed eth_blockNumber response: %w", err)
	}
	return uint64(n), nil
}

func (a *cacherChainAdapter) GetLogs(ctx context.Context, fromBlock, toBlock uint64) ([]json.RawMessage, error) {
	filter := map[string]any{
		"address":   []common.Address{a.noteContract, a.registryContract},
		"fromBlock": hexutil.EncodeUint64(fromBlock),
		"toBlock":   hexutil.EncodeUint64(toBlock),
	}
	params, err := json.Marshal([]any{filter})
	if err != nil {
		return nil, err
	}
	raw, err := a.caller.Call(ctx, a.chainID, "eth_getLogs", params)
	if err != nil {
		return nil, err
	}
	var logs []json.RawMessage
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("hyperware: malformed eth_getLogs response: %w", err)
	}
	return logs, nil
}

// startHTTP serves handler on addr until ctx is cancelled.
func startHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
