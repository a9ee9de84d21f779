package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"plotchain/core"
	"plotchain/internal/obshttp"
	"plotchain/pkg/config"
)

func main() {
	log := logrus.StandardLogger()

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("plotchain: init zap: %v", err)
	}
	defer zapLogger.Sync()
	zap.ReplaceGlobals(zapLogger)

	root := &cobra.Command{
		Use:   "plotchain",
		Short: "run a plotchain node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cmd.Flags(), cfgPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}
	root.Flags().String("config", "", "path to a YAML config file")
	root.Flags().String("network.listen_addr", "0.0.0.0", "UDP+TCP listen address")
	root.Flags().Int("network.port", core.DefaultNetworkPort, "UDP+TCP listen port")
	root.Flags().Bool("forger.enabled", false, "forge blocks on this node")
	root.Flags().String("forger.key_file", "", "path to a raw 32-byte validator key")
	root.Flags().String("storage.db_path", "plotchain.db", "bbolt database path")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		log.Fatalf("plotchain: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	if _, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
		log.Warnf("plotchain: automaxprocs: %v", err)
	}

	store, err := core.OpenBoltKVStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var adminKey core.KeyHash
	if raw, _ := hex.DecodeString(os.Getenv("PLOTCHAIN_ADMIN_KEY")); len(raw) == len(adminKey) {
		copy(adminKey[:], raw)
	}

	events := core.NewEventBus()
	rk, err := core.NewRecordKeeper(core.RecordKeeperParams{
		Store:              store,
		Config:             forgerConfig(cfg),
		Logger:             log,
		Events:             events,
		AdminKeyID:         adminKey,
		MempoolBudgetBytes: cfg.Storage.MempoolBudgetBytes,
	})
	if err != nil {
		return fmt.Errorf("init recordkeeper: %w", err)
	}

	repo := core.NewNodeRepository(1000, log)
	if err := repo.LoadOrSeed(cfg.Storage.DBPath + ".nodes.json"); err != nil {
		log.Warnf("plotchain: load node repository: %v", err)
	}

	client := core.NewNetworkClient(rk, repo, log)
	shard := core.NewShard(core.ZeroHash, core.ShardPrimary, cfg.Network.MinNodes, cfg.Network.MaxNodes, repo, log)
	client.AddShard(shard)

	handler := core.NewHandler(rk, repo, 0, log)

	listenAddr := fmt.Sprintf("%s:%d", cfg.Network.ListenAddr, cfg.Network.Port)
	transport, err := core.NewTransport(listenAddr, client, handler, log)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	transport.Start()

	pool := core.NewWorkerPool()
	metrics := core.NewMetricsCollector(rk, client)

	obs := obshttp.NewServer(cfg.Observability.ListenAddr, rk, metrics, log)
	go func() {
		if err := obs.Start(); err != nil {
			log.Errorf("plotchain: observability server: %v", err)
		}
	}()

	var disc *core.Discovery
	if cfg.Discovery.Enabled {
		disc, err = core.NewDiscovery(ctx, cfg.Discovery.ListenAddr, repo, log)
		if err != nil {
			log.Warnf("plotchain: discovery unavailable: %v", err)
		}
	}

	var forger *core.Forger
	headSig := newHeadSignal()
	if cfg.Forger.Enabled {
		key, err := loadOrGenerateKey(cfg.Forger.KeyFile)
		if err != nil {
			return fmt.Errorf("load validator key: %w", err)
		}
		forger = core.NewForger(rk, client, key, forgerConfig(cfg), log)
		headEvents, unsubscribe := events.Subscribe(8)
		defer unsubscribe()
		go headSig.watch(headEvents)
	}

	metricsDone := make(chan struct{})
	go metrics.Run(15*time.Second, metricsDone)

	drainTicker := time.NewTicker(100 * time.Millisecond)
	defer drainTicker.Stop()

	forgeTicker := time.NewTicker(time.Duration(cfg.Forger.RateTargetMs) * time.Millisecond)
	defer forgeTicker.Stop()

	checkTicker := time.NewTicker(5 * time.Second)
	defer checkTicker.Stop()

	log.Infof("plotchain: listening on %s", listenAddr)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-drainTicker.C:
			transport.DrainSessions()
		case <-checkTicker.C:
			pings, _ := shard.PeriodicCheck()
			for _, s := range pings {
				s.Enqueue(core.Packet{Seq: s.NextSeq(), Msg: core.Message{Kind: core.MsgPing, PingTime: core.Now()}})
			}
		case <-forgeTicker.C:
			if forger != nil {
				if err := forger.Propose(headSig.current()); err != nil {
					log.Warnf("plotchain: forge attempt: %v", err)
				}
			}
		}
	}

	close(metricsDone)
	client.Quit(cfg.Storage.DBPath + ".nodes.json")

	var shutdownErr error
	shutdownErr = multierr.Append(shutdownErr, transport.Close())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr = multierr.Append(shutdownErr, obs.Shutdown(shutdownCtx))
	if disc != nil {
		shutdownErr = multierr.Append(shutdownErr, disc.Close())
	}
	shutdownErr = multierr.Append(shutdownErr, pool.Shutdown())
	shutdownErr = multierr.Append(shutdownErr, store.Close())
	return shutdownErr
}

// headSignal hands the forger the current abort channel on each tick; when
// a NewBlockEvent arrives it closes that channel and replaces it with a
// fresh one, so an in-flight Propose bails out instead of racing a block
// that already won.
type headSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newHeadSignal() *headSignal {
	return &headSignal{ch: make(chan struct{})}
}

func (h *headSignal) current() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ch
}

func (h *headSignal) watch(events <-chan any) {
	for ev := range events {
		if _, ok := ev.(core.NewBlockEvent); !ok {
			continue
		}
		h.mu.Lock()
		close(h.ch)
		h.ch = make(chan struct{})
		h.mu.Unlock()
	}
}

func forgerConfig(cfg *config.Config) *core.RecordKeeperConfig {
	c := core.NewRecordKeeperConfig().WithBuiltinRules()
	c.ValidatorsCountBase = cfg.Forger.ValidatorsCountBase
	c.ValidatorsScan = cfg.Forger.ValidatorsScan
	c.RecalculateBlocks = cfg.Forger.RecalculateBlocks
	c.RateTargetMs = cfg.Forger.RateTargetMs
	c.HashCompounds = cfg.Forger.HashCompounds
	return c
}

func loadOrGenerateKey(path string) (*core.ValidatorKey, error) {
	if path == "" {
		return core.GenerateValidatorKey()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		key, err := core.GenerateValidatorKey()
		if err != nil {
			return nil, err
		}
		if werr := os.WriteFile(path, key.Bytes(), 0o600); werr != nil {
			return nil, werr
		}
		return key, nil
	}
	return core.ValidatorKeyFromBytes(raw)
}
