// Package main provides the entry point for the eth-store service.
// eth-store keeps a set of named JSON-RPC queries against an EVM node synchronized to new
// blocks and exposes the resulting state over HTTP and, optionally, NATS JetStream.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/grassrootseconomics/eth-store/internal/api"
	"github.com/grassrootseconomics/eth-store/internal/chain"
	"github.com/grassrootseconomics/eth-store/internal/pool"
	"github.com/grassrootseconomics/eth-store/internal/provider"
	"github.com/grassrootseconomics/eth-store/internal/pub"
	"github.com/grassrootseconomics/eth-store/internal/relay"
	"github.com/grassrootseconomics/eth-store/internal/stats"
	"github.com/grassrootseconomics/eth-store/internal/store"
	"github.com/grassrootseconomics/eth-store/internal/util"
	"github.com/grassrootseconomics/eth-store/internal/watcher"
	"github.com/grassrootseconomics/eth-store/pkg/jsonrpc"
	"github.com/grassrootseconomics/eth-store/pkg/query"
	"github.com/knadh/koanf/v2"
)

const (
	// defaultGracefulShutdownPeriod defines the maximum time allowed for graceful shutdown
	// before forcefully terminating the application.
	defaultGracefulShutdownPeriod = time.Second * 30

	// defaultWorkerPoolMultiplier is the multiplier used to calculate default worker pool size
	// based on CPU count when pool_size is not explicitly configured.
	defaultWorkerPoolMultiplier = 3

	// dialTimeout bounds the WebSocket dial on startup
	dialTimeout = 10 * time.Second
)

var (
	// build is set during compilation via -ldflags "-X main.build=<version>"
	build = "dev"

	// confFlag holds the path to the configuration file
	confFlag string

	// lo is the global structured logger instance
	lo *slog.Logger

	// ko is the global configuration instance
	ko *koanf.Koanf
)

func init() {
	flag.StringVar(&confFlag, "config", "config.toml", "Path to configuration file (TOML format)")
	flag.Parse()

	lo = util.InitLogger()
	ko = util.InitConfig(lo, confFlag)
}

func main() {
	lo.Info("starting eth-store service", "build", build)

	var wg sync.WaitGroup
	ctx, stop := notifyShutdown()

	rpcProvider, err := provider.NewRPCProvider(provider.RPCProviderOpts{
		RPCEndpoint: ko.MustString("chain.rpc_endpoint"),
		Logg:        lo,
	})
	if err != nil {
		lo.Error("could not initialize rpc provider", "error", err)
		os.Exit(1)
	}
	lo.Debug("loaded rpc provider")

	ethQuery := query.New(query.QueryOpts{
		Transport: jsonrpc.FromPromise(rpcProvider),
		Logg:      lo,
	})

	chainFetcher, err := chain.NewRPCFetcher(chain.EthRPCOpts{
		RPCEndpoint: ko.MustString("chain.rpc_endpoint"),
		ChainID:     ko.MustInt64("chain.chainid"),
		Client:      rpcProvider.Client(),
	})
	if err != nil {
		lo.Error("could not initialize chain client", "error", err)
		os.Exit(1)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	heads, err := watcher.Dial(dialCtx, ko.MustString("chain.ws_endpoint"))
	dialCancel()
	if err != nil {
		lo.Error("could not connect to websocket endpoint", "error", err)
		os.Exit(1)
	}

	blockWatcher := watcher.New(watcher.WatcherOpts{
		Chain: chainFetcher,
		Heads: heads,
		Logg:  lo,
	})
	lo.Debug("bootstrapped block watcher")

	poolSize := ko.Int("core.pool_size")
	if poolSize <= 0 {
		poolSize = runtime.NumCPU() * defaultWorkerPoolMultiplier
		lo.Info("using default worker pool size", "cpu_count", runtime.NumCPU(), "pool_size", poolSize)
	}
	workerPool := pool.New(pool.PoolOpts{
		Logg:        lo,
		WorkerCount: poolSize,
	})
	lo.Debug("bootstrapped worker pool")

	ethStore := store.New(store.StoreOpts{
		Blocks: blockWatcher,
		Query:  ethQuery,
		Pool:   workerPool,
		Logg:   lo,
	})
	lo.Debug("bootstrapped store")

	var publisher pub.Pub
	if ko.Bool("jetstream.enable") {
		publisher, err = pub.NewJetStreamPub(pub.JetStreamOpts{
			Endpoint:        ko.MustString("jetstream.endpoint"),
			PersistDuration: time.Duration(ko.MustInt("jetstream.persist_duration_hrs")) * time.Hour,
			Logg:            lo,
		})
		if err != nil {
			lo.Error("could not initialize jetstream pub", "error", err)
			os.Exit(1)
		}
		lo.Debug("loaded jetstream publisher")
	}

	storeRelay := relay.New(relay.RelayOpts{
		Store: ethStore,
		Pub:   publisher,
		Logg:  lo,
		OnUnreachable: func() bool {
			lo.Error("no reachable node, stopping block watcher")
			return blockWatcher.Stop()
		},
	})
	storeRelay.Start()
	lo.Debug("bootstrapped store relay")

	blockWatcher.Start()

	subscriptions, err := util.LoadSubscriptions(ko)
	if err != nil {
		lo.Error("invalid subscriptions config", "error", err)
		os.Exit(1)
	}
	for key, req := range subscriptions {
		ethStore.Register(key, req)
	}
	lo.Info("registered configured subscriptions", "count", len(subscriptions))

	statsProvider := stats.New(stats.StatsOpts{
		Store: ethStore,
		Logg:  lo,
		Pool:  workerPool,
	})

	apiServer := &http.Server{
		Addr: ko.MustString("api.address"),
		Handler: api.New(api.APIOpts{
			Store: ethStore,
			Stats: statsProvider,
			Logg:  lo,
		}),
	}
	lo.Debug("bootstrapped API server")
	lo.Debug("starting routines")

	wg.Add(1)
	go func() {
		defer wg.Done()
		statsProvider.StartStatsPrinter()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		apiAddr := ko.MustString("api.address")
		lo.Info("starting API server", "address", apiAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lo.Error("API server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	lo.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulShutdownPeriod)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		lo.Info("stopping service components")
		blockWatcher.Stop()
		ethStore.Close()
		storeRelay.Stop()
		statsProvider.Stop()
		workerPool.Stop()
		if publisher != nil {
			publisher.Close()
		}
		heads.Close()
		rpcProvider.Close()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			lo.Error("API server shutdown error", "error", err)
		}
		lo.Info("graceful shutdown complete")
	}()

	shutdownDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		stop()
		lo.Info("service stopped successfully")
		os.Exit(0)
	case <-shutdownCtx.Done():
		if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
			stop()
			lo.Error("graceful shutdown timeout exceeded, forcing exit")
			os.Exit(1)
		}
	}
}

// notifyShutdown creates a context that is cancelled when the application receives
// a shutdown signal (SIGINT, SIGTERM, or interrupt).
func notifyShutdown() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
}
