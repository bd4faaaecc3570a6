// Package watcher delivers new chain heads. It seeds subscribers with the current head and
// then follows newHeads over a WebSocket subscription, resubscribing on connection failures.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/grassrootseconomics/eth-store/internal/chain"
)

const (
	// defaultResubscribeInterval is the maximum delay before resubscribing after a connection failure
	defaultResubscribeInterval = 2 * time.Second
	// initialHeadTimeout bounds the lookup of the current head on start
	initialHeadTimeout = 10 * time.Second
)

type (
	// HeadSubscriber opens a newHeads subscription. *ethclient.Client implements it.
	HeadSubscriber interface {
		SubscribeNewHead(context.Context, chan<- *types.Header) (ethereum.Subscription, error)
	}

	// WatcherOpts contains configuration options for creating a new Watcher.
	WatcherOpts struct {
		Chain               chain.Chain    // Optional, used to emit the current head on start
		Heads               HeadSubscriber // Source of realtime headers
		Logg                *slog.Logger   // Structured logger
		ResubscribeInterval time.Duration  // Maximum resubscribe backoff, defaults to 2s
	}

	// Watcher publishes new block headers and subscription errors through typed feeds.
	Watcher struct {
		chain               chain.Chain
		heads               HeadSubscriber
		logg                *slog.Logger
		resubscribeInterval time.Duration

		blockFeed event.FeedOf[*types.Header]
		errFeed   event.FeedOf[error]

		mu          sync.Mutex
		realtimeSub event.Subscription
	}
)

// Dial connects to a WebSocket endpoint suitable for newHeads subscriptions.
func Dial(ctx context.Context, wsEndpoint string) (*ethclient.Client, error) {
	return ethclient.DialContext(ctx, wsEndpoint)
}

// New creates a new Watcher. Nothing is delivered until Start is called.
func New(o WatcherOpts) *Watcher {
	interval := o.ResubscribeInterval
	if interval <= 0 {
		interval = defaultResubscribeInterval
	}

	return &Watcher{
		chain:               o.Chain,
		heads:               o.Heads,
		logg:                o.Logg,
		resubscribeInterval: interval,
	}
}

// SubscribeNewBlocks delivers every new head.
func (w *Watcher) SubscribeNewBlocks(ch chan<- *types.Header) event.Subscription {
	return w.blockFeed.Subscribe(ch)
}

// SubscribeErrors delivers head lookup and subscription failures.
func (w *Watcher) SubscribeErrors(ch chan<- error) event.Subscription {
	return w.errFeed.Subscribe(ch)
}

// Start emits the current head, if a chain is configured, and begins following new heads.
// Calling Start on a running watcher is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.realtimeSub != nil {
		return
	}

	if w.chain != nil {
		w.emitCurrentHead()
	}

	w.realtimeSub = event.ResubscribeErr(w.resubscribeInterval, w.resubscribeFn())
	w.logg.Info("block watcher started")
}

// Stop ends the realtime subscription and reports whether one was running.
// The watcher can be started again afterwards.
func (w *Watcher) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.realtimeSub == nil {
		return false
	}
	w.realtimeSub.Unsubscribe()
	w.realtimeSub = nil
	w.logg.Info("block watcher stopped")
	return true
}

func (w *Watcher) emitCurrentHead() {
	ctx, cancel := context.WithTimeout(context.Background(), initialHeadTimeout)
	defer cancel()

	latest, err := w.chain.GetLatestBlock(ctx)
	if err != nil {
		w.logg.Error("failed to fetch latest block", "error", err)
		w.errFeed.Send(err)
		return
	}

	header, err := w.chain.GetHeader(ctx, latest)
	if err != nil {
		w.logg.Error("failed to fetch latest header", "block_number", latest, "error", err)
		w.errFeed.Send(err)
		return
	}

	w.logg.Debug("emitting current head", "block_number", latest)
	w.blockFeed.Send(header)
}

// receiveRealtimeBlocks subscribes to new heads and forwards them until the subscription
// fails or the watcher is stopped.
func (w *Watcher) receiveRealtimeBlocks(ctx context.Context) (event.Subscription, error) {
	newHeadersReceiver := make(chan *types.Header, 1)
	sub, err := w.heads.SubscribeNewHead(ctx, newHeadersReceiver)
	if err != nil {
		return nil, err
	}

	w.logg.Info("block watcher connected to WebSocket endpoint")

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()

		for {
			select {
			case header := <-newHeadersReceiver:
				w.logg.Debug("received new head", "block_number", header.Number)
				w.blockFeed.Send(header)
			case err := <-sub.Err():
				if err != nil {
					w.logg.Error("subscription error", "error", err)
				}
				return err
			case <-quit:
				w.logg.Debug("block watcher shutting down")
				return nil
			}
		}
	}), nil
}

// resubscribeFn returns a function that handles resubscription on connection failures.
func (w *Watcher) resubscribeFn() event.ResubscribeErrFunc {
	return func(ctx context.Context, lastErr error) (event.Subscription, error) {
		if lastErr != nil {
			w.logg.Warn("resubscribing after connection failure", "error", lastErr)
			w.errFeed.Send(lastErr)
		}

		sub, err := w.receiveRealtimeBlocks(ctx)
		if err != nil {
			w.logg.Warn("failed to subscribe to new heads", "error", err)
			w.errFeed.Send(err)
			return nil, err
		}
		return sub, nil
	}
}
