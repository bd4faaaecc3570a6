// Package relay consumes store notifications: it logs them, forwards them to a publisher
// and reacts to warnings that indicate the node cannot be reached.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/grassrootseconomics/eth-store/internal/pub"
	"github.com/grassrootseconomics/eth-store/internal/store"
	ev "github.com/grassrootseconomics/eth-store/pkg/event"
	"github.com/grassrootseconomics/eth-store/pkg/jsonrpc"
)

const (
	// chanSize is the buffer of every notification channel
	chanSize = 64
	// publishTimeout bounds a single publish call
	publishTimeout = 5 * time.Second
	// noPeersHint is matched against RPC error data reported by nodes that are still syncing
	noPeersHint = "no suitable peers available"
)

type (
	// Notifier is the notification surface of the store.
	Notifier interface {
		SubscribeUpdates(chan<- store.Snapshot) event.Subscription
		SubscribeBlocks(chan<- store.BlockUpdate) event.Subscription
		SubscribeWarnings(chan<- error) event.Subscription
	}

	// RelayOpts contains configuration options for creating a new Relay.
	RelayOpts struct {
		Store         Notifier     // Store whose notifications are consumed
		Pub           pub.Pub      // Optional publisher
		Logg          *slog.Logger // Structured logger
		OnUnreachable func() bool  // Optional, called once when the node refuses connections; false means nothing was stopped
	}

	// Relay forwards store notifications.
	Relay struct {
		pub           pub.Pub
		logg          *slog.Logger
		onUnreachable func() bool
		now           func() time.Time

		updates chan store.Snapshot
		blocks  chan store.BlockUpdate
		warns   chan error
		scope   event.SubscriptionScope

		unreachable atomic.Bool
		quit        chan struct{}
		wg          sync.WaitGroup
	}
)

// New creates a Relay subscribed to the store. Notifications are buffered until Start.
func New(o RelayOpts) *Relay {
	r := &Relay{
		pub:           o.Pub,
		logg:          o.Logg,
		onUnreachable: o.OnUnreachable,
		now:           time.Now,
		updates:       make(chan store.Snapshot, chanSize),
		blocks:        make(chan store.BlockUpdate, chanSize),
		warns:         make(chan error, chanSize),
		quit:          make(chan struct{}),
	}

	r.scope.Track(o.Store.SubscribeUpdates(r.updates))
	r.scope.Track(o.Store.SubscribeBlocks(r.blocks))
	r.scope.Track(o.Store.SubscribeWarnings(r.warns))

	return r
}

// Start begins consuming notifications.
func (r *Relay) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop unsubscribes from the store and waits for the relay loop to exit.
func (r *Relay) Stop() {
	r.scope.Close()
	close(r.quit)
	r.wg.Wait()
}

func (r *Relay) run() {
	defer r.wg.Done()

	for {
		select {
		case snap := <-r.updates:
			r.logg.Debug("store updated", "subscriptions", len(snap))
			r.publish(ev.Event{Kind: ev.KindUpdate, State: snap})
		case update := <-r.blocks:
			r.unreachable.Store(false)
			r.logg.Info("block cycle complete", "block", update.Number, "subscriptions", len(update.Snapshot))
			r.publish(ev.Event{Kind: ev.KindBlock, Block: update.Number, State: update.Snapshot})
		case err := <-r.warns:
			r.handleWarning(err)
		case <-r.quit:
			return
		}
	}
}

func (r *Relay) handleWarning(err error) {
	if jsonrpc.IsConnRefused(err) {
		r.logg.Error("can not reach the node, is it running? Check chain.rpc_endpoint or start a local node", "error", err)
		if r.onUnreachable != nil && r.unreachable.CompareAndSwap(false, true) {
			// Run outside the loop so a blocked store cannot deadlock against the callback.
			go func() {
				if !r.onUnreachable() {
					r.unreachable.Store(false)
				}
			}()
		}
		return
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && strings.Contains(string(rpcErr.Data)+rpcErr.Message, noPeersHint) {
		r.logg.Warn("node reports no peers, it may still be starting up", "error", err)
		return
	}

	r.logg.Warn("store warning", "error", err)
}

func (r *Relay) publish(e ev.Event) {
	if r.pub == nil {
		return
	}
	e.Timestamp = r.now().Unix()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := r.pub.Send(ctx, e); err != nil {
		r.logg.Error("failed to publish store event", "kind", e.Kind, "block", e.Block, "error", err)
	}
}
