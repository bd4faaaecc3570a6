// Package store keeps a set of named JSON-RPC queries and their most recent results in
// sync with the chain. Every new block re-issues all registered queries concurrently and
// publishes the reconciled state to listeners.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/grassrootseconomics/eth-store/internal/pool"
	"github.com/grassrootseconomics/eth-store/pkg/jsonrpc"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// blockChanSize is the buffer of the channel receiving headers from the block source
	blockChanSize = 16
	// errChanSize is the buffer of the channel receiving errors from the block source
	errChanSize = 16
)

var (
	refreshTotal         = metrics.NewCounter(`ethstore_refresh_total`)
	refreshFailuresTotal = metrics.NewCounter(`ethstore_refresh_failures_total`)
	discardedWritesTotal = metrics.NewCounter(`ethstore_refresh_discarded_total`)
	blockCyclesTotal     = metrics.NewCounter(`ethstore_block_cycles_total`)
	coalescedBlocksTotal = metrics.NewCounter(`ethstore_coalesced_blocks_total`)
	blockCycleDuration   = metrics.NewHistogram(`ethstore_block_cycle_duration_seconds`)
)

type (
	// BlockSource delivers new block headers and errors of the block watching mechanism.
	BlockSource interface {
		SubscribeNewBlocks(chan<- *types.Header) event.Subscription
		SubscribeErrors(chan<- error) event.Subscription
	}

	// Requester sends one JSON-RPC request and returns its raw result.
	Requester interface {
		Send(context.Context, jsonrpc.Request) (json.RawMessage, error)
	}

	// StoreOpts contains configuration options for creating a new Store.
	StoreOpts struct {
		Blocks BlockSource  // Source of new block notifications
		Query  Requester    // Request path used for refreshes
		Pool   *pool.Pool   // Worker pool running the refreshes
		Logg   *slog.Logger // Structured logger
	}

	// Snapshot maps subscription keys to their last fetched result.
	// A nil value means the key is registered but has no result yet.
	Snapshot map[string]json.RawMessage

	// BlockUpdate is published once per completed block cycle.
	BlockUpdate struct {
		Number   string   // Hex encoded number of the block that triggered the cycle
		Snapshot Snapshot // State after every refresh of the cycle settled
	}

	// entry holds a subscription together with its state so both are added and
	// removed in a single map operation.
	entry struct {
		payload jsonrpc.Request
		value   json.RawMessage
		gen     uint64 // bumped on every registration, stale refreshes are discarded
	}

	// Store is the block triggered refresh coordinator.
	Store struct {
		entries *xsync.MapOf[string, entry]
		query   Requester
		pool    *pool.Pool
		logg    *slog.Logger

		gen          atomic.Uint64
		currentBlock atomic.Pointer[string]

		updateFeed event.FeedOf[Snapshot]
		blockFeed  event.FeedOf[BlockUpdate]
		warnFeed   event.FeedOf[error]

		cycleMu      sync.Mutex
		cycleRunning bool
		cyclePending bool

		blockSub  event.Subscription
		errSub    event.Subscription
		closed    atomic.Bool
		closeOnce sync.Once
		quit      chan struct{}
		wg        sync.WaitGroup
	}
)

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = cloneRaw(v)
	}
	return out
}

// New creates a Store and attaches it to the block source.
func New(o StoreOpts) *Store {
	s := &Store{
		entries: xsync.NewMapOf[string, entry](),
		query:   o.Query,
		pool:    o.Pool,
		logg:    o.Logg,
		quit:    make(chan struct{}),
	}

	blockCh := make(chan *types.Header, blockChanSize)
	errCh := make(chan error, errChanSize)
	s.blockSub = o.Blocks.SubscribeNewBlocks(blockCh)
	s.errSub = o.Blocks.SubscribeErrors(errCh)

	s.wg.Add(1)
	go s.run(blockCh, errCh)

	return s
}

// Close detaches the store from its block source. No block cycle starts afterwards and a
// cycle still in flight completes without publishing.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.blockSub.Unsubscribe()
		s.errSub.Unsubscribe()
		close(s.quit)
		s.wg.Wait()
		s.logg.Debug("store detached from block source")
	})
}

// SubscribeUpdates delivers a snapshot after every Register and Deregister.
// Delivery is synchronous: the channel must be drained or have enough buffer space.
func (s *Store) SubscribeUpdates(ch chan<- Snapshot) event.Subscription {
	return s.updateFeed.Subscribe(ch)
}

// SubscribeBlocks delivers one update per completed block cycle.
// Delivery is synchronous: the channel must be drained or have enough buffer space.
func (s *Store) SubscribeBlocks(ch chan<- BlockUpdate) event.Subscription {
	return s.blockFeed.Subscribe(ch)
}

// SubscribeWarnings delivers recoverable failures: refresh errors and block source errors.
// Delivery is synchronous: the channel must be drained or have enough buffer space.
func (s *Store) SubscribeWarnings(ch chan<- error) event.Subscription {
	return s.warnFeed.Subscribe(ch)
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	snap := make(Snapshot, s.entries.Size())
	s.entries.Range(func(key string, e entry) bool {
		snap[key] = cloneRaw(e.value)
		return true
	})
	return snap
}

// Value returns a copy of the last result fetched for key. ok is false if the key is not
// registered or has no result yet.
func (s *Store) Value(key string) (json.RawMessage, bool) {
	e, ok := s.entries.Load(key)
	if !ok || e.value == nil {
		return nil, false
	}
	return cloneRaw(e.value), true
}

// Subscriptions returns a copy of every registered request keyed by subscription key.
func (s *Store) Subscriptions() map[string]jsonrpc.Request {
	subs := make(map[string]jsonrpc.Request, s.entries.Size())
	s.entries.Range(func(key string, e entry) bool {
		subs[key] = e.payload.Clone()
		return true
	})
	return subs
}

// Len returns the number of registered subscriptions.
func (s *Store) Len() int {
	return s.entries.Size()
}

// CurrentBlock returns the hex encoded number of the last block seen, or "" before the first one.
func (s *Store) CurrentBlock() string {
	if n := s.currentBlock.Load(); n != nil {
		return *n
	}
	return ""
}

// Register inserts or overwrites the subscription for key and resets its value. The update
// notification is published before Register returns; the initial fetch runs in the
// background and reports failures as warnings.
func (s *Store) Register(key string, payload jsonrpc.Request) {
	e := entry{
		payload: payload.Clone(),
		gen:     s.gen.Add(1),
	}
	s.entries.Store(key, e)
	s.logg.Debug("registered subscription", "key", key, "method", payload.Method)

	s.updateFeed.Send(s.Snapshot())

	if payload.IsZero() || s.closed.Load() {
		return
	}
	s.pool.Go(func() {
		s.refresh(context.Background(), key, e)
	})
}

// Deregister removes the subscription for key together with its value.
func (s *Store) Deregister(key string) {
	s.entries.Delete(key)
	s.logg.Debug("deregistered subscription", "key", key)

	s.updateFeed.Send(s.Snapshot())
}

func (s *Store) run(blockCh <-chan *types.Header, errCh <-chan error) {
	defer s.wg.Done()

	for {
		select {
		case header := <-blockCh:
			s.onBlock(header)
		case err := <-errCh:
			s.warn(err)
		case <-s.quit:
			return
		}
	}
}

// onBlock records the block and starts a cycle, or marks one as pending if a cycle is
// already running. Pending blocks collapse into a single follow-up cycle.
func (s *Store) onBlock(header *types.Header) {
	if header == nil || header.Number == nil {
		return
	}
	number := hexutil.EncodeBig(header.Number)
	s.currentBlock.Store(&number)

	s.cycleMu.Lock()
	if s.cycleRunning {
		s.cyclePending = true
		s.cycleMu.Unlock()
		coalescedBlocksTotal.Inc()
		s.logg.Debug("block cycle in flight, coalescing", "block", number)
		return
	}
	s.cycleRunning = true
	s.cycleMu.Unlock()

	go s.runCycles()
}

func (s *Store) runCycles() {
	for {
		s.updateForBlock()

		s.cycleMu.Lock()
		if !s.cyclePending || s.closed.Load() {
			s.cycleRunning = false
			s.cycleMu.Unlock()
			return
		}
		s.cyclePending = false
		s.cycleMu.Unlock()
	}
}

// updateForBlock refreshes every subscription with a non-empty payload, waits for all of
// them to settle and publishes the resulting state.
func (s *Store) updateForBlock() {
	if s.closed.Load() {
		return
	}
	start := time.Now()
	number := s.CurrentBlock()

	type job struct {
		key string
		e   entry
	}
	var jobs []job
	s.entries.Range(func(key string, e entry) bool {
		if !e.payload.IsZero() {
			jobs = append(jobs, job{key: key, e: e})
		}
		return true
	})

	group := s.pool.NewGroup()
	for _, j := range jobs {
		group.Go(func() {
			s.refresh(context.Background(), j.key, j.e)
		})
	}
	group.Wait()

	blockCyclesTotal.Inc()
	blockCycleDuration.UpdateDuration(start)
	s.logg.Debug("block cycle complete", "block", number, "subscriptions", len(jobs), "took", time.Since(start))

	if s.closed.Load() {
		return
	}
	s.blockFeed.Send(BlockUpdate{
		Number:   number,
		Snapshot: s.Snapshot(),
	})
}

// refresh sends the payload of e and stores the result if the subscription was neither
// removed nor re-registered in the meantime. On failure the previous value is kept.
func (s *Store) refresh(ctx context.Context, key string, e entry) {
	refreshTotal.Inc()

	result, err := s.query.Send(ctx, e.payload)
	if err != nil {
		refreshFailuresTotal.Inc()
		s.warn(fmt.Errorf("refresh of %q failed: %w", key, err))
		return
	}

	written := false
	s.entries.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		if old.gen != e.gen {
			return old, false
		}
		old.value = cloneRaw(result)
		written = true
		return old, false
	})

	if !written {
		discardedWritesTotal.Inc()
		s.logg.Debug("discarded stale refresh result", "key", key)
	}
}

func (s *Store) warn(err error) {
	s.logg.Debug("store warning", "error", err)
	s.warnFeed.Send(err)
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return append(json.RawMessage(nil), v...)
}
