// Package stats provides statistics collection and reporting for the eth-store service.
package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/grassrootseconomics/eth-store/internal/pool"
)

const (
	// statsPrinterInterval is the interval at which statistics are logged
	statsPrinterInterval = 15 * time.Second
)

type (
	// StateSource exposes the store figures reported by Stats.
	StateSource interface {
		CurrentBlock() string
		Len() int
	}

	// StatsOpts contains configuration options for creating a new Stats instance.
	StatsOpts struct {
		Store StateSource  // Subscription store
		Logg  *slog.Logger // Structured logger
		Pool  *pool.Pool   // Worker pool for queue statistics
	}

	// Stats collects and reports service statistics.
	Stats struct {
		store  StateSource
		logg   *slog.Logger
		pool   *pool.Pool
		stopCh chan struct{}
	}
)

// New creates a new Stats instance.
func New(o StatsOpts) *Stats {
	return &Stats{
		store:  o.Store,
		logg:   o.Logg,
		pool:   o.Pool,
		stopCh: make(chan struct{}),
	}
}

// Stop stops the stats printer goroutine.
func (s *Stats) Stop() {
	close(s.stopCh)
	s.logg.Debug("stats stopped")
}

// APIStatsResponse returns current statistics as a map for API responses.
func (s *Stats) APIStatsResponse(_ context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{
		"currentBlock":      s.store.CurrentBlock(),
		"subscriptions":     s.store.Len(),
		"poolQueueSize":     s.pool.Size(),
		"poolActiveWorkers": s.pool.ActiveWorkers(),
	}, nil
}

// StartStatsPrinter periodically logs statistics until Stop is called.
func (s *Stats) StartStatsPrinter() {
	ticker := time.NewTicker(statsPrinterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logg.Debug("stats printer shutting down")
			return
		case <-ticker.C:
			s.logg.Info("service statistics",
				"current_block", s.store.CurrentBlock(),
				"subscriptions", s.store.Len(),
				"pool_queue_size", s.pool.Size(),
				"pool_active_workers", s.pool.ActiveWorkers(),
			)
		}
	}
}
