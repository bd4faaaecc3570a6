package stats

import (
	"context"
	"log/slog"
	"testing"

	"github.com/grassrootseconomics/eth-store/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct{}

func (fakeState) CurrentBlock() string { return "0x5" }
func (fakeState) Len() int             { return 3 }

func TestAPIStatsResponse(t *testing.T) {
	logg := slog.New(slog.DiscardHandler)
	p := pool.New(pool.PoolOpts{Logg: logg, WorkerCount: 1})
	defer p.Stop()

	s := New(StatsOpts{Store: fakeState{}, Logg: logg, Pool: p})

	resp, err := s.APIStatsResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0x5", resp["currentBlock"])
	assert.Equal(t, 3, resp["subscriptions"])
	assert.Equal(t, uint64(0), resp["poolQueueSize"])

	done := make(chan struct{})
	go func() {
		s.StartStatsPrinter()
		close(done)
	}()
	s.Stop()
	<-done
}
