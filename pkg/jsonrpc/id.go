package jsonrpc

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// maxIDsPerTick is the number of identifiers that can be handed out within one millisecond.
	maxIDsPerTick = 1000
)

// ErrIDOverflow is returned when more than maxIDsPerTick identifiers are requested within
// the same millisecond. It signals a caller-rate violation and is never retried internally.
var ErrIDOverflow = errors.New("jsonrpc: too many requests per millisecond, only 1000 requests per ms supported")

var defaultIDGenerator = NewIDGenerator(nil)

// IDGenerator hands out request identifiers built from the current unix millisecond
// followed by a zero padded 3 digit sequence number, e.g. "1700000000000007".
// It is safe for concurrent use.
type IDGenerator struct {
	mu     sync.Mutex
	now    func() time.Time
	lastMs int64
	seq    int
}

// NewIDGenerator creates an IDGenerator reading time from clock. A nil clock uses time.Now.
func NewIDGenerator(clock func() time.Time) *IDGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &IDGenerator{
		now:    clock,
		lastMs: -1,
	}
}

// Next returns a fresh identifier or ErrIDOverflow if the current tick is exhausted.
func (g *IDGenerator) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms != g.lastMs {
		g.lastMs = ms
		g.seq = 0
	} else {
		if g.seq+1 >= maxIDsPerTick {
			return "", ErrIDOverflow
		}
		g.seq++
	}

	return fmt.Sprintf("%d%03d", ms, g.seq), nil
}
