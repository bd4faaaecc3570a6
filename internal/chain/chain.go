// Package chain provides head lookups against the node. The watcher uses it to seed the
// store with the current head before the realtime subscription delivers new blocks.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"
)

// Chain defines the interface for reading the chain head.
type Chain interface {
	// GetLatestBlock returns the latest block number from the chain.
	GetLatestBlock(context.Context) (uint64, error)

	// GetHeader fetches the header of a single block by its number.
	GetHeader(context.Context, uint64) (*types.Header, error)
}
