package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/grassrootseconomics/ethutils"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
)

const (
	// defaultRPCClientTimeout is the default HTTP client timeout for RPC requests.
	defaultRPCClientTimeout = 10 * time.Second
)

type (
	// EthRPCOpts contains configuration options for creating a new EthRPC client.
	EthRPCOpts struct {
		RPCEndpoint string      // RPC endpoint URL (HTTP)
		ChainID     int64       // Chain ID of the node
		Client      *rpc.Client // Optional, an already dialed client for RPCEndpoint
	}

	// EthRPC implements the Chain interface using w3 batched RPC calls.
	EthRPC struct {
		provider *ethutils.Provider
	}
)

// NewRPCFetcher creates a new Chain implementation using HTTP RPC.
// A client passed in the options is shared rather than dialing the endpoint again.
func NewRPCFetcher(o EthRPCOpts) (Chain, error) {
	var customRPCClient *w3.Client
	if o.Client != nil {
		customRPCClient = w3.NewClient(o.Client)
	} else {
		c, err := newRPCClient(o.RPCEndpoint)
		if err != nil {
			return nil, err
		}
		customRPCClient = c
	}

	chainProvider := ethutils.NewProvider(
		o.RPCEndpoint,
		o.ChainID,
		ethutils.WithClient(customRPCClient),
	)

	return &EthRPC{
		provider: chainProvider,
	}, nil
}

// newRPCClient creates a new w3 RPC client with a low timeout HTTP client.
func newRPCClient(rpcEndpoint string) (*w3.Client, error) {
	httpClient := &http.Client{
		Timeout: defaultRPCClientTimeout,
	}

	rpcClient, err := rpc.DialOptions(context.Background(), rpcEndpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	return w3.NewClient(rpcClient), nil
}

// GetLatestBlock returns the latest block number from the chain.
func (c *EthRPC) GetLatestBlock(ctx context.Context) (uint64, error) {
	var latestBlock *big.Int
	latestBlockCall := eth.BlockNumber().Returns(&latestBlock)

	if err := c.provider.Client.CallCtx(ctx, latestBlockCall); err != nil {
		return 0, err
	}

	return latestBlock.Uint64(), nil
}

// GetHeader fetches the header of a single block by its number, without its transactions.
func (c *EthRPC) GetHeader(ctx context.Context, blockNumber uint64) (*types.Header, error) {
	var header *types.Header
	headerCall := eth.HeaderByNumber(new(big.Int).SetUint64(blockNumber)).Returns(&header)

	if err := c.provider.Client.CallCtx(ctx, headerCall); err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("block %d not found", blockNumber)
	}

	return header, nil
}
