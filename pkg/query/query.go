// Package query provides named constructors for common Ethereum JSON-RPC calls. Each call
// is formatted into an envelope and round-tripped through a jsonrpc.Transport.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/grassrootseconomics/eth-store/pkg/jsonrpc"
	"golang.org/x/sync/errgroup"
)

// Latest refers to the most recent block known to the node.
const Latest BlockRef = "latest"

type (
	// BlockRef is a block parameter: either a tag such as "latest" or a 0x prefixed number.
	BlockRef string

	// QueryOpts contains configuration options for creating a new Query.
	QueryOpts struct {
		Transport jsonrpc.Transport  // Transport used for every call
		Formatter *jsonrpc.Formatter // Optional, defaults to the package level id generator
		Logg      *slog.Logger       // Optional structured logger for request tracing
	}

	// Query issues JSON-RPC calls against a node.
	Query struct {
		transport jsonrpc.Transport
		formatter *jsonrpc.Formatter
		logg      *slog.Logger
	}

	// Account bundles the balance, nonce and code of an address at one block.
	Account struct {
		Balance *big.Int
		Nonce   uint64
		Code    []byte
	}
)

// NumberRef encodes a block number as a hex quantity.
func NumberRef(n uint64) BlockRef {
	return BlockRef(hexutil.EncodeUint64(n))
}

// New creates a new Query.
func New(o QueryOpts) *Query {
	formatter := o.Formatter
	if formatter == nil {
		formatter = jsonrpc.NewFormatter(nil)
	}
	logg := o.Logg
	if logg == nil {
		logg = slog.New(slog.DiscardHandler)
	}

	return &Query{
		transport: o.Transport,
		formatter: formatter,
		logg:      logg,
	}
}

// Send formats r and sends it, returning the raw result.
func (q *Query) Send(ctx context.Context, r jsonrpc.Request) (json.RawMessage, error) {
	env, err := q.formatter.Format(r)
	if err != nil {
		return nil, err
	}

	q.logg.Debug("rpc request", "id", env.ID, "method", env.Method, "params", env.Params)
	result, err := q.transport.Send(ctx, env)
	if err != nil {
		q.logg.Debug("rpc error", "id", env.ID, "method", env.Method, "error", err)
		return nil, err
	}
	q.logg.Debug("rpc response", "id", env.ID, "method", env.Method, "bytes", len(result))

	return result, nil
}

// call sends a request and decodes the result into out.
func (q *Query) call(ctx context.Context, out any, method string, params ...any) error {
	result, err := q.Send(ctx, jsonrpc.Request{Method: method, Params: params})
	if err != nil {
		return err
	}
	if isNull(result) {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}

	return nil
}

// GetBalance returns the wei balance of address at block.
func (q *Query) GetBalance(ctx context.Context, address common.Address, block BlockRef) (*big.Int, error) {
	var balance hexutil.Big
	if err := q.call(ctx, &balance, "eth_getBalance", address, block); err != nil {
		return nil, err
	}
	return balance.ToInt(), nil
}

// GetNonce returns the transaction count of address at block.
func (q *Query) GetNonce(ctx context.Context, address common.Address, block BlockRef) (uint64, error) {
	var nonce hexutil.Uint64
	if err := q.call(ctx, &nonce, "eth_getTransactionCount", address, block); err != nil {
		return 0, err
	}
	return uint64(nonce), nil
}

// GetCode returns the contract code deployed at address at block.
func (q *Query) GetCode(ctx context.Context, address common.Address, block BlockRef) ([]byte, error) {
	var code hexutil.Bytes
	if err := q.call(ctx, &code, "eth_getCode", address, block); err != nil {
		return nil, err
	}
	return code, nil
}

// GetAccount fetches balance, nonce and code of address concurrently.
func (q *Query) GetAccount(ctx context.Context, address common.Address, block BlockRef) (*Account, error) {
	var account Account
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		account.Balance, err = q.GetBalance(gctx, address, block)
		return err
	})
	g.Go(func() (err error) {
		account.Nonce, err = q.GetNonce(gctx, address, block)
		return err
	})
	g.Go(func() (err error) {
		account.Code, err = q.GetCode(gctx, address, block)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetBlockByNumber returns the block with full transaction objects, or nil if unknown.
func (q *Query) GetBlockByNumber(ctx context.Context, block BlockRef) (*Block, error) {
	return q.getBlock(ctx, "eth_getBlockByNumber", block)
}

// GetBlockByHash returns the block with full transaction objects, or nil if unknown.
func (q *Query) GetBlockByHash(ctx context.Context, hash common.Hash) (*Block, error) {
	return q.getBlock(ctx, "eth_getBlockByHash", hash)
}

func (q *Query) getBlock(ctx context.Context, method string, ref any) (*Block, error) {
	var block *Block
	if err := q.call(ctx, &block, method, ref, true); err != nil {
		return nil, err
	}
	return block, nil
}

// GetBlockByNumberWithUncles returns the block with every uncle hash replaced by the uncle header.
func (q *Query) GetBlockByNumberWithUncles(ctx context.Context, block BlockRef) (*Block, error) {
	b, err := q.GetBlockByNumber(ctx, block)
	if err != nil || b == nil {
		return nil, err
	}
	return b, q.expandUncles(ctx, b)
}

// GetBlockByHashWithUncles returns the block with every uncle hash replaced by the uncle header.
func (q *Query) GetBlockByHashWithUncles(ctx context.Context, hash common.Hash) (*Block, error) {
	b, err := q.GetBlockByHash(ctx, hash)
	if err != nil || b == nil {
		return nil, err
	}
	return b, q.expandUncles(ctx, b)
}

// expandUncles fetches one uncle per index concurrently and stores them in index order.
func (q *Query) expandUncles(ctx context.Context, b *Block) error {
	if len(b.Uncles) > 0 && !b.HasHash() {
		return errors.New("block without hash lists uncles, they can not be fetched by hash")
	}
	uncles := make([]json.RawMessage, len(b.Uncles))
	g, gctx := errgroup.WithContext(ctx)

	for i := range uncles {
		g.Go(func() error {
			uncle, err := q.GetUncleByBlockHashAndIndex(gctx, b.Hash, uint64(i))
			if err != nil {
				return fmt.Errorf("failed to fetch uncle %d of block %s: %w", i, b.Hash.Hex(), err)
			}
			uncles[i] = uncle
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	b.Uncles = uncles

	return nil
}

// GetUncleByBlockHashAndIndex returns the raw uncle header at index of the given block.
func (q *Query) GetUncleByBlockHashAndIndex(ctx context.Context, hash common.Hash, index uint64) (json.RawMessage, error) {
	return q.Send(ctx, jsonrpc.Request{
		Method: "eth_getUncleByBlockHashAndIndex",
		Params: []any{hash, hexutil.EncodeUint64(index)},
	})
}

// GetUncleCountByBlockHash returns the number of uncles of the given block.
func (q *Query) GetUncleCountByBlockHash(ctx context.Context, hash common.Hash) (uint64, error) {
	var count hexutil.Uint64
	if err := q.call(ctx, &count, "eth_getUncleCountByBlockHash", hash); err != nil {
		return 0, err
	}
	return uint64(count), nil
}

// GetTransaction returns the raw transaction object for hash, nil if unknown.
func (q *Query) GetTransaction(ctx context.Context, hash common.Hash) (json.RawMessage, error) {
	result, err := q.Send(ctx, jsonrpc.Request{
		Method: "eth_getTransactionByHash",
		Params: []any{hash},
	})
	if err != nil || isNull(result) {
		return nil, err
	}
	return result, nil
}

// GetLatestBlock returns the most recent block.
func (q *Query) GetLatestBlock(ctx context.Context) (*Block, error) {
	return q.GetBlockByNumber(ctx, Latest)
}

// GetLatestBlockNumber returns the number of the most recent block.
func (q *Query) GetLatestBlockNumber(ctx context.Context) (*big.Int, error) {
	b, err := q.GetLatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	if b == nil || b.Number == nil {
		return nil, fmt.Errorf("node returned no latest block")
	}
	return b.Number.ToInt(), nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
