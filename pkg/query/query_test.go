package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grassrootseconomics/eth-store/pkg/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBlockHash = "0x88e96d4537bea4d9c05d12549907b32561d3bf31f45aae734cdc119f13406cb6"
	testUncleA    = "0x1111111111111111111111111111111111111111111111111111111111111111"
	testUncleB    = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

var testAddress = common.HexToAddress("0x86ccA572d34400ce20e7a44Fb970496ABA221253")

type recordedCall struct {
	method string
	params string
}

// fakeTransport answers calls from a handler and records every envelope it saw.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []recordedCall
	handler func(method string, params []any) (any, error)
}

func (f *fakeTransport) Send(_ context.Context, env *jsonrpc.Envelope) (json.RawMessage, error) {
	params, err := json.Marshal(env.Params)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: env.Method, params: string(params)})
	f.mu.Unlock()

	result, err := f.handler(env.Method, env.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (f *fakeTransport) callsFor(method string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []recordedCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func TestNumberRef(t *testing.T) {
	assert.Equal(t, BlockRef("0x5"), NumberRef(5))
	assert.Equal(t, BlockRef("0x0"), NumberRef(0))
	assert.Equal(t, BlockRef("latest"), Latest)
}

func TestGetBalance(t *testing.T) {
	tr := &fakeTransport{handler: func(string, []any) (any, error) {
		return "0xde0b6b3a7640000", nil
	}}
	q := New(QueryOpts{Transport: tr})

	balance, err := q.GetBalance(context.Background(), testAddress, Latest)
	require.NoError(t, err)
	assert.Equal(t, 0, balance.Cmp(big.NewInt(1_000_000_000_000_000_000)))

	calls := tr.callsFor("eth_getBalance")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `["0x86cca572d34400ce20e7a44fb970496aba221253","latest"]`, calls[0].params)
}

func TestGetNonceAndCode_NumericBlock(t *testing.T) {
	tr := &fakeTransport{handler: func(method string, _ []any) (any, error) {
		switch method {
		case "eth_getTransactionCount":
			return "0x1a", nil
		case "eth_getCode":
			return "0x6080", nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}}
	q := New(QueryOpts{Transport: tr})

	nonce, err := q.GetNonce(context.Background(), testAddress, NumberRef(255))
	require.NoError(t, err)
	assert.Equal(t, uint64(26), nonce)

	code, err := q.GetCode(context.Background(), testAddress, NumberRef(255))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80}, code)

	calls := tr.callsFor("eth_getCode")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `["0x86cca572d34400ce20e7a44fb970496aba221253","0xff"]`, calls[0].params)
}

func TestGetAccount(t *testing.T) {
	tr := &fakeTransport{handler: func(method string, _ []any) (any, error) {
		switch method {
		case "eth_getBalance":
			return "0x10", nil
		case "eth_getTransactionCount":
			return "0x2", nil
		case "eth_getCode":
			return "0x", nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}}
	q := New(QueryOpts{Transport: tr})

	account, err := q.GetAccount(context.Background(), testAddress, Latest)
	require.NoError(t, err)
	assert.Equal(t, int64(16), account.Balance.Int64())
	assert.Equal(t, uint64(2), account.Nonce)
	assert.Empty(t, account.Code)
}

func TestGetAccount_Failure(t *testing.T) {
	boom := errors.New("boom")
	tr := &fakeTransport{handler: func(method string, _ []any) (any, error) {
		switch method {
		case "eth_getTransactionCount":
			return nil, boom
		case "eth_getCode":
			return "0x", nil
		}
		return "0x0", nil
	}}
	q := New(QueryOpts{Transport: tr})

	_, err := q.GetAccount(context.Background(), testAddress, Latest)
	assert.ErrorIs(t, err, boom)
}

func TestGetBlockByNumberWithUncles(t *testing.T) {
	tr := &fakeTransport{handler: func(method string, params []any) (any, error) {
		switch method {
		case "eth_getBlockByNumber":
			return map[string]any{
				"hash":       testBlockHash,
				"number":     "0x5",
				"miner":      "0x0000000000000000000000000000000000000000",
				"uncles":     []string{testUncleA, testUncleB},
				"difficulty": "0x1",
			}, nil
		case "eth_getUncleByBlockHashAndIndex":
			return map[string]any{"index": params[1]}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}}
	q := New(QueryOpts{Transport: tr})

	block, err := q.GetBlockByNumberWithUncles(context.Background(), NumberRef(5))
	require.NoError(t, err)
	require.NotNil(t, block)

	calls := tr.callsFor("eth_getBlockByNumber")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `["0x5",true]`, calls[0].params)

	uncleCalls := tr.callsFor("eth_getUncleByBlockHashAndIndex")
	require.Len(t, uncleCalls, 2)
	gotParams := []string{uncleCalls[0].params, uncleCalls[1].params}
	assert.ElementsMatch(t, []string{
		fmt.Sprintf(`[%q,"0x0"]`, testBlockHash),
		fmt.Sprintf(`[%q,"0x1"]`, testBlockHash),
	}, gotParams)

	require.Len(t, block.Uncles, 2)
	assert.JSONEq(t, `{"index":"0x0"}`, string(block.Uncles[0]))
	assert.JSONEq(t, `{"index":"0x1"}`, string(block.Uncles[1]))
	assert.Equal(t, int64(5), block.Number.ToInt().Int64())

	miner, ok := block.Field("miner")
	require.True(t, ok)
	assert.JSONEq(t, `"0x0000000000000000000000000000000000000000"`, string(miner))

	out, err := json.Marshal(block)
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{
		"hash": %q,
		"number": "0x5",
		"miner": "0x0000000000000000000000000000000000000000",
		"difficulty": "0x1",
		"uncles": [{"index":"0x0"},{"index":"0x1"}]
	}`, testBlockHash), string(out))
}

func TestGetBlockByNumber_PendingBlock(t *testing.T) {
	tr := &fakeTransport{handler: func(method string, _ []any) (any, error) {
		if method == "eth_getBlockByNumber" {
			return map[string]any{"hash": nil, "number": nil, "miner": nil, "uncles": []string{}}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}}
	q := New(QueryOpts{Transport: tr})

	for _, get := range []func(context.Context, BlockRef) (*Block, error){q.GetBlockByNumber, q.GetBlockByNumberWithUncles} {
		block, err := get(context.Background(), "pending")
		require.NoError(t, err)
		require.NotNil(t, block)
		assert.False(t, block.HasHash())
		assert.Nil(t, block.Number)

		out, err := json.Marshal(block)
		require.NoError(t, err)
		assert.JSONEq(t, `{"hash":null,"number":null,"miner":null,"uncles":[]}`, string(out))
	}

	calls := tr.callsFor("eth_getBlockByNumber")
	require.Len(t, calls, 2)
	assert.JSONEq(t, `["pending",true]`, calls[0].params)
}

func TestGetBlockWithUncles_PendingBlockWithUncles(t *testing.T) {
	tr := &fakeTransport{handler: func(method string, _ []any) (any, error) {
		if method == "eth_getBlockByNumber" {
			return map[string]any{"hash": nil, "number": nil, "uncles": []string{testUncleA}}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}}
	q := New(QueryOpts{Transport: tr})

	_, err := q.GetBlockByNumberWithUncles(context.Background(), "pending")
	require.Error(t, err)
	assert.Empty(t, tr.callsFor("eth_getUncleByBlockHashAndIndex"))
}

func TestGetBlockByHashWithUncles_NoUncles(t *testing.T) {
	tr := &fakeTransport{handler: func(method string, _ []any) (any, error) {
		if method == "eth_getBlockByHash" {
			return map[string]any{"hash": testBlockHash, "number": "0x1", "uncles": []string{}}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}}
	q := New(QueryOpts{Transport: tr})

	block, err := q.GetBlockByHashWithUncles(context.Background(), common.HexToHash(testBlockHash))
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Empty(t, block.Uncles)
	assert.Empty(t, tr.callsFor("eth_getUncleByBlockHashAndIndex"))
}

func TestGetBlockWithUncles_UnknownBlock(t *testing.T) {
	tr := &fakeTransport{handler: func(string, []any) (any, error) {
		return nil, nil
	}}
	q := New(QueryOpts{Transport: tr})

	block, err := q.GetBlockByNumberWithUncles(context.Background(), Latest)
	require.NoError(t, err)
	assert.Nil(t, block)
	assert.Empty(t, tr.callsFor("eth_getUncleByBlockHashAndIndex"))
}

func TestGetBlockWithUncles_UncleFailure(t *testing.T) {
	tr := &fakeTransport{handler: func(method string, _ []any) (any, error) {
		if method == "eth_getBlockByNumber" {
			return map[string]any{"hash": testBlockHash, "uncles": []string{testUncleA}}, nil
		}
		return nil, &jsonrpc.RPCError{Code: -32000, Message: "unknown uncle"}
	}}
	q := New(QueryOpts{Transport: tr})

	_, err := q.GetBlockByNumberWithUncles(context.Background(), Latest)
	var rpcErr *jsonrpc.RPCError
	assert.ErrorAs(t, err, &rpcErr)
}

func TestGetTransactionAndUncleCount(t *testing.T) {
	txHash := common.HexToHash(testUncleA)
	tr := &fakeTransport{handler: func(method string, _ []any) (any, error) {
		switch method {
		case "eth_getTransactionByHash":
			return map[string]any{"hash": testUncleA, "nonce": "0x0"}, nil
		case "eth_getUncleCountByBlockHash":
			return "0x2", nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}}
	q := New(QueryOpts{Transport: tr})

	tx, err := q.GetTransaction(context.Background(), txHash)
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"hash":%q,"nonce":"0x0"}`, testUncleA), string(tx))

	count, err := q.GetUncleCountByBlockHash(context.Background(), common.HexToHash(testBlockHash))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestGetLatestBlockNumber(t *testing.T) {
	tr := &fakeTransport{handler: func(string, []any) (any, error) {
		return map[string]any{"hash": testBlockHash, "number": "0x10d4f"}, nil
	}}
	q := New(QueryOpts{Transport: tr})

	n, err := q.GetLatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0x10d4f), n.Int64())

	calls := tr.callsFor("eth_getBlockByNumber")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `["latest",true]`, calls[0].params)
}

func TestSend_Overflow(t *testing.T) {
	tr := &fakeTransport{handler: func(string, []any) (any, error) { return "0x1", nil }}
	q := New(QueryOpts{Transport: tr, Formatter: jsonrpc.NewFormatter(jsonrpc.NewIDGenerator(frozen))})

	for i := 0; i < 1000; i++ {
		_, err := q.Send(context.Background(), jsonrpc.Request{Method: "eth_blockNumber"})
		require.NoError(t, err)
	}

	_, err := q.Send(context.Background(), jsonrpc.Request{Method: "eth_blockNumber"})
	assert.ErrorIs(t, err, jsonrpc.ErrIDOverflow)
	assert.Len(t, tr.callsFor("eth_blockNumber"), 1000)
}

func frozen() time.Time {
	return time.UnixMilli(1700000000000)
}
