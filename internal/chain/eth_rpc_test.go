package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcMessage struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

const zeroHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

func testHeader(number string) map[string]any {
	return map[string]any{
		"parentHash":       zeroHash,
		"sha3Uncles":       zeroHash,
		"miner":            "0x0000000000000000000000000000000000000000",
		"stateRoot":        zeroHash,
		"transactionsRoot": zeroHash,
		"receiptsRoot":     zeroHash,
		"logsBloom":        "0x" + strings.Repeat("00", 256),
		"difficulty":       "0x0",
		"number":           number,
		"gasLimit":         "0x1c9c380",
		"gasUsed":          "0x0",
		"timestamp":        "0x6553f100",
		"extraData":        "0x",
	}
}

// newNode starts a fake node that answers eth_blockNumber and eth_getBlockByNumber, accepting
// single and batch requests. Every request is recorded on the returned channel.
func newNode(t *testing.T, head string) (*httptest.Server, <-chan rpcMessage) {
	t.Helper()

	seen := make(chan rpcMessage, 16)
	answer := func(m rpcMessage) map[string]any {
		select {
		case seen <- m:
		default:
		}
		switch m.Method {
		case "eth_blockNumber":
			return map[string]any{"jsonrpc": "2.0", "id": m.ID, "result": head}
		case "eth_getBlockByNumber":
			var number string
			if len(m.Params) > 0 {
				_ = json.Unmarshal(m.Params[0], &number)
			}
			if number != head {
				return map[string]any{"jsonrpc": "2.0", "id": m.ID, "result": nil}
			}
			return map[string]any{"jsonrpc": "2.0", "id": m.ID, "result": testHeader(number)}
		}
		return map[string]any{"jsonrpc": "2.0", "id": m.ID, "error": map[string]any{"code": -32601, "message": "method not found"}}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
			var batch []rpcMessage
			if err := json.Unmarshal(body, &batch); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			out := make([]map[string]any, len(batch))
			for i, m := range batch {
				out[i] = answer(m)
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}

		var m rpcMessage
		if err := json.Unmarshal(body, &m); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(answer(m))
	}))
	t.Cleanup(srv.Close)

	return srv, seen
}

func TestGetLatestBlock(t *testing.T) {
	srv, _ := newNode(t, "0x10d4f")

	c, err := NewRPCFetcher(EthRPCOpts{RPCEndpoint: srv.URL, ChainID: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := c.GetLatestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10d4f), got)
}

func TestGetHeader_SharedClient(t *testing.T) {
	srv, seen := newNode(t, "0x10d4f")

	client, err := rpc.Dial(srv.URL)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	c, err := NewRPCFetcher(EthRPCOpts{RPCEndpoint: srv.URL, ChainID: 1, Client: client})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	header, err := c.GetHeader(ctx, 0x10d4f)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10d4f), header.Number.Uint64())

	var m rpcMessage
	for m = range seen {
		if m.Method == "eth_getBlockByNumber" {
			break
		}
	}
	assert.Equal(t, "eth_getBlockByNumber", m.Method)
	require.Len(t, m.Params, 2)
	assert.JSONEq(t, `false`, string(m.Params[1]), "header lookups must not request transactions")
}

func TestGetHeader_NotFound(t *testing.T) {
	srv, _ := newNode(t, "0x10d4f")

	c, err := NewRPCFetcher(EthRPCOpts{RPCEndpoint: srv.URL, ChainID: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = c.GetHeader(ctx, 1)
	assert.Error(t, err)
}
