// Package provider implements the node provider used by the query library on top of the
// go-ethereum RPC client, which speaks JSON-RPC over HTTP or WebSocket.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/grassrootseconomics/eth-store/pkg/jsonrpc"
)

const (
	// defaultRPCClientTimeout is the default HTTP client timeout for RPC requests.
	defaultRPCClientTimeout = 10 * time.Second
)

type (
	// RPCProviderOpts contains configuration options for creating a new RPCProvider.
	RPCProviderOpts struct {
		RPCEndpoint string        // RPC endpoint URL (http(s) or ws(s))
		Timeout     time.Duration // HTTP client timeout, defaults to 10s
		Logg        *slog.Logger  // Structured logger
	}

	// RPCProvider sends envelopes through a go-ethereum rpc.Client.
	// The client assigns its own wire ids, the envelope id is kept for tracing.
	RPCProvider struct {
		client *rpc.Client
		logg   *slog.Logger
	}
)

// NewRPCProvider dials the endpoint. The dial does not contact the node for HTTP endpoints,
// connection failures surface on the first call.
func NewRPCProvider(o RPCProviderOpts) (*RPCProvider, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultRPCClientTimeout
	}
	httpClient := &http.Client{
		Timeout: timeout,
	}

	client, err := rpc.DialOptions(context.Background(), o.RPCEndpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	return NewFromClient(client, o.Logg), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *rpc.Client, logg *slog.Logger) *RPCProvider {
	return &RPCProvider{
		client: client,
		logg:   logg,
	}
}

// SendPromise implements jsonrpc.PromiseProvider. Protocol level errors are returned as the
// response's error member, everything else as a plain error.
func (p *RPCProvider) SendPromise(ctx context.Context, env *jsonrpc.Envelope) (*jsonrpc.Response, error) {
	var result json.RawMessage
	err := p.client.CallContext(ctx, &result, env.Method, env.Params...)
	if err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return &jsonrpc.Response{
				ID:      env.ID,
				JSONRPC: env.JSONRPC,
				Error:   errorObject(rpcErr),
			}, nil
		}
		p.logg.Debug("rpc call failed", "id", env.ID, "method", env.Method, "error", err)
		return nil, err
	}

	if result == nil {
		result = json.RawMessage("null")
	}
	return &jsonrpc.Response{
		ID:      env.ID,
		JSONRPC: env.JSONRPC,
		Result:  result,
	}, nil
}

// Client returns the underlying client so other components can share the connection.
func (p *RPCProvider) Client() *rpc.Client {
	return p.client
}

// Close closes the underlying client.
func (p *RPCProvider) Close() {
	p.client.Close()
}

func errorObject(err rpc.Error) *jsonrpc.ErrorObject {
	obj := &jsonrpc.ErrorObject{
		Code:    err.ErrorCode(),
		Message: err.Error(),
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		if data, mErr := json.Marshal(dataErr.ErrorData()); mErr == nil {
			obj.Data = data
		}
	}

	return obj
}
