package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedProvider is returned by NewTransport when the provider implements
// neither of the supported calling conventions.
var ErrUnsupportedProvider = errors.New("jsonrpc: provider implements neither SendPromise nor SendAsync")

type (
	// Transport sends one envelope and returns the extracted result.
	// Errors are either *TransportError or *RPCError.
	Transport interface {
		Send(context.Context, *Envelope) (json.RawMessage, error)
	}

	// PromiseProvider returns the response of a call directly.
	PromiseProvider interface {
		SendPromise(context.Context, *Envelope) (*Response, error)
	}

	// CallbackProvider reports the response of a call through a callback which may be
	// invoked from any goroutine, exactly once.
	CallbackProvider interface {
		SendAsync(*Envelope, func(*Response, error))
	}

	promiseTransport struct {
		provider PromiseProvider
	}

	callbackTransport struct {
		provider CallbackProvider
	}

	callbackResult struct {
		resp *Response
		err  error
	}
)

// NewTransport picks the adapter matching the provider's calling convention,
// preferring SendPromise when both are implemented.
func NewTransport(provider any) (Transport, error) {
	switch p := provider.(type) {
	case PromiseProvider:
		return FromPromise(p), nil
	case CallbackProvider:
		return FromCallback(p), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedProvider, provider)
	}
}

// FromPromise adapts a PromiseProvider.
func FromPromise(p PromiseProvider) Transport {
	return &promiseTransport{provider: p}
}

// FromCallback adapts a CallbackProvider.
func FromCallback(p CallbackProvider) Transport {
	return &callbackTransport{provider: p}
}

func (t *promiseTransport) Send(ctx context.Context, env *Envelope) (json.RawMessage, error) {
	resp, err := t.provider.SendPromise(ctx, env)
	return extractResult(env, resp, err)
}

func (t *callbackTransport) Send(ctx context.Context, env *Envelope) (json.RawMessage, error) {
	// Buffered so a late callback never blocks the provider after ctx is done.
	done := make(chan callbackResult, 1)
	t.provider.SendAsync(env, func(resp *Response, err error) {
		done <- callbackResult{resp: resp, err: err}
	})

	select {
	case r := <-done:
		return extractResult(env, r.resp, r.err)
	case <-ctx.Done():
		return nil, &TransportError{ID: env.ID, Method: env.Method, Err: ctx.Err()}
	}
}

func extractResult(env *Envelope, resp *Response, err error) (json.RawMessage, error) {
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, &TransportError{ID: env.ID, Method: env.Method, Err: err}
	}
	if resp == nil {
		return nil, &TransportError{ID: env.ID, Method: env.Method, Err: errors.New("empty response")}
	}
	if resp.Error != nil {
		return nil, newRPCError(resp.Error)
	}

	return resp.Result, nil
}
