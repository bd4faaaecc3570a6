package jsonrpc

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

type (
	// TransportError wraps a network level failure (connection refused, timeout, ...)
	// reported by a provider while sending an envelope.
	TransportError struct {
		ID     string
		Method string
		Err    error
	}

	// RPCError is a well formed response that carried a protocol level error member.
	RPCError struct {
		Code    int
		Message string
		Data    []byte // Raw JSON of the error data member, if any
	}
)

func (e *TransportError) Error() string {
	return fmt.Sprintf("jsonrpc transport failure for %s (id %s): %v", e.Method, e.ID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorCode returns the protocol error code.
func (e *RPCError) ErrorCode() int {
	return e.Code
}

func newRPCError(o *ErrorObject) *RPCError {
	return &RPCError{
		Code:    o.Code,
		Message: o.Message,
		Data:    o.Data,
	}
}

// IsConnRefused reports whether err is a TransportError caused by the node refusing
// the connection, which usually means no node is reachable at the configured endpoint.
func IsConnRefused(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) || te.Err == nil {
		return false
	}
	if errors.Is(te.Err, syscall.ECONNREFUSED) {
		return true
	}

	msg := te.Err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "ECONNREFUSED")
}
