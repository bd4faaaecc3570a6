// Package jsonrpc builds JSON-RPC 2.0 request envelopes and normalizes the different
// provider calling conventions behind a single Transport.
package jsonrpc

import "encoding/json"

// Version is the protocol tag placed on every envelope unless the request overrides it.
const Version = "2.0"

type (
	// Request is a caller supplied call description. Identifiers are never taken from
	// the caller, they are always generated when the request is formatted.
	Request struct {
		Method  string `json:"method"`
		Params  []any  `json:"params,omitempty"`
		JSONRPC string `json:"jsonrpc,omitempty"` // Optional protocol tag override
	}

	// Envelope is a fully formed request ready for transport.
	Envelope struct {
		ID      string `json:"id"`
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  []any  `json:"params"`
	}

	// Formatter turns requests into envelopes using its IDGenerator.
	Formatter struct {
		ids *IDGenerator
	}
)

// IsZero reports whether the request carries no method, i.e. there is nothing to send.
func (r Request) IsZero() bool {
	return r.Method == ""
}

// Clone returns a copy of the request whose params slice is not shared.
func (r Request) Clone() Request {
	if r.Params != nil {
		r.Params = append([]any(nil), r.Params...)
	}
	return r
}

// NewFormatter creates a Formatter. A nil generator falls back to the package default.
func NewFormatter(ids *IDGenerator) *Formatter {
	if ids == nil {
		ids = defaultIDGenerator
	}
	return &Formatter{
		ids: ids,
	}
}

// Format builds an envelope for r with a freshly generated id.
func (f *Formatter) Format(r Request) (*Envelope, error) {
	id, err := f.ids.Next()
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		ID:      id,
		JSONRPC: Version,
		Method:  r.Method,
		Params:  []any{},
	}
	if r.JSONRPC != "" {
		env.JSONRPC = r.JSONRPC
	}
	if r.Params != nil {
		env.Params = r.Clone().Params
	}

	return env, nil
}

// Format builds an envelope using the package level id generator.
func Format(r Request) (*Envelope, error) {
	return NewFormatter(nil).Format(r)
}

// Response is the decoded reply of a provider. Exactly one of Result or Error is set.
type Response struct {
	ID      string          `json:"id,omitempty"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the protocol level error member of a response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
