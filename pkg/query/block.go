package query

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	hashField   = "hash"
	numberField = "number"
	unclesField = "uncles"
)

// Block is a block object as returned by the node. Hash, Number and Uncles are decoded,
// every other field is kept verbatim so the block marshals back to the node's shape.
// Uncles holds uncle hashes as returned by the node, or full uncle headers once
// expanded by one of the WithUncles calls.
// Pending blocks carry a null hash, HasHash reports whether the node sent one.
type Block struct {
	Hash   common.Hash
	Number *hexutil.Big
	Uncles []json.RawMessage

	fields  map[string]json.RawMessage
	hasHash bool
}

// HasHash reports whether the node returned a hash for the block.
func (b *Block) HasHash() bool {
	return b.hasHash
}

// Field returns a raw field of the block as sent by the node.
func (b *Block) Field(name string) (json.RawMessage, bool) {
	v, ok := b.fields[name]
	return v, ok
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Block) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	if raw, ok := fields[hashField]; ok && string(raw) != "null" {
		b.hasHash = true
		if err := json.Unmarshal(raw, &b.Hash); err != nil {
			return fmt.Errorf("invalid block hash: %w", err)
		}
	}
	if raw, ok := fields[numberField]; ok && string(raw) != "null" {
		b.Number = new(hexutil.Big)
		if err := json.Unmarshal(raw, b.Number); err != nil {
			return fmt.Errorf("invalid block number: %w", err)
		}
	}
	if raw, ok := fields[unclesField]; ok {
		if err := json.Unmarshal(raw, &b.Uncles); err != nil {
			return fmt.Errorf("invalid block uncles: %w", err)
		}
	}

	delete(fields, hashField)
	delete(fields, numberField)
	delete(fields, unclesField)
	b.fields = fields

	return nil
}

// MarshalJSON implements json.Marshaler.
func (b Block) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.fields)+3)
	for k, v := range b.fields {
		out[k] = v
	}

	if b.hasHash {
		out[hashField] = b.Hash
	} else {
		out[hashField] = nil
	}
	if b.Number != nil {
		out[numberField] = b.Number
	} else {
		out[numberField] = nil
	}
	uncles := b.Uncles
	if uncles == nil {
		uncles = []json.RawMessage{}
	}
	out[unclesField] = uncles

	return json.Marshal(out)
}
