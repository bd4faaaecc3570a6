// Package event provides the notification payloads published for store changes.
package event

import "encoding/json"

const (
	// KindUpdate is published after a subscription was registered or removed
	KindUpdate = "update"
	// KindBlock is published after every completed block cycle
	KindBlock = "block"
)

// Event is a store notification carrying the full state snapshot.
type Event struct {
	Kind      string                     `json:"kind"`            // KindUpdate or KindBlock
	Block     string                     `json:"block,omitempty"` // Hex block number, block events only
	Timestamp int64                      `json:"timestamp"`       // Unix time the event was produced
	State     map[string]json.RawMessage `json:"state"`           // Subscription key to last result
}

// Serialize converts the event to JSON bytes.
func (e Event) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// Deserialize parses JSON bytes into an Event.
func Deserialize(jsonData []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(jsonData, &event); err != nil {
		return event, err
	}
	return event, nil
}
