// Package pub provides the interface for publishing store notifications.
package pub

import (
	"context"

	"github.com/grassrootseconomics/eth-store/pkg/event"
)

// Pub defines the interface for publishing events to external systems.
type Pub interface {
	// Send publishes an event to the configured destination.
	Send(context.Context, event.Event) error

	// Close closes the publisher and releases any resources.
	Close()
}
