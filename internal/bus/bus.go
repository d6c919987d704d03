// Package bus carries job status events between gateway instances. Every backend
// delivers a published event to all subscribers, including those in the publishing
// process.
package bus

import (
	"context"
	"errors"

	"github.com/wolfeidau/simstream/internal/models"
)

// DefaultChannel is the channel, subject or topic name used when none is configured.
const DefaultChannel = "job-updates"

var (
	ErrDown   = errors.New("bus unavailable")
	ErrClosed = errors.New("bus closed")
)

// Handler receives every event delivered by a subscription. Handlers must not block.
type Handler func(ctx context.Context, event models.StatusEvent)

// Bus is a cross-instance publish/subscribe channel for status events.
type Bus interface {
	// Name identifies the backend in logs and health output.
	Name() string

	// Publish sends event to every subscriber on every instance. The routing topics
	// travel with the event.
	Publish(ctx context.Context, event models.StatusEvent) error

	// Subscribe blocks delivering events to handler. It calls ready once the
	// subscription is established and returns when ctx is done or the subscription
	// fails.
	Subscribe(ctx context.Context, handler Handler, ready func()) error

	Close() error
}
