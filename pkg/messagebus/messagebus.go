// Package messagebus defines the message bus contract shared by the in-process
// and bridged implementations, together with the subscription registry they use.
package messagebus

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/plaenen/twinbus/pkg/event"
	"github.com/plaenen/twinbus/pkg/model"
)

var (
	// ErrBusUnavailable is returned when the bus cannot reach its transport,
	// including after the inline reconnect attempt.
	ErrBusUnavailable = errors.New("message bus unavailable")

	// ErrConfiguration is returned when a bus cannot start because of invalid configuration.
	ErrConfiguration = errors.New("message bus configuration error")

	// ErrNotStarted is returned when publishing or subscribing before Start or after Stop.
	ErrNotStarted = errors.New("message bus not started")

	// ErrInvalidSubscription is returned for subscriptions without kinds or handler.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// MessageBus publishes event messages to subscribers.
//
// Implementations are safe for concurrent use. Unsubscribe never fails for
// unknown or already removed ids. Stop is idempotent.
type MessageBus interface {
	// Publish delivers msg to every matching subscription.
	Publish(ctx context.Context, msg event.Message) error

	// Subscribe registers a subscription and returns its id.
	Subscribe(ctx context.Context, info SubscriptionInfo) (SubscriptionID, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(ctx context.Context, id SubscriptionID) error

	// Start acquires the bus resources.
	Start(ctx context.Context) error

	// Stop releases the bus resources.
	Stop(ctx context.Context) error
}

// Publisher is the publishing half of MessageBus.
type Publisher interface {
	Publish(ctx context.Context, msg event.Message) error
}

// SubscriptionID identifies a subscription. It is a random 128-bit value.
type SubscriptionID uuid.UUID

// NewSubscriptionID returns a fresh random id.
func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.New())
}

// String returns the canonical uuid form.
func (id SubscriptionID) String() string {
	return uuid.UUID(id).String()
}

// Filter selects messages by the reference of the affected element.
type Filter func(ref model.Reference) bool

// Handler consumes a message. Handlers must not retain the message beyond the call
// if they mutate it.
type Handler func(msg event.Message)

// SubscriptionInfo describes a subscription.
type SubscriptionInfo struct {
	// Kinds lists the subscribed kinds; categories are expanded to their concrete members.
	Kinds []event.Kind

	// Filter is applied to the element reference. Nil accepts everything.
	Filter Filter

	// Handler is invoked for each accepted message.
	Handler Handler
}

// Accepts applies the filter.
func (s SubscriptionInfo) Accepts(ref model.Reference) bool {
	return s.Filter == nil || s.Filter(ref)
}

// Validate checks that the subscription can be registered.
func (s SubscriptionInfo) Validate() error {
	if len(s.Kinds) == 0 {
		return fmt.Errorf("%w: no kinds", ErrInvalidSubscription)
	}
	if s.Handler == nil {
		return fmt.Errorf("%w: no handler", ErrInvalidSubscription)
	}
	return nil
}

// AcceptAll is a Filter accepting every reference.
func AcceptAll(model.Reference) bool {
	return true
}

// ElementEquals returns a Filter accepting exactly ref.
func ElementEquals(ref model.Reference) Filter {
	return func(r model.Reference) bool {
		return r.Equal(ref)
	}
}

// ElementUnder returns a Filter accepting ref and all of its descendants.
func ElementUnder(ref model.Reference) Filter {
	return func(r model.Reference) bool {
		return r.StartsWith(ref)
	}
}
