package assetconnection

import (
	"context"
	"errors"
	"sync"

	"github.com/plaenen/twinbus/pkg/model"
)

// ErrProviderClosed is returned by a closed Simulated provider.
var ErrProviderClosed = errors.New("provider closed")

// Simulated is an in-memory asset value. It serves as value and subscription
// provider; Push changes the value from the asset side.
type Simulated struct {
	mu        sync.Mutex
	value     model.Value
	listeners []func(model.Value)
	closed    bool
	fail      error
}

// NewSimulated creates a simulated asset holding initial.
func NewSimulated(initial model.Value) *Simulated {
	return &Simulated{value: initial}
}

// GetValue implements ValueProvider.
func (s *Simulated) GetValue(ctx context.Context) (model.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return model.Value{}, err
	}
	return s.value, nil
}

// SetValue implements ValueProvider.
func (s *Simulated) SetValue(ctx context.Context, value model.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return err
	}
	s.value = value
	return nil
}

// Subscribe implements SubscriptionProvider.
func (s *Simulated) Subscribe(ctx context.Context, onValue func(model.Value)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return err
	}
	s.listeners = append(s.listeners, onValue)
	return nil
}

// Push sets the value on the asset side and notifies subscribers.
func (s *Simulated) Push(value model.Value) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.value = value
	listeners := append([]func(model.Value){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(value)
	}
}

// Fail makes every following call return err. A nil err heals the provider.
func (s *Simulated) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Closed reports whether Close was called.
func (s *Simulated) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements io.Closer.
func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = nil
	return nil
}

func (s *Simulated) err() error {
	if s.closed {
		return ErrProviderClosed
	}
	return s.fail
}

// OperationFunc adapts a function to OperationProvider.
type OperationFunc func(ctx context.Context, input map[string]model.Value) (map[string]model.Value, error)

// Invoke implements OperationProvider.
func (f OperationFunc) Invoke(ctx context.Context, input map[string]model.Value) (map[string]model.Value, error) {
	return f(ctx, input)
}
