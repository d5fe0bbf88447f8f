// Package assetconnection binds elements to live assets. A binding can read
// and write the element's value, push asset-side changes, and execute
// operations.
package assetconnection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/plaenen/twinbus/pkg/model"
	"github.com/plaenen/twinbus/pkg/observability"
	"github.com/plaenen/twinbus/pkg/persistence"
)

var (
	// ErrAssetUnavailable wraps every failure reported by an asset provider.
	ErrAssetUnavailable = errors.New("asset unavailable")

	// ErrNoConnection is returned when an element has no binding of the required kind.
	ErrNoConnection = errors.New("no asset connection")
)

// Direction selects which side of a binding is the source of truth.
type Direction int

const (
	// ToAsset writes the persisted value to the asset.
	ToAsset Direction = iota
	// FromAsset reads the live value from the asset.
	FromAsset
)

func (d Direction) String() string {
	if d == FromAsset {
		return "from_asset"
	}
	return "to_asset"
}

// ValueProvider reads and writes the value of one element on the asset.
type ValueProvider interface {
	GetValue(ctx context.Context) (model.Value, error)
	SetValue(ctx context.Context, value model.Value) error
}

// SubscriptionProvider reports asset-side value changes. It stops reporting
// when closed, if it implements io.Closer.
type SubscriptionProvider interface {
	Subscribe(ctx context.Context, onValue func(model.Value)) error
}

// OperationProvider executes an operation on the asset.
type OperationProvider interface {
	Invoke(ctx context.Context, input map[string]model.Value) (map[string]model.Value, error)
}

// Connection is the set of providers bound to one element. Providers that
// implement io.Closer are closed when the binding is removed; a provider used
// for several roles must be a comparable type (usually a pointer).
type Connection struct {
	Value        ValueProvider
	Subscription SubscriptionProvider
	Operation    OperationProvider
}

// Reading is a value pulled from the asset.
type Reading struct {
	Element model.Reference
	Value   model.Value
}

// ValueListener receives asset-pushed values.
type ValueListener func(ctx context.Context, ref model.Reference, value model.Value)

type binding struct {
	ref  model.Reference
	conn Connection
}

// Manager holds the asset bindings of all elements.
type Manager struct {
	store   persistence.Persistence
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	bindings map[string]*binding
	listener ValueListener
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a manager that checks element existence against store.
func NewManager(store persistence.Persistence, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   slog.Default(),
		bindings: make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnAssetValue sets the listener for values pushed by subscription providers.
// Bindings registered before the listener was set start delivering once it is.
func (m *Manager) OnAssetValue(listener ValueListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = listener
}

// Register binds conn to the element at ref, replacing an existing binding.
func (m *Manager) Register(ctx context.Context, ref model.Reference, conn Connection) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if conn.Value == nil && conn.Subscription == nil && conn.Operation == nil {
		return fmt.Errorf("%w: empty connection for %s", ErrNoConnection, ref)
	}

	b := &binding{ref: ref, conn: conn}
	if conn.Subscription != nil {
		err := conn.Subscription.Subscribe(ctx, func(v model.Value) { m.push(ref, v) })
		if err != nil {
			return fmt.Errorf("%w: subscribing to %s: %v", ErrAssetUnavailable, ref, err)
		}
	}

	m.mu.Lock()
	old := m.bindings[ref.String()]
	m.bindings[ref.String()] = b
	m.mu.Unlock()

	if old != nil {
		m.closeBinding(old)
	}
	m.logger.Debug("asset connection registered", "element", ref.String())
	return nil
}

func (m *Manager) push(ref model.Reference, value model.Value) {
	m.mu.RLock()
	listener := m.listener
	m.mu.RUnlock()

	if listener == nil {
		m.logger.Debug("asset value dropped, no listener", "element", ref.String())
		return
	}
	listener(context.Background(), ref, value)
}

// Unregister removes the binding at ref and closes its providers.
func (m *Manager) Unregister(ref model.Reference) bool {
	m.mu.Lock()
	b, ok := m.bindings[ref.String()]
	delete(m.bindings, ref.String())
	m.mu.Unlock()

	if ok {
		m.closeBinding(b)
	}
	return ok
}

// HasConnection reports whether ref has a value binding.
func (m *Manager) HasConnection(ref model.Reference) bool {
	b := m.get(ref)
	return b != nil && b.conn.Value != nil
}

// HasOperation reports whether ref has an operation binding.
func (m *Manager) HasOperation(ref model.Reference) bool {
	b := m.get(ref)
	return b != nil && b.conn.Operation != nil
}

func (m *Manager) get(ref model.Reference) *binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bindings[ref.String()]
}

// valueBindings returns the value bindings at or below ref, sorted by reference.
func (m *Manager) valueBindings(ref model.Reference) []*binding {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*binding
	for _, b := range m.bindings {
		if b.conn.Value != nil && b.ref.StartsWith(ref) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ref.String() < out[j].ref.String() })
	return out
}

// SyncValue synchronizes every value binding at or below ref. ToAsset writes
// the persisted values to the asset; FromAsset reads the live values and
// returns them without touching persistence. All bindings are attempted; the
// returned error joins the failures.
func (m *Manager) SyncValue(ctx context.Context, ref model.Reference, dir Direction) ([]Reading, error) {
	bindings := m.valueBindings(ref)
	if len(bindings) == 0 {
		return nil, nil
	}

	var (
		readings []Reading
		errs     []error
	)
	for _, b := range bindings {
		switch dir {
		case ToAsset:
			el, err := m.store.Get(ctx, b.ref)
			if err != nil {
				if errors.Is(err, persistence.ErrNotFound) {
					continue
				}
				errs = append(errs, err)
				continue
			}
			if el.Value == nil {
				continue
			}
			if err := b.conn.Value.SetValue(ctx, *el.Value); err != nil {
				errs = append(errs, m.assetError(ctx, "set_value", b.ref, err))
			}
		case FromAsset:
			v, err := b.conn.Value.GetValue(ctx)
			if err != nil {
				errs = append(errs, m.assetError(ctx, "get_value", b.ref, err))
				continue
			}
			readings = append(readings, Reading{Element: b.ref, Value: v})
		}
	}
	return readings, errors.Join(errs...)
}

// InvokeOperation executes the operation bound to ref.
func (m *Manager) InvokeOperation(ctx context.Context, ref model.Reference, input map[string]model.Value) (map[string]model.Value, error) {
	b := m.get(ref)
	if b == nil || b.conn.Operation == nil {
		return nil, fmt.Errorf("%w: no operation provider for %s", ErrNoConnection, ref)
	}
	out, err := b.conn.Operation.Invoke(ctx, input)
	if err != nil {
		return nil, m.assetError(ctx, "invoke", ref, err)
	}
	return out, nil
}

func (m *Manager) assetError(ctx context.Context, op string, ref model.Reference, err error) error {
	m.metrics.RecordAssetSyncError(ctx, op)
	m.logger.Warn("asset access failed", "operation", op, "element", ref.String(), "error", err)
	return fmt.Errorf("%w: %s %s: %v", ErrAssetUnavailable, op, ref, err)
}

// RemoveDanglingConnections removes every binding at or below parent whose
// element no longer exists and returns how many were removed.
func (m *Manager) RemoveDanglingConnections(ctx context.Context, parent model.Reference) (int, error) {
	m.mu.RLock()
	var candidates []*binding
	for _, b := range m.bindings {
		if b.ref.StartsWith(parent) {
			candidates = append(candidates, b)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, b := range candidates {
		ok, err := m.store.Exists(ctx, b.ref)
		if err != nil {
			return removed, fmt.Errorf("failed to check %s: %w", b.ref, err)
		}
		if ok {
			continue
		}

		m.mu.Lock()
		current, still := m.bindings[b.ref.String()]
		if still && current == b {
			delete(m.bindings, b.ref.String())
		}
		m.mu.Unlock()

		if still && current == b {
			m.closeBinding(b)
			removed++
			m.logger.Debug("dangling asset connection removed", "element", b.ref.String())
		}
	}
	return removed, nil
}

// Bindings returns the references that currently have a binding.
func (m *Manager) Bindings() []model.Reference {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Reference, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b.ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Close removes every binding and closes its providers.
func (m *Manager) Close() error {
	m.mu.Lock()
	bindings := m.bindings
	m.bindings = make(map[string]*binding)
	m.mu.Unlock()

	for _, b := range bindings {
		m.closeBinding(b)
	}
	return nil
}

func (m *Manager) closeBinding(b *binding) {
	seen := make(map[io.Closer]struct{}, 3)
	for _, p := range []any{b.conn.Value, b.conn.Subscription, b.conn.Operation} {
		c, ok := p.(io.Closer)
		if !ok {
			continue
		}
		if _, done := seen[c]; done {
			continue
		}
		seen[c] = struct{}{}
		if err := c.Close(); err != nil {
			m.logger.Warn("failed to close asset provider", "element", b.ref.String(), "error", err)
		}
	}
}
