package messagebus

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/plaenen/twinbus/pkg/event"
)

// Subscription is a registered SubscriptionInfo with its resolved concrete kinds.
type Subscription struct {
	ID    SubscriptionID
	Info  SubscriptionInfo
	Kinds []event.Kind

	kindSet map[event.Kind]struct{}
}

// Matches reports whether msg is of a subscribed kind and passes the filter.
func (s *Subscription) Matches(msg event.Message) bool {
	if _, ok := s.kindSet[msg.Kind()]; !ok {
		return false
	}
	return s.Info.Accepts(msg.Reference())
}

// Deliver invokes the handler, recovering from panics. It reports whether the
// handler returned normally.
func (s *Subscription) Deliver(logger *slog.Logger, msg event.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscription handler panicked",
				"subscription", s.ID.String(),
				"kind", msg.Kind(),
				"element", msg.Reference().String(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			ok = false
		}
	}()
	s.Info.Handler(msg)
	return true
}

// Registry stores the subscriptions of one bus instance.
type Registry struct {
	catalog *event.Catalog
	logger  *slog.Logger

	mu   sync.RWMutex
	subs map[SubscriptionID]*Subscription
}

// NewRegistry creates an empty registry resolving kinds against catalog.
// A nil catalog means event.DefaultCatalog, a nil logger slog.Default().
func NewRegistry(catalog *event.Catalog, logger *slog.Logger) *Registry {
	if catalog == nil {
		catalog = event.DefaultCatalog
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		catalog: catalog,
		logger:  logger,
		subs:    make(map[SubscriptionID]*Subscription),
	}
}

// Catalog returns the catalog used for kind resolution.
func (r *Registry) Catalog() *event.Catalog {
	return r.catalog
}

// Prepare validates info and resolves its kinds without registering it.
// Bridged buses use it to set up transport subscriptions before committing.
func (r *Registry) Prepare(info SubscriptionInfo) (*Subscription, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	kinds, err := r.catalog.ResolveAll(info.Kinds)
	if err != nil {
		return nil, err
	}
	kindSet := make(map[event.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}
	return &Subscription{
		ID:      NewSubscriptionID(),
		Info:    info,
		Kinds:   kinds,
		kindSet: kindSet,
	}, nil
}

// Commit stores a prepared subscription. Ids are never reused within a registry.
func (r *Registry) Commit(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if _, taken := r.subs[sub.ID]; !taken {
			break
		}
		sub.ID = NewSubscriptionID()
	}
	r.subs[sub.ID] = sub
}

// Register prepares and commits info in one step.
func (r *Registry) Register(info SubscriptionInfo) (*Subscription, error) {
	sub, err := r.Prepare(info)
	if err != nil {
		return nil, err
	}
	r.Commit(sub)
	return sub, nil
}

// Unregister removes a subscription. Unknown ids are ignored and reported as false.
func (r *Registry) Unregister(id SubscriptionID) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	delete(r.subs, id)
	return sub, true
}

// Get returns a registered subscription.
func (r *Registry) Get(id SubscriptionID) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	return sub, ok
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// All returns a snapshot of the registered subscriptions.
func (r *Registry) All() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// DispatchResult counts the outcome of a Dispatch call.
type DispatchResult struct {
	Delivered int
	Panicked  int
}

// Dispatch invokes every matching handler on the calling goroutine. Handlers
// run outside the registry lock, so they may subscribe or unsubscribe.
// A panicking handler does not prevent delivery to the others.
func (r *Registry) Dispatch(msg event.Message) DispatchResult {
	r.mu.RLock()
	matching := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.Matches(msg) {
			matching = append(matching, sub)
		}
	}
	r.mu.RUnlock()

	var result DispatchResult
	for _, sub := range matching {
		if sub.Deliver(r.logger, msg) {
			result.Delivered++
		} else {
			result.Panicked++
		}
	}
	return result
}
