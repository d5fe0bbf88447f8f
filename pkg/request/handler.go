// Package request executes element requests with the synchronization
// sequence shared by every operation:
//
//  1. validate the payload
//  2. apply the change to persistence
//  3. synchronize with the asset connection manager
//  4. publish the event, unless the request is internal
//  5. respond
//
// A persistence failure aborts before step 3. An asset failure is reported as
// StatusAssetError but the persisted change stays and the event is still
// published. A publish failure is logged and never changes the response.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/twinbus/pkg/assetconnection"
	"github.com/plaenen/twinbus/pkg/event"
	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/model"
	"github.com/plaenen/twinbus/pkg/observability"
	"github.com/plaenen/twinbus/pkg/persistence"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Handler executes requests against persistence, assets and the message bus.
type Handler struct {
	store   persistence.Persistence
	assets  *assetconnection.Manager
	bus     messagebus.Publisher
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	// locks covers the span between reading an element and storing its
	// replacement. Asset sync and publishing run outside it, so subscribers
	// may issue requests for the same element.
	locks refLocks
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Handler) {
		h.tracer = tracer
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(h *Handler) {
		h.metrics = metrics
	}
}

// NewHandler creates a handler and registers it as the receiver of
// asset-pushed values, which it stores through internal SetValue requests.
func NewHandler(store persistence.Persistence, assets *assetconnection.Manager, bus messagebus.Publisher, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		assets: assets,
		bus:    bus,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("request"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if assets != nil {
		assets.OnAssetValue(h.onAssetValue)
	}
	return h
}

// run wraps one request with a span, metrics and logging.
func (h *Handler) run(ctx context.Context, op string, ref model.Reference, internal bool, fn func(ctx context.Context) Response) Response {
	ctx, span := observability.StartSpan(ctx, h.tracer, "request."+op,
		observability.WithAttributes(observability.RequestAttrs(op, ref.String(), internal)...))
	start := time.Now()

	resp := fn(ctx)

	h.metrics.RecordRequest(ctx, op, resp.Status.String(), time.Since(start))
	span.SetAttributes(observability.AttrStatus.String(resp.Status.String()))
	observability.EndSpan(span, resp.Err)

	if resp.Err != nil {
		level := slog.LevelWarn
		if resp.Status == StatusInternalError {
			level = slog.LevelError
		}
		h.logger.Log(ctx, level, "request failed",
			"operation", op,
			"element", ref.String(),
			"internal", internal,
			"status", resp.Status.String(),
			"error", resp.Err)
	}
	return resp
}

// publish is step 4. Internal requests never publish.
func (h *Handler) publish(ctx context.Context, internal bool, msg event.Message) {
	if internal || h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, msg); err != nil {
		observability.AddSpanEvent(ctx, "publish_failed", observability.ErrorAttrs(err, "bus")...)
		h.logger.Warn("failed to publish event",
			"kind", msg.Kind(),
			"element", msg.Reference().String(),
			"error", err)
	}
}

// syncToAsset is step 3 for mutations. A failure downgrades resp to StatusAssetError.
func (h *Handler) syncToAsset(ctx context.Context, ref model.Reference, resp *Response) {
	if h.assets == nil {
		return
	}
	if _, err := h.assets.SyncValue(ctx, ref, assetconnection.ToAsset); err != nil {
		h.assetFailure(resp, err)
	}
}

func (h *Handler) assetFailure(resp *Response, err error) {
	resp.Status = StatusAssetError
	resp.Err = err
	resp.addMessage(MessageError, err.Error())
}

func failure(status Status, err error) Response {
	resp := Response{Status: status, Err: err}
	resp.addMessage(MessageError, err.Error())
	return resp
}

func invalid(format string, args ...any) Response {
	return failure(StatusBadRequest, fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...)))
}

// storeFailure maps persistence errors onto response statuses.
func storeFailure(err error) Response {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return failure(StatusNotFound, err)
	case errors.Is(err, persistence.ErrAlreadyExists):
		return failure(StatusConflict, err)
	case errors.Is(err, persistence.ErrNotContainer), errors.Is(err, persistence.ErrUnsupportedReference):
		return failure(StatusBadRequest, err)
	default:
		return failure(StatusInternalError, err)
	}
}

// snapshot reads the persisted element after a mutation, falling back to fallback.
func (h *Handler) snapshot(ctx context.Context, ref model.Reference, fallback model.Element) model.Element {
	el, err := h.store.Get(ctx, ref)
	if err != nil {
		h.logger.Warn("failed to read element snapshot", "element", ref.String(), "error", err)
		return fallback
	}
	return el
}

// Create stores a new element and publishes ElementCreate.
func (h *Handler) Create(ctx context.Context, req CreateRequest) Response {
	target := req.Parent
	if target.IsZero() {
		target = model.NewSubmodelReference(req.Element.ID)
	}
	return h.run(ctx, "create", target, req.Internal, func(ctx context.Context) Response {
		if err := req.Element.Validate(); err != nil {
			return failure(StatusBadRequest, fmt.Errorf("%w: %v", ErrValidation, err))
		}
		isSubmodel := req.Element.Kind == model.KindSubmodel
		if req.Parent.IsZero() != isSubmodel {
			return invalid("submodels are created without a parent, other elements below one")
		}

		ref, err := h.store.Create(ctx, req.Parent, req.Element)
		if err != nil {
			return storeFailure(err)
		}

		el := h.snapshot(ctx, ref, req.Element)
		resp := Response{Status: StatusCreated, Reference: ref, Element: &el}
		h.syncToAsset(ctx, ref, &resp)
		h.publish(ctx, req.Internal, event.ElementCreate{Base: event.Base{Element: ref}, Value: el})
		return resp
	})
}

// Update replaces an element and publishes exactly one ElementUpdate.
func (h *Handler) Update(ctx context.Context, req UpdateRequest) Response {
	return h.run(ctx, "update", req.Reference, req.Internal, func(ctx context.Context) Response {
		return h.replace(ctx, req.Reference, req.Internal, func(context.Context) (model.Element, Response, bool) {
			if resp, ok := validateReplacement(req.Reference, req.Element); !ok {
				return model.Element{}, resp, false
			}
			return req.Element, Response{}, true
		})
	})
}

// Patch merges a JSON merge patch into an element and publishes exactly one ElementUpdate.
func (h *Handler) Patch(ctx context.Context, req PatchRequest) Response {
	return h.run(ctx, "patch", req.Reference, req.Internal, func(ctx context.Context) Response {
		if err := req.Reference.Validate(); err != nil {
			return failure(StatusBadRequest, fmt.Errorf("%w: %v", ErrValidation, err))
		}
		return h.replace(ctx, req.Reference, req.Internal, func(ctx context.Context) (model.Element, Response, bool) {
			current, err := h.store.Get(ctx, req.Reference)
			if err != nil {
				return model.Element{}, storeFailure(err), false
			}

			doc, err := json.Marshal(current)
			if err != nil {
				return model.Element{}, failure(StatusInternalError, fmt.Errorf("failed to encode element: %w", err)), false
			}
			merged, err := mergePatch(doc, req.Patch)
			if err != nil {
				if errors.Is(err, ErrValidation) {
					return model.Element{}, failure(StatusBadRequest, err), false
				}
				return model.Element{}, failure(StatusInternalError, err), false
			}

			var patched model.Element
			if err := json.Unmarshal(merged, &patched); err != nil {
				return model.Element{}, invalid("patched element cannot be decoded: %v", err), false
			}
			if resp, ok := validateReplacement(req.Reference, patched); !ok {
				return model.Element{}, resp, false
			}
			return patched, Response{}, true
		})
	})
}

func validateReplacement(ref model.Reference, el model.Element) (Response, bool) {
	if err := ref.Validate(); err != nil {
		return failure(StatusBadRequest, fmt.Errorf("%w: %v", ErrValidation, err)), false
	}
	if err := el.Validate(); err != nil {
		return failure(StatusBadRequest, fmt.Errorf("%w: %v", ErrValidation, err)), false
	}
	if ref.Len() == 1 {
		if el.Kind != model.KindSubmodel {
			return invalid("a submodel can only be replaced by a submodel"), false
		}
		if el.ID != ref.Root().Value {
			return invalid("submodel id %q does not match %q", el.ID, ref.Root().Value), false
		}
		return Response{}, true
	}
	if el.Kind == model.KindSubmodel {
		return invalid("submodels cannot be nested"), false
	}
	if el.IDShort != ref.Last().Value {
		return invalid("idShort %q does not match path segment %q", el.IDShort, ref.Last().Value), false
	}
	return Response{}, true
}

// replace stores the element produced by build. build runs under the
// element's lock, so it may read the current state it derives from.
func (h *Handler) replace(ctx context.Context, ref model.Reference, internal bool, build func(context.Context) (model.Element, Response, bool)) Response {
	unlock := h.locks.lock(ref)
	el, resp, ok := build(ctx)
	if !ok {
		unlock()
		return resp
	}
	err := h.store.Update(ctx, ref, el)
	unlock()
	if err != nil {
		return storeFailure(err)
	}

	// Children dropped by the replacement may leave bindings behind.
	if h.assets != nil {
		if _, err := h.assets.RemoveDanglingConnections(ctx, ref); err != nil {
			h.logger.Warn("failed to clean up asset connections", "element", ref.String(), "error", err)
		}
	}

	updated := h.snapshot(ctx, ref, el)
	resp = Response{Status: StatusSuccess, Reference: ref, Element: &updated}
	h.syncToAsset(ctx, ref, &resp)
	h.publish(ctx, internal, event.ElementUpdate{Base: event.Base{Element: ref}, Value: updated})
	return resp
}

// Delete removes an element, tears down the asset bindings that pointed into
// it, and publishes ElementDelete with the removed element.
func (h *Handler) Delete(ctx context.Context, req DeleteRequest) Response {
	return h.run(ctx, "delete", req.Reference, req.Internal, func(ctx context.Context) Response {
		if err := req.Reference.Validate(); err != nil {
			return failure(StatusBadRequest, fmt.Errorf("%w: %v", ErrValidation, err))
		}

		removed, err := h.store.Delete(ctx, req.Reference)
		if err != nil {
			return storeFailure(err)
		}

		resp := Response{Status: StatusNoContent, Reference: req.Reference}
		if h.assets != nil {
			if _, err := h.assets.RemoveDanglingConnections(ctx, req.Reference); err != nil {
				h.assetFailure(&resp, err)
			}
		}
		h.publish(ctx, req.Internal, event.ElementDelete{Base: event.Base{Element: req.Reference}, Value: removed})
		return resp
	})
}

// Get returns an element. External reads pull live values from bound assets
// first and store changed values through internal SetValue requests, then
// publish ElementRead.
func (h *Handler) Get(ctx context.Context, req GetRequest) Response {
	return h.run(ctx, "get", req.Reference, req.Internal, func(ctx context.Context) Response {
		if err := req.Reference.Validate(); err != nil {
			return failure(StatusBadRequest, fmt.Errorf("%w: %v", ErrValidation, err))
		}
		if _, err := h.store.Get(ctx, req.Reference); err != nil {
			return storeFailure(err)
		}

		resp := Response{Status: StatusSuccess, Reference: req.Reference}
		if !req.Internal {
			h.pullFromAsset(ctx, req.Reference, &resp)
		}

		el, err := h.store.Get(ctx, req.Reference)
		if err != nil {
			return storeFailure(err)
		}
		resp.Element = &el
		h.publish(ctx, req.Internal, event.ElementRead{Base: event.Base{Element: req.Reference}, Value: el})
		return resp
	})
}

// GetValue returns the value of a value-bearing element and publishes ValueRead.
func (h *Handler) GetValue(ctx context.Context, req GetValueRequest) Response {
	return h.run(ctx, "get_value", req.Reference, req.Internal, func(ctx context.Context) Response {
		if err := req.Reference.Validate(); err != nil {
			return failure(StatusBadRequest, fmt.Errorf("%w: %v", ErrValidation, err))
		}
		el, err := h.store.Get(ctx, req.Reference)
		if err != nil {
			return storeFailure(err)
		}
		if !el.Kind.IsValueBearing() || el.Value == nil {
			return invalid("%s %s has no value", el.Kind, req.Reference)
		}

		resp := Response{Status: StatusSuccess, Reference: req.Reference}
		if !req.Internal {
			h.pullFromAsset(ctx, req.Reference, &resp)
			if el, err = h.store.Get(ctx, req.Reference); err != nil {
				return storeFailure(err)
			}
		}
		value := *el.Value
		resp.Value = &value
		h.publish(ctx, req.Internal, event.ValueRead{Base: event.Base{Element: req.Reference}, Value: value})
		return resp
	})
}

// pullFromAsset stores live asset values that differ from the persisted ones.
func (h *Handler) pullFromAsset(ctx context.Context, ref model.Reference, resp *Response) {
	if h.assets == nil {
		return
	}
	readings, err := h.assets.SyncValue(ctx, ref, assetconnection.FromAsset)
	if err != nil {
		h.assetFailure(resp, err)
	}
	for _, r := range readings {
		current, err := h.store.Get(ctx, r.Element)
		if err != nil || current.Value == nil || current.Value.Equal(r.Value) {
			continue
		}
		sync := h.SetValue(ctx, SetValueRequest{Reference: r.Element, Value: r.Value, Internal: true})
		if !sync.Status.IsSuccess() {
			resp.addMessage(MessageWarning, fmt.Sprintf("asset value for %s not stored: %v", r.Element, sync.Err))
		}
	}
}

// SetValue replaces the value of a value-bearing element and publishes
// exactly one ValueChange. Internal requests carry values that came from the
// asset, so they are neither written back to the asset nor published.
func (h *Handler) SetValue(ctx context.Context, req SetValueRequest) Response {
	return h.run(ctx, "set_value", req.Reference, req.Internal, func(ctx context.Context) Response {
		if err := req.Reference.Validate(); err != nil {
			return failure(StatusBadRequest, fmt.Errorf("%w: %v", ErrValidation, err))
		}
		if err := req.Value.Validate(); err != nil {
			return failure(StatusBadRequest, fmt.Errorf("%w: %v", ErrValidation, err))
		}

		old, resp, ok := h.storeValue(ctx, req.Reference, req.Value)
		if !ok {
			return resp
		}

		value := req.Value
		resp = Response{Status: StatusSuccess, Reference: req.Reference, Value: &value}
		if !req.Internal {
			h.syncToAsset(ctx, req.Reference, &resp)
		}
		h.publish(ctx, req.Internal, event.ValueChange{
			Base:     event.Base{Element: req.Reference},
			OldValue: old,
			NewValue: value,
		})
		return resp
	})
}

// storeValue swaps the stored value under the element's lock and returns the
// value it replaced, so concurrent writers each report the value they
// actually overwrote.
func (h *Handler) storeValue(ctx context.Context, ref model.Reference, value model.Value) (model.Value, Response, bool) {
	unlock := h.locks.lock(ref)
	defer unlock()

	current, err := h.store.Get(ctx, ref)
	if err != nil {
		return model.Value{}, storeFailure(err), false
	}
	if !current.Kind.IsValueBearing() || current.Value == nil {
		return model.Value{}, invalid("%s %s has no value", current.Kind, ref), false
	}
	if current.Value.Type != value.Type {
		return model.Value{}, invalid("value type %s does not match %s", value.Type, current.Value.Type), false
	}

	old := *current.Value
	updated := current.Clone()
	updated.Value = &value
	if err := h.store.Update(ctx, ref, updated); err != nil {
		return model.Value{}, storeFailure(err), false
	}
	return old, Response{}, true
}

// InvokeOperation executes an operation on its asset. It publishes
// OperationInvoke before and OperationFinish after a successful execution,
// or an ExecutionStateChange to Failed when the asset fails.
func (h *Handler) InvokeOperation(ctx context.Context, req InvokeOperationRequest) Response {
	return h.run(ctx, "invoke", req.Reference, req.Internal, func(ctx context.Context) Response {
		if err := req.Reference.Validate(); err != nil {
			return failure(StatusBadRequest, fmt.Errorf("%w: %v", ErrValidation, err))
		}
		op, err := h.store.Get(ctx, req.Reference)
		if err != nil {
			return storeFailure(err)
		}
		if op.Kind != model.KindOperation {
			return invalid("%s is a %s, not an operation", req.Reference, op.Kind)
		}
		if h.assets == nil || !h.assets.HasOperation(req.Reference) {
			return invalid("no operation provider for %s", req.Reference)
		}
		input, resp, ok := prepareInput(op, req.Input)
		if !ok {
			return resp
		}

		base := event.Base{Element: req.Reference}
		h.publish(ctx, req.Internal, event.OperationInvoke{Base: base, Input: input})

		output, err := h.assets.InvokeOperation(ctx, req.Reference, input)
		if err != nil {
			resp := Response{Status: StatusSuccess, Reference: req.Reference}
			h.assetFailure(&resp, err)
			h.publish(ctx, req.Internal, event.ExecutionStateChange{
				Base:     base,
				OldState: event.ExecutionRunning,
				NewState: event.ExecutionFailed,
			})
			return resp
		}

		h.publish(ctx, req.Internal, event.OperationFinish{Base: base, Output: output})
		return Response{Status: StatusSuccess, Reference: req.Reference, Output: output}
	})
}

// prepareInput checks arguments against the declared input variables. Missing
// arguments take the variable's value as default; unknown arguments are rejected.
func prepareInput(op model.Element, given map[string]model.Value) (map[string]model.Value, Response, bool) {
	if len(op.Input) == 0 {
		return given, Response{}, true
	}

	declared := make(map[string]model.Element, len(op.Input))
	for _, v := range op.Input {
		declared[v.IDShort] = v
	}
	for name := range given {
		if _, ok := declared[name]; !ok {
			return nil, invalid("unknown input argument %q", name), false
		}
	}

	input := make(map[string]model.Value, len(op.Input))
	for name, variable := range declared {
		v, ok := given[name]
		switch {
		case ok:
			if err := v.Validate(); err != nil {
				return nil, invalid("input argument %q: %v", name, err), false
			}
		case variable.Value != nil:
			v = *variable.Value
		default:
			return nil, invalid("missing input argument %q", name), false
		}
		input[name] = v
	}
	return input, Response{}, true
}

// onAssetValue stores a value pushed by an asset without publishing.
func (h *Handler) onAssetValue(ctx context.Context, ref model.Reference, value model.Value) {
	current, err := h.store.Get(ctx, ref)
	if err != nil || current.Value == nil || current.Value.Equal(value) {
		return
	}
	h.SetValue(ctx, SetValueRequest{Reference: ref, Value: value, Internal: true})
}
