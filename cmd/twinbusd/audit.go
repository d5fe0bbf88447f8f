package main

import (
	"context"
	"log/slog"

	"github.com/plaenen/twinbus/pkg/event"
	"github.com/plaenen/twinbus/pkg/messagebus"
)

// auditor logs every change event published on the bus.
type auditor struct {
	bus    messagebus.MessageBus
	logger *slog.Logger
	id     messagebus.SubscriptionID
}

func newAuditor(bus messagebus.MessageBus, logger *slog.Logger) *auditor {
	return &auditor{bus: bus, logger: logger.With("component", "audit")}
}

func (a *auditor) Name() string { return "audit" }

func (a *auditor) Start(ctx context.Context) error {
	id, err := a.bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds:   []event.Kind{event.CategoryChange},
		Handler: a.record,
	})
	if err != nil {
		return err
	}
	a.id = id
	return nil
}

func (a *auditor) record(msg event.Message) {
	attrs := []any{"kind", msg.Kind(), "element", msg.Reference().String()}
	if vc, ok := msg.(event.ValueChange); ok {
		attrs = append(attrs, "old", vc.OldValue.String(), "new", vc.NewValue.String())
	}
	a.logger.Info("element changed", attrs...)
}

func (a *auditor) Stop(ctx context.Context) error {
	return a.bus.Unsubscribe(ctx, a.id)
}
