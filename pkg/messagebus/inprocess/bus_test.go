package inprocess

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/plaenen/twinbus/pkg/event"
	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedBus(t *testing.T) *Bus {
	t.Helper()
	bus := New()
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus
}

func created(path string) event.ElementCreate {
	ref := model.MustParseReference(path)
	return event.ElementCreate{
		Base:  event.Base{Element: ref},
		Value: model.NewProperty(ref.Last().Value, model.StringValue("v")),
	}
}

func TestCategorySubscriptionReceivesMembers(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t)

	var received []event.Message
	_, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds:   []event.Kind{event.CategoryElementChange},
		Handler: func(msg event.Message) { received = append(received, msg) },
	})
	require.NoError(t, err)

	msg := created("/Submodels/X/Prop1")
	require.NoError(t, bus.Publish(ctx, msg))

	require.Len(t, received, 1)
	assert.Equal(t, msg, received[0])

	ref := model.MustParseReference("/Submodels/X/Prop1")
	require.NoError(t, bus.Publish(ctx, event.ElementUpdate{Base: event.Base{Element: ref}}))
	require.NoError(t, bus.Publish(ctx, event.ElementDelete{Base: event.Base{Element: ref}}))
	assert.Len(t, received, 3)

	require.NoError(t, bus.Publish(ctx, event.ValueChange{Base: event.Base{Element: ref}}))
	require.NoError(t, bus.Publish(ctx, event.ElementRead{Base: event.Base{Element: ref}}))
	assert.Len(t, received, 3, "non-member kinds must not be delivered")
}

func TestFilterIsApplied(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t)

	var count int
	_, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds:   []event.Kind{event.KindElementCreate},
		Filter:  messagebus.ElementUnder(model.MustParseReference("/Submodels/X")),
		Handler: func(event.Message) { count++ },
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, created("/Submodels/X/Prop1")))
	require.NoError(t, bus.Publish(ctx, created("/Submodels/Y/Prop1")))
	assert.Equal(t, 1, count)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t)

	var count int
	id, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds:   []event.Kind{event.CategoryAll},
		Handler: func(event.Message) { count++ },
	})
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds:   []event.Kind{event.KindError},
		Handler: func(event.Message) {},
	})
	require.NoError(t, err)
	require.Equal(t, 2, bus.Subscriptions())

	require.NoError(t, bus.Unsubscribe(ctx, id))
	assert.Equal(t, 1, bus.Subscriptions())

	require.NoError(t, bus.Unsubscribe(ctx, id))
	require.NoError(t, bus.Unsubscribe(ctx, messagebus.NewSubscriptionID()))
	assert.Equal(t, 1, bus.Subscriptions())

	require.NoError(t, bus.Publish(ctx, created("/Submodels/X/Prop1")))
	assert.Zero(t, count)

	require.NoError(t, bus.Unsubscribe(ctx, other))
	assert.Zero(t, bus.Subscriptions())
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t)

	var delivered atomic.Int32
	for i := 0; i < 3; i++ {
		panics := i == 1
		_, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
			Kinds: []event.Kind{event.KindElementCreate},
			Handler: func(event.Message) {
				if panics {
					panic("boom")
				}
				delivered.Add(1)
			},
		})
		require.NoError(t, err)
	}

	require.NoError(t, bus.Publish(ctx, created("/Submodels/X/Prop1")))
	assert.Equal(t, int32(2), delivered.Load())
}

func TestPublishOrderMatchesDispatchOrder(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t)

	var order []string
	_, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds:   []event.Kind{event.KindElementCreate},
		Handler: func(msg event.Message) { order = append(order, msg.Reference().Last().Value) },
	})
	require.NoError(t, err)

	for _, p := range []string{"A", "B", "C", "D"} {
		require.NoError(t, bus.Publish(ctx, created("/Submodels/X/"+p)))
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

func TestHandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t)

	var id messagebus.SubscriptionID
	var calls int
	id, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds: []event.Kind{event.KindElementCreate},
		Handler: func(event.Message) {
			calls++
			_ = bus.Unsubscribe(ctx, id)
		},
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, created("/Submodels/X/A")))
	require.NoError(t, bus.Publish(ctx, created("/Submodels/X/B")))
	assert.Equal(t, 1, calls)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	bus := New()

	assert.ErrorIs(t, bus.Publish(ctx, created("/Submodels/X/A")), messagebus.ErrNotStarted)

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Publish(ctx, created("/Submodels/X/A")))

	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Stop(ctx))
	assert.ErrorIs(t, bus.Publish(ctx, created("/Submodels/X/A")), messagebus.ErrNotStarted)
}

func TestInvalidSubscriptions(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t)

	_, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{Handler: func(event.Message) {}})
	assert.ErrorIs(t, err, messagebus.ErrInvalidSubscription)

	_, err = bus.Subscribe(ctx, messagebus.SubscriptionInfo{Kinds: []event.Kind{event.KindError}})
	assert.ErrorIs(t, err, messagebus.ErrInvalidSubscription)

	_, err = bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds:   []event.Kind{"Bogus"},
		Handler: func(event.Message) {},
	})
	assert.ErrorIs(t, err, event.ErrUnknownKind)
}

func TestConcurrentUse(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t)

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
					Kinds:   []event.Kind{event.CategoryChange},
					Handler: func(event.Message) { delivered.Add(1) },
				})
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, bus.Publish(ctx, created("/Submodels/X/P")))
				assert.NoError(t, bus.Unsubscribe(ctx, id))
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, bus.Subscriptions())
	assert.GreaterOrEqual(t, delivered.Load(), int64(400))
}
