package forward

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/plaenen/twinbus/pkg/event"
	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/messagebus/inprocess"
	"github.com/plaenen/twinbus/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRemote struct {
	mu        sync.Mutex
	published []event.Message
	failWith  error
	started   bool
}

func (r *recordingRemote) Publish(_ context.Context, msg event.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.published = append(r.published, msg)
	return nil
}

func (r *recordingRemote) Start(context.Context) error { r.started = true; return nil }
func (r *recordingRemote) Stop(context.Context) error  { r.started = false; return nil }

func created() event.ElementCreate {
	ref := model.MustParseReference("/Submodels/X/P")
	return event.ElementCreate{Base: event.Base{Element: ref}, Value: model.NewProperty("P", model.StringValue("v"))}
}

func TestPublishDeliversLocallyAndForwards(t *testing.T) {
	ctx := context.Background()
	remote := &recordingRemote{}
	bus := New(inprocess.New(), remote)
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)
	assert.True(t, remote.started)

	var local []event.Message
	_, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds:   []event.Kind{event.CategoryAll},
		Handler: func(msg event.Message) { local = append(local, msg) },
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, created()))
	assert.Len(t, local, 1)
	assert.Len(t, remote.published, 1)
}

func TestForwardFailureIsNotReturned(t *testing.T) {
	ctx := context.Background()
	remote := &recordingRemote{failWith: messagebus.ErrBusUnavailable}
	bus := New(inprocess.New(), remote)
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	delivered := 0
	_, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds:   []event.Kind{event.KindElementCreate},
		Handler: func(event.Message) { delivered++ },
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, created()))
	assert.Equal(t, 1, delivered)
}

func TestLocalErrorsAreReturned(t *testing.T) {
	remote := &recordingRemote{}
	bus := New(inprocess.New(), remote)

	err := bus.Publish(context.Background(), created())
	assert.True(t, errors.Is(err, messagebus.ErrNotStarted))
	assert.Empty(t, remote.published)
}
