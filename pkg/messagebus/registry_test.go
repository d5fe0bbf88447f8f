package messagebus

import (
	"sync"
	"testing"

	"github.com/plaenen/twinbus/pkg/event"
	"github.com/plaenen/twinbus/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterResolvesCategories(t *testing.T) {
	r := NewRegistry(nil, nil)

	sub, err := r.Register(SubscriptionInfo{
		Kinds:   []event.Kind{event.CategoryElementChange, event.KindElementCreate},
		Handler: func(event.Message) {},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []event.Kind{event.KindElementCreate, event.KindElementUpdate, event.KindElementDelete}, sub.Kinds)

	got, ok := r.Get(sub.ID)
	require.True(t, ok)
	assert.Same(t, sub, got)
}

func TestRegistryUnregisterUnknownIsNoop(t *testing.T) {
	r := NewRegistry(nil, nil)
	sub, err := r.Register(SubscriptionInfo{Kinds: []event.Kind{event.KindError}, Handler: func(event.Message) {}})
	require.NoError(t, err)

	_, ok := r.Unregister(NewSubscriptionID())
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())

	removed, ok := r.Unregister(sub.ID)
	assert.True(t, ok)
	assert.Equal(t, sub.ID, removed.ID)

	_, ok = r.Unregister(sub.ID)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestRegistryEmptyCategoryNeverMatches(t *testing.T) {
	catalog := event.MustNewCatalog([]event.Kind{event.KindElementCreate}, map[event.Kind][]event.Kind{"Empty": nil})
	r := NewRegistry(catalog, nil)

	called := false
	sub, err := r.Register(SubscriptionInfo{Kinds: []event.Kind{"Empty"}, Handler: func(event.Message) { called = true }})
	require.NoError(t, err)
	assert.Empty(t, sub.Kinds)

	r.Dispatch(event.ElementCreate{Base: event.Base{Element: model.NewSubmodelReference("X")}})
	assert.False(t, called)
}

func TestRegistryDispatchCountsPanics(t *testing.T) {
	r := NewRegistry(nil, nil)
	for _, panics := range []bool{false, true, false} {
		panics := panics
		_, err := r.Register(SubscriptionInfo{
			Kinds: []event.Kind{event.KindError},
			Handler: func(event.Message) {
				if panics {
					panic("handler failure")
				}
			},
		})
		require.NoError(t, err)
	}

	result := r.Dispatch(event.Error{Base: event.Base{Element: model.NewSubmodelReference("X")}})
	assert.Equal(t, DispatchResult{Delivered: 2, Panicked: 1}, result)
}

func TestRegistryIDsAreUnique(t *testing.T) {
	r := NewRegistry(nil, nil)
	seen := sync.Map{}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sub, err := r.Register(SubscriptionInfo{Kinds: []event.Kind{event.KindError}, Handler: func(event.Message) {}})
				if !assert.NoError(t, err) {
					return
				}
				_, dup := seen.LoadOrStore(sub.ID, struct{}{})
				assert.False(t, dup)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1600, r.Len())
}

func TestFilters(t *testing.T) {
	x := model.MustParseReference("/Submodels/X")
	prop := model.MustParseReference("/Submodels/X/P")

	assert.True(t, AcceptAll(prop))
	assert.True(t, ElementEquals(prop)(prop))
	assert.False(t, ElementEquals(x)(prop))
	assert.True(t, ElementUnder(x)(prop))
	assert.False(t, ElementUnder(prop)(x))

	var info SubscriptionInfo
	assert.True(t, info.Accepts(prop))
}
