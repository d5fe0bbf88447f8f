// Package persistencetest holds the behaviour checks every Persistence
// implementation must pass.
package persistencetest

import (
	"context"
	"testing"

	"github.com/plaenen/twinbus/pkg/model"
	"github.com/plaenen/twinbus/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sample returns a submodel with a nested collection.
func Sample() model.Element {
	return model.NewSubmodel("X", "Sensors",
		model.NewProperty("Prop1", model.NewValue(model.TypeInt, "1")),
		model.NewCollection("Group",
			model.NewProperty("Inner", model.StringValue("a")),
		),
	)
}

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) persistence.Persistence) {
	ctx := context.Background()

	seeded := func(t *testing.T) persistence.Persistence {
		store := newStore(t)
		ref, err := store.Create(ctx, model.Reference{}, Sample())
		require.NoError(t, err)
		require.Equal(t, "/Submodels/X", ref.String())
		return store
	}

	t.Run("get nested element", func(t *testing.T) {
		store := seeded(t)
		el, err := store.Get(ctx, model.MustParseReference("/Submodels/X/Group/Inner"))
		require.NoError(t, err)
		assert.Equal(t, "Inner", el.IDShort)
		assert.Equal(t, "a", el.Value.Raw)
	})

	t.Run("get returns a copy", func(t *testing.T) {
		store := seeded(t)
		ref := model.MustParseReference("/Submodels/X/Prop1")
		el, err := store.Get(ctx, ref)
		require.NoError(t, err)
		el.Value.Raw = "mutated"

		again, err := store.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, "1", again.Value.Raw)
	})

	t.Run("missing elements", func(t *testing.T) {
		store := seeded(t)
		_, err := store.Get(ctx, model.MustParseReference("/Submodels/X/Nope"))
		assert.ErrorIs(t, err, persistence.ErrNotFound)
		_, err = store.Get(ctx, model.MustParseReference("/Submodels/Y"))
		assert.ErrorIs(t, err, persistence.ErrNotFound)

		ok, err := store.Exists(ctx, model.MustParseReference("/Submodels/X/Nope"))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = store.Exists(ctx, model.MustParseReference("/Submodels/X/Group"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("unsupported reference", func(t *testing.T) {
		store := seeded(t)
		_, err := store.Get(ctx, model.MustParseReference("/Shells/S"))
		assert.ErrorIs(t, err, persistence.ErrUnsupportedReference)
	})

	t.Run("create below container", func(t *testing.T) {
		store := seeded(t)
		ref, err := store.Create(ctx, model.MustParseReference("/Submodels/X/Group"), model.NewProperty("New", model.StringValue("n")))
		require.NoError(t, err)
		assert.Equal(t, "/Submodels/X/Group/New", ref.String())

		_, err = store.Create(ctx, model.MustParseReference("/Submodels/X/Group"), model.NewProperty("New", model.StringValue("n")))
		assert.ErrorIs(t, err, persistence.ErrAlreadyExists)

		_, err = store.Create(ctx, model.MustParseReference("/Submodels/X/Prop1"), model.NewProperty("Leaf", model.StringValue("n")))
		assert.ErrorIs(t, err, persistence.ErrNotContainer)

		_, err = store.Create(ctx, model.MustParseReference("/Submodels/X/Missing"), model.NewProperty("Leaf", model.StringValue("n")))
		assert.ErrorIs(t, err, persistence.ErrNotFound)

		_, err = store.Create(ctx, model.Reference{}, Sample())
		assert.ErrorIs(t, err, persistence.ErrAlreadyExists)
	})

	t.Run("update", func(t *testing.T) {
		store := seeded(t)
		ref := model.MustParseReference("/Submodels/X/Prop1")
		require.NoError(t, store.Update(ctx, ref, model.NewProperty("Prop1", model.NewValue(model.TypeInt, "2"))))

		el, err := store.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, "2", el.Value.Raw)

		err = store.Update(ctx, model.MustParseReference("/Submodels/X/Nope"), model.NewProperty("Nope", model.StringValue("x")))
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("update submodel keeps id", func(t *testing.T) {
		store := seeded(t)
		ref := model.MustParseReference("/Submodels/X")
		require.NoError(t, store.Update(ctx, ref, model.NewSubmodel("other", "Renamed")))

		sm, err := store.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, "X", sm.ID)
		assert.Equal(t, "Renamed", sm.IDShort)
		assert.Empty(t, sm.Children)
	})

	t.Run("delete", func(t *testing.T) {
		store := seeded(t)
		removed, err := store.Delete(ctx, model.MustParseReference("/Submodels/X/Group"))
		require.NoError(t, err)
		assert.Equal(t, "Group", removed.IDShort)
		assert.Len(t, removed.Children, 1)

		_, err = store.Get(ctx, model.MustParseReference("/Submodels/X/Group/Inner"))
		assert.ErrorIs(t, err, persistence.ErrNotFound)

		_, err = store.Delete(ctx, model.MustParseReference("/Submodels/X/Group"))
		assert.ErrorIs(t, err, persistence.ErrNotFound)

		removed, err = store.Delete(ctx, model.MustParseReference("/Submodels/X"))
		require.NoError(t, err)
		assert.Equal(t, "X", removed.ID)

		all, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("list", func(t *testing.T) {
		store := seeded(t)
		_, err := store.Create(ctx, model.Reference{}, model.NewSubmodel("A", "First"))
		require.NoError(t, err)

		all, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "A", all[0].ID)
		assert.Equal(t, "X", all[1].ID)
	})
}
