package event

import (
	"testing"

	"github.com/plaenen/twinbus/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConcreteKinds(t *testing.T) {
	t.Run("concrete kind resolves to itself", func(t *testing.T) {
		kinds, err := DefaultCatalog.ResolveConcreteKinds(KindValueChange)
		require.NoError(t, err)
		assert.Equal(t, []Kind{KindValueChange}, kinds)
	})

	t.Run("element change category", func(t *testing.T) {
		kinds, err := DefaultCatalog.ResolveConcreteKinds(CategoryElementChange)
		require.NoError(t, err)
		assert.ElementsMatch(t, []Kind{KindElementCreate, KindElementUpdate, KindElementDelete}, kinds)
	})

	t.Run("all category covers every concrete kind", func(t *testing.T) {
		kinds, err := DefaultCatalog.ResolveConcreteKinds(CategoryAll)
		require.NoError(t, err)
		assert.Equal(t, DefaultCatalog.ConcreteKinds(), kinds)
		for _, k := range kinds {
			assert.False(t, DefaultCatalog.IsCategory(k))
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		a, _ := DefaultCatalog.ResolveConcreteKinds(CategoryChange)
		b, _ := DefaultCatalog.ResolveConcreteKinds(CategoryChange)
		assert.Equal(t, a, b)
	})

	t.Run("result is owned by caller", func(t *testing.T) {
		a, _ := DefaultCatalog.ResolveConcreteKinds(CategoryAccess)
		a[0] = "mutated"
		b, _ := DefaultCatalog.ResolveConcreteKinds(CategoryAccess)
		assert.NotEqual(t, Kind("mutated"), b[0])
	})

	t.Run("empty category resolves to empty set", func(t *testing.T) {
		c := MustNewCatalog([]Kind{KindError}, map[Kind][]Kind{"Nothing": nil})
		kinds, err := c.ResolveConcreteKinds("Nothing")
		require.NoError(t, err)
		assert.Empty(t, kinds)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := DefaultCatalog.ResolveConcreteKinds("NoSuchEvent")
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("resolve all de-duplicates", func(t *testing.T) {
		kinds, err := DefaultCatalog.ResolveAll([]Kind{CategoryElementChange, KindElementCreate, CategoryChange})
		require.NoError(t, err)
		assert.Len(t, kinds, 5)
	})
}

func TestNewCatalogRejectsInvalidCategories(t *testing.T) {
	_, err := NewCatalog([]Kind{KindError}, map[Kind][]Kind{"C": {KindValueChange}})
	assert.Error(t, err)

	_, err = NewCatalog([]Kind{KindError}, map[Kind][]Kind{KindError: {KindError}})
	assert.Error(t, err)

	_, err = NewCatalog([]Kind{KindError}, map[Kind][]Kind{"Outer": {"Inner"}, "Inner": {KindError}})
	assert.Error(t, err, "categories must not contain categories")
}

func sampleMessages() []Message {
	ref := model.MustParseReference("/Submodels/X/Prop1")
	base := Base{Element: ref}
	prop := model.NewProperty("Prop1", model.NewValue(model.TypeInt, "7"))

	return []Message{
		ElementCreate{Base: base, Value: prop},
		ElementUpdate{Base: base, Value: prop},
		ElementDelete{Base: base, Value: prop},
		ValueChange{Base: base, OldValue: model.NewValue(model.TypeInt, "6"), NewValue: model.NewValue(model.TypeInt, "7")},
		ExecutionStateChange{Base: base, OldState: ExecutionRunning, NewState: ExecutionCompleted},
		ElementRead{Base: base, Value: model.NewSubmodel("X", "S", prop)},
		ValueRead{Base: base, Value: model.StringValue("hello")},
		OperationInvoke{Base: base, Input: map[string]model.Value{"a": model.StringValue("1")}},
		OperationFinish{Base: base, Output: map[string]model.Value{"b": model.NewValue(model.TypeBoolean, "true")}},
		Error{Base: base, Level: LevelWarning, Message: "asset unreachable"},
	}
}

func TestWireRoundTrip(t *testing.T) {
	messages := sampleMessages()

	covered := map[Kind]bool{}
	for _, msg := range messages {
		t.Run(string(msg.Kind()), func(t *testing.T) {
			data, err := ToWire(msg)
			require.NoError(t, err)

			decoded, err := FromWire(data, msg.Kind())
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
		covered[msg.Kind()] = true
	}

	for _, k := range DefaultCatalog.ConcreteKinds() {
		assert.True(t, covered[k], "no round trip sample for %s", k)
	}
}

func TestFromWireRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"missing element": `{"value":{"idShort":"P","modelType":"Property"}}`,
		"unknown field":   `{"element":{"keys":[{"type":"Submodel","value":"X"}]},"value":{"idShort":"P","modelType":"Property"},"extra":1}`,
		"trailing data":   `{"element":{"keys":[{"type":"Submodel","value":"X"}]}} {}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromWire([]byte(payload), KindElementCreate)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}

	_, err := FromWire([]byte(`{}`), CategoryAll)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestToWireRejectsInvalidReference(t *testing.T) {
	_, err := ToWire(ElementCreate{})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
