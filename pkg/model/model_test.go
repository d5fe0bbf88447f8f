package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReference(t *testing.T) {
	t.Run("submodel element path", func(t *testing.T) {
		ref, err := ParseReference("/Submodels/X/Prop1")
		require.NoError(t, err)
		require.Equal(t, 2, ref.Len())
		assert.Equal(t, Key{Type: KeyTypeSubmodel, Value: "X"}, ref.Root())
		assert.Equal(t, Key{Type: KeyTypeSubmodelElement, Value: "Prop1"}, ref.Last())
		assert.Equal(t, "/Submodels/X/Prop1", ref.String())
	})

	t.Run("escaped identifiers round trip", func(t *testing.T) {
		ref := NewElementReference("https://example.com/sm/1", "Temp")
		parsed, err := ParseReference(ref.String())
		require.NoError(t, err)
		assert.True(t, ref.Equal(parsed))
	})

	t.Run("invalid paths", func(t *testing.T) {
		for _, s := range []string{"", "/", "/Submodels", "/Unknown/X", "/Shells/A/B"} {
			_, err := ParseReference(s)
			assert.ErrorIs(t, err, ErrInvalidReference, s)
		}
	})
}

func TestReferenceRelations(t *testing.T) {
	sm := MustParseReference("/Submodels/X")
	prop := MustParseReference("/Submodels/X/Coll/Prop1")

	assert.True(t, prop.StartsWith(sm))
	assert.True(t, prop.StartsWith(prop))
	assert.False(t, sm.StartsWith(prop))
	assert.False(t, prop.StartsWith(MustParseReference("/Submodels/Y")))

	assert.True(t, prop.Parent().Equal(MustParseReference("/Submodels/X/Coll")))
	assert.True(t, sm.Parent().IsZero())
	assert.Equal(t, []string{"Coll", "Prop1"}, prop.IDShortPath())

	// Child must not alias the receiver's key slice.
	a := sm.Child("A")
	b := sm.Child("B")
	assert.Equal(t, "A", a.Last().Value)
	assert.Equal(t, "B", b.Last().Value)
}

func TestValueValidateAndEqual(t *testing.T) {
	valid := []Value{
		NewValue(TypeInt, "42"),
		NewValue(TypeLong, "-9000000000"),
		NewValue(TypeDecimal, "3.14"),
		NewValue(TypeDouble, "1e3"),
		NewValue(TypeBoolean, "true"),
		NewValue(TypeDateTime, "2024-01-02T03:04:05Z"),
		NewValue(TypeAnyURI, "https://example.com/a"),
		StringValue("anything"),
	}
	for _, v := range valid {
		assert.NoError(t, v.Validate(), "%s %s", v.Type, v.Raw)
	}

	invalid := []Value{
		NewValue(TypeInt, "4.2"),
		NewValue(TypeInt, "3000000000"),
		NewValue(TypeDecimal, "abc"),
		NewValue(TypeBoolean, "yes"),
		NewValue(TypeDateTime, "yesterday"),
		NewValue("xs:unknown", "1"),
	}
	for _, v := range invalid {
		assert.ErrorIs(t, v.Validate(), ErrInvalidValue, "%s %s", v.Type, v.Raw)
	}

	assert.True(t, NewValue(TypeDecimal, "1.0").Equal(NewValue(TypeDecimal, "1")))
	assert.True(t, NewValue(TypeBoolean, "1").Equal(NewValue(TypeBoolean, "true")))
	assert.False(t, NewValue(TypeInt, "1").Equal(NewValue(TypeLong, "1")))
	assert.False(t, StringValue("a").Equal(StringValue("b")))
}

func TestElementValidate(t *testing.T) {
	sm := NewSubmodel("X", "Sensors",
		NewProperty("Prop1", NewValue(TypeDouble, "21.5")),
		NewCollection("Coll", NewProperty("Inner", StringValue("x"))),
	)
	require.NoError(t, sm.Validate())

	bad := NewSubmodel("", "1bad",
		Element{IDShort: "NoValue", Kind: KindProperty},
		NewProperty("Dup", StringValue("a")),
		NewProperty("Dup", StringValue("b")),
		Element{IDShort: "Leaf", Kind: KindProperty, Value: &Value{Type: TypeString}, Children: []Element{NewProperty("c", StringValue("x"))}},
	)
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidElement))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Violations), 5)
}

func TestElementTree(t *testing.T) {
	sm := NewSubmodel("X", "Sensors", NewCollection("Coll"))

	require.NoError(t, sm.Insert([]string{"Coll"}, NewProperty("Prop1", StringValue("a"))))
	assert.ErrorIs(t, sm.Insert([]string{"Coll"}, NewProperty("Prop1", StringValue("b"))), ErrDuplicateIDShort)
	assert.ErrorIs(t, sm.Insert([]string{"Coll", "Prop1"}, NewProperty("P", StringValue("b"))), ErrNotContainer)
	assert.ErrorIs(t, sm.Insert([]string{"Missing"}, NewProperty("P", StringValue("b"))), ErrPathNotFound)

	found, err := sm.Find([]string{"Coll", "Prop1"})
	require.NoError(t, err)
	assert.Equal(t, "a", found.Value.Raw)

	require.NoError(t, sm.Replace([]string{"Coll", "Prop1"}, NewProperty("Prop1", StringValue("z"))))
	found, _ = sm.Find([]string{"Coll", "Prop1"})
	assert.Equal(t, "z", found.Value.Raw)

	removed, err := sm.Remove([]string{"Coll", "Prop1"})
	require.NoError(t, err)
	assert.Equal(t, "Prop1", removed.IDShort)
	_, err = sm.Find([]string{"Coll", "Prop1"})
	assert.ErrorIs(t, err, ErrPathNotFound)

	var visited []string
	sm.Walk(NewSubmodelReference("X"), func(ref Reference, el Element) bool {
		visited = append(visited, ref.String())
		return true
	})
	assert.Equal(t, []string{"/Submodels/X", "/Submodels/X/Coll"}, visited)
}

func TestElementCloneIsDeep(t *testing.T) {
	orig := NewSubmodel("X", "S", NewProperty("P", StringValue("a")))
	clone := orig.Clone()
	clone.Children[0].Value.Raw = "changed"
	assert.Equal(t, "a", orig.Children[0].Value.Raw)
}

func TestReferenceJSON(t *testing.T) {
	ref := MustParseReference("/Submodels/X/Prop1")
	data, err := json.Marshal(ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"keys":[{"type":"Submodel","value":"X"},{"type":"SubmodelElement","value":"Prop1"}]}`, string(data))
}
