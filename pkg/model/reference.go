// Package model contains the repository element model shared by persistence,
// asset connections, request handling and event messages.
package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// KeyType identifies what a single key of a Reference points at.
type KeyType string

const (
	KeyTypeShell              KeyType = "AssetAdministrationShell"
	KeyTypeSubmodel           KeyType = "Submodel"
	KeyTypeConceptDescription KeyType = "ConceptDescription"
	KeyTypeSubmodelElement    KeyType = "SubmodelElement"
)

var (
	// ErrInvalidReference is returned when a reference cannot be parsed or is structurally invalid.
	ErrInvalidReference = errors.New("invalid reference")
)

// rootSegments maps identifiable key types to the path segment used in the string form.
var rootSegments = map[KeyType]string{
	KeyTypeShell:              "Shells",
	KeyTypeSubmodel:           "Submodels",
	KeyTypeConceptDescription: "ConceptDescriptions",
}

// Key is one typed identifier within a Reference.
type Key struct {
	Type  KeyType `json:"type"`
	Value string  `json:"value"`
}

// Reference is a path of typed identifiers addressing a repository element.
// The first key is always an identifiable (shell, submodel, concept description),
// every following key is the idShort of a submodel element.
//
// References are values; methods never modify the receiver.
type Reference struct {
	Keys []Key `json:"keys"`
}

// NewSubmodelReference returns a reference to the submodel with the given id.
func NewSubmodelReference(id string) Reference {
	return Reference{Keys: []Key{{Type: KeyTypeSubmodel, Value: id}}}
}

// NewElementReference returns a reference to a submodel element addressed by its idShort path.
func NewElementReference(submodelID string, idShortPath ...string) Reference {
	ref := NewSubmodelReference(submodelID)
	for _, idShort := range idShortPath {
		ref = ref.Child(idShort)
	}
	return ref
}

// ParseReference parses the string form produced by Reference.String,
// e.g. "/Submodels/X/Prop1". Identifiers are path-unescaped.
func ParseReference(s string) (Reference, error) {
	trimmed := strings.Trim(s, "/")
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty path", ErrInvalidReference)
	}

	segments := strings.Split(trimmed, "/")
	if len(segments) < 2 {
		return Reference{}, fmt.Errorf("%w: %q has no identifier", ErrInvalidReference, s)
	}

	var rootType KeyType
	for keyType, segment := range rootSegments {
		if segment == segments[0] {
			rootType = keyType
			break
		}
	}
	if rootType == "" {
		return Reference{}, fmt.Errorf("%w: unknown root segment %q", ErrInvalidReference, segments[0])
	}
	if rootType != KeyTypeSubmodel && len(segments) > 2 {
		return Reference{}, fmt.Errorf("%w: only submodels contain elements", ErrInvalidReference)
	}

	keys := make([]Key, 0, len(segments)-1)
	for i, segment := range segments[1:] {
		value, err := url.PathUnescape(segment)
		if err != nil {
			return Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		keyType := KeyTypeSubmodelElement
		if i == 0 {
			keyType = rootType
		}
		keys = append(keys, Key{Type: keyType, Value: value})
	}

	ref := Reference{Keys: keys}
	if err := ref.Validate(); err != nil {
		return Reference{}, err
	}
	return ref, nil
}

// MustParseReference is like ParseReference but panics on error.
func MustParseReference(s string) Reference {
	ref, err := ParseReference(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// String renders the reference as a slash separated path.
func (r Reference) String() string {
	if len(r.Keys) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteByte('/')
	if segment, ok := rootSegments[r.Keys[0].Type]; ok {
		b.WriteString(segment)
	} else {
		b.WriteString(string(r.Keys[0].Type))
	}
	for _, key := range r.Keys {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(key.Value))
	}
	return b.String()
}

// IsZero reports whether the reference has no keys.
func (r Reference) IsZero() bool {
	return len(r.Keys) == 0
}

// Len returns the number of keys.
func (r Reference) Len() int {
	return len(r.Keys)
}

// Root returns the identifiable key. It returns the zero Key for an empty reference.
func (r Reference) Root() Key {
	if len(r.Keys) == 0 {
		return Key{}
	}
	return r.Keys[0]
}

// Last returns the final key. It returns the zero Key for an empty reference.
func (r Reference) Last() Key {
	if len(r.Keys) == 0 {
		return Key{}
	}
	return r.Keys[len(r.Keys)-1]
}

// IDShortPath returns the idShorts following the root key.
func (r Reference) IDShortPath() []string {
	if len(r.Keys) <= 1 {
		return nil
	}
	path := make([]string, 0, len(r.Keys)-1)
	for _, key := range r.Keys[1:] {
		path = append(path, key.Value)
	}
	return path
}

// Parent returns the reference without its last key.
// The parent of a root reference is the zero Reference.
func (r Reference) Parent() Reference {
	if len(r.Keys) <= 1 {
		return Reference{}
	}
	keys := make([]Key, len(r.Keys)-1)
	copy(keys, r.Keys)
	return Reference{Keys: keys}
}

// Child returns a reference to the submodel element idShort below r.
func (r Reference) Child(idShort string) Reference {
	keys := make([]Key, len(r.Keys), len(r.Keys)+1)
	copy(keys, r.Keys)
	return Reference{Keys: append(keys, Key{Type: KeyTypeSubmodelElement, Value: idShort})}
}

// StartsWith reports whether prefix is equal to r or an ancestor of r.
func (r Reference) StartsWith(prefix Reference) bool {
	if len(prefix.Keys) > len(r.Keys) {
		return false
	}
	for i, key := range prefix.Keys {
		if r.Keys[i] != key {
			return false
		}
	}
	return true
}

// Equal reports whether both references address the same element.
func (r Reference) Equal(other Reference) bool {
	return len(r.Keys) == len(other.Keys) && r.StartsWith(other)
}

// Validate checks the structural rules of a reference.
func (r Reference) Validate() error {
	if len(r.Keys) == 0 {
		return fmt.Errorf("%w: no keys", ErrInvalidReference)
	}
	if _, ok := rootSegments[r.Keys[0].Type]; !ok {
		return fmt.Errorf("%w: first key must be identifiable, got %q", ErrInvalidReference, r.Keys[0].Type)
	}
	if len(r.Keys) > 1 && r.Keys[0].Type != KeyTypeSubmodel {
		return fmt.Errorf("%w: only submodels contain elements", ErrInvalidReference)
	}
	for i, key := range r.Keys {
		if key.Value == "" {
			return fmt.Errorf("%w: key %d has empty value", ErrInvalidReference, i)
		}
		if i > 0 && key.Type != KeyTypeSubmodelElement {
			return fmt.Errorf("%w: key %d must be a submodel element, got %q", ErrInvalidReference, i, key.Type)
		}
	}
	return nil
}
