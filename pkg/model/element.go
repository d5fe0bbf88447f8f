package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
)

// ElementKind is the model type of an Element.
type ElementKind string

const (
	KindSubmodel   ElementKind = "Submodel"
	KindCollection ElementKind = "SubmodelElementCollection"
	KindList       ElementKind = "SubmodelElementList"
	KindProperty   ElementKind = "Property"
	KindFile       ElementKind = "File"
	KindOperation  ElementKind = "Operation"
)

const idShortPattern = `^[A-Za-z][A-Za-z0-9_-]*$`

// ErrInvalidElement is matched by every ValidationError.
var ErrInvalidElement = errors.New("invalid element")

// Valid reports whether k is a known kind.
func (k ElementKind) Valid() bool {
	switch k {
	case KindSubmodel, KindCollection, KindList, KindProperty, KindFile, KindOperation:
		return true
	}
	return false
}

// IsContainer reports whether elements of this kind hold child elements.
func (k ElementKind) IsContainer() bool {
	return k == KindSubmodel || k == KindCollection || k == KindList
}

// IsValueBearing reports whether elements of this kind carry a single value
// that can be bound to a live asset.
func (k ElementKind) IsValueBearing() bool {
	return k == KindProperty || k == KindFile
}

// Element is a node of the repository tree. A Submodel is the root of a tree
// and is addressed by ID; every other element is addressed by IDShort within
// its parent.
type Element struct {
	ID         string      `json:"id,omitempty"`
	IDShort    string      `json:"idShort"`
	Kind       ElementKind `json:"modelType"`
	SemanticID string      `json:"semanticId,omitempty"`
	Value      *Value      `json:"value,omitempty"`
	Children   []Element   `json:"children,omitempty"`
	Input      []Element   `json:"inputVariables,omitempty"`
	Output     []Element   `json:"outputVariables,omitempty"`
}

// NewProperty creates a Property element.
func NewProperty(idShort string, value Value) Element {
	return Element{IDShort: idShort, Kind: KindProperty, Value: &value}
}

// NewCollection creates a SubmodelElementCollection element.
func NewCollection(idShort string, children ...Element) Element {
	return Element{IDShort: idShort, Kind: KindCollection, Children: children}
}

// NewSubmodel creates a Submodel root element.
func NewSubmodel(id, idShort string, children ...Element) Element {
	return Element{ID: id, IDShort: idShort, Kind: KindSubmodel, Children: children}
}

// Clone returns a deep copy of e.
func (e Element) Clone() Element {
	out := e
	if e.Value != nil {
		v := *e.Value
		out.Value = &v
	}
	out.Children = cloneElements(e.Children)
	out.Input = cloneElements(e.Input)
	out.Output = cloneElements(e.Output)
	return out
}

func cloneElements(in []Element) []Element {
	if in == nil {
		return nil
	}
	out := make([]Element, len(in))
	for i, child := range in {
		out[i] = child.Clone()
	}
	return out
}

// Child returns a pointer to the direct child with the given idShort.
func (e *Element) Child(idShort string) *Element {
	for i := range e.Children {
		if e.Children[i].IDShort == idShort {
			return &e.Children[i]
		}
	}
	return nil
}

// ValidationError lists every rule an element violates.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid element: %s", strings.Join(e.Violations, "; "))
}

// Is makes errors.Is(err, ErrInvalidElement) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidElement
}

// Validate checks e and all of its descendants.
func (e Element) Validate() error {
	var violations []string
	e.validate("", &violations)
	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

func (e Element) validate(path string, violations *[]string) {
	where := path + e.IDShort
	if where == "" {
		where = "<root>"
	}
	report := func(format string, args ...any) {
		*violations = append(*violations, where+": "+fmt.Sprintf(format, args...))
	}

	if !govalidator.Matches(e.IDShort, idShortPattern) {
		report("idShort %q must match %s", e.IDShort, idShortPattern)
	}
	if !e.Kind.Valid() {
		report("unknown modelType %q", e.Kind)
		return
	}
	if e.SemanticID != "" && !govalidator.IsPrintableASCII(e.SemanticID) {
		report("semanticId must be printable ASCII")
	}

	switch {
	case e.Kind == KindSubmodel:
		if e.ID == "" || !govalidator.IsPrintableASCII(e.ID) {
			report("submodel id must be non-empty printable ASCII")
		}
	case e.ID != "":
		report("only submodels carry an id")
	}

	if e.Kind.IsValueBearing() {
		if e.Value == nil {
			report("%s requires a value", e.Kind)
		} else if err := e.Value.Validate(); err != nil {
			report("%v", err)
		}
	} else if e.Value != nil {
		report("%s cannot carry a value", e.Kind)
	}

	if !e.Kind.IsContainer() && len(e.Children) > 0 {
		report("%s cannot contain children", e.Kind)
	}
	if e.Kind != KindOperation && (len(e.Input) > 0 || len(e.Output) > 0) {
		report("only operations declare variables")
	}

	seen := make(map[string]struct{}, len(e.Children))
	for _, child := range e.Children {
		if child.Kind == KindSubmodel {
			*violations = append(*violations, where+"."+child.IDShort+": submodels cannot be nested")
			continue
		}
		if _, dup := seen[child.IDShort]; dup {
			report("duplicate idShort %q", child.IDShort)
		}
		seen[child.IDShort] = struct{}{}
		child.validate(where+".", violations)
	}
	for _, variable := range append(append([]Element(nil), e.Input...), e.Output...) {
		variable.validate(where+".", violations)
	}
}
