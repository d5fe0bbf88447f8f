// Package persistence stores submodels and their element trees. Elements are
// addressed by model.Reference; the root key of every reference is the
// submodel id.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/plaenen/twinbus/pkg/model"
)

var (
	// ErrNotFound is returned when the referenced element does not exist.
	ErrNotFound = errors.New("element not found")

	// ErrAlreadyExists is returned when creating an element whose idShort or id is taken.
	ErrAlreadyExists = errors.New("element already exists")

	// ErrNotContainer is returned when creating below an element that cannot hold children.
	ErrNotContainer = errors.New("parent element is not a container")

	// ErrUnsupportedReference is returned for references not rooted at a submodel.
	ErrUnsupportedReference = errors.New("unsupported reference")
)

// Persistence is the element store used by the request handler.
type Persistence interface {
	// Get returns a copy of the element at ref.
	Get(ctx context.Context, ref model.Reference) (model.Element, error)

	// Exists reports whether an element exists at ref.
	Exists(ctx context.Context, ref model.Reference) (bool, error)

	// Create stores el below parent and returns its reference. A zero parent
	// creates a new submodel; el.ID is then required.
	Create(ctx context.Context, parent model.Reference, el model.Element) (model.Reference, error)

	// Update replaces the element at ref.
	Update(ctx context.Context, ref model.Reference, el model.Element) error

	// Delete removes the element at ref, including descendants, and returns it.
	Delete(ctx context.Context, ref model.Reference) (model.Element, error)

	// List returns all submodels.
	List(ctx context.Context) ([]model.Element, error)
}

// SubmodelID returns the submodel id that roots ref.
func SubmodelID(ref model.Reference) (string, error) {
	if ref.IsZero() {
		return "", fmt.Errorf("%w: empty reference", ErrUnsupportedReference)
	}
	root := ref.Root()
	if root.Type != model.KeyTypeSubmodel {
		return "", fmt.Errorf("%w: %s is not rooted at a submodel", ErrUnsupportedReference, ref)
	}
	return root.Value, nil
}

// translate maps tree errors onto the persistence sentinels.
func translate(err error, ref model.Reference) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrPathNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	case errors.Is(err, model.ErrNotContainer):
		return fmt.Errorf("%w: %s", ErrNotContainer, ref)
	case errors.Is(err, model.ErrDuplicateIDShort):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	default:
		return err
	}
}

// GetIn resolves ref inside the submodel tree root.
func GetIn(root model.Element, ref model.Reference) (model.Element, error) {
	found, err := root.Find(ref.IDShortPath())
	if err != nil {
		return model.Element{}, translate(err, ref)
	}
	return found.Clone(), nil
}

// CreateIn inserts el below parent inside root and returns the new reference.
func CreateIn(root *model.Element, parent model.Reference, el model.Element) (model.Reference, error) {
	if err := root.Insert(parent.IDShortPath(), el.Clone()); err != nil {
		return model.Reference{}, translate(err, parent)
	}
	return parent.Child(el.IDShort), nil
}

// UpdateIn replaces the element at ref inside root. A submodel reference
// replaces root itself while keeping its id.
func UpdateIn(root *model.Element, ref model.Reference, el model.Element) error {
	path := ref.IDShortPath()
	if len(path) == 0 {
		id := root.ID
		*root = el.Clone()
		root.ID = id
		return nil
	}
	return translate(root.Replace(path, el.Clone()), ref)
}

// DeleteIn removes the element at ref from root. Submodel references are
// handled by the caller.
func DeleteIn(root *model.Element, ref model.Reference) (model.Element, error) {
	removed, err := root.Remove(ref.IDShortPath())
	if err != nil {
		return model.Element{}, translate(err, ref)
	}
	return removed, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Exists adapts a Get result to an existence check.
func Exists(el model.Element, err error) (bool, error) {
	return exists(el, err)
}
