package model

import (
	"errors"
	"fmt"
)

var (
	// ErrPathNotFound is returned when an idShort path does not resolve.
	ErrPathNotFound = errors.New("path not found")

	// ErrNotContainer is returned when inserting below an element that cannot hold children.
	ErrNotContainer = errors.New("element is not a container")

	// ErrDuplicateIDShort is returned when a sibling with the same idShort exists.
	ErrDuplicateIDShort = errors.New("duplicate idShort")
)

// Find resolves an idShort path below e. An empty path resolves to e itself.
func (e *Element) Find(path []string) (*Element, error) {
	current := e
	for i, idShort := range path {
		next := current.Child(idShort)
		if next == nil {
			return nil, fmt.Errorf("%w: %v", ErrPathNotFound, path[:i+1])
		}
		current = next
	}
	return current, nil
}

// Insert adds child below the element at parentPath.
func (e *Element) Insert(parentPath []string, child Element) error {
	parent, err := e.Find(parentPath)
	if err != nil {
		return err
	}
	if !parent.Kind.IsContainer() {
		return fmt.Errorf("%w: %s", ErrNotContainer, parent.IDShort)
	}
	if parent.Child(child.IDShort) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateIDShort, child.IDShort)
	}
	parent.Children = append(parent.Children, child)
	return nil
}

// Replace swaps the element at path for replacement. The path must be non-empty.
func (e *Element) Replace(path []string, replacement Element) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: cannot replace the root through a path", ErrPathNotFound)
	}
	target, err := e.Find(path)
	if err != nil {
		return err
	}
	*target = replacement
	return nil
}

// Remove deletes the element at path and returns it. The path must be non-empty.
func (e *Element) Remove(path []string) (Element, error) {
	if len(path) == 0 {
		return Element{}, fmt.Errorf("%w: cannot remove the root through a path", ErrPathNotFound)
	}
	parent, err := e.Find(path[:len(path)-1])
	if err != nil {
		return Element{}, err
	}
	idShort := path[len(path)-1]
	for i := range parent.Children {
		if parent.Children[i].IDShort == idShort {
			removed := parent.Children[i]
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return removed, nil
		}
	}
	return Element{}, fmt.Errorf("%w: %v", ErrPathNotFound, path)
}

// Walk visits e and every descendant depth-first, passing the reference of each
// element relative to base (base addresses e). Returning false stops descent
// into the children of the current element.
func (e Element) Walk(base Reference, fn func(ref Reference, el Element) bool) {
	if !fn(base, e) {
		return
	}
	for _, child := range e.Children {
		child.Walk(base.Child(child.IDShort), fn)
	}
}
