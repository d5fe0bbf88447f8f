package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/plaenen/twinbus/pkg/model"
)

// Memory is an in-memory Persistence.
type Memory struct {
	mu        sync.RWMutex
	submodels map[string]*model.Element
}

// NewMemory creates an empty store, optionally seeded with submodels.
func NewMemory(seed ...model.Element) *Memory {
	m := &Memory{submodels: make(map[string]*model.Element, len(seed))}
	for _, sm := range seed {
		clone := sm.Clone()
		m.submodels[sm.ID] = &clone
	}
	return m
}

func (m *Memory) root(ref model.Reference) (*model.Element, error) {
	id, err := SubmodelID(ref)
	if err != nil {
		return nil, err
	}
	root, ok := m.submodels[id]
	if !ok {
		return nil, fmt.Errorf("%w: submodel %s", ErrNotFound, id)
	}
	return root, nil
}

// Get implements Persistence.
func (m *Memory) Get(ctx context.Context, ref model.Reference) (model.Element, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root, err := m.root(ref)
	if err != nil {
		return model.Element{}, err
	}
	return GetIn(*root, ref)
}

// Exists implements Persistence.
func (m *Memory) Exists(ctx context.Context, ref model.Reference) (bool, error) {
	return exists(m.Get(ctx, ref))
}

// Create implements Persistence.
func (m *Memory) Create(ctx context.Context, parent model.Reference, el model.Element) (model.Reference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parent.IsZero() {
		if el.ID == "" {
			return model.Reference{}, fmt.Errorf("%w: submodel id is required", ErrUnsupportedReference)
		}
		if _, taken := m.submodels[el.ID]; taken {
			return model.Reference{}, fmt.Errorf("%w: submodel %s", ErrAlreadyExists, el.ID)
		}
		clone := el.Clone()
		m.submodels[el.ID] = &clone
		return model.NewSubmodelReference(el.ID), nil
	}

	root, err := m.root(parent)
	if err != nil {
		return model.Reference{}, err
	}
	return CreateIn(root, parent, el)
}

// Update implements Persistence.
func (m *Memory) Update(ctx context.Context, ref model.Reference, el model.Element) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := m.root(ref)
	if err != nil {
		return err
	}
	return UpdateIn(root, ref, el)
}

// Delete implements Persistence.
func (m *Memory) Delete(ctx context.Context, ref model.Reference) (model.Element, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := m.root(ref)
	if err != nil {
		return model.Element{}, err
	}
	if ref.Len() == 1 {
		delete(m.submodels, root.ID)
		return *root, nil
	}
	return DeleteIn(root, ref)
}

// List implements Persistence.
func (m *Memory) List(ctx context.Context) ([]model.Element, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Element, 0, len(m.submodels))
	for _, sm := range m.submodels {
		out = append(out, sm.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func exists(_ model.Element, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

var _ Persistence = (*Memory)(nil)
