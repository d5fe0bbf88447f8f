// Package event defines the closed catalog of event kinds published on the
// message bus, the concrete event messages, and their wire encoding.
package event

import (
	"errors"
	"fmt"
	"sort"
)

// Kind names either a concrete event kind or an abstract category of kinds.
// Concrete kind names double as the topic suffix on bridged buses.
type Kind string

// Concrete kinds.
const (
	KindElementCreate        Kind = "ElementCreateEventMessage"
	KindElementUpdate        Kind = "ElementUpdateEventMessage"
	KindElementDelete        Kind = "ElementDeleteEventMessage"
	KindValueChange          Kind = "ValueChangeEventMessage"
	KindExecutionStateChange Kind = "ExecutionStateChangeEventMessage"
	KindElementRead          Kind = "ElementReadEventMessage"
	KindValueRead            Kind = "ValueReadEventMessage"
	KindOperationInvoke      Kind = "OperationInvokeEventMessage"
	KindOperationFinish      Kind = "OperationFinishEventMessage"
	KindError                Kind = "ErrorEventMessage"
)

// Abstract categories.
const (
	CategoryAll           Kind = "EventMessage"
	CategoryChange        Kind = "ChangeEventMessage"
	CategoryElementChange Kind = "ElementChangeEventMessage"
	CategoryAccess        Kind = "AccessEventMessage"
)

// ErrUnknownKind is returned for kinds that are neither concrete nor a category of a catalog.
var ErrUnknownKind = errors.New("unknown event kind")

// Catalog is an immutable table of concrete kinds and the categories grouping them.
// Categories only ever contain concrete kinds.
type Catalog struct {
	concrete   map[Kind]struct{}
	categories map[Kind][]Kind
}

// NewCatalog builds a catalog. Category members must be concrete kinds of the
// same catalog and a category name must not collide with a concrete kind.
func NewCatalog(concrete []Kind, categories map[Kind][]Kind) (*Catalog, error) {
	c := &Catalog{
		concrete:   make(map[Kind]struct{}, len(concrete)),
		categories: make(map[Kind][]Kind, len(categories)),
	}
	for _, k := range concrete {
		c.concrete[k] = struct{}{}
	}
	for category, members := range categories {
		if _, clash := c.concrete[category]; clash {
			return nil, fmt.Errorf("category %s is also a concrete kind", category)
		}
		resolved := make([]Kind, 0, len(members))
		seen := make(map[Kind]struct{}, len(members))
		for _, m := range members {
			if _, ok := c.concrete[m]; !ok {
				return nil, fmt.Errorf("category %s: member %s is not a concrete kind", category, m)
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			resolved = append(resolved, m)
		}
		sort.Slice(resolved, func(i, j int) bool { return resolved[i] < resolved[j] })
		c.categories[category] = resolved
	}
	return c, nil
}

// MustNewCatalog is like NewCatalog but panics on error.
func MustNewCatalog(concrete []Kind, categories map[Kind][]Kind) *Catalog {
	c, err := NewCatalog(concrete, categories)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultCatalog is the static catalog of all kinds this package defines.
var DefaultCatalog = MustNewCatalog(
	[]Kind{
		KindElementCreate, KindElementUpdate, KindElementDelete, KindValueChange,
		KindExecutionStateChange, KindElementRead, KindValueRead,
		KindOperationInvoke, KindOperationFinish, KindError,
	},
	map[Kind][]Kind{
		CategoryAll: {
			KindElementCreate, KindElementUpdate, KindElementDelete, KindValueChange,
			KindExecutionStateChange, KindElementRead, KindValueRead,
			KindOperationInvoke, KindOperationFinish, KindError,
		},
		CategoryChange: {
			KindElementCreate, KindElementUpdate, KindElementDelete,
			KindValueChange, KindExecutionStateChange,
		},
		CategoryElementChange: {KindElementCreate, KindElementUpdate, KindElementDelete},
		CategoryAccess:        {KindElementRead, KindValueRead, KindOperationInvoke, KindOperationFinish},
	},
)

// IsConcrete reports whether k is a concrete kind of the catalog.
func (c *Catalog) IsConcrete(k Kind) bool {
	_, ok := c.concrete[k]
	return ok
}

// IsCategory reports whether k is an abstract category of the catalog.
func (c *Catalog) IsCategory(k Kind) bool {
	_, ok := c.categories[k]
	return ok
}

// ResolveConcreteKinds returns the concrete kinds to listen for when subscribing to k.
// A concrete kind resolves to itself; a category resolves to its members, which may be
// empty. The result is sorted and owned by the caller.
func (c *Catalog) ResolveConcreteKinds(k Kind) ([]Kind, error) {
	if c.IsConcrete(k) {
		return []Kind{k}, nil
	}
	members, ok := c.categories[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	out := make([]Kind, len(members))
	copy(out, members)
	return out, nil
}

// ResolveAll resolves and de-duplicates a list of requested kinds.
func (c *Catalog) ResolveAll(kinds []Kind) ([]Kind, error) {
	seen := make(map[Kind]struct{})
	var out []Kind
	for _, k := range kinds {
		resolved, err := c.ResolveConcreteKinds(k)
		if err != nil {
			return nil, err
		}
		for _, r := range resolved {
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ConcreteKinds returns every concrete kind, sorted.
func (c *Catalog) ConcreteKinds() []Kind {
	out := make([]Kind, 0, len(c.concrete))
	for k := range c.concrete {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
