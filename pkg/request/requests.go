package request

import (
	"encoding/json"

	"github.com/plaenen/twinbus/pkg/model"
)

// Every request carries Internal. Internal requests are issued by the system
// while synchronizing with an asset and never publish events.

// CreateRequest creates Element below Parent. A zero Parent creates a submodel.
type CreateRequest struct {
	Parent   model.Reference
	Element  model.Element
	Internal bool
}

// UpdateRequest replaces the element at Reference.
type UpdateRequest struct {
	Reference model.Reference
	Element   model.Element
	Internal  bool
}

// PatchRequest applies a JSON merge patch (RFC 7396) to the element at Reference.
type PatchRequest struct {
	Reference model.Reference
	Patch     json.RawMessage
	Internal  bool
}

// DeleteRequest removes the element at Reference and its descendants.
type DeleteRequest struct {
	Reference model.Reference
	Internal  bool
}

// GetRequest reads the element at Reference. External reads pull live asset values first.
type GetRequest struct {
	Reference model.Reference
	Internal  bool
}

// GetValueRequest reads the value of a value-bearing element.
type GetValueRequest struct {
	Reference model.Reference
	Internal  bool
}

// SetValueRequest replaces the value of a value-bearing element.
type SetValueRequest struct {
	Reference model.Reference
	Value     model.Value
	Internal  bool
}

// InvokeOperationRequest executes the operation at Reference on its asset.
type InvokeOperationRequest struct {
	Reference model.Reference
	Input     map[string]model.Value
	Internal  bool
}
