package event

import "github.com/plaenen/twinbus/pkg/model"

// Message is an immutable notification about a repository element.
type Message interface {
	// Kind returns the concrete kind of the message.
	Kind() Kind

	// Reference returns the affected element.
	Reference() model.Reference
}

// Base carries the field every message has.
type Base struct {
	Element model.Reference `json:"element"`
}

// Reference implements Message.
func (b Base) Reference() model.Reference {
	return b.Element
}

// ElementCreate is published after an element was created.
type ElementCreate struct {
	Base
	Value model.Element `json:"value"`
}

func (ElementCreate) Kind() Kind { return KindElementCreate }

// ElementUpdate is published after an element was replaced or patched.
type ElementUpdate struct {
	Base
	Value model.Element `json:"value"`
}

func (ElementUpdate) Kind() Kind { return KindElementUpdate }

// ElementDelete is published after an element was deleted. Value is the last
// state before deletion.
type ElementDelete struct {
	Base
	Value model.Element `json:"value"`
}

func (ElementDelete) Kind() Kind { return KindElementDelete }

// ValueChange is published when the value of a value-bearing element changed.
type ValueChange struct {
	Base
	OldValue model.Value `json:"oldValue"`
	NewValue model.Value `json:"newValue"`
}

func (ValueChange) Kind() Kind { return KindValueChange }

// ExecutionState is the state of an operation execution.
type ExecutionState string

const (
	ExecutionInitiated ExecutionState = "Initiated"
	ExecutionRunning   ExecutionState = "Running"
	ExecutionCompleted ExecutionState = "Completed"
	ExecutionFailed    ExecutionState = "Failed"
)

// ExecutionStateChange is published when an operation execution changes state.
type ExecutionStateChange struct {
	Base
	OldState ExecutionState `json:"oldState"`
	NewState ExecutionState `json:"newState"`
}

func (ExecutionStateChange) Kind() Kind { return KindExecutionStateChange }

// ElementRead is published after an externally visible read of an element.
type ElementRead struct {
	Base
	Value model.Element `json:"value"`
}

func (ElementRead) Kind() Kind { return KindElementRead }

// ValueRead is published after an externally visible read of a single value.
type ValueRead struct {
	Base
	Value model.Value `json:"value"`
}

func (ValueRead) Kind() Kind { return KindValueRead }

// OperationInvoke is published when an operation is invoked.
type OperationInvoke struct {
	Base
	Input map[string]model.Value `json:"input,omitempty"`
}

func (OperationInvoke) Kind() Kind { return KindOperationInvoke }

// OperationFinish is published when an operation returned.
type OperationFinish struct {
	Base
	Output map[string]model.Value `json:"output,omitempty"`
}

func (OperationFinish) Kind() Kind { return KindOperationFinish }

// Level is the severity of an ErrorEvent.
type Level string

const (
	LevelInfo    Level = "Info"
	LevelWarning Level = "Warning"
	LevelError   Level = "Error"
)

// Error reports a failure related to an element, e.g. a failed asset synchronization.
type Error struct {
	Base
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

func (Error) Kind() Kind { return KindError }

// newMessage returns a pointer to a zero message of the given concrete kind.
func newMessage(k Kind) (Message, bool) {
	switch k {
	case KindElementCreate:
		return &ElementCreate{}, true
	case KindElementUpdate:
		return &ElementUpdate{}, true
	case KindElementDelete:
		return &ElementDelete{}, true
	case KindValueChange:
		return &ValueChange{}, true
	case KindExecutionStateChange:
		return &ExecutionStateChange{}, true
	case KindElementRead:
		return &ElementRead{}, true
	case KindValueRead:
		return &ValueRead{}, true
	case KindOperationInvoke:
		return &OperationInvoke{}, true
	case KindOperationFinish:
		return &OperationFinish{}, true
	case KindError:
		return &Error{}, true
	}
	return nil, false
}
