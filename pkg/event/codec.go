package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
)

// ErrMalformedMessage is returned when a payload does not match the declared schema of its kind.
var ErrMalformedMessage = errors.New("malformed event message")

// ToWire encodes msg as JSON containing only the fields declared by its kind.
func ToWire(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	if _, ok := newMessage(msg.Kind()); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind())
	}
	if err := msg.Reference().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}
	return data, nil
}

// FromWire decodes a payload published for the concrete kind k. The returned
// message is a value of the kind's struct type (e.g. ElementCreate, not *ElementCreate).
func FromWire(data []byte, k Kind) (Message, error) {
	ptr, ok := newMessage(k)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(ptr); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, k, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: %s: trailing data", ErrMalformedMessage, k)
	}
	if err := ptr.Reference().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, k, err)
	}

	return reflect.ValueOf(ptr).Elem().Interface().(Message), nil
}
