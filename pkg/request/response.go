package request

import (
	"errors"
	"net/http"

	"github.com/plaenen/twinbus/pkg/model"
)

// ErrValidation marks request payloads rejected before any side effect.
var ErrValidation = errors.New("validation failed")

// Status is the outcome of a request.
type Status int

const (
	StatusSuccess Status = iota
	StatusCreated
	StatusNoContent
	StatusBadRequest
	StatusNotFound
	StatusConflict
	StatusAssetError
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCreated:
		return "created"
	case StatusNoContent:
		return "no_content"
	case StatusBadRequest:
		return "bad_request"
	case StatusNotFound:
		return "not_found"
	case StatusConflict:
		return "conflict"
	case StatusAssetError:
		return "asset_error"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps s onto an HTTP status code.
func (s Status) HTTPStatus() int {
	switch s {
	case StatusSuccess:
		return http.StatusOK
	case StatusCreated:
		return http.StatusCreated
	case StatusNoContent:
		return http.StatusNoContent
	case StatusBadRequest:
		return http.StatusBadRequest
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	case StatusAssetError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsSuccess reports whether s is a 2xx outcome.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess || s == StatusCreated || s == StatusNoContent
}

// MessageType classifies a response message.
type MessageType string

const (
	MessageInfo    MessageType = "Info"
	MessageWarning MessageType = "Warning"
	MessageError   MessageType = "Error"
)

// Message is a human readable note attached to a response.
type Message struct {
	Type MessageType `json:"messageType"`
	Text string      `json:"text"`
}

// Response is the result of a request.
type Response struct {
	Status    Status                 `json:"status"`
	Reference model.Reference        `json:"reference,omitzero"`
	Element   *model.Element         `json:"element,omitempty"`
	Value     *model.Value           `json:"value,omitempty"`
	Output    map[string]model.Value `json:"output,omitempty"`
	Messages  []Message              `json:"messages,omitempty"`

	// Err is the failure behind a non-success status.
	Err error `json:"-"`
}

func (r *Response) addMessage(t MessageType, text string) {
	r.Messages = append(r.Messages, Message{Type: t, Text: text})
}
