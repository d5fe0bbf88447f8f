// Package idgen generates sortable identifiers for published events.
package idgen

import (
	"github.com/oklog/ulid/v2"
)

// NewEventID returns a lexically sortable, monotonic event id.
func NewEventID() string {
	return ulid.Make().String()
}
