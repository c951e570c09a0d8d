// README: Identifier type shared by bookings, drivers and customers.
package types

import (
	"strings"

	"github.com/google/uuid"
)

type ID string

// NewID returns a random 32-char hex identifier.
func NewID() ID {
	return ID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (id ID) String() string { return string(id) }

// IDPtr returns a pointer to a copy of id, or nil when id is empty.
func IDPtr(id ID) *ID {
	if id == "" {
		return nil
	}
	return &id
}
