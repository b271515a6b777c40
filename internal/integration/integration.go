// Package integration defines the closed set of external integrations the
// orchestrator mirrors, and the (user, integration) key every piece of
// reliability state is tracked under.
package integration

import (
	"fmt"

	"github.com/google/uuid"
)

// Type identifies an external provider integration.
type Type string

const (
	// TypeContacts is the contacts directory integration.
	TypeContacts Type = "contacts"

	// TypeCalendar is the calendar integration.
	TypeCalendar Type = "calendar"
)

// Types lists every supported integration type. Sweeps fan out over this set.
func Types() []Type {
	return []Type{TypeContacts, TypeCalendar}
}

// ParseType converts a string into a Type, rejecting anything outside the
// closed set.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeContacts:
		return TypeContacts, nil
	case TypeCalendar:
		return TypeCalendar, nil
	default:
		return "", fmt.Errorf("unrecognized integration type: %q", s)
	}
}

// String returns the wire/database representation of the type.
func (t Type) String() string {
	return string(t)
}

// Key identifies one user's connection to one integration. All persisted
// reliability state (breaker, token health, schedule, subscription) is keyed
// by it.
type Key struct {
	UserID uuid.UUID
	Type   Type
}

// NewKey builds a Key for the given user and integration type.
func NewKey(userID uuid.UUID, t Type) Key {
	return Key{UserID: userID, Type: t}
}

// String renders the key for logging.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.Type)
}
