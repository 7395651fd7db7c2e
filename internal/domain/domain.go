// Package domain contains identity and room value types shared by server
// and client. No transport or lifecycle logic here.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

type (
	RoomName string
	UserID   string
)

const MaxRoomNameLen = 64

var (
	ErrRoomNameRequired = errors.New("room name is required to connect")
	ErrRoomNameTooLong  = errors.New("room name too long")
)

// ValidateRoomName checks a client-supplied room name before a connection
// may join it.
func ValidateRoomName(name RoomName) error {
	if name == "" {
		return ErrRoomNameRequired
	}
	if len(name) > MaxRoomNameLen {
		return ErrRoomNameTooLong
	}
	return nil
}

// NewUserID allocates a fresh connection-scoped identity. A connection keeps
// exactly one UserID for its lifetime.
func NewUserID() UserID {
	return UserID(uuid.NewString())
}
