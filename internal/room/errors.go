package room

import "errors"

var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrRoomClosed           = errors.New("room closed")
	ErrAlreadyExists        = errors.New("room already exists for consultation")
	ErrRoleConflict         = errors.New("role already filled by an active participant")
	ErrNotJoined            = errors.New("user has no active session in room")
	ErrRecipientUnavailable = errors.New("recipient not connected")
)
