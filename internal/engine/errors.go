package engine

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable reason carried by an error event.
type ErrorCode string

const (
	CodeRoomNotFound     ErrorCode = "ROOM_NOT_FOUND"
	CodeRoomFull         ErrorCode = "ROOM_FULL"
	CodeDuplicatePlayer  ErrorCode = "DUPLICATE_PLAYER"
	CodeRoomNotAccepting ErrorCode = "ROOM_NOT_ACCEPTING_PLAYERS"
	CodeJoinFailed       ErrorCode = "JOIN_FAILED"
	CodeKickFailed       ErrorCode = "KICK_FAILED"
	CodeNotHost          ErrorCode = "NOT_HOST"
	CodeNotInRoom        ErrorCode = "NOT_IN_ROOM"
)

type ErrorClass int

const (
	// ClassNonFatal leaves the client where it is and surfaces a notice.
	ClassNonFatal ErrorClass = iota
	// ClassTerminal ends the room flow.
	ClassTerminal
	// ClassProtocolDrift means the server lost our membership; rejoin silently.
	ClassProtocolDrift
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTerminal:
		return "terminal"
	case ClassProtocolDrift:
		return "protocol_drift"
	default:
		return "non_fatal"
	}
}

var (
	ErrTerminal  = errors.New("terminal room error")
	ErrNonFatal  = errors.New("non-fatal room error")
	ErrNotInRoom = errors.New("not in room")
)

// Classify maps a server error code to its handling class. Unknown codes are
// non-fatal.
func Classify(code ErrorCode) ErrorClass {
	switch code {
	case CodeRoomNotFound, CodeRoomFull, CodeDuplicatePlayer:
		return ClassTerminal
	case CodeNotInRoom:
		return ClassProtocolDrift
	default:
		return ClassNonFatal
	}
}

// RoomError is an error event reported by the coordination server.
type RoomError struct {
	Code    ErrorCode
	Message string
}

func (e *RoomError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("room error %s", e.Code)
	}
	return fmt.Sprintf("room error %s: %s", e.Code, e.Message)
}

func (e *RoomError) Class() ErrorClass { return Classify(e.Code) }

func (e *RoomError) Is(target error) bool {
	switch e.Class() {
	case ClassTerminal:
		return target == ErrTerminal
	case ClassProtocolDrift:
		return target == ErrNotInRoom
	default:
		return target == ErrNonFatal
	}
}

func NewRoomError(ev Event) *RoomError {
	return &RoomError{Code: ev.Code, Message: ev.Message}
}

// UserMessage is the human-readable text shown for the error.
func (e *RoomError) UserMessage() string {
	switch e.Code {
	case CodeRoomNotFound:
		return "Room not found"
	case CodeRoomFull:
		return "This room is full"
	case CodeDuplicatePlayer:
		return "Someone with that name is already in the room"
	case CodeRoomNotAccepting:
		return "This room is not accepting players right now"
	case CodeKickFailed:
		return "Could not kick that player"
	case CodeNotHost:
		return "Only the host can do that"
	}
	if e.Message != "" {
		return e.Message
	}
	return "Something went wrong, please try again"
}
