package core

import (
	"context"
	"errors"
	"fmt"
)

// Error codes sent to clients.
const (
	ErrCodeDuplicateRoom   = "duplicate_room"
	ErrCodeRoomNotFound    = "room_not_found"
	ErrCodeAlreadyInRoom   = "already_in_room"
	ErrCodeUnauthenticated = "unauthenticated"
	ErrCodeNotInRoom       = "not_in_room"
	ErrCodeBadRequest      = "bad_request"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeInternal        = "internal"
)

var (
	ErrDuplicateRoom   = errors.New("room title already exists")
	ErrRoomNotFound    = errors.New("room does not exist")
	ErrAlreadyInRoom   = errors.New("connection already in a room")
	ErrUnauthenticated = errors.New("authentication required")
	ErrNotInRoom       = errors.New("connection is not in this room")
	ErrBadRequest      = errors.New("bad request")
	ErrStoreTimeout    = errors.New("store timeout")
	ErrBusUnavailable  = errors.New("bus unavailable")
	ErrRateLimited     = errors.New("rate limit exceeded")
	// ErrConnNotFound is returned by registry lookups for unknown connections.
	ErrConnNotFound = errors.New("connection not registered")
	// ErrAlreadyBound is returned when a connection is rebound to another user.
	ErrAlreadyBound = errors.New("connection bound to another user")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string `json:"code"`
	Message string `json:"msg"`
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// ToCoreError maps an error to the shape reported to the originating
// connection. Infrastructure failures collapse into a generic message.
func ToCoreError(err error) *CoreError {
	var ce *CoreError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, ErrDuplicateRoom):
		return coreError(ErrCodeDuplicateRoom, "Room title already exists.")
	case errors.Is(err, ErrRoomNotFound):
		return coreError(ErrCodeRoomNotFound, "Room does not exist.")
	case errors.Is(err, ErrAlreadyInRoom):
		return coreError(ErrCodeAlreadyInRoom, "Already in a room; leave it first.")
	case errors.Is(err, ErrUnauthenticated):
		return coreError(ErrCodeUnauthenticated, "Authentication required.")
	case errors.Is(err, ErrNotInRoom):
		return coreError(ErrCodeNotInRoom, "Not in this room.")
	case errors.Is(err, ErrRateLimited):
		return coreError(ErrCodeRateLimited, "Too many messages, slow down.")
	case errors.Is(err, ErrBadRequest):
		return coreError(ErrCodeBadRequest, err.Error())
	default:
		return coreError(ErrCodeInternal, "Something went wrong, try again.")
	}
}

// storeErr classifies a store or presence failure.
func storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, msg)
}
