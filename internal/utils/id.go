package utils

import "github.com/google/uuid"

// NewConnectionID returns a unique identifier for a transport connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewNodeID returns an identifier for a server process on the bus.
func NewNodeID() string {
	id := uuid.New()
	return "node-" + id.String()[:8]
}
