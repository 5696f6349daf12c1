// Package domain holds small cross-cutting identifier helpers shared by
// several components (cache tmp-file suffixes, request ids).
package domain

import "github.com/google/uuid"

// NewID generates a UUIDv7 string, ordered by creation time.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
