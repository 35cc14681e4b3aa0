package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NewQueryID generates a UUIDv7 query identifier. The embedded timestamp
// keeps ids roughly submission-ordered.
func NewQueryID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewSlug generates the random per-query secret embedded in statement URIs.
func NewSlug() string {
	return "x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
