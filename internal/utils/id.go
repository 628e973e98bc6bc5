package utils

import (
	"github.com/google/uuid"
)

// GenerateID returns a random identifier for a reconstruction result.
func GenerateID() string {
	return uuid.NewString()
}

// ValidID reports whether id was produced by GenerateID.
func ValidID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.Version() == 4
}
