// Package uuid provides identifier generation for queued messages and upload sessions.
package uuid

import (
	"github.com/google/uuid"

	"github.com/notestash/relay/internal/errors"
)

// New generates a random (version 4) id.
func New() string {
	return uuid.NewString()
}

// IsValid reports whether s is a canonical version 4 id as produced by New.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// Validate returns an INVALID_INPUT error if s is not an id produced by New.
func Validate(s string) error {
	if !IsValid(s) {
		return errors.Newf(errors.ErrInvalid, "invalid id %q", s)
	}
	return nil
}
