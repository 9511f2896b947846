// Package uuid provides unit tests for UUID generation and validation.
package uuid

import (
	"testing"

	"github.com/notestash/relay/internal/errors"
)

// TestNew tests that New() generates valid, unique UUID v4 strings.
func TestNew(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("Generated UUID does not match v4 format: %s", id)
		}
		if ids[id] {
			t.Fatalf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestIsValid tests UUID v4 validation.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid lowercase", "6ba7b810-9dad-41d1-80b4-00c04fd430c8", true},
		{"valid uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"empty string", "", false},
		{"version 1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"bad variant", "6ba7b810-9dad-41d1-c0b4-00c04fd430c8", false},
		{"no dashes", "6ba7b8109dad41d180b400c04fd430c8", false},
		{"urn form", "urn:uuid:6ba7b810-9dad-41d1-80b4-00c04fd430c8", false},
		{"placeholder target", "unsynced-1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
			err := Validate(tt.uuid)
			if (err == nil) != tt.want {
				t.Errorf("Validate(%q) error = %v", tt.uuid, err)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalid) {
				t.Errorf("Validate(%q) code = %s, want %s", tt.uuid, errors.CodeOf(err), errors.ErrInvalid)
			}
		})
	}
}
