// Package sync provides the dispatch engine that delivers queued notes.
package sync

import (
	"context"
	"time"

	"github.com/notestash/relay/internal/models"
)

// EngineInterface defines the dispatch operations the scheduler drives.
// This interface allows for mocking in tests.
type EngineInterface interface {
	// RunPass attempts every due message once and reports when the next
	// pass is needed. Passes never overlap.
	RunPass(ctx context.Context) (*PassResult, error)

	// Status returns the current engine status.
	Status() EngineStatus

	// LastPass returns the end time of the last completed pass.
	LastPass() *time.Time

	// LastError returns the error of the last failed pass.
	LastError() error
}

// Delivery performs exactly one delivery attempt of a note to a document.
type Delivery interface {
	Append(ctx context.Context, docID, content string, rich bool) error
}

// Resolver maps a target id to the document id known by the hub.
// ok is false while the target is still a placeholder.
type Resolver interface {
	ResolveTarget(targetID string) (docID string, ok bool)
}

// Observer is told about delivery outcomes after they are persisted.
// Implementations are best-effort and must not block for long.
type Observer interface {
	MessageDelivered(ctx context.Context, m *models.QueuedMessage)
	MessageFailed(ctx context.Context, m *models.QueuedMessage, err error)
}

// PassObserver is optionally implemented by observers that want a summary
// of every completed pass.
type PassObserver interface {
	PassCompleted(ctx context.Context, result *PassResult)
}

// Ensure Engine implements EngineInterface at compile time.
var _ EngineInterface = (*Engine)(nil)
