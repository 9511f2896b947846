// Package db provides repository interfaces for relay data models.
package db

import (
	"context"
	"time"

	"github.com/notestash/relay/internal/models"
)

// QueueRepository defines durable storage for queued messages.
// Every mutation is persisted before the call returns.
type QueueRepository interface {
	// AppendMessage persists a new message.
	AppendMessage(ctx context.Context, m *models.QueuedMessage) error

	// GetMessage retrieves one message.
	GetMessage(ctx context.Context, id string) (*models.QueuedMessage, error)

	// ListMessages returns every message in insertion order.
	ListMessages(ctx context.Context) ([]*models.QueuedMessage, error)

	// ListUndelivered returns non-SYNCED messages in due-time order.
	ListUndelivered(ctx context.Context) ([]*models.QueuedMessage, error)

	// UpdateMessage atomically mutates one message.
	UpdateMessage(ctx context.Context, id string, mutate func(m *models.QueuedMessage) error) (*models.QueuedMessage, error)

	// RemoveSynced purges SYNCED messages.
	RemoveSynced(ctx context.Context) (int, error)

	// RearmTarget makes a target's undelivered messages due now.
	RearmTarget(ctx context.Context, targetID string, now time.Time) (int, error)

	// RetargetMessages rebinds undelivered messages to another target.
	RetargetMessages(ctx context.Context, fromTarget, toTarget string) (int, error)

	// CountUndelivered counts a target's non-SYNCED messages.
	CountUndelivered(ctx context.Context, targetID string) (int, error)
}

// SessionRepository defines durable storage for chunked upload sessions.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.ChunkedSession, chunks [][]byte) error
	GetSession(ctx context.Context, id string) (*models.ChunkedSession, error)
	ListSessions(ctx context.Context, statuses ...models.SessionStatus) ([]*models.ChunkedSession, error)
	UpdateSession(ctx context.Context, id string, mutate func(s *models.ChunkedSession) error) (*models.ChunkedSession, error)
	GetChunk(ctx context.Context, sessionID string, index int) ([]byte, error)
	DeleteChunks(ctx context.Context, sessionID string) error
}

// HistoryRepository defines storage for user-visible send history.
type HistoryRepository interface {
	AddHistory(ctx context.Context, e *models.HistoryEntry) error
	SetHistoryStatus(ctx context.Context, refID string, status models.HistoryStatus, detail string, now time.Time) (bool, error)
	GetHistoryByRef(ctx context.Context, refID string) (*models.HistoryEntry, error)
	ListHistory(ctx context.Context, limit int) ([]*models.HistoryEntry, error)
}

// DocStateRepository defines the per-target last-message cache.
type DocStateRepository interface {
	SaveLastMessage(ctx context.Context, targetID, text string, now time.Time) error
	GetDocState(ctx context.Context, targetID string) (*models.DocState, error)
}

// DraftRepository defines storage for unsent compose drafts.
type DraftRepository interface {
	SaveDraft(ctx context.Context, d *models.Draft) error
	GetDraft(ctx context.Context, id string) (*models.Draft, error)
	ClearDraft(ctx context.Context, id string) error
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ QueueRepository    = (*Repository)(nil)
	_ SessionRepository  = (*Repository)(nil)
	_ HistoryRepository  = (*Repository)(nil)
	_ DocStateRepository = (*Repository)(nil)
	_ DraftRepository    = (*Repository)(nil)
)
