// Package queue provides the durable outbound note queue.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/notestash/relay/internal/blocks"
	"github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/logging"
	"github.com/notestash/relay/internal/models"
	"github.com/notestash/relay/internal/uuid"
)

// Store is the persistence the queue needs. db.Repository implements it;
// every call is persisted before it returns and writes are serialized.
type Store interface {
	AppendMessage(ctx context.Context, m *models.QueuedMessage) error
	GetMessage(ctx context.Context, id string) (*models.QueuedMessage, error)
	ListMessages(ctx context.Context) ([]*models.QueuedMessage, error)
	ListUndelivered(ctx context.Context) ([]*models.QueuedMessage, error)
	UpdateMessage(ctx context.Context, id string, mutate func(m *models.QueuedMessage) error) (*models.QueuedMessage, error)
	RemoveSynced(ctx context.Context) (int, error)
	RearmTarget(ctx context.Context, targetID string, now time.Time) (int, error)
	RetargetMessages(ctx context.Context, fromTarget, toTarget string) (int, error)
	CountUndelivered(ctx context.Context, targetID string) (int, error)
}

// Queue manages pending notes until their delivery is confirmed.
type Queue struct {
	store Store
	now   func() time.Time
}

// NewQueue creates a new Queue backed by store.
func NewQueue(store Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Message describes a note handed to the queue by a producer.
type Message struct {
	TargetID string
	Content  string
	IsRich   bool
	Snippet  string
}

// Enqueue persists a new PENDING message that is due immediately.
// An empty target is stored as the placeholder target.
func (q *Queue) Enqueue(ctx context.Context, msg Message) (*models.QueuedMessage, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return nil, errors.New(errors.ErrInvalid, "message content is empty")
	}
	if msg.IsRich {
		if _, err := blocks.Parse([]byte(msg.Content)); err != nil {
			return nil, err
		}
	}

	target := strings.TrimSpace(msg.TargetID)
	if target == "" {
		target = models.PlaceholderPrefix
	}

	now := q.now()
	m := &models.QueuedMessage{
		ID:             uuid.New(),
		TargetID:       target,
		Content:        msg.Content,
		IsRich:         msg.IsRich,
		CreatedAt:      now,
		Status:         models.MessageStatusPending,
		NextAttemptAt:  now,
		HistorySnippet: msg.Snippet,
		UpdatedAt:      now,
	}
	if err := q.store.AppendMessage(ctx, m); err != nil {
		return nil, err
	}

	logging.Info("Message enqueued", map[string]interface{}{
		"message_id": m.ID,
		"target_id":  m.TargetID,
		"rich":       m.IsRich,
		"bytes":      len(m.Content),
	})
	return m, nil
}

// Get returns one message.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueuedMessage, error) {
	return q.store.GetMessage(ctx, id)
}

// LoadAll returns a snapshot of every message.
func (q *Queue) LoadAll(ctx context.Context) ([]*models.QueuedMessage, error) {
	return q.store.ListMessages(ctx)
}

// Undelivered returns non-SYNCED messages in due-time order.
func (q *Queue) Undelivered(ctx context.Context) ([]*models.QueuedMessage, error) {
	return q.store.ListUndelivered(ctx)
}

// Update atomically mutates one message and stamps UpdatedAt.
func (q *Queue) Update(ctx context.Context, id string, mutate func(m *models.QueuedMessage) error) (*models.QueuedMessage, error) {
	return q.store.UpdateMessage(ctx, id, func(m *models.QueuedMessage) error {
		if err := mutate(m); err != nil {
			return err
		}
		m.UpdatedAt = q.now()
		return nil
	})
}

// RemoveSynced purges delivered messages.
func (q *Queue) RemoveSynced(ctx context.Context) (int, error) {
	n, err := q.store.RemoveSynced(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Removed synced messages", map[string]interface{}{"count": n})
	}
	return n, nil
}

// RearmTarget makes every PENDING or FAILED message for targetID due now,
// including parked ones.
func (q *Queue) RearmTarget(ctx context.Context, targetID string) (int, error) {
	return q.store.RearmTarget(ctx, targetID, q.now())
}

// Retarget moves undelivered messages from a placeholder to a real target.
func (q *Queue) Retarget(ctx context.Context, fromTarget, toTarget string) (int, error) {
	if models.IsPlaceholderTarget(toTarget) {
		return 0, errors.Newf(errors.ErrTargetUnresolved, "cannot bind messages to placeholder target %q", toTarget)
	}
	return q.store.RetargetMessages(ctx, fromTarget, toTarget)
}

// PendingCount counts undelivered messages for targetID.
func (q *Queue) PendingCount(ctx context.Context, targetID string) (int, error) {
	return q.store.CountUndelivered(ctx, targetID)
}

// Stats returns message counts by status.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	all, err := q.store.ListMessages(ctx)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{
		"total":   0,
		"pending": 0,
		"syncing": 0,
		"synced":  0,
		"failed":  0,
		"parked":  0,
	}
	for _, m := range all {
		stats["total"]++
		switch m.Status {
		case models.MessageStatusPending:
			stats["pending"]++
		case models.MessageStatusSyncing:
			stats["syncing"]++
		case models.MessageStatusSynced:
			stats["synced"]++
		case models.MessageStatusFailed:
			stats["failed"]++
			if m.Parked() {
				stats["parked"]++
			}
		}
	}
	return stats, nil
}
