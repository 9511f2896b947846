package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/models"
)

const messageColumns = `id, target_id, content, is_rich, created_at, status, attempts,
	next_attempt_at, last_error, history_snippet, updated_at`

func scanMessage(row scanner) (*models.QueuedMessage, error) {
	var m models.QueuedMessage
	var isRich int
	var createdAt, nextAttemptAt, updatedAt int64
	err := row.Scan(&m.ID, &m.TargetID, &m.Content, &isRich, &createdAt, &m.Status,
		&m.Attempts, &nextAttemptAt, &m.LastError, &m.HistorySnippet, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.IsRich = isRich == 1
	m.CreatedAt = fromMillis(createdAt)
	m.NextAttemptAt = fromMillis(nextAttemptAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return &m, nil
}

// AppendMessage persists a new queued message. Insertion order is recorded
// so messages created in the same millisecond keep their order.
func (r *Repository) AppendMessage(ctx context.Context, m *models.QueuedMessage) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		query := `
		INSERT INTO queued_messages (` + messageColumns + `, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM queued_messages))
		`
		_, err := tx.ExecContext(ctx, query, m.ID, m.TargetID, m.Content, boolInt(m.IsRich),
			toMillis(m.CreatedAt), string(m.Status), m.Attempts, toMillis(m.NextAttemptAt),
			m.LastError, m.HistorySnippet, toMillis(m.UpdatedAt))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "append queued message", err)
		}
		return nil
	})
}

// GetMessage retrieves a queued message by ID.
func (r *Repository) GetMessage(ctx context.Context, id string) (*models.QueuedMessage, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+messageColumns+` FROM queued_messages WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	m, err := scanMessage(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queued message %s not found", id)
	}
	return m, err
}

// ListMessages returns every queued message in insertion order.
func (r *Repository) ListMessages(ctx context.Context) ([]*models.QueuedMessage, error) {
	return r.queryMessages(ctx, `SELECT `+messageColumns+` FROM queued_messages ORDER BY seq`)
}

// ListUndelivered returns all non-SYNCED messages ordered by due time, then insertion order.
func (r *Repository) ListUndelivered(ctx context.Context) ([]*models.QueuedMessage, error) {
	return r.queryMessages(ctx, `SELECT `+messageColumns+` FROM queued_messages
		WHERE status != 'SYNCED' ORDER BY next_attempt_at, created_at, seq`)
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*models.QueuedMessage, error) {
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list queued messages", err)
	}
	defer rows.Close()

	var out []*models.QueuedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessage atomically applies mutate to one message and persists the
// mutable fields. ID, target, content and creation time are never changed.
// mutate must not touch the database.
func (r *Repository) UpdateMessage(ctx context.Context, id string, mutate func(m *models.QueuedMessage) error) (*models.QueuedMessage, error) {
	var updated *models.QueuedMessage
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM queued_messages WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Newf(apperrors.ErrNotFound, "queued message %s not found", id)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "load queued message", err)
		}

		if err := mutate(m); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
		UPDATE queued_messages
		SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?, history_snippet = ?, updated_at = ?
		WHERE id = ?
		`, string(m.Status), m.Attempts, toMillis(m.NextAttemptAt), m.LastError, m.HistorySnippet,
			toMillis(m.UpdatedAt), id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "update queued message", err)
		}
		updated = m
		return nil
	})
	return updated, err
}

// RemoveSynced deletes all SYNCED messages and returns how many were removed.
func (r *Repository) RemoveSynced(ctx context.Context) (int, error) {
	var n int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM queued_messages WHERE status = 'SYNCED'`)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "remove synced messages", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// RearmTarget makes every undelivered message for targetID due at now and
// returns them to PENDING.
func (r *Repository) RearmTarget(ctx context.Context, targetID string, now time.Time) (int, error) {
	var n int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		UPDATE queued_messages
		SET status = 'PENDING', next_attempt_at = ?, updated_at = ?
		WHERE target_id = ? AND status != 'SYNCED'
		`, toMillis(now), toMillis(now), targetID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "rearm target messages", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// RetargetMessages moves undelivered messages from one target to another,
// used when a placeholder target is bound to a real document.
func (r *Repository) RetargetMessages(ctx context.Context, fromTarget, toTarget string) (int, error) {
	if fromTarget == toTarget {
		return 0, nil
	}
	var n int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		UPDATE queued_messages SET target_id = ?
		WHERE target_id = ? AND status != 'SYNCED'
		`, toTarget, fromTarget)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "retarget messages", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// CountUndelivered counts non-SYNCED messages for one target.
func (r *Repository) CountUndelivered(ctx context.Context, targetID string) (int, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT COUNT(*) FROM queued_messages WHERE target_id = ? AND status != 'SYNCED'`)
	if err != nil {
		return 0, err
	}
	var n int
	if err := stmt.QueryRowContext(ctx, targetID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count undelivered: %w", err)
	}
	return n, nil
}
