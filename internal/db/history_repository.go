package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/models"
)

// =====================================================
// History
// =====================================================

// AddHistory records a new history entry.
func (r *Repository) AddHistory(ctx context.Context, e *models.HistoryEntry) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		INSERT INTO history (ref_id, target_id, text, status, detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.RefID, e.TargetID, e.Text, string(e.Status), e.Detail, toMillis(e.CreatedAt), toMillis(e.UpdatedAt))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "add history entry", err)
		}
		e.ID, err = res.LastInsertId()
		return err
	})
}

// SetHistoryStatus updates the status of the entry tracking refID.
// It reports false when no entry references refID.
func (r *Repository) SetHistoryStatus(ctx context.Context, refID string, status models.HistoryStatus, detail string, now time.Time) (bool, error) {
	var n int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		UPDATE history SET status = ?, detail = ?, updated_at = ? WHERE ref_id = ?
		`, string(status), detail, toMillis(now), refID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "update history status", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

// GetHistoryByRef returns the entry tracking refID.
func (r *Repository) GetHistoryByRef(ctx context.Context, refID string) (*models.HistoryEntry, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT id, ref_id, target_id, text, status, detail, created_at, updated_at
	FROM history WHERE ref_id = ? ORDER BY id DESC LIMIT 1
	`, refID)
	e, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no history for %s", refID)
	}
	return e, err
}

// ListHistory returns the most recent history entries, newest first.
func (r *Repository) ListHistory(ctx context.Context, limit int) ([]*models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, ref_id, target_id, text, status, detail, created_at, updated_at
	FROM history ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list history", err)
	}
	defer rows.Close()

	var out []*models.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanHistory(row scanner) (*models.HistoryEntry, error) {
	var e models.HistoryEntry
	var createdAt, updatedAt int64
	if err := row.Scan(&e.ID, &e.RefID, &e.TargetID, &e.Text, &e.Status, &e.Detail, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}

// =====================================================
// Per-target state
// =====================================================

// SaveLastMessage stores the preview shown for a target.
func (r *Repository) SaveLastMessage(ctx context.Context, targetID, text string, now time.Time) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO doc_state (target_id, last_message, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET last_message = excluded.last_message, updated_at = excluded.updated_at
		`, targetID, text, toMillis(now))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "save last message", err)
		}
		return nil
	})
}

// GetDocState returns the cached state of a target.
func (r *Repository) GetDocState(ctx context.Context, targetID string) (*models.DocState, error) {
	var s models.DocState
	var updatedAt int64
	err := r.db.QueryRowContext(ctx, `SELECT target_id, last_message, updated_at FROM doc_state WHERE target_id = ?`, targetID).
		Scan(&s.TargetID, &s.LastMessage, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no state for target %s", targetID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load doc state", err)
	}
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

// =====================================================
// Drafts
// =====================================================

// SaveDraft creates or replaces a draft.
func (r *Repository) SaveDraft(ctx context.Context, d *models.Draft) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO drafts (id, target_id, content, is_rich, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET target_id = excluded.target_id, content = excluded.content,
			is_rich = excluded.is_rich, updated_at = excluded.updated_at
		`, d.ID, d.TargetID, d.Content, boolInt(d.IsRich), toMillis(d.UpdatedAt))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "save draft", err)
		}
		return nil
	})
}

// GetDraft retrieves a draft by ID.
func (r *Repository) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	var d models.Draft
	var isRich int
	var updatedAt int64
	err := r.db.QueryRowContext(ctx, `SELECT id, target_id, content, is_rich, updated_at FROM drafts WHERE id = ?`, id).
		Scan(&d.ID, &d.TargetID, &d.Content, &isRich, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "draft %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load draft", err)
	}
	d.IsRich = isRich == 1
	d.UpdatedAt = fromMillis(updatedAt)
	return &d, nil
}

// ClearDraft deletes a draft; clearing a missing draft is not an error.
func (r *Repository) ClearDraft(ctx context.Context, id string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "clear draft", err)
		}
		return nil
	})
}
