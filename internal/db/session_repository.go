package db

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/models"
)

const sessionColumns = `id, target_id, payload, total_chunks, current_index, status,
	last_error, error_code, draft_id, snippet, created_at, updated_at`

func scanSession(row scanner) (*models.ChunkedSession, error) {
	var s models.ChunkedSession
	var createdAt, updatedAt int64
	err := row.Scan(&s.ID, &s.TargetID, &s.Payload, &s.TotalChunks, &s.CurrentIndex, &s.Status,
		&s.LastError, &s.ErrorCode, &s.DraftID, &s.Snippet, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

// CreateSession persists a session together with its chunks in one transaction.
func (r *Repository) CreateSession(ctx context.Context, s *models.ChunkedSession, chunks [][]byte) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO upload_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.ID, s.TargetID, s.Payload, s.TotalChunks, s.CurrentIndex, string(s.Status),
			s.LastError, s.ErrorCode, s.DraftID, s.Snippet, toMillis(s.CreatedAt), toMillis(s.UpdatedAt))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "create upload session", err)
		}
		return insertChunks(ctx, tx, s.ID, chunks)
	})
}

func insertChunks(ctx context.Context, tx *sql.Tx, sessionID string, chunks [][]byte) error {
	for i, body := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_chunks (session_id, chunk_index, body) VALUES (?, ?, ?)`,
			sessionID, i, body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "store session chunk", err)
		}
	}
	return nil
}

// GetSession retrieves a session by ID.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.ChunkedSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load session", err)
	}
	return s, nil
}

// ListSessions returns sessions in any of the given statuses (all when none given), newest first.
func (r *Repository) ListSessions(ctx context.Context, statuses ...models.SessionStatus) ([]*models.ChunkedSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions`
	var args []interface{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list sessions", err)
	}
	defer rows.Close()

	var out []*models.ChunkedSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// UpdateSession atomically applies mutate to one session's mutable fields.
// mutate must not touch the database.
func (r *Repository) UpdateSession(ctx context.Context, id string, mutate func(s *models.ChunkedSession) error) (*models.ChunkedSession, error) {
	var updated *models.ChunkedSession
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		s, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Newf(apperrors.ErrSessionNotFound, "session %s not found", id)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "load session", err)
		}

		if err := mutate(s); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
		UPDATE upload_sessions
		SET current_index = ?, status = ?, last_error = ?, error_code = ?, updated_at = ?
		WHERE id = ?
		`, s.CurrentIndex, string(s.Status), s.LastError, s.ErrorCode, toMillis(s.UpdatedAt), id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "update session", err)
		}
		updated = s
		return nil
	})
	return updated, err
}

// GetChunk returns the serialized body of one chunk.
func (r *Repository) GetChunk(ctx context.Context, sessionID string, index int) ([]byte, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT body FROM session_chunks WHERE session_id = ? AND chunk_index = ?`)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = stmt.QueryRowContext(ctx, sessionID, index).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "chunk %d of session %s not found", index, sessionID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load chunk", err)
	}
	return body, nil
}

// DeleteChunks drops the stored chunks of a finished session.
func (r *Repository) DeleteChunks(ctx context.Context, sessionID string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM session_chunks WHERE session_id = ?`, sessionID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "delete session chunks", err)
		}
		return nil
	})
}
