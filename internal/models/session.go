package models

import "time"

// SessionStatus is the state of a chunked upload session.
type SessionStatus string

const (
	SessionStatusPreparing SessionStatus = "PREPARING"
	SessionStatusUploading SessionStatus = "UPLOADING"
	SessionStatusError     SessionStatus = "ERROR"
	SessionStatusCancelled SessionStatus = "CANCELLED"
	SessionStatusDone      SessionStatus = "DONE"
)

// ErrorCodeTransport is stored as the session error code when no HTTP status was received.
const ErrorCodeTransport = -1

// ChunkedSession is a large rich send split into size-bounded chunks.
// Chunks are persisted separately and never re-split.
type ChunkedSession struct {
	ID           string        `db:"id" json:"id"`
	TargetID     string        `db:"target_id" json:"target_id"`
	Payload      []byte        `db:"payload" json:"-"`
	TotalChunks  int           `db:"total_chunks" json:"total_chunks"`
	CurrentIndex int           `db:"current_index" json:"current_index"`
	Status       SessionStatus `db:"status" json:"status"`
	LastError    string        `db:"last_error" json:"last_error,omitempty"`
	ErrorCode    int           `db:"error_code" json:"error_code,omitempty"`
	DraftID      string        `db:"draft_id" json:"draft_id,omitempty"`
	Snippet      string        `db:"snippet" json:"snippet,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for ChunkedSession.
func (ChunkedSession) TableName() string {
	return "upload_sessions"
}

// Terminal reports whether the session has finished for good.
func (s *ChunkedSession) Terminal() bool {
	return s.Status == SessionStatusDone || s.Status == SessionStatusCancelled
}

// Resumable reports whether a resume or retry action is allowed.
func (s *ChunkedSession) Resumable() bool {
	return s.Status == SessionStatusError
}

// SessionChunk is one persisted fragment of a session payload.
type SessionChunk struct {
	SessionID string `db:"session_id" json:"session_id"`
	Index     int    `db:"chunk_index" json:"chunk_index"`
	Body      []byte `db:"body" json:"-"`
}
