package models

import "time"

// HistoryStatus is the delivery status shown next to a history entry.
type HistoryStatus string

const (
	HistoryStatusSent    HistoryStatus = "sent"
	HistoryStatusSending HistoryStatus = "sending"
	HistoryStatusFailed  HistoryStatus = "failed"
	HistoryStatusPending HistoryStatus = "pending"
)

// HistoryEntry is a user-visible record of something that was sent.
// RefID is the queued message id or the session id it tracks.
type HistoryEntry struct {
	ID        int64         `db:"id" json:"id"`
	RefID     string        `db:"ref_id" json:"ref_id"`
	TargetID  string        `db:"target_id" json:"target_id"`
	Text      string        `db:"text" json:"text"`
	Status    HistoryStatus `db:"status" json:"status"`
	Detail    string        `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for HistoryEntry.
func (HistoryEntry) TableName() string {
	return "history"
}

// DocState caches the last delivered (or failed) preview per target.
type DocState struct {
	TargetID    string    `db:"target_id" json:"target_id"`
	LastMessage string    `db:"last_message" json:"last_message"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for DocState.
func (DocState) TableName() string {
	return "doc_state"
}

// Draft is an unsent compose buffer.
type Draft struct {
	ID        string    `db:"id" json:"id"`
	TargetID  string    `db:"target_id" json:"target_id"`
	Content   string    `db:"content" json:"content"`
	IsRich    bool      `db:"is_rich" json:"is_rich"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Draft.
func (Draft) TableName() string {
	return "drafts"
}
