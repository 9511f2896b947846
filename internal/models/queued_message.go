// Package models provides data model definitions for the note relay.
package models

import (
	"strings"
	"time"
)

// MessageStatus is the delivery state of a queued message.
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "PENDING"
	MessageStatusSyncing MessageStatus = "SYNCING"
	MessageStatusSynced  MessageStatus = "SYNCED"
	MessageStatusFailed  MessageStatus = "FAILED"
)

// PlaceholderPrefix marks a target that is not bound to a real document yet.
const PlaceholderPrefix = "unsynced"

// IsPlaceholderTarget reports whether targetID has no real destination.
func IsPlaceholderTarget(targetID string) bool {
	return targetID == "" || strings.HasPrefix(targetID, PlaceholderPrefix)
}

// QueuedMessage is one outbound note waiting for confirmed delivery.
type QueuedMessage struct {
	ID             string        `db:"id" json:"id"`
	TargetID       string        `db:"target_id" json:"target_id"`
	Content        string        `db:"content" json:"content"`
	IsRich         bool          `db:"is_rich" json:"is_rich"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	Status         MessageStatus `db:"status" json:"status"`
	Attempts       int           `db:"attempts" json:"attempts"`
	NextAttemptAt  time.Time     `db:"next_attempt_at" json:"next_attempt_at"`
	LastError      string        `db:"last_error" json:"last_error,omitempty"`
	HistorySnippet string        `db:"history_snippet" json:"history_snippet,omitempty"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueuedMessage.
func (QueuedMessage) TableName() string {
	return "queued_messages"
}

// Delivered reports whether the message reached its terminal state.
func (m *QueuedMessage) Delivered() bool {
	return m.Status == MessageStatusSynced
}

// Parked reports whether retries were abandoned (no next attempt scheduled).
func (m *QueuedMessage) Parked() bool {
	return m.Status == MessageStatusFailed && m.NextAttemptAt.IsZero()
}

// Due reports whether a delivery attempt may be made at now.
func (m *QueuedMessage) Due(now time.Time) bool {
	if m.Delivered() || m.Parked() {
		return false
	}
	return !m.NextAttemptAt.After(now)
}

// Preview returns the text stored as the target's last message after delivery.
func (m *QueuedMessage) Preview() string {
	if m.HistorySnippet != "" {
		return Truncate(m.HistorySnippet, 500)
	}
	if m.IsRich {
		return "Queued note sent"
	}
	return Truncate(m.Content, 500)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
