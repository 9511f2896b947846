// Package services exposes the relay operations used by the CLI and the
// HTTP surface, and keeps history, last-message previews, drafts and UI
// events in step with delivery outcomes.
package services

import (
	"context"
	"strings"
	"time"

	"github.com/notestash/relay/internal/blocks"
	"github.com/notestash/relay/internal/config"
	"github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/events"
	"github.com/notestash/relay/internal/hub"
	"github.com/notestash/relay/internal/logging"
	"github.com/notestash/relay/internal/models"
	syncpkg "github.com/notestash/relay/internal/sync"
	"github.com/notestash/relay/internal/sync/queue"
	"github.com/notestash/relay/internal/sync/scheduler"
	"github.com/notestash/relay/internal/sync/session"
	"github.com/notestash/relay/internal/telemetry"
)

const (
	historyTextLen  = 200
	sentPlaceholder = "Queued note sent"
	retryPrefix     = "Retry scheduled: "
)

// Store is the history, doc state and draft storage the service writes to.
type Store interface {
	AddHistory(ctx context.Context, e *models.HistoryEntry) error
	SetHistoryStatus(ctx context.Context, refID string, status models.HistoryStatus, detail string, now time.Time) (bool, error)
	GetHistoryByRef(ctx context.Context, refID string) (*models.HistoryEntry, error)
	ListHistory(ctx context.Context, limit int) ([]*models.HistoryEntry, error)
	SaveLastMessage(ctx context.Context, targetID, text string, now time.Time) error
	GetDocState(ctx context.Context, targetID string) (*models.DocState, error)
	SaveDraft(ctx context.Context, d *models.Draft) error
	GetDraft(ctx context.Context, id string) (*models.Draft, error)
	ClearDraft(ctx context.Context, id string) error
}

// HubClient is the part of the hub client used outside message delivery.
type HubClient interface {
	UpdateStats(ctx context.Context, docID string) error
	Ping(ctx context.Context) error
}

// Broadcaster pushes events to connected UI clients.
type Broadcaster interface {
	Broadcast(eventType string, data map[string]interface{})
}

// Dependencies wires a RelayService.
type Dependencies struct {
	Queue     *queue.Queue
	Engine    *syncpkg.Engine
	Scheduler *scheduler.Scheduler
	Sessions  *session.Manager
	Store     Store
	Hub       HubClient
	Resolver  syncpkg.Resolver
	Events    Broadcaster
	Metrics   MetricsReporter
}

// MetricsReporter reports the in-process delivery metrics.
type MetricsReporter interface {
	Report(ctx context.Context) (telemetry.Snapshot, error)
}

// RelayService coordinates producers with the dispatch engine and the
// session manager.
type RelayService struct {
	queue     *queue.Queue
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	sessions  *session.Manager
	store     Store
	hub       HubClient
	resolver  syncpkg.Resolver
	events    Broadcaster
	metrics   MetricsReporter
	now       func() time.Time
}

// NewRelayService creates the service and registers it as an observer of the
// engine and the session manager.
func NewRelayService(deps Dependencies) *RelayService {
	s := &RelayService{
		queue:     deps.Queue,
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		sessions:  deps.Sessions,
		store:     deps.Store,
		hub:       deps.Hub,
		resolver:  deps.Resolver,
		events:    deps.Events,
		metrics:   deps.Metrics,
		now:       time.Now,
	}
	if s.engine != nil {
		s.engine.AddObserver(s)
	}
	if s.sessions != nil {
		s.sessions.AddObserver(s)
	}
	return s
}

// WithClock replaces the time source, for tests.
func (s *RelayService) WithClock(now func() time.Time) *RelayService {
	s.now = now
	return s
}

// EnqueueRequest is a note handed off by a producer.
type EnqueueRequest struct {
	TargetID string `json:"target_id"`
	Content  string `json:"content"`
	IsRich   bool   `json:"is_rich"`
	Snippet  string `json:"snippet,omitempty"`
	DraftID  string `json:"draft_id,omitempty"`
}

// Enqueue persists the note, records it in history, clears its draft and
// asks for a dispatch pass. It returns once the note is durable.
func (s *RelayService) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueuedMessage, error) {
	snippet := req.Snippet
	if snippet == "" {
		snippet = snippetOf(req.Content, req.IsRich)
	}

	m, err := s.queue.Enqueue(ctx, queue.Message{
		TargetID: req.TargetID,
		Content:  req.Content,
		IsRich:   req.IsRich,
		Snippet:  snippet,
	})
	if err != nil {
		return nil, err
	}

	status := models.HistoryStatusSending
	if _, ok := s.resolve(m.TargetID); !ok {
		status = models.HistoryStatusPending
	}
	s.addHistory(ctx, m.ID, m.TargetID, historyText(m.HistorySnippet, m.Content, m.IsRich), status)
	s.clearDraft(ctx, req.DraftID)
	s.refresh(m.TargetID)

	if s.scheduler != nil {
		s.scheduler.Trigger()
	}
	return m, nil
}

// StartSessionRequest is a large rich send.
type StartSessionRequest struct {
	TargetID string `json:"target_id"`
	Payload  []byte `json:"payload"`
	DraftID  string `json:"draft_id,omitempty"`
}

// StartSession begins a chunked upload. It is rejected with
// SESSION_CAPACITY when too many sessions are uploading.
func (s *RelayService) StartSession(ctx context.Context, req StartSessionRequest) (*models.ChunkedSession, error) {
	return s.sessions.Start(ctx, session.StartRequest{
		TargetID: req.TargetID,
		Payload:  req.Payload,
		DraftID:  req.DraftID,
	})
}

// CancelSession requests cooperative cancellation.
func (s *RelayService) CancelSession(ctx context.Context, id string) error {
	return s.sessions.Cancel(ctx, id)
}

// ResumeSession continues a failed session at its persisted index.
func (s *RelayService) ResumeSession(ctx context.Context, id string) (*models.ChunkedSession, error) {
	return s.sessions.Resume(ctx, id)
}

// RetrySession restarts a failed session from the first chunk.
func (s *RelayService) RetrySession(ctx context.Context, id string) (*models.ChunkedSession, error) {
	return s.sessions.Retry(ctx, id)
}

// GetSession returns one session.
func (s *RelayService) GetSession(ctx context.Context, id string) (*models.ChunkedSession, error) {
	return s.sessions.Get(ctx, id)
}

// ListSessions lists sessions, optionally filtered by status.
func (s *RelayService) ListSessions(ctx context.Context, statuses ...models.SessionStatus) ([]*models.ChunkedSession, error) {
	return s.sessions.List(ctx, statuses...)
}

// SyncAllFor makes every undelivered message for targetID due now and asks
// for a pass. Parked messages are re-armed too.
func (s *RelayService) SyncAllFor(ctx context.Context, targetID string) (int, error) {
	n, err := s.queue.RearmTarget(ctx, targetID)
	if err != nil {
		return 0, err
	}
	logging.Info("Target re-armed", map[string]interface{}{"target_id": targetID, "messages": n})
	if n > 0 && s.scheduler != nil {
		s.scheduler.Trigger()
	}
	return n, nil
}

// BindTarget moves messages queued for a placeholder target to a real
// target and makes them due.
func (s *RelayService) BindTarget(ctx context.Context, placeholder, targetID string) (int, error) {
	if !models.IsPlaceholderTarget(placeholder) {
		return 0, errors.Newf(errors.ErrInvalid, "%q is not a placeholder target", placeholder)
	}
	n, err := s.queue.Retarget(ctx, placeholder, targetID)
	if err != nil {
		return 0, err
	}
	if _, err := s.SyncAllFor(ctx, targetID); err != nil {
		return n, err
	}
	s.refresh(placeholder)
	s.refresh(targetID)
	return n, nil
}

// RebindTargets re-arms every alias that moved from a placeholder to a real
// document between two configurations.
func (s *RelayService) RebindTargets(ctx context.Context, old, updated *config.Config) []string {
	rebound := config.ReboundTargets(old, updated)
	for _, alias := range rebound {
		if _, err := s.SyncAllFor(ctx, alias); err != nil {
			logging.Error("Failed to re-arm rebound target", err, map[string]interface{}{"target_id": alias})
			continue
		}
		s.refresh(alias)
	}
	return rebound
}

// PendingCount returns the number of undelivered messages for targetID.
func (s *RelayService) PendingCount(ctx context.Context, targetID string) (int, error) {
	return s.queue.PendingCount(ctx, targetID)
}

// RemoveSynced purges delivered messages.
func (s *RelayService) RemoveSynced(ctx context.Context) (int, error) {
	return s.queue.RemoveSynced(ctx)
}

// SaveDraft stores a compose draft.
func (s *RelayService) SaveDraft(ctx context.Context, d *models.Draft) error {
	if d.ID == "" {
		return errors.New(errors.ErrInvalid, "draft id is required")
	}
	d.UpdatedAt = s.now()
	return s.store.SaveDraft(ctx, d)
}

// GetDraft returns a compose draft.
func (s *RelayService) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	return s.store.GetDraft(ctx, id)
}

// History returns the most recent history entries.
func (s *RelayService) History(ctx context.Context, limit int) ([]*models.HistoryEntry, error) {
	return s.store.ListHistory(ctx, limit)
}

// LastMessage returns the cached preview for a target.
func (s *RelayService) LastMessage(ctx context.Context, targetID string) (*models.DocState, error) {
	return s.store.GetDocState(ctx, targetID)
}

// UpdateStats asks the hub to refresh the liveness stats of a target.
func (s *RelayService) UpdateStats(ctx context.Context, targetID string) error {
	docID, ok := s.resolve(targetID)
	if !ok {
		return errors.Newf(errors.ErrTargetUnresolved, "target %q is not bound to a document", targetID)
	}
	return s.hub.UpdateStats(ctx, docID)
}

// Ping checks that the hub is reachable.
func (s *RelayService) Ping(ctx context.Context) error {
	return s.hub.Ping(ctx)
}

// SetOnline records a connectivity change.
func (s *RelayService) SetOnline(online bool) {
	if s.scheduler != nil {
		s.scheduler.SetOnlineStatus(online)
	}
	s.broadcast(events.EventConnectivity, map[string]interface{}{"online": online})
}

// SyncNow runs a dispatch pass and waits for it.
func (s *RelayService) SyncNow(ctx context.Context) (*syncpkg.PassResult, error) {
	if s.scheduler != nil {
		return s.scheduler.SyncNow(ctx)
	}
	return s.engine.RunPass(ctx)
}

// Status summarizes queue, scheduler and sessions.
type Status struct {
	Queue          map[string]int             `json:"queue"`
	Scheduler      *scheduler.SchedulerStatus `json:"scheduler,omitempty"`
	ActiveSessions int                        `json:"active_sessions"`
	Telemetry      *telemetry.Snapshot        `json:"telemetry,omitempty"`
	Messages       []*models.QueuedMessage    `json:"messages,omitempty"`
}

// Status returns a snapshot. Undelivered messages are included when
// withMessages is set.
func (s *RelayService) Status(ctx context.Context, withMessages bool) (*Status, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := &Status{Queue: stats}
	if s.scheduler != nil {
		st := s.scheduler.GetStatus()
		out.Scheduler = &st
	}
	if s.sessions != nil {
		out.ActiveSessions = s.sessions.ActiveCount()
	}
	if s.metrics != nil {
		snap, err := s.metrics.Report(ctx)
		if err != nil {
			logging.Warn("Failed to collect metrics", map[string]interface{}{"error": err.Error()})
		}
		out.Telemetry = &snap
	}
	if withMessages {
		if out.Messages, err = s.queue.Undelivered(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MessageDelivered implements sync.Observer.
func (s *RelayService) MessageDelivered(ctx context.Context, m *models.QueuedMessage) {
	s.setHistory(ctx, m.ID, models.HistoryStatusSent, "")
	s.saveLastMessage(ctx, m.TargetID, m.Preview())
	s.refresh(m.TargetID)
}

// MessageFailed implements sync.Observer. A message that will be retried
// shows as pending; a parked one as failed.
func (s *RelayService) MessageFailed(ctx context.Context, m *models.QueuedMessage, err error) {
	detail := retryPrefix + m.LastError
	status := models.HistoryStatusPending
	if m.Parked() {
		status = models.HistoryStatusFailed
		detail = "Retries exhausted: " + m.LastError
	}
	s.setHistory(ctx, m.ID, status, detail)
	s.saveLastMessage(ctx, m.TargetID, detail)
	s.refresh(m.TargetID)
}

// PassCompleted implements sync.PassObserver.
func (s *RelayService) PassCompleted(ctx context.Context, r *syncpkg.PassResult) {
	data := map[string]interface{}{
		"attempted": r.Attempted,
		"delivered": r.Delivered,
		"failed":    r.Failed,
		"deferred":  r.Deferred,
		"remaining": r.Remaining,
	}
	if r.HasNext {
		data["next_delay_ms"] = r.NextDelay.Milliseconds()
	}
	s.broadcast(events.EventQueuePass, data)
}

// SessionEvent implements session.Observer.
func (s *RelayService) SessionEvent(ctx context.Context, event session.Event, cs *models.ChunkedSession, err error) {
	data := map[string]interface{}{
		"session_id":    cs.ID,
		"target_id":     cs.TargetID,
		"current_index": cs.CurrentIndex,
		"total_chunks":  cs.TotalChunks,
		"status":        string(cs.Status),
	}

	switch event {
	case session.EventStarted:
		if ok := s.setHistory(ctx, cs.ID, models.HistoryStatusSending, ""); !ok {
			s.addHistory(ctx, cs.ID, cs.TargetID, historyText(cs.Snippet, "", true), models.HistoryStatusSending)
		}
	case session.EventDone:
		s.setHistory(ctx, cs.ID, models.HistoryStatusSent, "")
		preview := cs.Snippet
		if preview == "" {
			preview = sentPlaceholder
		}
		s.saveLastMessage(ctx, cs.TargetID, preview)
		s.clearDraft(ctx, cs.DraftID)
		s.refresh(cs.TargetID)
	case session.EventFailed:
		s.setHistory(ctx, cs.ID, models.HistoryStatusFailed, cs.LastError)
		data["error"] = cs.LastError
		data["error_code"] = cs.ErrorCode
		data["actions"] = []string{"resume", "retry"}
	case session.EventCancelled:
		s.setHistory(ctx, cs.ID, models.HistoryStatusFailed, "Cancelled")
	}
	s.broadcast(string(event), data)
}

func (s *RelayService) resolve(targetID string) (string, bool) {
	if models.IsPlaceholderTarget(targetID) {
		return "", false
	}
	if s.resolver == nil {
		return targetID, true
	}
	return s.resolver.ResolveTarget(targetID)
}

func (s *RelayService) addHistory(ctx context.Context, refID, targetID, text string, status models.HistoryStatus) {
	now := s.now()
	err := s.store.AddHistory(ctx, &models.HistoryEntry{
		RefID:     refID,
		TargetID:  targetID,
		Text:      text,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		logging.Error("Failed to add history entry", err, map[string]interface{}{"ref_id": refID})
		return
	}
	s.broadcast(events.EventHistoryStatus, map[string]interface{}{"ref_id": refID, "status": string(status)})
}

// setHistory reports whether an entry for refID existed.
func (s *RelayService) setHistory(ctx context.Context, refID string, status models.HistoryStatus, detail string) bool {
	found, err := s.store.SetHistoryStatus(ctx, refID, status, detail, s.now())
	if err != nil {
		logging.Error("Failed to update history status", err, map[string]interface{}{"ref_id": refID})
		return false
	}
	if found {
		s.broadcast(events.EventHistoryStatus, map[string]interface{}{
			"ref_id": refID,
			"status": string(status),
			"detail": detail,
		})
	}
	return found
}

func (s *RelayService) saveLastMessage(ctx context.Context, targetID, text string) {
	if err := s.store.SaveLastMessage(ctx, targetID, text, s.now()); err != nil {
		logging.Error("Failed to save last message", err, map[string]interface{}{"target_id": targetID})
	}
}

func (s *RelayService) clearDraft(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.store.ClearDraft(ctx, id); err != nil && !errors.Is(err, errors.ErrNotFound) {
		logging.Warn("Failed to clear draft", map[string]interface{}{"draft_id": id, "error": err.Error()})
	}
}

// refresh asks UI clients to redraw a target summary.
func (s *RelayService) refresh(targetID string) {
	if s.events == nil {
		return
	}
	data := map[string]interface{}{"target_id": targetID}
	if n, err := s.queue.PendingCount(context.Background(), targetID); err == nil {
		data["pending"] = n
	}
	s.broadcast(events.EventDocRefresh, data)
}

func (s *RelayService) broadcast(eventType string, data map[string]interface{}) {
	if s.events != nil {
		s.events.Broadcast(eventType, data)
	}
}

func snippetOf(content string, rich bool) string {
	if !rich {
		return ""
	}
	doc, err := blocks.Parse([]byte(content))
	if err != nil {
		return ""
	}
	return blocks.Snippet(doc.Blocks, historyTextLen)
}

func historyText(snippet, content string, rich bool) string {
	if snippet != "" {
		return models.Truncate(snippet, historyTextLen)
	}
	if rich || strings.TrimSpace(content) == "" {
		return sentPlaceholder
	}
	return models.Truncate(content, historyTextLen)
}

// DescribeError renders an error for user-facing output.
func DescribeError(err error) string {
	return hub.Describe(err)
}

var (
	_ syncpkg.Observer     = (*RelayService)(nil)
	_ syncpkg.PassObserver = (*RelayService)(nil)
	_ session.Observer     = (*RelayService)(nil)
)
