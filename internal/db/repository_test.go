// Package db tests for repository operations.
package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/models"
	"github.com/notestash/relay/internal/uuid"
)

var baseTime = time.UnixMilli(1_760_000_000_000)

func newMessage(target, content string, created time.Time) *models.QueuedMessage {
	return &models.QueuedMessage{
		ID:            uuid.New(),
		TargetID:      target,
		Content:       content,
		CreatedAt:     created,
		Status:        models.MessageStatusPending,
		NextAttemptAt: created,
		UpdatedAt:     created,
	}
}

// =====================================================
// Queue
// =====================================================

func TestRepository_AppendAndGetMessage(t *testing.T) {
	_, repo := openTestRepository(t)
	ctx := context.Background()

	m := newMessage("doc123", "Hello", baseTime)
	m.IsRich = true
	m.HistorySnippet = "Hel"
	if err := repo.AppendMessage(ctx, m); err != nil {
		t.Fatalf("AppendMessage() failed: %v", err)
	}

	got, err := repo.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessage() failed: %v", err)
	}
	if got.TargetID != "doc123" || got.Content != "Hello" || !got.IsRich || got.HistorySnippet != "Hel" {
		t.Errorf("GetMessage() = %+v", got)
	}
	if !got.CreatedAt.Equal(baseTime) || !got.NextAttemptAt.Equal(baseTime) {
		t.Errorf("timestamps not preserved: created=%v next=%v", got.CreatedAt, got.NextAttemptAt)
	}

	if _, err := repo.GetMessage(ctx, "missing"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetMessage(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestRepository_ListUndeliveredOrder(t *testing.T) {
	_, repo := openTestRepository(t)
	ctx := context.Background()

	late := newMessage("doc", "late", baseTime)
	late.NextAttemptAt = baseTime.Add(time.Minute)
	early := newMessage("doc", "early", baseTime.Add(time.Second))
	synced := newMessage("doc", "done", baseTime)
	synced.Status = models.MessageStatusSynced

	for _, m := range []*models.QueuedMessage{late, early, synced} {
		if err := repo.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage() failed: %v", err)
		}
	}

	list, err := repo.ListUndelivered(ctx)
	if err != nil {
		t.Fatalf("ListUndelivered() failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListUndelivered() returned %d, want 2", len(list))
	}
	if list[0].Content != "early" || list[1].Content != "late" {
		t.Errorf("order = [%s %s], want [early late]", list[0].Content, list[1].Content)
	}

	all, _ := repo.ListMessages(ctx)
	if len(all) != 3 || all[0].Content != "late" {
		t.Errorf("ListMessages() should keep insertion order, got %d items", len(all))
	}
}

func TestRepository_UpdateMessage(t *testing.T) {
	_, repo := openTestRepository(t)
	ctx := context.Background()

	m := newMessage("doc", "x", baseTime)
	repo.AppendMessage(ctx, m)

	next := baseTime.Add(5 * time.Second)
	updated, err := repo.UpdateMessage(ctx, m.ID, func(q *models.QueuedMessage) error {
		q.Status = models.MessageStatusFailed
		q.Attempts = 1
		q.NextAttemptAt = next
		q.LastError = "HTTP 503"
		q.Content = "ignored"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateMessage() failed: %v", err)
	}
	if updated.Attempts != 1 {
		t.Errorf("Attempts = %d", updated.Attempts)
	}

	got, _ := repo.GetMessage(ctx, m.ID)
	if got.Status != models.MessageStatusFailed || got.LastError != "HTTP 503" || !got.NextAttemptAt.Equal(next) {
		t.Errorf("persisted = %+v", got)
	}
	if got.Content != "x" {
		t.Error("UpdateMessage() must not change content")
	}

	// A failing mutation leaves the row untouched
	boom := fmt.Errorf("boom")
	if _, err := repo.UpdateMessage(ctx, m.ID, func(q *models.QueuedMessage) error {
		q.Attempts = 99
		return boom
	}); err != boom {
		t.Errorf("UpdateMessage() error = %v, want boom", err)
	}
	got, _ = repo.GetMessage(ctx, m.ID)
	if got.Attempts != 1 {
		t.Errorf("Attempts after failed mutation = %d, want 1", got.Attempts)
	}

	if _, err := repo.UpdateMessage(ctx, "missing", func(*models.QueuedMessage) error { return nil }); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("UpdateMessage(missing) error = %v", err)
	}
}

func TestRepository_RemoveSynced(t *testing.T) {
	_, repo := openTestRepository(t)
	ctx := context.Background()

	sent := newMessage("doc", "sent", baseTime)
	sent.Status = models.MessageStatusSynced
	pending := newMessage("other", "pending", baseTime)
	repo.AppendMessage(ctx, sent)
	repo.AppendMessage(ctx, pending)

	n, err := repo.RemoveSynced(ctx)
	if err != nil {
		t.Fatalf("RemoveSynced() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RemoveSynced() = %d, want 1", n)
	}

	all, _ := repo.ListMessages(ctx)
	if len(all) != 1 || all[0].ID != pending.ID {
		t.Errorf("remaining = %v", all)
	}
}

func TestRepository_RearmRetargetCount(t *testing.T) {
	_, repo := openTestRepository(t)
	ctx := context.Background()

	a := newMessage("unsynced-1", "a", baseTime)
	a.NextAttemptAt = baseTime.Add(time.Hour)
	b := newMessage("unsynced-1", "b", baseTime)
	b.Status = models.MessageStatusFailed
	c := newMessage("unsynced-1", "c", baseTime)
	c.Status = models.MessageStatusSynced
	for _, m := range []*models.QueuedMessage{a, b, c} {
		repo.AppendMessage(ctx, m)
	}

	if n, _ := repo.CountUndelivered(ctx, "unsynced-1"); n != 2 {
		t.Errorf("CountUndelivered() = %d, want 2", n)
	}

	moved, err := repo.RetargetMessages(ctx, "unsynced-1", "doc9")
	if err != nil || moved != 2 {
		t.Fatalf("RetargetMessages() = %d, %v", moved, err)
	}

	now := baseTime.Add(time.Minute)
	n, err := repo.RearmTarget(ctx, "doc9", now)
	if err != nil || n != 2 {
		t.Fatalf("RearmTarget() = %d, %v", n, err)
	}

	got, _ := repo.GetMessage(ctx, b.ID)
	if got.Status != models.MessageStatusPending || !got.NextAttemptAt.Equal(now) {
		t.Errorf("rearmed = %+v", got)
	}
	if n, _ := repo.CountUndelivered(ctx, "doc9"); n != 2 {
		t.Errorf("CountUndelivered(doc9) = %d, want 2", n)
	}
}

// TestRepository_concurrentAppend verifies no append is lost under concurrent producers.
func TestRepository_concurrentAppend(t *testing.T) {
	_, repo := openTestRepository(t)
	ctx := context.Background()

	const perProducer = 25
	var wg sync.WaitGroup
	errs := make(chan error, 2*perProducer)
	for p := 0; p < 2; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				m := newMessage("doc", fmt.Sprintf("p%d-%d", p, i), baseTime)
				if err := repo.AppendMessage(ctx, m); err != nil {
					errs <- err
				}
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AppendMessage() failed: %v", err)
	}

	all, err := repo.ListMessages(ctx)
	if err != nil {
		t.Fatalf("ListMessages() failed: %v", err)
	}
	seen := make(map[string]bool)
	for _, m := range all {
		seen[m.ID] = true
	}
	if len(all) != 2*perProducer || len(seen) != 2*perProducer {
		t.Errorf("persisted %d messages (%d distinct), want %d", len(all), len(seen), 2*perProducer)
	}
}

// =====================================================
// Sessions
// =====================================================

func TestRepository_Sessions(t *testing.T) {
	_, repo := openTestRepository(t)
	ctx := context.Background()

	s := &models.ChunkedSession{
		ID:          uuid.New(),
		TargetID:    "doc",
		Payload:     []byte(`{"format":"blocks_v1"}`),
		TotalChunks: 2,
		Status:      models.SessionStatusPreparing,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
	chunks := [][]byte{[]byte(`[{"type":"p","text":"a"}]`), []byte(`[{"type":"p","text":"b"}]`)}
	if err := repo.CreateSession(ctx, s, chunks); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	body, err := repo.GetChunk(ctx, s.ID, 1)
	if err != nil || string(body) != string(chunks[1]) {
		t.Fatalf("GetChunk(1) = %s, %v", body, err)
	}
	if _, err := repo.GetChunk(ctx, s.ID, 2); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetChunk(2) error = %v", err)
	}

	if _, err := repo.UpdateSession(ctx, s.ID, func(cs *models.ChunkedSession) error {
		cs.Status = models.SessionStatusError
		cs.CurrentIndex = 1
		cs.ErrorCode = 500
		cs.LastError = "server error"
		return nil
	}); err != nil {
		t.Fatalf("UpdateSession() failed: %v", err)
	}

	got, err := repo.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if got.Status != models.SessionStatusError || got.CurrentIndex != 1 || got.ErrorCode != 500 {
		t.Errorf("GetSession() = %+v", got)
	}
	if string(got.Payload) != string(s.Payload) {
		t.Errorf("Payload = %s", got.Payload)
	}

	list, _ := repo.ListSessions(ctx, models.SessionStatusError, models.SessionStatusUploading)
	if len(list) != 1 {
		t.Errorf("ListSessions(ERROR, UPLOADING) = %d, want 1", len(list))
	}
	if list, _ := repo.ListSessions(ctx, models.SessionStatusDone); len(list) != 0 {
		t.Errorf("ListSessions(DONE) = %d, want 0", len(list))
	}

	if err := repo.DeleteChunks(ctx, s.ID); err != nil {
		t.Fatalf("DeleteChunks() failed: %v", err)
	}
	if _, err := repo.GetChunk(ctx, s.ID, 0); err == nil {
		t.Error("GetChunk() after DeleteChunks should fail")
	}

	if _, err := repo.GetSession(ctx, "missing"); !apperrors.Is(err, apperrors.ErrSessionNotFound) {
		t.Errorf("GetSession(missing) error = %v", err)
	}
}

// =====================================================
// History, doc state, drafts
// =====================================================

func TestRepository_History(t *testing.T) {
	_, repo := openTestRepository(t)
	ctx := context.Background()

	e := &models.HistoryEntry{RefID: "m1", TargetID: "doc", Text: "Hello", Status: models.HistoryStatusPending, CreatedAt: baseTime, UpdatedAt: baseTime}
	if err := repo.AddHistory(ctx, e); err != nil {
		t.Fatalf("AddHistory() failed: %v", err)
	}
	if e.ID == 0 {
		t.Error("AddHistory() should assign an ID")
	}

	ok, err := repo.SetHistoryStatus(ctx, "m1", models.HistoryStatusSent, "", baseTime.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("SetHistoryStatus() = %v, %v", ok, err)
	}
	if ok, _ := repo.SetHistoryStatus(ctx, "nope", models.HistoryStatusSent, "", baseTime); ok {
		t.Error("SetHistoryStatus() for unknown ref should report false")
	}

	got, err := repo.GetHistoryByRef(ctx, "m1")
	if err != nil || got.Status != models.HistoryStatusSent {
		t.Errorf("GetHistoryByRef() = %+v, %v", got, err)
	}

	list, _ := repo.ListHistory(ctx, 10)
	if len(list) != 1 {
		t.Errorf("ListHistory() = %d entries", len(list))
	}
}

func TestRepository_DocStateAndDrafts(t *testing.T) {
	_, repo := openTestRepository(t)
	ctx := context.Background()

	repo.SaveLastMessage(ctx, "doc", "first", baseTime)
	repo.SaveLastMessage(ctx, "doc", "second", baseTime.Add(time.Second))
	st, err := repo.GetDocState(ctx, "doc")
	if err != nil || st.LastMessage != "second" {
		t.Errorf("GetDocState() = %+v, %v", st, err)
	}

	d := &models.Draft{ID: "draft-1", TargetID: "doc", Content: "half a thought", UpdatedAt: baseTime}
	if err := repo.SaveDraft(ctx, d); err != nil {
		t.Fatalf("SaveDraft() failed: %v", err)
	}
	if got, err := repo.GetDraft(ctx, "draft-1"); err != nil || got.Content != "half a thought" {
		t.Errorf("GetDraft() = %+v, %v", got, err)
	}
	if err := repo.ClearDraft(ctx, "draft-1"); err != nil {
		t.Fatalf("ClearDraft() failed: %v", err)
	}
	if _, err := repo.GetDraft(ctx, "draft-1"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetDraft() after clear error = %v", err)
	}
	if err := repo.ClearDraft(ctx, "draft-1"); err != nil {
		t.Errorf("ClearDraft() twice should not fail: %v", err)
	}
}
