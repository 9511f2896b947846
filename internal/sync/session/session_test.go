// Package session tests for chunked rich sends.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notestash/relay/internal/blocks"
	"github.com/notestash/relay/internal/db"
	"github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/models"
)

// =====================================================
// Test doubles
// =====================================================

// fakeSender records chunk indexes and can fail or block on given indexes.
type fakeSender struct {
	mu     sync.Mutex
	sent   []int
	docs   []string
	failAt map[int]int           // index -> remaining failures
	gates  map[int]chan struct{} // index -> released when closed
	reach  map[int]chan struct{} // index -> closed when the send begins
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		failAt: make(map[int]int),
		gates:  make(map[int]chan struct{}),
		reach:  make(map[int]chan struct{}),
	}
}

// block makes the send of index wait until the returned func is called.
func (f *fakeSender) block(index int) (reached <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	r := make(chan struct{})
	f.gates[index] = gate
	f.reach[index] = r
	return r, func() { close(gate) }
}

func (f *fakeSender) AppendChunk(ctx context.Context, docID string, chunk blocks.Chunk) error {
	f.mu.Lock()
	gate := f.gates[chunk.Index]
	reached := f.reach[chunk.Index]
	delete(f.gates, chunk.Index)
	delete(f.reach, chunk.Index)
	f.mu.Unlock()

	if reached != nil {
		close(reached)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt[chunk.Index] > 0 {
		f.failAt[chunk.Index]--
		return errors.Wrap(errors.ErrDeliveryFailed, "hub request failed", fmt.Errorf("connection reset"))
	}
	if _, err := blocks.DecodeChunk(chunk.Blocks); err != nil {
		return err
	}
	f.sent = append(f.sent, chunk.Index)
	f.docs = append(f.docs, docID)
	return nil
}

func (f *fakeSender) Sent() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sent...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) SessionEvent(ctx context.Context, event Event, s *models.ChunkedSession, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) has(e Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.events {
		if got == e {
			return true
		}
	}
	return false
}

type fixture struct {
	manager *Manager
	sender  *fakeSender
	events  *eventLog
	repo    *db.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenAndMigrate(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)

	f := &fixture{sender: newFakeSender(), events: &eventLog{}, repo: repo}
	// Each test paragraph is ~40 bytes of JSON, so a 60 byte ceiling
	// yields one block per chunk.
	f.manager = NewManager(repo, f.sender, nil, &Config{MaxChunkBytes: 60}, f.events)
	t.Cleanup(func() {
		f.manager.Close()
		repo.Close()
		database.Close()
	})
	return f
}

// payload builds a blocks_v1 document of n paragraphs.
func payload(t *testing.T, n int) []byte {
	t.Helper()
	var bs []blocks.Block
	for i := 0; i < n; i++ {
		bs = append(bs, blocks.Paragraph(fmt.Sprintf("paragraph number %02d", i)))
	}
	data, err := blocks.NewDocument(bs).Encode()
	require.NoError(t, err)
	return data
}

func wait(t *testing.T, m *Manager, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, id))
}

// =====================================================
// Tests
// =====================================================

// TestManager_StartUploadsAllChunks verifies a full successful session.
func TestManager_StartUploadsAllChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.manager.Start(ctx, StartRequest{TargetID: "doc1", Payload: payload(t, 5), DraftID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, 5, s.TotalChunks)
	assert.Equal(t, models.SessionStatusPreparing, s.Status)
	wait(t, f.manager, s.ID)

	got, err := f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusDone, got.Status)
	assert.Equal(t, 0, got.CurrentIndex, "index is cleared on DONE")
	assert.Equal(t, "d1", got.DraftID)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, f.sender.Sent())
	assert.True(t, f.events.has(EventDone))

	_, err = f.repo.GetChunk(ctx, s.ID, 0)
	assert.Error(t, err, "chunks are deleted once the session is done")
}

// TestManager_failureThenResume verifies a failed chunk is the resume point.
func TestManager_failureThenResume(t *testing.T) {
	f := newFixture(t)
	f.sender.failAt[2] = 1
	ctx := context.Background()

	s, err := f.manager.Start(ctx, StartRequest{TargetID: "doc1", Payload: payload(t, 5)})
	require.NoError(t, err)
	wait(t, f.manager, s.ID)

	got, _ := f.manager.Get(ctx, s.ID)
	assert.Equal(t, models.SessionStatusError, got.Status)
	assert.Equal(t, 2, got.CurrentIndex)
	assert.Equal(t, models.ErrorCodeTransport, got.ErrorCode)
	assert.Contains(t, got.LastError, "connection reset")
	assert.Equal(t, []int{0, 1}, f.sender.Sent())
	assert.True(t, f.events.has(EventFailed))

	resumed, err := f.manager.Resume(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, resumed.CurrentIndex)
	wait(t, f.manager, s.ID)

	got, _ = f.manager.Get(ctx, s.ID)
	assert.Equal(t, models.SessionStatusDone, got.Status)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, f.sender.Sent(), "resume sends chunks 2,3,4 only")
}

// TestManager_Retry verifies try-again restarts from the first chunk.
func TestManager_Retry(t *testing.T) {
	f := newFixture(t)
	f.sender.failAt[1] = 1
	ctx := context.Background()

	s, _ := f.manager.Start(ctx, StartRequest{TargetID: "doc1", Payload: payload(t, 3)})
	wait(t, f.manager, s.ID)

	restarted, err := f.manager.Retry(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, restarted.CurrentIndex)
	wait(t, f.manager, s.ID)

	got, _ := f.manager.Get(ctx, s.ID)
	assert.Equal(t, models.SessionStatusDone, got.Status)
	assert.Equal(t, []int{0, 0, 1, 2}, f.sender.Sent())
}

// TestManager_CancelBetweenChunks verifies no chunk is sent after a cancel.
func TestManager_CancelBetweenChunks(t *testing.T) {
	f := newFixture(t)
	reached, release := f.sender.block(1)
	ctx := context.Background()

	s, err := f.manager.Start(ctx, StartRequest{TargetID: "doc1", Payload: payload(t, 5)})
	require.NoError(t, err)

	<-reached
	require.NoError(t, f.manager.Cancel(ctx, s.ID))
	release()
	wait(t, f.manager, s.ID)

	got, _ := f.manager.Get(ctx, s.ID)
	assert.Equal(t, models.SessionStatusCancelled, got.Status)
	assert.Equal(t, []int{0, 1}, f.sender.Sent(), "in-flight chunk completes, nothing after it")
	assert.True(t, f.events.has(EventCancelled))

	_, err = f.manager.Resume(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.ErrSessionState))
	assert.True(t, errors.Is(f.manager.Cancel(ctx, s.ID), errors.ErrSessionState))
}

// TestManager_CancelFailedSession verifies a session in ERROR can be cancelled.
func TestManager_CancelFailedSession(t *testing.T) {
	f := newFixture(t)
	f.sender.failAt[0] = 1
	ctx := context.Background()

	s, _ := f.manager.Start(ctx, StartRequest{TargetID: "doc1", Payload: payload(t, 2)})
	wait(t, f.manager, s.ID)

	require.NoError(t, f.manager.Cancel(ctx, s.ID))
	got, _ := f.manager.Get(ctx, s.ID)
	assert.Equal(t, models.SessionStatusCancelled, got.Status)
}

// TestManager_capacity verifies a third concurrent session is rejected.
func TestManager_capacity(t *testing.T) {
	f := newFixture(t)
	reached, release := f.sender.block(0)
	ctx := context.Background()

	first, err := f.manager.Start(ctx, StartRequest{TargetID: "doc1", Payload: payload(t, 1)})
	require.NoError(t, err)
	<-reached

	// The second session's first chunk is not gated; give it a gate too.
	reached2, release2 := f.sender.block(0)
	second, err := f.manager.Start(ctx, StartRequest{TargetID: "doc2", Payload: payload(t, 1)})
	require.NoError(t, err)
	<-reached2

	_, err = f.manager.Start(ctx, StartRequest{TargetID: "doc3", Payload: payload(t, 1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionCapacity))
	assert.Contains(t, err.Error(), "Maximum concurrent sends reached (2)")

	all, _ := f.manager.List(ctx)
	assert.Len(t, all, 2, "no third session is created")

	release()
	release2()
	wait(t, f.manager, first.ID)
	wait(t, f.manager, second.ID)
	assert.Equal(t, 0, f.manager.ActiveCount())
}

// TestManager_StartValidation verifies bad payloads and placeholder targets.
func TestManager_StartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Start(ctx, StartRequest{TargetID: "doc", Payload: []byte(`{"blocks":[]}`)})
	assert.True(t, errors.Is(err, errors.ErrPayloadInvalid))

	_, err = f.manager.Start(ctx, StartRequest{TargetID: "unsynced", Payload: payload(t, 1)})
	assert.True(t, errors.Is(err, errors.ErrTargetUnresolved))

	assert.True(t, errors.Is(f.manager.Cancel(ctx, "missing"), errors.ErrSessionNotFound))
}

// TestManager_chunksNeverResplit verifies chunk bodies come from storage.
func TestManager_chunksNeverResplit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	big := strings.Repeat("x", 200)
	doc, _ := blocks.NewDocument([]blocks.Block{
		blocks.Heading(1, "Title"),
		blocks.Paragraph(big),
		blocks.ListItem("item", false),
	}).Encode()

	s, err := f.manager.Start(ctx, StartRequest{TargetID: "doc", Payload: doc})
	require.NoError(t, err)
	wait(t, f.manager, s.ID)

	assert.Equal(t, 3, s.TotalChunks, "oversized block travels alone")
	assert.Equal(t, []int{0, 1, 2}, f.sender.Sent())

	var stored map[string]interface{}
	got, _ := f.manager.Get(ctx, s.ID)
	require.NoError(t, json.Unmarshal(got.Payload, &stored))
	assert.Equal(t, "blocks_v1", stored["format"])
}

// TestManager_Recover verifies interrupted sessions become resumable.
func TestManager_Recover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := &models.ChunkedSession{
		ID:           "stale-1",
		TargetID:     "doc",
		Payload:      payload(t, 2),
		TotalChunks:  2,
		CurrentIndex: 1,
		Status:       models.SessionStatusUploading,
	}
	chunks := [][]byte{[]byte(`[{"type":"p","text":"a"}]`), []byte(`[{"type":"p","text":"b"}]`)}
	require.NoError(t, f.repo.CreateSession(ctx, stale, chunks))

	n, err := f.manager.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.manager.Get(ctx, "stale-1")
	assert.Equal(t, models.SessionStatusError, got.Status)
	assert.Equal(t, 1, got.CurrentIndex)

	_, err = f.manager.Resume(ctx, "stale-1")
	require.NoError(t, err)
	wait(t, f.manager, "stale-1")
	assert.Equal(t, []int{1}, f.sender.Sent())
}

// flakyStore fails the nth UpdateSession call once.
type flakyStore struct {
	*db.Repository
	mu     sync.Mutex
	calls  int
	failOn int
}

func (s *flakyStore) UpdateSession(ctx context.Context, id string, mutate func(cs *models.ChunkedSession) error) (*models.ChunkedSession, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.failOn
	s.mu.Unlock()
	if fail {
		return nil, errors.New(errors.ErrDatabase, "disk I/O error")
	}
	return s.Repository.UpdateSession(ctx, id, mutate)
}

// TestManager_persistFailureMarksError verifies a session whose progress or
// completion cannot be saved ends in ERROR instead of staying UPLOADING.
func TestManager_persistFailureMarksError(t *testing.T) {
	tests := []struct {
		name   string
		failOn int
		index  int
	}{
		// 1: uploading, 2: progress after chunk 0, 3: progress after chunk 1, 4: done
		{"progress", 2, 0},
		{"done", 4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database, err := db.OpenAndMigrate(t.TempDir())
			require.NoError(t, err)
			repo := db.NewRepository(database.DB)
			store := &flakyStore{Repository: repo, failOn: tt.failOn}
			events := &eventLog{}
			m := NewManager(store, newFakeSender(), nil, &Config{MaxChunkBytes: 60}, events)
			t.Cleanup(func() {
				m.Close()
				repo.Close()
				database.Close()
			})

			ctx := context.Background()
			s, err := m.Start(ctx, StartRequest{TargetID: "doc", Payload: payload(t, 2)})
			require.NoError(t, err)
			wait(t, m, s.ID)

			got, err := m.Get(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, models.SessionStatusError, got.Status)
			assert.Equal(t, tt.index, got.CurrentIndex)
			assert.Contains(t, got.LastError, "disk I/O error")
			assert.True(t, events.has(EventFailed))
			assert.False(t, m.IsActive(s.ID))
			assert.True(t, got.Resumable())
		})
	}
}

// TestManager_twoManagersShareStore verifies a second manager on the same
// database cannot take over or clobber a session the first is uploading.
func TestManager_twoManagersShareStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reached, release := f.sender.block(1)

	s, err := f.manager.Start(ctx, StartRequest{TargetID: "doc1", Payload: payload(t, 4)})
	require.NoError(t, err)
	<-reached

	otherSender := newFakeSender()
	other := NewManager(f.repo, otherSender, nil, &Config{MaxChunkBytes: 60})
	t.Cleanup(other.Close)

	_, err = other.Resume(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.ErrSessionState), "live upload is not resumable")
	_, err = other.Retry(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.ErrSessionState))

	got, err := other.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusUploading, got.Status)

	// A cancel from the other manager is honoured at the next chunk boundary.
	require.NoError(t, other.Cancel(ctx, s.ID))
	release()
	wait(t, f.manager, s.ID)

	got, err = f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCancelled, got.Status)
	assert.Equal(t, []int{0, 1}, f.sender.Sent())
	assert.Empty(t, otherSender.Sent())
	assert.False(t, f.events.has(EventFailed))
}

// TestManager_resumeClaimsSession verifies only one of two managers can
// resume the same failed session.
func TestManager_resumeClaimsSession(t *testing.T) {
	f := newFixture(t)
	f.sender.failAt[1] = 1
	ctx := context.Background()

	s, err := f.manager.Start(ctx, StartRequest{TargetID: "doc1", Payload: payload(t, 3)})
	require.NoError(t, err)
	wait(t, f.manager, s.ID)

	reached, release := f.sender.block(1)
	resumed, err := f.manager.Resume(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPreparing, resumed.Status)
	<-reached

	otherSender := newFakeSender()
	other := NewManager(f.repo, otherSender, nil, &Config{MaxChunkBytes: 60})
	t.Cleanup(other.Close)
	_, err = other.Resume(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.ErrSessionState))

	release()
	wait(t, f.manager, s.ID)

	got, err := f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusDone, got.Status)
	assert.Equal(t, []int{0, 1, 2}, f.sender.Sent())
	assert.Empty(t, otherSender.Sent())
}
