// Package session uploads large rich notes as a sequence of size-bounded
// chunks that can be cancelled, resumed from the failed chunk or restarted.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notestash/relay/internal/blocks"
	"github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/hub"
	"github.com/notestash/relay/internal/logging"
	"github.com/notestash/relay/internal/models"
	"github.com/notestash/relay/internal/uuid"
)

// DefaultMaxConcurrent is how many sessions may upload at the same time.
const DefaultMaxConcurrent = 2

// Store is the persistence the manager needs. db.Repository implements it.
type Store interface {
	CreateSession(ctx context.Context, s *models.ChunkedSession, chunks [][]byte) error
	GetSession(ctx context.Context, id string) (*models.ChunkedSession, error)
	ListSessions(ctx context.Context, statuses ...models.SessionStatus) ([]*models.ChunkedSession, error)
	UpdateSession(ctx context.Context, id string, mutate func(s *models.ChunkedSession) error) (*models.ChunkedSession, error)
	GetChunk(ctx context.Context, sessionID string, index int) ([]byte, error)
	DeleteChunks(ctx context.Context, sessionID string) error
}

// ChunkSender performs one chunk delivery attempt.
type ChunkSender interface {
	AppendChunk(ctx context.Context, docID string, chunk blocks.Chunk) error
}

// Resolver maps a target id to the document id known by the hub.
type Resolver interface {
	ResolveTarget(targetID string) (docID string, ok bool)
}

// Event identifies a session state change.
type Event string

const (
	EventStarted   Event = "session.started"
	EventProgress  Event = "session.progress"
	EventDone      Event = "session.done"
	EventFailed    Event = "session.failed"
	EventCancelled Event = "session.cancelled"
)

// Observer is told about every persisted session state change.
type Observer interface {
	SessionEvent(ctx context.Context, event Event, s *models.ChunkedSession, err error)
}

// Config holds manager limits.
type Config struct {
	MaxConcurrent int
	MaxChunkBytes int
}

// StartRequest describes a new rich send.
type StartRequest struct {
	TargetID string
	Payload  []byte // serialized blocks_v1 document
	DraftID  string
}

// activeSession is the in-memory handle of an uploading session.
type activeSession struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// Manager owns the set of active sessions. Sessions run on the manager's
// own context, so a caller going away does not stop an upload.
type Manager struct {
	store         Store
	sender        ChunkSender
	resolver      Resolver
	observers     []Observer
	maxConcurrent int
	maxChunkBytes int
	now           func() time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeSession
	closed bool
}

// NewManager creates a new Manager.
func NewManager(store Store, sender ChunkSender, resolver Resolver, config *Config, observers ...Observer) *Manager {
	if config == nil {
		config = &Config{}
	}
	maxConcurrent := config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	maxChunkBytes := config.MaxChunkBytes
	if maxChunkBytes <= 0 {
		maxChunkBytes = blocks.DefaultMaxChunkBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:         store,
		sender:        sender,
		resolver:      resolver,
		observers:     observers,
		maxConcurrent: maxConcurrent,
		maxChunkBytes: maxChunkBytes,
		now:           time.Now,
		baseCtx:       ctx,
		cancelBase:    cancel,
		active:        make(map[string]*activeSession),
	}
}

// WithClock replaces the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// AddObserver registers an observer. It must be called before the first session.
func (m *Manager) AddObserver(o Observer) {
	m.observers = append(m.observers, o)
}

// reserve claims an upload slot for id.
func (m *Manager) reserve(id string) (*activeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New(errors.ErrSessionState, "session manager is closed")
	}
	if _, ok := m.active[id]; ok {
		return nil, errors.Newf(errors.ErrSessionState, "session %s is already uploading", id)
	}
	if len(m.active) >= m.maxConcurrent {
		return nil, errors.Newf(errors.ErrSessionCapacity,
			"Maximum concurrent sends reached (%d). Try again later.", m.maxConcurrent)
	}
	as := &activeSession{done: make(chan struct{})}
	m.active[id] = as
	return as, nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if as, ok := m.active[id]; ok {
		close(as.done)
		delete(m.active, id)
	}
}

// Start splits the payload into chunks, persists the session and begins
// uploading in the background. It fails fast with SESSION_CAPACITY when the
// concurrency cap is reached.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*models.ChunkedSession, error) {
	doc, err := blocks.Parse(req.Payload)
	if err != nil {
		return nil, err
	}
	if _, ok := m.destination(req.TargetID); !ok {
		return nil, errors.Newf(errors.ErrTargetUnresolved, "target %q is not bound to a document", req.TargetID)
	}

	id := uuid.New()
	as, err := m.reserve(id)
	if err != nil {
		return nil, err
	}

	chunks, err := blocks.EncodeChunks(doc.Blocks, m.maxChunkBytes)
	if err != nil {
		m.release(id)
		return nil, errors.Wrap(errors.ErrPayloadInvalid, "split rich payload", err)
	}

	now := m.now()
	s := &models.ChunkedSession{
		ID:          id,
		TargetID:    req.TargetID,
		Payload:     req.Payload,
		TotalChunks: len(chunks),
		Status:      models.SessionStatusPreparing,
		DraftID:     req.DraftID,
		Snippet:     blocks.Snippet(doc.Blocks, 200),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateSession(ctx, s, chunks); err != nil {
		m.release(id)
		return nil, err
	}

	fields := blocks.Summarize(doc.Blocks).Fields()
	fields["session_id"] = id
	fields["target_id"] = req.TargetID
	fields["chunks"] = len(chunks)
	fields["bytes"] = len(req.Payload)
	logging.Info("Rich send session created", fields)

	m.launch(id, as)
	return s, nil
}

// Cancel requests cooperative cancellation. An uploading session stops at
// the next chunk boundary; a session in ERROR is cancelled immediately.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	as, running := m.active[id]
	m.mu.Unlock()
	if running {
		as.cancelled.Store(true)
		logging.Info("Session cancellation requested", map[string]interface{}{"session_id": id})
		return nil
	}

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Terminal() {
		return errors.Newf(errors.ErrSessionState, "session %s is already %s", id, s.Status)
	}
	return m.finishCancelled(ctx, id)
}

// Resume continues a session in ERROR from its persisted chunk index.
func (m *Manager) Resume(ctx context.Context, id string) (*models.ChunkedSession, error) {
	return m.restart(ctx, id, false)
}

// Retry restarts a session in ERROR from the first chunk.
func (m *Manager) Retry(ctx context.Context, id string) (*models.ChunkedSession, error) {
	return m.restart(ctx, id, true)
}

func (m *Manager) restart(ctx context.Context, id string, fromStart bool) (*models.ChunkedSession, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Resumable() {
		return nil, errors.Newf(errors.ErrSessionState, "session %s is %s, only failed sessions can be resumed", id, s.Status)
	}

	as, err := m.reserve(id)
	if err != nil {
		return nil, err
	}

	s, err = m.store.UpdateSession(ctx, id, func(cs *models.ChunkedSession) error {
		if !cs.Resumable() {
			return errors.Newf(errors.ErrSessionState, "session %s is %s", id, cs.Status)
		}
		if fromStart {
			cs.CurrentIndex = 0
		}
		// Leaving ERROR claims the session; a concurrent resume sees PREPARING.
		cs.Status = models.SessionStatusPreparing
		cs.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		m.release(id)
		return nil, err
	}

	logging.Info("Session restarted", map[string]interface{}{
		"session_id": id,
		"from_index": s.CurrentIndex,
		"from_start": fromStart,
	})
	m.launch(id, as)
	return s, nil
}

func (m *Manager) launch(id string, as *activeSession) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(id)
		m.run(m.baseCtx, id, as)
	}()
}

// run uploads the remaining chunks of one session.
func (m *Manager) run(ctx context.Context, id string, as *activeSession) {
	s, err := m.store.UpdateSession(ctx, id, func(cs *models.ChunkedSession) error {
		cs.Status = models.SessionStatusUploading
		cs.LastError = ""
		cs.ErrorCode = 0
		cs.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		logging.Error("Failed to mark session uploading", err, map[string]interface{}{"session_id": id})
		return
	}
	m.notify(ctx, EventStarted, s, nil)

	docID, ok := m.destination(s.TargetID)
	if !ok {
		m.fail(ctx, id, errors.Newf(errors.ErrTargetUnresolved, "target %q is not bound to a document", s.TargetID))
		return
	}

	for s.CurrentIndex < s.TotalChunks {
		if as.cancelled.Load() {
			m.finishCancelled(ctx, id)
			return
		}
		if ctx.Err() != nil {
			m.fail(ctx, id, errors.Wrap(errors.ErrSessionCancelled, "upload interrupted", ctx.Err()))
			return
		}

		index := s.CurrentIndex
		body, err := m.store.GetChunk(ctx, id, index)
		if err != nil {
			m.fail(ctx, id, err)
			return
		}

		logging.Debug("Sending chunk", map[string]interface{}{
			"session_id": id,
			"chunk":      fmt.Sprintf("%d/%d", index+1, s.TotalChunks),
			"bytes":      len(body),
		})
		chunk := blocks.Chunk{SessionID: id, Index: index, Total: s.TotalChunks, Blocks: body}
		if err := m.send(ctx, docID, chunk); err != nil {
			m.fail(ctx, id, err)
			return
		}

		s, err = m.store.UpdateSession(ctx, id, func(cs *models.ChunkedSession) error {
			if cs.Status == models.SessionStatusCancelled {
				return errCancelledElsewhere(id)
			}
			if index+1 > cs.CurrentIndex {
				cs.CurrentIndex = index + 1
			}
			cs.UpdatedAt = m.now()
			return nil
		})
		if errors.Is(err, errors.ErrSessionCancelled) {
			m.stopCancelled(id, index+1)
			return
		}
		if err != nil {
			m.fail(ctx, id, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("persist progress after chunk %d", index+1), err))
			return
		}
		m.notify(ctx, EventProgress, s, nil)
	}

	total := s.TotalChunks
	s, err = m.store.UpdateSession(ctx, id, func(cs *models.ChunkedSession) error {
		if cs.Status == models.SessionStatusCancelled {
			return errCancelledElsewhere(id)
		}
		cs.Status = models.SessionStatusDone
		cs.CurrentIndex = 0
		cs.UpdatedAt = m.now()
		return nil
	})
	if errors.Is(err, errors.ErrSessionCancelled) {
		m.stopCancelled(id, total)
		return
	}
	if err != nil {
		m.fail(ctx, id, errors.Wrap(errors.ErrDatabase, "mark session done", err))
		return
	}
	if err := m.store.DeleteChunks(ctx, id); err != nil {
		logging.Warn("Failed to delete session chunks", map[string]interface{}{"session_id": id, "error": err.Error()})
	}

	logging.Info("Rich send session completed", map[string]interface{}{
		"session_id": id,
		"chunks":     s.TotalChunks,
	})
	m.notify(ctx, EventDone, s, nil)
}

// send calls the chunk sender, turning a panic into a failure.
func (m *Manager) send(ctx context.Context, docID string, chunk blocks.Chunk) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrDeliveryFailed, fmt.Sprintf("chunk send panicked: %v", r))
		}
	}()
	return m.sender.AppendChunk(ctx, docID, chunk)
}

// fail records the error and leaves currentIndex at the failed chunk.
func (m *Manager) fail(ctx context.Context, id string, cause error) {
	// The manager context may be the reason for failing; persist regardless.
	persistCtx := context.WithoutCancel(ctx)
	s, err := m.store.UpdateSession(persistCtx, id, func(cs *models.ChunkedSession) error {
		if cs.Terminal() {
			return errors.Newf(errors.ErrSessionState, "session %s is already %s", id, cs.Status)
		}
		cs.Status = models.SessionStatusError
		cs.LastError = hub.Describe(cause)
		cs.ErrorCode = hub.StatusCode(cause)
		cs.UpdatedAt = m.now()
		return nil
	})
	if errors.Is(err, errors.ErrSessionState) {
		logging.Info("Session ended elsewhere, dropping failure", map[string]interface{}{
			"session_id": id,
			"error":      hub.Describe(cause),
		})
		return
	}
	if err != nil {
		logging.Error("Failed to persist session error", err, map[string]interface{}{"session_id": id})
		return
	}
	logging.ErrorWithCode("Rich send session failed", string(errors.CodeOf(cause)), cause, map[string]interface{}{
		"session_id": id,
		"chunk":      s.CurrentIndex,
		"total":      s.TotalChunks,
		"http_code":  s.ErrorCode,
	})
	m.notify(persistCtx, EventFailed, s, cause)
}

// errCancelledElsewhere reports a cancel persisted by another manager.
func errCancelledElsewhere(id string) error {
	return errors.Newf(errors.ErrSessionCancelled, "session %s was cancelled", id)
}

// stopCancelled ends a run whose session another manager already cancelled.
func (m *Manager) stopCancelled(id string, sent int) {
	logging.Info("Session cancelled by another process, stopping", map[string]interface{}{
		"session_id": id,
		"sent":       sent,
	})
}

func (m *Manager) finishCancelled(ctx context.Context, id string) error {
	s, err := m.store.UpdateSession(ctx, id, func(cs *models.ChunkedSession) error {
		if cs.Terminal() {
			return errors.Newf(errors.ErrSessionState, "session %s is already %s", id, cs.Status)
		}
		cs.Status = models.SessionStatusCancelled
		cs.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.store.DeleteChunks(ctx, id); err != nil {
		logging.Warn("Failed to delete session chunks", map[string]interface{}{"session_id": id, "error": err.Error()})
	}
	logging.Info("Rich send session cancelled", map[string]interface{}{
		"session_id": id,
		"sent":       s.CurrentIndex,
		"total":      s.TotalChunks,
	})
	m.notify(ctx, EventCancelled, s, nil)
	return nil
}

func (m *Manager) notify(ctx context.Context, event Event, s *models.ChunkedSession, err error) {
	for _, o := range m.observers {
		o.SessionEvent(ctx, event, s, err)
	}
}

func (m *Manager) destination(targetID string) (string, bool) {
	if models.IsPlaceholderTarget(targetID) {
		return "", false
	}
	if m.resolver == nil {
		return targetID, true
	}
	docID, ok := m.resolver.ResolveTarget(targetID)
	if !ok || models.IsPlaceholderTarget(docID) {
		return "", false
	}
	return docID, true
}

// Recover marks sessions left PREPARING or UPLOADING by a previous process
// as failed, so they can be resumed from their persisted index. Only the
// process holding the data directory lock may call it; any other caller
// would fail uploads that are still live.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	stale, err := m.store.ListSessions(ctx, models.SessionStatusPreparing, models.SessionStatusUploading)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range stale {
		if m.IsActive(s.ID) {
			continue
		}
		if _, err := m.store.UpdateSession(ctx, s.ID, func(cs *models.ChunkedSession) error {
			cs.Status = models.SessionStatusError
			cs.LastError = "interrupted by restart"
			cs.ErrorCode = models.ErrorCodeTransport
			cs.UpdatedAt = m.now()
			return nil
		}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		logging.Info("Recovered interrupted sessions", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Get returns the persisted state of a session.
func (m *Manager) Get(ctx context.Context, id string) (*models.ChunkedSession, error) {
	return m.store.GetSession(ctx, id)
}

// List returns sessions in the given statuses, or all sessions.
func (m *Manager) List(ctx context.Context, statuses ...models.SessionStatus) ([]*models.ChunkedSession, error) {
	return m.store.ListSessions(ctx, statuses...)
}

// IsActive reports whether a session is currently uploading.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// ActiveCount returns the number of uploading sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Wait blocks until the session stops uploading or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	as, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-as.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting sessions, interrupts running uploads at their next
// chunk boundary and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancelBase()
	m.wg.Wait()
}
