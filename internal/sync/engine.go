package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/logging"
	"github.com/notestash/relay/internal/models"
	"github.com/notestash/relay/internal/sync/queue"
	"github.com/notestash/relay/internal/sync/retry"
)

// EngineStatus represents the current dispatch status.
type EngineStatus string

const (
	EngineStatusIdle    EngineStatus = "idle"
	EngineStatusRunning EngineStatus = "running"
	EngineStatusFailed  EngineStatus = "failed"
)

// unresolvedReason is stored as lastError on messages without a destination.
const unresolvedReason = "target is not bound to a document yet"

// PassResult summarizes one dispatch pass.
type PassResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Attempted int
	Delivered int
	Failed    int
	Deferred  int // placeholder targets pushed out
	Parked    int // retries abandoned on this pass

	// Remaining counts undelivered messages after the pass.
	Remaining int
	// HasNext is false when nothing remains to retry; NextDelay is then zero.
	HasNext   bool
	NextDelay time.Duration
}

// Engine walks due messages and delivers them one at a time.
type Engine struct {
	queue     *queue.Queue
	delivery  Delivery
	resolver  Resolver
	policy    *retry.Policy
	observers []Observer
	now       func() time.Time

	passMu   stdsync.Mutex
	mu       stdsync.RWMutex
	status   EngineStatus
	lastPass *time.Time
	lastErr  error
}

// NewEngine creates a new Engine.
func NewEngine(q *queue.Queue, delivery Delivery, resolver Resolver, policy *retry.Policy, observers ...Observer) *Engine {
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	return &Engine{
		queue:     q,
		delivery:  delivery,
		resolver:  resolver,
		policy:    policy,
		observers: observers,
		now:       time.Now,
		status:    EngineStatusIdle,
	}
}

// WithClock replaces the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// AddObserver registers an observer. It must be called before the first pass.
func (e *Engine) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// Status returns the current engine status.
func (e *Engine) Status() EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastPass returns the end time of the last completed pass.
func (e *Engine) LastPass() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastPass
}

// LastError returns the error of the last failed pass.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

func (e *Engine) setStatus(status EngineStatus, end *time.Time, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
	if end != nil {
		e.lastPass = end
	}
	e.lastErr = err
}

// RunPass performs one processing pass. Mutations are applied one message at
// a time through the queue; a delivery failure never aborts the pass.
func (e *Engine) RunPass(ctx context.Context) (*PassResult, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.setStatus(EngineStatusRunning, nil, nil)
	result := &PassResult{StartTime: e.now()}

	err := e.runPass(ctx, result)

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err != nil {
		e.setStatus(EngineStatusFailed, nil, err)
		logging.ErrorWithCode("Dispatch pass failed", string(errors.CodeOf(err)), err, nil)
		return result, err
	}
	end := result.EndTime
	e.setStatus(EngineStatusIdle, &end, nil)

	for _, o := range e.observers {
		if po, ok := o.(PassObserver); ok {
			po.PassCompleted(ctx, result)
		}
	}

	if result.Attempted > 0 || result.Deferred > 0 {
		logging.Info("Dispatch pass completed", map[string]interface{}{
			"attempted":  result.Attempted,
			"delivered":  result.Delivered,
			"failed":     result.Failed,
			"deferred":   result.Deferred,
			"parked":     result.Parked,
			"remaining":  result.Remaining,
			"next_delay": result.NextDelay.String(),
		})
	}
	return result, nil
}

func (e *Engine) runPass(ctx context.Context, result *PassResult) error {
	pending, err := e.queue.Undelivered(ctx)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if ctx.Err() != nil {
			break
		}
		now := e.now()
		if !m.Due(now) {
			continue
		}

		docID, ok := e.destination(m.TargetID)
		if !ok {
			if err := e.deferUnresolved(ctx, m, now); err != nil {
				return err
			}
			result.Deferred++
			continue
		}

		if err := e.attempt(ctx, m, docID, result); err != nil {
			return err
		}
	}

	return e.computeNext(ctx, result)
}

// destination resolves where a message goes. Placeholder targets never
// resolve, whatever the resolver says.
func (e *Engine) destination(targetID string) (string, bool) {
	if models.IsPlaceholderTarget(targetID) {
		return "", false
	}
	if e.resolver == nil {
		return targetID, true
	}
	docID, ok := e.resolver.ResolveTarget(targetID)
	if !ok || models.IsPlaceholderTarget(docID) {
		return "", false
	}
	return docID, true
}

// deferUnresolved keeps a message PENDING and pushes it out by the longest
// retry interval without counting an attempt.
func (e *Engine) deferUnresolved(ctx context.Context, m *models.QueuedMessage, now time.Time) error {
	_, err := e.queue.Update(ctx, m.ID, func(q *models.QueuedMessage) error {
		q.Status = models.MessageStatusPending
		q.NextAttemptAt = now.Add(e.policy.Longest())
		q.LastError = unresolvedReason
		return nil
	})
	if err != nil {
		return err
	}
	logging.Debug("Message target unresolved, deferring", map[string]interface{}{
		"message_id": m.ID,
		"target_id":  m.TargetID,
	})
	return nil
}

// attempt delivers one message and persists the outcome.
func (e *Engine) attempt(ctx context.Context, m *models.QueuedMessage, docID string, result *PassResult) error {
	m, err := e.queue.Update(ctx, m.ID, func(q *models.QueuedMessage) error {
		q.Status = models.MessageStatusSyncing
		return nil
	})
	if err != nil {
		return err
	}
	result.Attempted++

	sendErr := e.deliver(ctx, docID, m)
	now := e.now()

	if sendErr == nil {
		delivered, err := e.queue.Update(ctx, m.ID, func(q *models.QueuedMessage) error {
			q.Status = models.MessageStatusSynced
			q.NextAttemptAt = now
			q.LastError = ""
			return nil
		})
		if err != nil {
			return err
		}
		result.Delivered++
		logging.Info("Message delivered", map[string]interface{}{
			"message_id": m.ID,
			"target_id":  m.TargetID,
			"attempts":   delivered.Attempts,
		})
		for _, o := range e.observers {
			o.MessageDelivered(ctx, delivered)
		}
		return nil
	}

	delay := e.policy.NextDelay(m.Attempts)
	parked := false
	failed, err := e.queue.Update(ctx, m.ID, func(q *models.QueuedMessage) error {
		q.Attempts++
		q.Status = models.MessageStatusFailed
		q.LastError = reason(sendErr)
		if e.policy.Exhausted(q.Attempts) {
			q.NextAttemptAt = time.Time{}
			parked = true
		} else {
			q.NextAttemptAt = now.Add(delay)
		}
		return nil
	})
	if err != nil {
		return err
	}
	result.Failed++

	ctxFields := map[string]interface{}{
		"message_id": m.ID,
		"target_id":  m.TargetID,
		"attempts":   failed.Attempts,
	}
	if parked {
		result.Parked++
		logging.ErrorWithCode("Message delivery abandoned", string(errors.CodeOf(sendErr)), sendErr, ctxFields)
	} else {
		ctxFields["retry_in"] = delay.String()
		logging.Warn("Message delivery failed, retry scheduled", ctxFields)
	}
	for _, o := range e.observers {
		o.MessageFailed(ctx, failed, sendErr)
	}
	return nil
}

// deliver calls the delivery client, turning a panic into a failure.
func (e *Engine) deliver(ctx context.Context, docID string, m *models.QueuedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrDeliveryFailed, fmt.Sprintf("delivery panicked: %v", r))
		}
	}()
	return e.delivery.Append(ctx, docID, m.Content, m.IsRich)
}

// computeNext finds the smallest delay until a remaining message is due.
func (e *Engine) computeNext(ctx context.Context, result *PassResult) error {
	remaining, err := e.queue.Undelivered(ctx)
	if err != nil {
		return err
	}
	result.Remaining = len(remaining)

	now := e.now()
	for _, m := range remaining {
		if m.Parked() {
			continue
		}
		d := m.NextAttemptAt.Sub(now)
		if d < 0 {
			d = 0
		}
		if !result.HasNext || d < result.NextDelay {
			result.NextDelay = d
			result.HasNext = true
		}
	}
	return nil
}

// reason returns the innermost readable message of a delivery error.
func reason(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Err != nil {
		return appErr.Err.Error()
	}
	return err.Error()
}
