// Package scheduler decides when the dispatch engine runs: right after an
// enqueue, after a computed retry delay, when connectivity returns, at boot
// and on a periodic safety tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/logging"
	syncpkg "github.com/notestash/relay/internal/sync"
)

// minReschedule bounds how soon a pass may re-arm itself.
const minReschedule = 250 * time.Millisecond

// Scheduler runs dispatch passes on a single goroutine, so passes never overlap.
type Scheduler struct {
	engine        syncpkg.EngineInterface
	queueInterval time.Duration
	passTimeout   time.Duration

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	passInProgress bool
	timer          *time.Timer
	nextWake       time.Time
	lastPassTime   time.Time
	lastResult     *syncpkg.PassResult
	passes         int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	QueueInterval time.Duration // Safety-net pass interval (default: 1 minute)
	PassTimeout   time.Duration // Upper bound of one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		QueueInterval: 1 * time.Minute,
		PassTimeout:   5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.EngineInterface, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	defaults := DefaultSchedulerConfig()
	if config.QueueInterval <= 0 {
		config.QueueInterval = defaults.QueueInterval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = defaults.PassTimeout
	}

	return &Scheduler{
		engine:        engine,
		queueInterval: config.QueueInterval,
		passTimeout:   config.PassTimeout,
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		isOnline:      true, // Assume online initially
	}
}

// Start starts the dispatch loop and requests a boot pass, so messages
// persisted before a restart are picked up.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.Trigger()
	logging.Info("Dispatch scheduler started", map[string]interface{}{
		"queue_interval": s.queueInterval.String(),
	})
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Dispatch scheduler stopped", nil)
}

// Trigger requests a pass as soon as possible. If a request is already
// waiting it is kept and this call is a no-op; it returns whether a new
// request was queued.
func (s *Scheduler) Trigger() bool {
	select {
	case s.wake <- struct{}{}:
		return true
	default:
		return false
	}
}

// ScheduleAfter arranges a pass after d, replacing any earlier arrangement.
// It does nothing once the scheduler is stopped.
func (s *Scheduler) ScheduleAfter(d time.Duration) {
	if d < minReschedule {
		d = minReschedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.nextWake = time.Now().Add(d)
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		s.nextWake = time.Time{}
		s.mu.Unlock()
		s.Trigger()
	})
}

// SetOnlineStatus records connectivity. Passes are skipped while offline;
// coming back online triggers a pass right away.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
	if isOnline && !wasOnline {
		s.Trigger()
	}
}

// loop is the only goroutine that runs passes.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runPass(ctx)
		case <-s.wake:
			s.runPass(ctx)
		}
	}
}

// runPass executes one pass and re-arms the timer from its result.
func (s *Scheduler) runPass(ctx context.Context) {
	if !s.IsOnline() {
		logging.Debug("Skipping dispatch pass - offline", nil)
		return
	}

	s.mu.Lock()
	s.passInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.passInProgress = false
		s.mu.Unlock()
	}()

	passCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.RunPass(passCtx)
	if err != nil {
		logging.ErrorWithCode("Dispatch pass failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"retry_in": s.queueInterval.String()})
		return
	}

	s.mu.Lock()
	s.lastPassTime = time.Now()
	s.lastResult = result
	s.passes++
	s.mu.Unlock()

	if result.HasNext && s.IsRunning() {
		s.ScheduleAfter(result.NextDelay)
	}
}

// SyncNow runs a pass on the caller's goroutine and waits for it.
// It is serialized with the loop by the engine.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.PassResult, error) {
	passCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.RunPass(passCtx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastPassTime = time.Now()
	s.lastResult = result
	s.passes++
	s.mu.Unlock()

	if result.HasNext && s.IsRunning() {
		s.ScheduleAfter(result.NextDelay)
	}
	return result, nil
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	PassInProgress bool
	LastPassTime   *time.Time
	NextWake       *time.Time
	LastResult     *syncpkg.PassResult
	Passes         int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		PassInProgress: s.passInProgress,
		LastResult:     s.lastResult,
		Passes:         s.passes,
	}
	if !s.lastPassTime.IsZero() {
		t := s.lastPassTime
		status.LastPassTime = &t
	}
	if !s.nextWake.IsZero() {
		t := s.nextWake
		status.NextWake = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
