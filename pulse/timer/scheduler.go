// Package timer is the process-wide registry of deferred per-job actions.
//
// Each job id maps to at most one pending action. Scheduling again for the
// same id replaces the previous action (last write wins); a replaced or
// cancelled action never runs, even if its timer had already fired and was
// waiting on the registry lock.
package timer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/shiftly/logger"
)

// Action is the deferred work. ctx is cancelled when the scheduler stops.
type Action func(ctx context.Context)

type entry struct {
	timer *time.Timer
	seq   uint64
	due   time.Time
}

// Scheduler maps job ids to deferred actions.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log *zap.SugaredLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.OrNop(log),
	}
}

// Schedule arms action to run after delay for jobID, replacing any pending one.
// A non-positive delay runs the action as soon as possible.
func (s *Scheduler) Schedule(jobID string, delay time.Duration, action Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.logger.Warnw("Schedule after stop ignored", logger.FieldJobID, jobID)
		return
	}

	if prev, ok := s.entries[jobID]; ok {
		prev.timer.Stop()
	}

	if delay < 0 {
		delay = 0
	}
	s.seq++
	seq := s.seq
	e := &entry{seq: seq, due: time.Now().Add(delay)}
	e.timer = time.AfterFunc(delay, func() { s.fire(jobID, seq, action) })
	s.entries[jobID] = e

	s.logger.Debugw("Timer scheduled", logger.FieldJobID, jobID, logger.FieldDeadline, e.due)
}

// Cancel drops the pending action for jobID. No-op if none is pending.
func (s *Scheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[jobID]; ok {
		e.timer.Stop()
		delete(s.entries, jobID)
		s.logger.Debugw("Timer cancelled", logger.FieldJobID, jobID)
	}
}

// Pending returns the due time of jobID's pending action.
func (s *Scheduler) Pending(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[jobID]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

// Len returns the number of pending actions.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every pending action and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire(jobID string, seq uint64, action Action) {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	if !ok || e.seq != seq || s.stopped {
		// Replaced or cancelled after the timer fired
		s.mu.Unlock()
		return
	}
	delete(s.entries, jobID)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Timer action panicked", logger.FieldJobID, jobID, "panic", r)
		}
	}()

	action(s.ctx)
}
