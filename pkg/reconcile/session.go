// Package reconcile keeps a locally displayed counter value in step with the remote
// counter service.
//
// A Session owns a local value and the last value the service returned (synced). How
// actions reach the service is decided by its Policy. All remote failures end up in
// State.Err; none of them escape to the caller of Increment or Sync.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astromechza/counter-sync/internal/obs"
	"github.com/astromechza/counter-sync/pkg/debounce"
	"github.com/astromechza/counter-sync/pkg/remote"
)

var (
	// ErrBusy is returned for an action that has to wait for the in-flight call.
	ErrBusy = errors.New("sync already in progress")
	// ErrNothingToSync is returned by Sync when local and synced agree.
	ErrNothingToSync = errors.New("nothing to sync")
	// ErrClosed is returned for any action on a session after Close.
	ErrClosed = errors.New("session closed")
)

// State is a snapshot of a session for rendering.
type State struct {
	Strategy string
	Counter  string
	Local    int64
	Synced   int64
	Pending  bool
	Dirty    bool
	// CanSync is true when Sync would start a call.
	CanSync bool
	// Err is the last remote failure. It is cleared by the next action or successful sync.
	Err error
}

type Option func(s *Session)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithScheduler shares a debounce scheduler between sessions. Each session arms its own key.
func WithScheduler(scheduler *debounce.Scheduler) Option {
	return func(s *Session) { s.scheduler = scheduler }
}

// WithOnChange is called with the new state after every change. It is never called with
// the session lock held, so it may call back into the session.
func WithOnChange(fn func(State)) Option {
	return func(s *Session) { s.onChange = fn }
}

// WithCallTimeout bounds each remote call. Zero means no bound beyond Close.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Session) { s.callTimeout = d }
}

type Session struct {
	id          string
	name        string
	policy      Policy
	svc         remote.Service
	logger      *zap.Logger
	scheduler   *debounce.Scheduler
	ownsSched   bool
	onChange    func(State)
	callTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	idle    *sync.Cond
	local   int64
	synced  int64
	pending bool
	// during counts eager actions taken while the call was in flight.
	during int64
	// deferred records a debounce fire that arrived while a call was in flight.
	deferred bool
	err      error
	closed   bool
}

// Mount reads the counter once and returns a session seeded with its value. ctx only bounds
// the initial read; later calls are bound to the session and end on Close.
func Mount(ctx context.Context, svc remote.Service, name string, policy Policy, opts ...Option) (*Session, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:     uuid.New().String(),
		name:   name,
		policy: policy,
		svc:    svc,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.scheduler == nil {
		s.scheduler = debounce.New()
		s.ownsSched = true
	}
	s.logger = s.logger.With(zap.String("session", s.id), zap.String("strategy", policy.Name), zap.String("counter", name))
	s.idle = sync.NewCond(&s.mu)

	readCtx := ctx
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	v, err := svc.FetchCurrent(readCtx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read initial value of %q: %w", name, err)
	}
	s.local, s.synced = v, v
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	obs.ActiveSessions.WithLabelValues(policy.Name).Inc()
	s.logger.Info("mounted", zap.Int64("value", v))
	s.emit(s.State())
	return s, nil
}

// Increment applies one user action.
func (s *Session) Increment() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.pending && s.policy.BlockWhilePending {
		s.mu.Unlock()
		return ErrBusy
	}
	s.err = nil
	if s.policy.Eager {
		s.local++
		if s.pending {
			s.during++
		}
	}
	switch s.policy.Trigger {
	case TriggerImmediate:
		s.startLocked(1)
	case TriggerDebounced:
		s.scheduler.Arm(s.id, s.policy.Quiet, s.fire)
	case TriggerManual:
	}
	st := s.stateLocked()
	s.mu.Unlock()
	s.emit(st)
	return nil
}

// Sync sends local - synced to the service now. A debounced session drops its armed timer.
func (s *Session) Sync() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.pending {
		s.mu.Unlock()
		return ErrBusy
	}
	delta := s.local - s.synced
	if delta == 0 {
		s.mu.Unlock()
		return ErrNothingToSync
	}
	s.err = nil
	if s.policy.Trigger == TriggerDebounced {
		s.scheduler.Cancel(s.id)
	}
	s.startLocked(delta)
	st := s.stateLocked()
	s.mu.Unlock()
	s.emit(st)
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Wait blocks until no call is in flight. A debounce timer that is still armed does not
// count as in flight.
func (s *Session) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending {
		s.idle.Wait()
	}
}

// Close cancels the armed timer and the in-flight call. A result arriving afterwards is
// discarded. Close does not wait for the call to return; use Wait for that.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.scheduler.Cancel(s.id)
	if s.ownsSched {
		s.scheduler.Stop()
	}
	s.cancel()
	s.mu.Unlock()

	obs.ActiveSessions.WithLabelValues(s.policy.Name).Dec()
	s.logger.Info("closed")
}

// fire runs when the debounce timer expires.
func (s *Session) fire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pending {
		s.deferred = true
		s.mu.Unlock()
		return
	}
	delta := s.local - s.synced
	if delta == 0 {
		s.mu.Unlock()
		return
	}
	s.startLocked(delta)
	st := s.stateLocked()
	s.mu.Unlock()
	s.emit(st)
}

func (s *Session) startLocked(delta int64) {
	s.pending = true
	s.during = 0
	s.logger.Debug("sync started", zap.Int64("delta", delta))
	go s.call(delta)
}

func (s *Session) call(delta int64) {
	ctx := s.ctx
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	v, err := s.svc.ApplyDelta(ctx, s.name, delta)
	s.finish(delta, v, err)
}

func (s *Session) finish(delta, v int64, err error) {
	s.mu.Lock()
	s.pending = false
	defer s.idle.Broadcast()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("discarded result after close", zap.Int64("delta", delta), zap.Error(err))
		return
	}
	obs.SyncTotal.WithLabelValues(s.policy.Name, obs.Outcome(err)).Inc()

	if err != nil {
		s.err = err
		if s.policy.Rollback {
			s.local -= delta
		}
		s.logger.Warn("sync failed", zap.Int64("delta", delta), zap.Error(err))
	} else {
		s.err = nil
		switch s.policy.Merge {
		case MergeAdopt:
			s.local, s.synced = v, v
		case MergeRebase:
			s.synced = v
			s.local = v + s.during
		}
		s.logger.Info("synced", zap.Int64("delta", delta), zap.Int64("value", v), zap.Int64("local", s.local))
	}
	s.during = 0

	if s.policy.Trigger == TriggerDebounced {
		if s.deferred || (err == nil && s.local != s.synced && !s.scheduler.Armed(s.id)) {
			s.scheduler.Arm(s.id, s.policy.Quiet, s.fire)
		}
		s.deferred = false
	}

	st := s.stateLocked()
	s.mu.Unlock()
	s.emit(st)
}

func (s *Session) stateLocked() State {
	dirty := s.local != s.synced
	return State{
		Strategy: s.policy.Name,
		Counter:  s.name,
		Local:    s.local,
		Synced:   s.synced,
		Pending:  s.pending,
		Dirty:    dirty,
		CanSync:  !s.closed && !s.pending && dirty,
		Err:      s.err,
	}
}

func (s *Session) emit(st State) {
	if s.onChange != nil {
		s.onChange(st)
	}
}
