package reconcile

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/astromechza/counter-sync/pkg/remote"
)

type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MountFunc produces a session, typically by calling Mount.
type MountFunc func(ctx context.Context) (*Session, error)

// Boundary holds the outcome of mounting a session so that a failed mount is shown as a
// failure until it is explicitly reset, instead of being retried on every render.
type Boundary struct {
	mount  MountFunc
	logger *zap.Logger

	mu      sync.Mutex
	status  Status
	session *Session
	err     error
}

func NewBoundary(mount MountFunc, logger *zap.Logger) *Boundary {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Boundary{mount: mount, logger: logger}
}

// MountBoundary is a Boundary around Mount.
func MountBoundary(svc remote.Service, name string, policy Policy, opts ...Option) *Boundary {
	return NewBoundary(func(ctx context.Context) (*Session, error) {
		return Mount(ctx, svc, name, policy, opts...)
	}, nil)
}

// Load mounts the session on the first call after construction or Reset. Later calls
// return the same session, or the same error while the boundary is failed.
func (b *Boundary) Load(ctx context.Context) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.status {
	case StatusReady:
		return b.session, nil
	case StatusFailed:
		return nil, b.err
	}
	s, err := b.mount(ctx)
	if err != nil {
		b.status, b.err = StatusFailed, err
		b.logger.Warn("mount failed", zap.Error(err))
		return nil, err
	}
	b.status, b.session = StatusReady, s
	return s, nil
}

func (b *Boundary) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Boundary) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Reset closes any mounted session and lets the next Load try again.
func (b *Boundary) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Close()
	}
	b.status, b.session, b.err = StatusLoading, nil, nil
}

// StateOr returns the mounted session's state, or fallback with Err set to the mount
// failure when no session is mounted.
func (b *Boundary) StateOr(fallback State) State {
	b.mu.Lock()
	s, err := b.session, b.err
	b.mu.Unlock()
	if s != nil {
		return s.State()
	}
	fallback.Err = err
	return fallback
}
