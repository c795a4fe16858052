package reconcile

import (
	"context"
	"sync"
)

type call struct {
	name  string
	delta int64
}

// fakeService is a scriptable remote.Service. When gate is set, ApplyDelta blocks until
// the gate is closed or the call context ends.
type fakeService struct {
	mu        sync.Mutex
	value     int64
	calls     []call
	fetches   int
	cancelled int
	fetchErr  error
	applyErr  error
	gate      chan struct{}
	started   chan call
}

func newFake(value int64) *fakeService {
	return &fakeService{value: value, started: make(chan call, 100)}
}

func (f *fakeService) FetchCurrent(ctx context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return 0, f.fetchErr
	}
	return f.value, nil
}

func (f *fakeService) ApplyDelta(ctx context.Context, name string, delta int64) (int64, error) {
	f.mu.Lock()
	c := call{name: name, delta: delta}
	f.calls = append(f.calls, c)
	gate := f.gate
	f.mu.Unlock()
	f.started <- c

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
			return 0, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return 0, f.applyErr
	}
	f.value += delta
	return f.value, nil
}

func (f *fakeService) set(fn func(f *fakeService)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeService) snapshot() (int64, []call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, append([]call(nil), f.calls...)
}

// recorder collects every state passed to the change callback.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}
