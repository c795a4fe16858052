package store

import (
	"context"
	"sync"
	"time"

	"github.com/astromechza/counter-sync/internal/obs"
)

var _ Store = (*Memory)(nil)

// Memory is a process-local Store. Nothing survives a restart.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
	records  []Record
	nextID   int64
	closed   bool
	now      func() time.Time
}

func NewMemory(names ...string) *Memory {
	m := &Memory{counters: make(map[string]int64), nextID: 1, now: time.Now}
	for _, name := range counterNames(names) {
		m.counters[name] = 0
	}
	return m
}

func (m *Memory) Read(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, unavailable("read counter", errClosed)
	}
	return m.counters[name], nil
}

func (m *Memory) Adjust(ctx context.Context, name string, delta int64) (int64, error) {
	defer observeAdjust(BackendMemory, time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, unavailable("adjust counter", errClosed)
	}
	v, ok := m.counters[name]
	if !ok {
		return 0, unknown(name)
	}
	v += delta
	m.counters[name] = v
	return v, nil
}

func (m *Memory) CreateRecord(ctx context.Context, name string) (Record, error) {
	name, err := ValidateRecordName(name)
	if err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, unavailable("create record", errClosed)
	}
	r := Record{ID: m.nextID, Name: name, CreatedAt: m.now().UTC()}
	m.nextID++
	m.records = append(m.records, r)
	return r, nil
}

func (m *Memory) GetRecord(ctx context.Context, id int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, unavailable("get record", errClosed)
	}
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, unknownRecord(id)
}

func (m *Memory) ListRecords(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, unavailable("list records", errClosed)
	}
	out := make([]Record, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0; i-- {
		out = append(out, m.records[i])
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func observeAdjust(backend string, start time.Time) {
	obs.StoreAdjustSeconds.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}
