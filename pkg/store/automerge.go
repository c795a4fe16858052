package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/samber/lo"
)

var _ Store = (*Automerge)(nil)

const (
	automergeCounters  = "counters"
	automergeRecords   = "records"
	automergeRecordSeq = "record_seq"
)

type automergeRecord struct {
	ID        int64  `automerge:"id"`
	Name      string `automerge:"name"`
	CreatedAt int64  `automerge:"created_at"`
}

// Automerge keeps every counter as an automerge counter inside one document, so the
// document history is exactly the sequence of relative adjustments. The document is
// saved to path after each change.
type Automerge struct {
	mu     sync.Mutex
	doc    *automerge.Doc
	path   string
	closed bool
	now    func() time.Time
}

func OpenAutomerge(path string, names ...string) (*Automerge, error) {
	var doc *automerge.Doc
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if doc, err = automerge.Load(raw); err != nil {
			return nil, fmt.Errorf("failed to load doc: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		doc = automerge.New()
	default:
		return nil, unavailable("read doc", err)
	}
	a := &Automerge{doc: doc, path: path, now: time.Now}
	if err := a.seed(counterNames(names)); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Automerge) seed(names []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	seeded := false
	for _, name := range names {
		v, err := a.doc.Path(automergeCounters, name).Get()
		if err != nil {
			return fmt.Errorf("failed to inspect counter %q: %w", name, err)
		}
		if v.Kind() != automerge.KindVoid {
			continue
		}
		if err := a.doc.Path(automergeCounters, name).Set(automerge.NewCounter(0)); err != nil {
			return fmt.Errorf("failed to seed counter %q: %w", name, err)
		}
		seeded = true
	}
	if !seeded {
		return nil
	}
	return a.commitLocked("seed counters")
}

func (a *Automerge) exists(name string) (bool, error) {
	v, err := a.doc.Path(automergeCounters, name).Get()
	if err != nil {
		return false, err
	}
	return v.Kind() == automerge.KindCounter, nil
}

func (a *Automerge) Read(ctx context.Context, name string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, unavailable("read counter", errClosed)
	}
	ok, err := a.exists(name)
	if err != nil {
		return 0, unavailable("read counter", err)
	}
	if !ok {
		return 0, nil
	}
	v, err := a.doc.Path(automergeCounters, name).Counter().Get()
	if err != nil {
		return 0, unavailable("read counter", err)
	}
	return v, nil
}

func (a *Automerge) Adjust(ctx context.Context, name string, delta int64) (int64, error) {
	defer observeAdjust(BackendAutomerge, time.Now())
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, unavailable("adjust counter", errClosed)
	}
	ok, err := a.exists(name)
	if err != nil {
		return 0, unavailable("adjust counter", err)
	}
	if !ok {
		return 0, unknown(name)
	}
	err = a.changeLocked(fmt.Sprintf("adjust %s by %d", name, delta), func() error {
		if err := a.doc.Path(automergeCounters, name).Counter().Inc(delta); err != nil {
			return unavailable("adjust counter", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	v, err := a.doc.Path(automergeCounters, name).Counter().Get()
	if err != nil {
		return 0, unavailable("read adjusted counter", err)
	}
	return v, nil
}

func (a *Automerge) CreateRecord(ctx context.Context, name string) (Record, error) {
	name, err := ValidateRecordName(name)
	if err != nil {
		return Record{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return Record{}, unavailable("create record", errClosed)
	}
	var rec Record
	err = a.changeLocked("create record", func() error {
		seq := a.doc.Path(automergeRecordSeq)
		if v, err := seq.Get(); err != nil {
			return unavailable("read record sequence", err)
		} else if v.Kind() == automerge.KindVoid {
			if err := seq.Set(automerge.NewCounter(0)); err != nil {
				return unavailable("init record sequence", err)
			}
		}
		if err := seq.Counter().Inc(1); err != nil {
			return unavailable("allocate record id", err)
		}
		id, err := seq.Counter().Get()
		if err != nil {
			return unavailable("allocate record id", err)
		}
		rec = Record{ID: id, Name: name, CreatedAt: a.now().UTC()}
		if err := a.doc.Path(automergeRecords, strconv.FormatInt(id, 10)).Set(automergeRecord{
			ID:        rec.ID,
			Name:      rec.Name,
			CreatedAt: rec.CreatedAt.UnixNano(),
		}); err != nil {
			return unavailable("insert record", err)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (a *Automerge) GetRecord(ctx context.Context, id int64) (Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return Record{}, unavailable("get record", errClosed)
	}
	v, err := a.doc.Path(automergeRecords, strconv.FormatInt(id, 10)).Get()
	if err != nil {
		return Record{}, unavailable("get record", err)
	}
	if v.Kind() == automerge.KindVoid {
		return Record{}, unknownRecord(id)
	}
	r, err := automerge.As[automergeRecord](v)
	if err != nil {
		return Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	return Record{ID: r.ID, Name: r.Name, CreatedAt: time.Unix(0, r.CreatedAt).UTC()}, nil
}

func (a *Automerge) ListRecords(ctx context.Context) ([]Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, unavailable("list records", errClosed)
	}
	v, err := a.doc.Path(automergeRecords).Get()
	if err != nil {
		return nil, unavailable("list records", err)
	}
	if v.Kind() == automerge.KindVoid {
		return []Record{}, nil
	}
	raw, err := automerge.As[map[string]automergeRecord](v)
	if err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	out := lo.MapToSlice(raw, func(_ string, r automergeRecord) Record {
		return Record{ID: r.ID, Name: r.Name, CreatedAt: time.Unix(0, r.CreatedAt).UTC()}
	})
	sortNewestFirst(out)
	return out, nil
}

// History returns a fork of the document for read-only inspection.
func (a *Automerge) History() (*automerge.Doc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc.Fork()
}

func (a *Automerge) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.saveLocked()
}

// changeLocked runs fn and commits its edits as one change. If fn, the commit or the save
// fails, the document goes back to its last saved state.
func (a *Automerge) changeLocked(msg string, fn func() error) error {
	snapshot, err := a.doc.Fork()
	if err != nil {
		return unavailable("fork doc", err)
	}
	if err := snapshot.SetActorID(a.doc.ActorID()); err != nil {
		return unavailable("fork doc", err)
	}
	err = fn()
	if err == nil {
		err = a.commitLocked(msg)
	}
	if err != nil {
		a.doc = snapshot
	}
	return err
}

func (a *Automerge) commitLocked(msg string) error {
	if _, err := a.doc.Commit(msg, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return unavailable("commit change", err)
	}
	return a.saveLocked()
}

func (a *Automerge) saveLocked() error {
	if a.path == "" {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(a.path), filepath.Base(a.path)+".*.tmp")
	if err != nil {
		return unavailable("save doc", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(a.doc.Save()); err != nil {
		_ = tmp.Close()
		return unavailable("save doc", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("save doc", err)
	}
	if err := os.Rename(tmp.Name(), a.path); err != nil {
		return unavailable("save doc", err)
	}
	return nil
}
