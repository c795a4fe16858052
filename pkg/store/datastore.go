package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"
)

var _ Store = (*Datastore)(nil)

const (
	datastoreCounterKind = "Counter"
	datastoreRecordKind  = "Record"
)

type datastoreCounter struct {
	Value int64
}

type datastoreRecord struct {
	Name      string
	CreatedAt time.Time
}

// Datastore keeps one entity per counter, keyed by name, and adjusts it inside a transaction.
type Datastore struct {
	client    *datastore.Client
	namespace string
	now       func() time.Time
}

func OpenDatastore(ctx context.Context, projectID, namespace string, names ...string) (*Datastore, error) {
	cl, err := datastore.NewClient(ctx, projectID)
	if err != nil {
		return nil, unavailable("create datastore client", err)
	}
	d := &Datastore{client: cl, namespace: namespace, now: time.Now}
	for _, name := range counterNames(names) {
		if err := d.seed(ctx, name); err != nil {
			_ = cl.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *Datastore) counterKey(name string) *datastore.Key {
	key := datastore.NameKey(datastoreCounterKind, name, nil)
	key.Namespace = d.namespace
	return key
}

func (d *Datastore) seed(ctx context.Context, name string) error {
	key := d.counterKey(name)
	// the transaction func may run more than once
	_, err := d.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var c datastoreCounter
		err := tx.Get(key, &c)
		if err == nil {
			return nil
		} else if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		_, err = tx.Put(key, &datastoreCounter{Value: 0})
		return err
	})
	if err != nil {
		return unavailable("seed counter", err)
	}
	return nil
}

func (d *Datastore) Read(ctx context.Context, name string) (int64, error) {
	var c datastoreCounter
	if err := d.client.Get(ctx, d.counterKey(name), &c); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return 0, nil
		}
		return 0, unavailable("read counter", err)
	}
	return c.Value, nil
}

func (d *Datastore) Adjust(ctx context.Context, name string, delta int64) (int64, error) {
	defer observeAdjust(BackendDatastore, time.Now())
	key := d.counterKey(name)
	var value int64
	_, err := d.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var c datastoreCounter
		if err := tx.Get(key, &c); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return unknown(name)
			}
			return err
		}
		c.Value += delta
		if _, err := tx.Put(key, &c); err != nil {
			return err
		}
		value = c.Value
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnknownCounter) {
			return 0, err
		}
		return 0, unavailable("adjust counter", err)
	}
	return value, nil
}

func (d *Datastore) CreateRecord(ctx context.Context, name string) (Record, error) {
	name, err := ValidateRecordName(name)
	if err != nil {
		return Record{}, err
	}
	key := datastore.IncompleteKey(datastoreRecordKind, nil)
	key.Namespace = d.namespace
	rec := datastoreRecord{Name: name, CreatedAt: d.now().UTC()}
	created, err := d.client.Put(ctx, key, &rec)
	if err != nil {
		return Record{}, unavailable("insert record", err)
	}
	return Record{ID: created.ID, Name: rec.Name, CreatedAt: rec.CreatedAt}, nil
}

func (d *Datastore) GetRecord(ctx context.Context, id int64) (Record, error) {
	key := datastore.IDKey(datastoreRecordKind, id, nil)
	key.Namespace = d.namespace
	var rec datastoreRecord
	if err := d.client.Get(ctx, key, &rec); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return Record{}, unknownRecord(id)
		}
		return Record{}, unavailable("get record", err)
	}
	return Record{ID: id, Name: rec.Name, CreatedAt: rec.CreatedAt.UTC()}, nil
}

func (d *Datastore) ListRecords(ctx context.Context) ([]Record, error) {
	q := datastore.NewQuery(datastoreRecordKind).Namespace(d.namespace).Order("-CreatedAt")
	it := d.client.Run(ctx, q)
	out := make([]Record, 0)
	for {
		var rec datastoreRecord
		key, err := it.Next(&rec)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, unavailable("query records", err)
		}
		out = append(out, Record{ID: key.ID, Name: rec.Name, CreatedAt: rec.CreatedAt.UTC()})
	}
	// ids are not monotonic in datastore; ties on CreatedAt fall back to id order
	sortNewestFirst(out)
	return out, nil
}

func (d *Datastore) Close() error {
	if err := d.client.Close(); err != nil {
		return fmt.Errorf("failed to close datastore client: %w", err)
	}
	return nil
}
