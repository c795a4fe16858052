package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var _ Store = (*SQLite)(nil)

// SQLite keeps counters and records in a single database file. All writes go through one
// connection so adjustments never race on the engine's lock.
type SQLite struct {
	database *sql.DB
	now      func() time.Time
}

func OpenSQLite(ctx context.Context, path string, names ...string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path))
	if err != nil {
		return nil, unavailable("open database", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{database: db, now: time.Now}
	if err := s.init(ctx, counterNames(names)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context, names []string) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS counters (
		id INTEGER PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		value INTEGER NOT NULL DEFAULT 0
		)`,
	); err != nil {
		return unavailable("create counters table", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
		)`,
	); err != nil {
		return unavailable("create records table", err)
	}
	for _, name := range names {
		if _, err := s.database.ExecContext(ctx, `INSERT OR IGNORE INTO counters (name, value) VALUES (?, 0)`, name); err != nil {
			return unavailable("seed counter", err)
		}
	}
	return nil
}

func (s *SQLite) Read(ctx context.Context, name string) (int64, error) {
	var value int64
	if err := s.database.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, unavailable("read counter", err)
	}
	return value, nil
}

func (s *SQLite) Adjust(ctx context.Context, name string, delta int64) (int64, error) {
	defer observeAdjust(BackendSQLite, time.Now())
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, unavailable("start tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `UPDATE counters SET value = value + ? WHERE name = ?`, delta, name)
	if err != nil {
		return 0, unavailable("adjust counter", err)
	}
	if r, err := res.RowsAffected(); err != nil {
		return 0, unavailable("count rows affected by adjust", err)
	} else if r == 0 {
		return 0, unknown(name)
	}

	var value int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&value); err != nil {
		return 0, unavailable("read adjusted counter", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("commit adjust", err)
	}
	return value, nil
}

func (s *SQLite) CreateRecord(ctx context.Context, name string) (Record, error) {
	name, err := ValidateRecordName(name)
	if err != nil {
		return Record{}, err
	}
	created := s.now().UTC()
	res, err := s.database.ExecContext(ctx, `INSERT INTO records (name, created_at) VALUES (?, ?)`, name, created.UnixNano())
	if err != nil {
		return Record{}, unavailable("insert record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, unavailable("read record id", err)
	}
	return Record{ID: id, Name: name, CreatedAt: created}, nil
}

func (s *SQLite) GetRecord(ctx context.Context, id int64) (Record, error) {
	r := Record{ID: id}
	var created int64
	if err := s.database.QueryRowContext(ctx, `SELECT name, created_at FROM records WHERE id = ?`, id).Scan(&r.Name, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, unknownRecord(id)
		}
		return Record{}, unavailable("query record", err)
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}

func (s *SQLite) ListRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id, name, created_at FROM records ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, unavailable("query records", err)
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.ID, &r.Name, &created); err != nil {
			return nil, unavailable("scan record", err)
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate records", err)
	}
	return out, nil
}

func (s *SQLite) Close() error {
	return s.database.Close()
}
