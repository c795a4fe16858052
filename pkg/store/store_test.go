package store

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type opener func(t *testing.T) Store

func backends(t *testing.T) map[string]opener {
	out := map[string]opener{
		BackendMemory: func(t *testing.T) Store {
			return NewMemory()
		},
		BackendSQLite: func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.sqlite3"))
			require.NoError(t, err)
			return s
		},
		BackendRedis: func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s, err := NewRedis(context.Background(), redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
			require.NoError(t, err)
			return s
		},
		BackendAutomerge: func(t *testing.T) Store {
			s, err := OpenAutomerge(filepath.Join(t.TempDir(), "test.automerge"))
			require.NoError(t, err)
			return s
		},
	}
	if os.Getenv("DATASTORE_EMULATOR_HOST") != "" {
		out[BackendDatastore] = func(t *testing.T) Store {
			s, err := OpenDatastore(context.Background(), "counter-sync-test", "test-"+filepath.Base(t.TempDir()))
			require.NoError(t, err)
			return s
		}
	}
	return out
}

func TestStores(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("seeded counters read zero", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				for _, c := range DefaultCounters {
					v, err := s.Read(context.Background(), c)
					require.NoError(t, err)
					require.Equal(t, int64(0), v)
				}
			})

			t.Run("unknown counter", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				v, err := s.Read(context.Background(), "nope")
				require.NoError(t, err)
				require.Equal(t, int64(0), v)
				_, err = s.Adjust(context.Background(), "nope", 1)
				require.ErrorIs(t, err, ErrUnknownCounter)
			})

			t.Run("adjust is relative", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				ctx := context.Background()
				v, err := s.Adjust(ctx, "client", 5)
				require.NoError(t, err)
				require.Equal(t, int64(5), v)
				v, err = s.Adjust(ctx, "client", -7)
				require.NoError(t, err)
				require.Equal(t, int64(-2), v)
				v, err = s.Read(ctx, "client")
				require.NoError(t, err)
				require.Equal(t, int64(-2), v)
				// other counters are untouched
				v, err = s.Read(ctx, "server")
				require.NoError(t, err)
				require.Equal(t, int64(0), v)
			})

			t.Run("read is idempotent", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				ctx := context.Background()
				_, err := s.Adjust(ctx, "server", 3)
				require.NoError(t, err)
				for i := 0; i < 5; i++ {
					v, err := s.Read(ctx, "server")
					require.NoError(t, err)
					require.Equal(t, int64(3), v)
				}
			})

			t.Run("concurrent adjust loses nothing", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				ctx := context.Background()
				deltas := make([]int64, 64)
				var sum int64
				for i := range deltas {
					deltas[i] = int64(rand.Intn(21) - 10)
					sum += deltas[i]
				}
				eg, ctx := errgroup.WithContext(ctx)
				for _, d := range deltas {
					eg.Go(func() error {
						_, err := s.Adjust(ctx, "client", d)
						return err
					})
				}
				require.NoError(t, eg.Wait())
				v, err := s.Read(context.Background(), "client")
				require.NoError(t, err)
				require.Equal(t, sum, v)
			})

			t.Run("records newest first", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				ctx := context.Background()
				for _, n := range []string{"ada", "  bob  ", "cy"} {
					_, err := s.CreateRecord(ctx, n)
					require.NoError(t, err)
					time.Sleep(2 * time.Millisecond)
				}
				recs, err := s.ListRecords(ctx)
				require.NoError(t, err)
				require.Len(t, recs, 3)
				require.Equal(t, "cy", recs[0].Name)
				require.Equal(t, "bob", recs[1].Name)
				require.Equal(t, "ada", recs[2].Name)
				require.False(t, recs[0].CreatedAt.Before(recs[1].CreatedAt))
				require.NotEqual(t, recs[0].ID, recs[1].ID)
			})

			t.Run("get record by id", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				ctx := context.Background()
				created, err := s.CreateRecord(ctx, " ada ")
				require.NoError(t, err)
				_, err = s.CreateRecord(ctx, "bob")
				require.NoError(t, err)

				got, err := s.GetRecord(ctx, created.ID)
				require.NoError(t, err)
				require.Equal(t, created.ID, got.ID)
				require.Equal(t, "ada", got.Name)
				require.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Millisecond)

				_, err = s.GetRecord(ctx, created.ID+1000)
				require.ErrorIs(t, err, ErrUnknownRecord)
			})

			t.Run("record validation", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				_, err := s.CreateRecord(context.Background(), "   ")
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				recs, err := s.ListRecords(context.Background())
				require.NoError(t, err)
				require.Empty(t, recs)
			})
		})
	}
}

func TestSQLiteSeedIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.sqlite3")
	ctx := context.Background()
	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	_, err = s.Adjust(ctx, "client", 4)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, "client", "extra")
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Read(ctx, "client")
	require.NoError(t, err)
	require.Equal(t, int64(4), v)
	v, err = s.Adjust(ctx, "extra", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestSQLiteUnavailableAfterClose(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "closed.sqlite3"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = s.Read(context.Background(), "client")
	require.ErrorIs(t, err, ErrStorageUnavailable)
	_, err = s.Adjust(context.Background(), "client", 1)
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedis(context.Background(), redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "")
	require.NoError(t, err)
	defer s.Close()
	mr.Close()
	_, err = s.Adjust(context.Background(), "client", 1)
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestMemoryUnavailableAfterClose(t *testing.T) {
	m := NewMemory("a")
	require.NoError(t, m.Close())
	_, err := m.Adjust(context.Background(), "a", 1)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	_, err = m.CreateRecord(context.Background(), "x")
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestAutomergePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.automerge")
	ctx := context.Background()
	a, err := OpenAutomerge(path)
	require.NoError(t, err)
	_, err = a.Adjust(ctx, "server", 2)
	require.NoError(t, err)
	_, err = a.Adjust(ctx, "server", 3)
	require.NoError(t, err)
	_, err = a.CreateRecord(ctx, "kept")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a, err = OpenAutomerge(path)
	require.NoError(t, err)
	defer a.Close()
	v, err := a.Read(ctx, "server")
	require.NoError(t, err)
	require.Equal(t, int64(5), v)
	recs, err := a.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "kept", recs[0].Name)

	doc, err := a.History()
	require.NoError(t, err)
	changes, err := doc.Changes()
	require.NoError(t, err)
	// seed + two adjusts + one record
	require.GreaterOrEqual(t, len(changes), 4)
}

func TestAutomergeFailedSaveLeavesDocUnchanged(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "doc.automerge")
	ctx := context.Background()
	a, err := OpenAutomerge(path)
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Adjust(ctx, "client", 5)
	require.NoError(t, err)
	kept, err := a.CreateRecord(ctx, "kept")
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	_, err = a.Adjust(ctx, "client", 1)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	_, err = a.CreateRecord(ctx, "lost")
	require.ErrorIs(t, err, ErrStorageUnavailable)

	v, err := a.Read(ctx, "client")
	require.NoError(t, err)
	require.Equal(t, int64(5), v)
	recs, err := a.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// the next successful save must not carry the failed changes
	require.NoError(t, os.MkdirAll(dir, 0o755))
	v, err = a.Adjust(ctx, "client", 2)
	require.NoError(t, err)
	require.Equal(t, int64(7), v)
	next, err := a.CreateRecord(ctx, "next")
	require.NoError(t, err)
	require.Equal(t, kept.ID+1, next.ID)
	require.NoError(t, a.Close())

	a, err = OpenAutomerge(path)
	require.NoError(t, err)
	defer a.Close()
	v, err = a.Read(ctx, "client")
	require.NoError(t, err)
	require.Equal(t, int64(7), v)
	recs, err = a.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	_, err = a.GetRecord(ctx, next.ID)
	require.NoError(t, err)
}

func TestValidateRecordName(t *testing.T) {
	long := make([]rune, MaxRecordNameLength+1)
	for i := range long {
		long[i] = 'x'
	}
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", "ada", "ada", false},
		{"trimmed", "\t ada \n", "ada", false},
		{"empty", "", "", true},
		{"blank", "   ", "", true},
		{"too long", string(long), "", true},
		{"max length", string(long[1:]), string(long[1:]), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateRecordName(tt.input)
			if tt.wantErr {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				require.Equal(t, "name", verr.Field)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
