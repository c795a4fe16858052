package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

var _ Store = (*Redis)(nil)

// adjustScript refuses to create a counter implicitly; INCRBY alone would.
var adjustScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return false
end
return redis.call("INCRBY", KEYS[1], ARGV[1])
`)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis stores each counter under its own key and records as a JSON list, newest at the head.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func OpenRedis(ctx context.Context, opts RedisOptions, names ...string) (*Redis, error) {
	cl := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  time.Second * 2,
		ReadTimeout:  time.Second * 2,
		WriteTimeout: time.Second * 2,
		PoolTimeout:  time.Second * 5,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cl.Ping(pingCtx).Err(); err != nil {
		_ = cl.Close()
		return nil, unavailable("connect to redis", err)
	}
	r, err := NewRedis(ctx, cl, opts.Prefix, names...)
	if err != nil {
		_ = cl.Close()
		return nil, err
	}
	return r, nil
}

// NewRedis seeds the counters on an existing client. The store takes ownership of cl.
func NewRedis(ctx context.Context, cl redis.UniversalClient, prefix string, names ...string) (*Redis, error) {
	r := &Redis{client: cl, prefix: prefix, now: time.Now}
	pipe := cl.Pipeline()
	for _, name := range counterNames(names) {
		pipe.SetNX(ctx, r.counterKey(name), 0, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("seed counters", err)
	}
	return r, nil
}

func (r *Redis) counterKey(name string) string { return r.prefix + "counter:" + name }
func (r *Redis) recordsKey() string            { return r.prefix + "records" }
func (r *Redis) recordSeqKey() string          { return r.prefix + "records:seq" }
func (r *Redis) recordIndexKey() string        { return r.prefix + "records:by-id" }

func (r *Redis) Read(ctx context.Context, name string) (int64, error) {
	v, err := r.client.Get(ctx, r.counterKey(name)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, unavailable("read counter", err)
	}
	return v, nil
}

func (r *Redis) Adjust(ctx context.Context, name string, delta int64) (int64, error) {
	defer observeAdjust(BackendRedis, time.Now())
	v, err := adjustScript.Run(ctx, r.client, []string{r.counterKey(name)}, delta).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, unknown(name)
		}
		return 0, unavailable("adjust counter", err)
	}
	return v, nil
}

type redisRecord struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

func (r *Redis) CreateRecord(ctx context.Context, name string) (Record, error) {
	name, err := ValidateRecordName(name)
	if err != nil {
		return Record{}, err
	}
	id, err := r.client.Incr(ctx, r.recordSeqKey()).Result()
	if err != nil {
		return Record{}, unavailable("allocate record id", err)
	}
	rec := Record{ID: id, Name: name, CreatedAt: r.now().UTC()}
	data, err := json.Marshal(redisRecord{ID: rec.ID, Name: rec.Name, CreatedAt: rec.CreatedAt.UnixNano()})
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal record: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.recordsKey(), data)
		pipe.HSet(ctx, r.recordIndexKey(), strconv.FormatInt(id, 10), data)
		return nil
	})
	if err != nil {
		return Record{}, unavailable("push record", err)
	}
	return rec, nil
}

func (r *Redis) GetRecord(ctx context.Context, id int64) (Record, error) {
	raw, err := r.client.HGet(ctx, r.recordIndexKey(), strconv.FormatInt(id, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, unknownRecord(id)
	} else if err != nil {
		return Record{}, unavailable("get record", err)
	}
	var rr redisRecord
	if err := json.Unmarshal([]byte(raw), &rr); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return Record{ID: rr.ID, Name: rr.Name, CreatedAt: time.Unix(0, rr.CreatedAt).UTC()}, nil
}

func (r *Redis) ListRecords(ctx context.Context) ([]Record, error) {
	raw, err := r.client.LRange(ctx, r.recordsKey(), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list records", err)
	}
	decoded := make([]redisRecord, 0, len(raw))
	for _, item := range raw {
		var rr redisRecord
		if err := json.Unmarshal([]byte(item), &rr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		decoded = append(decoded, rr)
	}
	out := lo.Map(decoded, func(rr redisRecord, _ int) Record {
		return Record{ID: rr.ID, Name: rr.Name, CreatedAt: time.Unix(0, rr.CreatedAt).UTC()}
	})
	// concurrent writers may push out of id order
	sortNewestFirst(out)
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
