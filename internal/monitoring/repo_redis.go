package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix    = "orchestrator:monitoring"
	defaultRetention = 24 * time.Hour
)

// RedisStore keeps one JSON snapshot per call under <prefix>:call:<id> with a
// TTL, plus a sorted set of heartbeats (<prefix>:heartbeats) used by Purge.
//
// NOTE: The TTL alone would expire snapshots; Purge keeps the index in step
// and lets the monitor enforce the retention window explicitly.
type RedisStore struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisStore{rdb: rdb, prefix: defaultPrefix, retention: retention}
}

func (s *RedisStore) key(id string) string { return s.prefix + ":call:" + id }
func (s *RedisStore) index() string       { return s.prefix + ":heartbeats" }

func (s *RedisStore) Upsert(ctx context.Context, r Record) error {
	if r.CallRecordID == "" {
		return fmt.Errorf("monitoring: call_record_id is required")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(r.CallRecordID), b, s.retention)
	pipe.ZAdd(ctx, s.index(), redis.Z{Score: float64(r.LastHeartbeat.Unix()), Member: r.CallRecordID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("monitoring: upsert %s: %w", r.CallRecordID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, callRecordID string) (Record, error) {
	b, err := s.rdb.Get(ctx, s.key(callRecordID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("monitoring: decode %s: %w", callRecordID, err)
	}
	return r, nil
}

func (s *RedisStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	max := "(" + strconv.FormatInt(cutoff.Unix(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, s.index(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids))
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.key(id))
		members = append(members, id)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, s.index(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("monitoring: purge: %w", err)
	}
	return len(ids), nil
}
