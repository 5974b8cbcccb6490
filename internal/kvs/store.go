package kvs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by reads when the key or field is absent.
	ErrNotFound = errors.New("kvs: not found")
	// ErrDecode is returned when a stored value cannot be deserialized.
	ErrDecode = errors.New("kvs: undecodable value")
	// ErrConflict is returned when an optimistic update keeps losing races.
	ErrConflict = errors.New("kvs: too many concurrent updates")
)

const maxTxRetries = 16

// Store is the shared, cluster-visible key-value and pub/sub client.
// Values are JSON encoded on write and decoded on read. Nothing is cached locally.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{rdb: rdb, log: log.Named("kvs")}
}

// Client exposes the underlying connection for scripts.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get decodes the value at key into dest.
func (s *Store) Get(ctx context.Context, key string, dest any) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return decode(raw, dest, key)
}

// Set stores value at key. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only if key is absent and reports whether it did.
func (s *Store) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	ok, err := s.rdb.SetNX(ctx, key, b, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del %v: %w", keys, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *Store) HashSet(ctx context.Context, hash, field string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s[%s]: %w", hash, field, err)
	}
	if err := s.rdb.HSet(ctx, hash, field, b).Err(); err != nil {
		return fmt.Errorf("hset %s[%s]: %w", hash, field, err)
	}
	return nil
}

func (s *Store) HashGet(ctx context.Context, hash, field string, dest any) error {
	raw, err := s.rdb.HGet(ctx, hash, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("hget %s[%s]: %w", hash, field, err)
	}
	return decode(raw, dest, hash+"["+field+"]")
}

// HashGetMany returns the raw values of the requested fields. Absent fields are omitted.
func (s *Store) HashGetMany(ctx context.Context, hash string, fields ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	if len(fields) == 0 {
		return out, nil
	}
	vals, err := s.rdb.HMGet(ctx, hash, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget %s: %w", hash, err)
	}
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[fields[i]] = json.RawMessage(str)
		}
	}
	return out, nil
}

func (s *Store) HashGetAll(ctx context.Context, hash string) (map[string]json.RawMessage, error) {
	vals, err := s.rdb.HGetAll(ctx, hash).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", hash, err)
	}
	out := make(map[string]json.RawMessage, len(vals))
	for k, v := range vals {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

func (s *Store) HashDeleteField(ctx context.Context, hash string, fields ...string) error {
	if err := s.rdb.HDel(ctx, hash, fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", hash, err)
	}
	return nil
}

// SetAdd returns how many members were not already present.
func (s *Store) SetAdd(ctx context.Context, set string, members ...string) (int64, error) {
	n, err := s.rdb.SAdd(ctx, set, toArgs(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("sadd %s: %w", set, err)
	}
	return n, nil
}

// SetRemove returns how many members were actually removed.
func (s *Store) SetRemove(ctx context.Context, set string, members ...string) (int64, error) {
	n, err := s.rdb.SRem(ctx, set, toArgs(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("srem %s: %w", set, err)
	}
	return n, nil
}

// Link atomically adds memberA to setA and memberB to setB, returning how many
// members were new to setA. Used for two-way membership indexes.
func (s *Store) Link(ctx context.Context, setA, memberA, setB, memberB string) (int64, error) {
	var added *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, setA, memberA)
		pipe.SAdd(ctx, setB, memberB)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("link %s/%s: %w", setA, setB, err)
	}
	return added.Val(), nil
}

// Unlink is the inverse of Link and returns how many members left setA.
func (s *Store) Unlink(ctx context.Context, setA, memberA, setB, memberB string) (int64, error) {
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, setA, memberA)
		pipe.SRem(ctx, setB, memberB)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("unlink %s/%s: %w", setA, setB, err)
	}
	return removed.Val(), nil
}

func (s *Store) SetMembers(ctx context.Context, set string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", set, err)
	}
	return members, nil
}

func (s *Store) SetContains(ctx context.Context, set, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, set, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", set, err)
	}
	return ok, nil
}

func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	return s.IncrementBy(ctx, key, 1)
}

func (s *Store) IncrementBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

func (s *Store) Publish(ctx context.Context, channel string, message any) error {
	b, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", channel, err)
	}
	if err := s.rdb.Publish(ctx, channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Tx queues writes that commit in the same MULTI/EXEC as an UpdateHashField write.
type Tx struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (tx Tx) SetAdd(set string, members ...string) {
	tx.pipe.SAdd(tx.ctx, set, toArgs(members)...)
}

func (tx Tx) SetRemove(set string, members ...string) {
	tx.pipe.SRem(tx.ctx, set, toArgs(members)...)
}

// UpdateHashField runs a read-modify-write of one hash field under optimistic
// locking. A revision key per field is watched and bumped by every update, so
// writers of different fields never conflict. fn receives nil when the field is
// absent and may be called more than once; returning nil deletes the field.
// Each also func sees the value being written and may queue more writes into
// the same transaction. They do not run when fn returns an error.
func UpdateHashField[T any](ctx context.Context, s *Store, hash, field string, fn func(cur *T) (*T, error), also ...func(tx Tx, next *T)) (*T, error) {
	revKey := RevisionKey(hash, field)
	var result *T

	txf := func(tx *redis.Tx) error {
		var cur *T
		raw, err := tx.HGet(ctx, hash, field).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("hget %s[%s]: %w", hash, field, err)
		default:
			cur = new(T)
			if err := decode(raw, cur, hash+"["+field+"]"); err != nil {
				return err
			}
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}

		var encoded []byte
		if next != nil {
			if encoded, err = json.Marshal(next); err != nil {
				return fmt.Errorf("encode %s[%s]: %w", hash, field, err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.HDel(ctx, hash, field)
				pipe.Del(ctx, revKey)
			} else {
				pipe.HSet(ctx, hash, field, encoded)
				pipe.Incr(ctx, revKey)
			}
			for _, fn := range also {
				fn(Tx{ctx: ctx, pipe: pipe}, next)
			}
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, revKey)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, ErrConflict
}

func decode(raw []byte, dest any, what string) error {
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, what, err)
	}
	return nil
}

func toArgs(members []string) []any {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}
