package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/canopy-network/dappscope/pkg/errs"
)

// Each record is a hash {v: value, ver: version}. A set per key group ("user", "session",
// ...) indexes the keys so List does not need SCAN.
var (
	casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
if not cur then cur = '0' end
if cur ~= ARGV[1] then return -1 end
local nxt = tonumber(cur) + 1
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'ver', tostring(nxt))
redis.call('SADD', KEYS[2], ARGV[3])
return nxt
`)
	writeScript = redis.NewScript(`
local nxt = redis.call('HINCRBY', KEYS[1], 'ver', 1)
redis.call('HSET', KEYS[1], 'v', ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return nxt
`)
)

// RedisStore persists records in Redis. Compare-and-write runs as a Lua script, so the
// version check and the write are one atomic step on the server.
type RedisStore struct {
	rdb       redis.UniversalClient
	namespace string
}

func NewRedisStore(rdb redis.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "dappscope"
	}
	return &RedisStore{rdb: rdb, namespace: namespace}
}

func (s *RedisStore) recordKey(key string) string {
	return s.namespace + ":rec:" + key
}

func (s *RedisStore) indexKey(key string) string {
	group := key
	if i := strings.IndexByte(key, ':'); i >= 0 {
		group = key[:i]
	}
	return s.namespace + ":idx:" + group
}

func (s *RedisStore) Read(ctx context.Context, key string) (Record, error) {
	vals, err := s.rdb.HMGet(ctx, s.recordKey(key), "v", "ver").Result()
	if err != nil {
		return Record{}, errs.FromContext("store.read", key, fmt.Errorf("redis hmget: %w", err))
	}
	return decodeRecord(key, vals)
}

func decodeRecord(key string, vals []interface{}) (Record, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Record{}, errs.NotFoundKey("store.read", key)
	}
	value, _ := vals[0].(string)
	verStr, _ := vals[1].(string)
	ver, err := strconv.ParseUint(verStr, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("store.read %s: bad version %q: %w", key, verStr, err)
	}
	return Record{Key: key, Value: []byte(value), Version: ver}, nil
}

func (s *RedisStore) Write(ctx context.Context, key string, value []byte) (uint64, error) {
	ver, err := writeScript.Run(ctx, s.rdb, []string{s.recordKey(key), s.indexKey(key)}, value, key).Int64()
	if err != nil {
		return 0, errs.FromContext("store.write", key, fmt.Errorf("redis write: %w", err))
	}
	return uint64(ver), nil
}

func (s *RedisStore) CompareAndWrite(ctx context.Context, key string, expected uint64, value []byte) (uint64, error) {
	ver, err := casScript.Run(ctx, s.rdb,
		[]string{s.recordKey(key), s.indexKey(key)},
		strconv.FormatUint(expected, 10), value, key,
	).Int64()
	if err != nil {
		return 0, errs.FromContext("store.compare_and_write", key, fmt.Errorf("redis cas: %w", err))
	}
	if ver < 0 {
		return 0, errs.Conflict("store.compare_and_write", key)
	}
	return uint64(ver), nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]Record, error) {
	keys, err := s.rdb.SMembers(ctx, s.indexKey(prefix)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errs.FromContext("store.list", prefix, fmt.Errorf("redis smembers: %w", err))
	}

	matched := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	if len(matched) == 0 {
		return []Record{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(matched))
	for i, k := range matched {
		cmds[i] = pipe.HMGet(ctx, s.recordKey(k), "v", "ver")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errs.FromContext("store.list", prefix, fmt.Errorf("redis pipeline: %w", err))
	}

	out := make([]Record, 0, len(matched))
	for i, k := range matched {
		rec, err := decodeRecord(k, cmds[i].Val())
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close is a no-op: the redis client is owned by whoever created it.
func (s *RedisStore) Close() error { return nil }
