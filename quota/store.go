package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// File store
// ---------------------------------------------------------------------------

// FileStore keeps one JSON file per day in a directory:
//
//	<dir>/quota_2006-01-02.json
//
// Writes are atomic. Add is a read-modify-write of the file guarded by an
// in-process mutex only; two processes sharing the directory can lose
// increments.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the file that holds the usage of day.
func (s *FileStore) Path(day string) string {
	return filepath.Join(s.dir, "quota_"+day+".json")
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, day string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(day)
}

func (s *FileStore) read(day string) (State, error) {
	var st State
	path := s.Path(day)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return st, nil
}

// Add implements Store.
func (s *FileStore) Add(_ context.Context, day string, n int, at time.Time) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read(day)
	if err != nil {
		return State{}, err
	}
	st.CharsTranslated += n
	st.LastRequest = at
	st.LastUpdate = at

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return State{}, fmt.Errorf("marshaling quota: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return State{}, fmt.Errorf("mkdir %s: %w", s.dir, err)
	}
	path := s.Path(day)
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return State{}, fmt.Errorf("writing %s: %w", path, err)
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// Redis store
// ---------------------------------------------------------------------------

const (
	redisKeyPrefix  = "strtrans:quota:"
	redisKeyTTL     = 48 * time.Hour
	redisPingWindow = 5 * time.Second

	fieldChars       = "chars_translated"
	fieldLastRequest = "last_request"
	fieldLastUpdate  = "last_update"
)

// RedisStore keeps usage in one Redis hash per day. Increments are atomic,
// so several strtrans processes can share one budget.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis server at rawURL
// (redis://[user:pass@]host:port/db).
func NewRedisStore(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingWindow)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", opts.Addr, err)
	}

	return &RedisStore{client: client, prefix: redisKeyPrefix}, nil
}

func (s *RedisStore) key(day string) string {
	return s.prefix + day
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, day string) (State, error) {
	fields, err := s.client.HGetAll(ctx, s.key(day)).Result()
	if err != nil {
		return State{}, fmt.Errorf("reading %s: %w", s.key(day), err)
	}
	return parseRedisState(fields)
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, day string, n int, at time.Time) (State, error) {
	key := s.key(day)
	ts := at.UTC().Format(time.RFC3339Nano)

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, fieldChars, int64(n))
		pipe.HSet(ctx, key, fieldLastRequest, ts, fieldLastUpdate, ts)
		pipe.Expire(ctx, key, redisKeyTTL)
		return nil
	})
	if err != nil {
		return State{}, fmt.Errorf("updating %s: %w", key, err)
	}

	return State{
		CharsTranslated: int(incr.Val()),
		LastRequest:     at,
		LastUpdate:      at,
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseRedisState(fields map[string]string) (State, error) {
	var st State
	if v, ok := fields[fieldChars]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return State{}, fmt.Errorf("parsing %s: %w", fieldChars, err)
		}
		st.CharsTranslated = n
	}
	for field, dst := range map[string]*time.Time{
		fieldLastRequest: &st.LastRequest,
		fieldLastUpdate:  &st.LastUpdate,
	} {
		v, ok := fields[field]
		if !ok || v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return State{}, fmt.Errorf("parsing %s: %w", field, err)
		}
		*dst = ts
	}
	return st, nil
}
