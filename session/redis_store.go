package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/reviewflow/types"
)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed deployments where multiple orchestrator
// processes share session state.
//
// Per-session serialization is achieved with optimistic concurrency:
// Apply and Finalize run a WATCH/MULTI transaction on the session key and
// retry on contention, so two workers completing simultaneously never
// lose an update.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	// maxTxRetries bounds the optimistic retry loop under contention.
	maxTxRetries int
}

// RedisStoreConfig configures the Redis session store.
type RedisStoreConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// NewRedisStore creates a new Redis-based session store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "reviewflow:"
	}

	return &RedisStore{
		client:       client,
		keyPrefix:    keyPrefix + "session:",
		maxTxRetries: 16,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client, mainly for tests.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "reviewflow:"
	}
	return &RedisStore{
		client:       client,
		keyPrefix:    keyPrefix + "session:",
		maxTxRetries: 16,
	}
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// sessionKey returns the Redis key for a session.
func (s *RedisStore) sessionKey(id string) string {
	return s.keyPrefix + "data:" + id
}

// indexKey returns the Redis key for the session id index.
func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "all"
}

// Create registers a new session and returns its id.
func (s *RedisStore) Create(ctx context.Context, input types.AnalysisInput) (string, error) {
	now := time.Now()
	sess := &types.Session{
		ID:        uuid.New().String(),
		Status:    types.SessionInitializing,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: sess.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	return sess.ID, nil
}

// Get returns the session.
func (s *RedisStore) Get(ctx context.Context, id string) (*types.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// Apply atomically applies a partial update.
func (s *RedisStore) Apply(ctx context.Context, id string, delta Delta) (*types.Session, error) {
	var result *types.Session
	err := s.update(ctx, id, func(sess *types.Session) error {
		// 终稿会话不可再变更
		if sess.Report != nil || sess.Status == types.SessionCompleted {
			return ErrConflict
		}
		applyDelta(sess, delta)
		result = sess
		return nil
	})
	return result, err
}

// Finalize attaches the report and completes the session.
func (s *RedisStore) Finalize(ctx context.Context, id string, report *types.Report) (*types.Session, error) {
	if report == nil {
		return nil, ErrInvalidInput
	}

	var result *types.Session
	err := s.update(ctx, id, func(sess *types.Session) error {
		if sess.Report != nil || sess.Status == types.SessionCompleted {
			return ErrConflict
		}
		copied := *report
		sess.Report = &copied
		sess.Status = types.SessionCompleted
		sess.UpdatedAt = time.Now()
		sess.Version++
		result = sess
		return nil
	})
	return result, err
}

// update runs fn inside a WATCH transaction on the session key, retrying
// on contention.
func (s *RedisStore) update(ctx context.Context, id string, fn func(*types.Session) error) error {
	key := s.sessionKey(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}

		if err := fn(&sess); err != nil {
			return err
		}

		updated, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxTxRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			// 乐观并发冲突，重试
			continue
		}
		return err
	}
	return fmt.Errorf("session update aborted after %d contention retries", s.maxTxRetries)
}

// List returns session summaries matching the filter.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]types.SessionSummary, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	result := make([]types.SessionSummary, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matchesFilter(sess, filter) {
			result = append(result, summarize(sess))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if filter.OrderDesc {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}
