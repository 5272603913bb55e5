package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/journal"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefixRun = "aa:journal:run:"

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// KeyPrefix is prepended to every key, for sharing a database between deployments.
	KeyPrefix string
	// TTL expires a run's entries after its last write. Zero keeps them forever.
	TTL time.Duration
}

// RedisJournal stores each run as a redis list.
type RedisJournal struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
	mu        sync.RWMutex
	closed    bool
}

func NewRedisJournal(cfg *RedisConfig, l *zap.Logger) (*RedisJournal, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	l.Sugar().Infow("Redis journal initialized", "address", cfg.Address, "db", cfg.DB)
	return &RedisJournal{
		client:    client,
		logger:    l,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		now:       time.Now,
	}, nil
}

func (r *RedisJournal) runKey(runID string) string {
	return r.keyPrefix + keyPrefixRun + runID
}

func (r *RedisJournal) Record(ctx context.Context, e *journal.Entry) error {
	if err := journal.Prepare(e, r.now); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return journal.ErrClosed
	}

	data, err := journal.MarshalEntry(e)
	if err != nil {
		return err
	}
	key := r.runKey(e.RunID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record journal entry: %w", err)
	}
	return nil
}

func (r *RedisJournal) List(ctx context.Context, runID string) ([]*journal.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, journal.ErrClosed
	}

	values, err := r.client.LRange(ctx, r.runKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries for run %s: %w", runID, err)
	}
	entries := make([]*journal.Entry, 0, len(values))
	for _, v := range values {
		e, err := journal.UnmarshalEntry([]byte(v))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *RedisJournal) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}
