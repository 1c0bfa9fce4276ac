package convmetrics

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/careline/internal/cache"
)

// BucketStore is a short-TTL counter keyed by minute bucket. The redis
// implementation is shared across replicas; the in-memory one serves
// single-node deployments and tests.
type BucketStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

type redisBucketStore struct {
	client *redis.Client
}

func NewRedisBucketStore(client *redis.Client) BucketStore {
	return &redisBucketStore{client: client}
}

func (s *redisBucketStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *redisBucketStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

type bucketCounter struct {
	mu sync.Mutex
	n  int64
}

type memoryBucketStore struct {
	mu      sync.Mutex
	buckets cache.Cache[string, *bucketCounter]
}

func NewMemoryBucketStore() BucketStore {
	return &memoryBucketStore{buckets: cache.NewTTLCache[string, *bucketCounter]()}
}

func (s *memoryBucketStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	counter, ok := s.buckets.Get(key)
	if !ok {
		counter = &bucketCounter{}
		s.buckets.Set(key, counter, ttl)
	}
	s.mu.Unlock()

	counter.mu.Lock()
	counter.n++
	n := counter.n
	counter.mu.Unlock()
	return n, nil
}

func (s *memoryBucketStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	counter, ok := s.buckets.Get(key)
	s.mu.Unlock()
	if !ok {
		return 0, nil
	}
	counter.mu.Lock()
	n := counter.n
	counter.mu.Unlock()
	return n, nil
}
