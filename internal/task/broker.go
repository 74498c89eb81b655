package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Pop when the queue stayed empty for the whole
// timeout.
var ErrEmpty = errors.New("task: queue empty")

// Broker is the queue and counter surface the engine runs on. Redis
// backs production; Memory backs tests.
type Broker interface {
	Push(ctx context.Context, queue string, payload []byte) error
	// Pop blocks up to timeout for the next payload.
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	Len(ctx context.Context, queue string) (int64, error)
	AddCount(ctx context.Context, key string, delta int64) (int64, error)
	SetValue(ctx context.Context, key string, value []byte) error
	GetValue(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

const keyPrefix = "atlas:"

// RedisBroker is the production broker: one list per queue, plain keys
// for batch state.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker wraps a client.
func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func queueKey(queue string) string { return keyPrefix + "queue:" + queue }

func (b *RedisBroker) Push(ctx context.Context, queue string, payload []byte) error {
	return b.rdb.LPush(ctx, queueKey(queue), payload).Err()
}

func (b *RedisBroker) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	vals, err := b.rdb.BRPop(ctx, timeout, queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value]
	return []byte(vals[1]), nil
}

func (b *RedisBroker) Len(ctx context.Context, queue string) (int64, error) {
	return b.rdb.LLen(ctx, queueKey(queue)).Result()
}

func (b *RedisBroker) AddCount(ctx context.Context, key string, delta int64) (int64, error) {
	return b.rdb.IncrBy(ctx, keyPrefix+key, delta).Result()
}

func (b *RedisBroker) SetValue(ctx context.Context, key string, value []byte) error {
	return b.rdb.Set(ctx, keyPrefix+key, value, 0).Err()
}

func (b *RedisBroker) GetValue(ctx context.Context, key string) ([]byte, error) {
	val, err := b.rdb.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	return []byte(val), err
}

func (b *RedisBroker) Del(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = keyPrefix + k
	}
	return b.rdb.Del(ctx, prefixed...).Err()
}

// Memory is the in-process broker used in tests.
type Memory struct {
	mu     sync.Mutex
	queues map[string][][]byte
	counts map[string]int64
	values map[string][]byte
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		queues: map[string][][]byte{},
		counts: map[string]int64{},
		values: map[string][]byte{},
	}
}

func (m *Memory) Push(ctx context.Context, queue string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queue] = append(m.queues[queue], payload)
	return nil
}

// Pop returns immediately; tests never need the blocking behavior.
func (m *Memory) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if len(q) == 0 {
		return nil, ErrEmpty
	}
	head := q[0]
	m.queues[queue] = q[1:]
	return head, nil
}

func (m *Memory) Len(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queues[queue])), nil
}

func (m *Memory) AddCount(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key] += delta
	return m.counts[key], nil
}

func (m *Memory) SetValue(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) GetValue(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.values[key]
	if !ok {
		return nil, ErrEmpty
	}
	return val, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.counts, k)
		delete(m.values, k)
	}
	return nil
}
