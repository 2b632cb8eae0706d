package orphan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

const defaultKey = "elibrary:orphans"

// RedisQueue keeps orphans in Redis lists. New entries are LPUSHed onto key
// and claimed with LMOVE from its tail into key:processing, so an entry
// survives a reconciler that dies mid-delete. Abandoned entries land in
// key:dead.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

var _ Queue = (*RedisQueue)(nil)

// Stats are the list lengths of a queue.
type Stats struct {
	Queued     int64
	Processing int64
	Dead       int64
}

func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	if strings.TrimSpace(key) == "" {
		key = defaultKey
	}
	return &RedisQueue{client: client, key: key}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, key string) (*RedisQueue, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      []string{addr},
		MaxRetries: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisQueue(client, key), nil
}

func (q *RedisQueue) processingKey() string { return q.key + ":processing" }
func (q *RedisQueue) deadKey() string       { return q.key + ":dead" }

func (q *RedisQueue) Push(ctx context.Context, o Orphan) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal orphan: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push orphan %s: %w", o.PublicID, err)
	}
	return nil
}

// Len reports the number of orphans waiting to be claimed.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Claim(ctx context.Context) (Claim, bool, error) {
	payload, err := q.client.LMove(ctx, q.key, q.processingKey(), "RIGHT", "LEFT").Bytes()
	if errors.Is(err, redis.Nil) {
		return Claim{}, false, nil
	}
	if err != nil {
		return Claim{}, false, fmt.Errorf("claim orphan: %w", err)
	}
	var o Orphan
	if err := json.Unmarshal(payload, &o); err != nil {
		// Park undecodable entries where an operator can see them.
		c := Claim{raw: payload}
		if berr := q.moveClaim(ctx, c, q.deadKey(), payload); berr != nil {
			return Claim{}, false, errors.Join(fmt.Errorf("decode orphan: %w", err), berr)
		}
		return Claim{}, false, fmt.Errorf("decode orphan: %w", err)
	}
	return Claim{Orphan: o, raw: payload}, true, nil
}

func (q *RedisQueue) Ack(ctx context.Context, c Claim) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, c.raw).Err(); err != nil {
		return fmt.Errorf("ack orphan %s: %w", c.Orphan.PublicID, err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, c Claim, o Orphan) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal orphan: %w", err)
	}
	if err := q.moveClaim(ctx, c, q.key, payload); err != nil {
		return fmt.Errorf("requeue orphan %s: %w", o.PublicID, err)
	}
	return nil
}

func (q *RedisQueue) Bury(ctx context.Context, c Claim, o Orphan) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal orphan: %w", err)
	}
	if err := q.moveClaim(ctx, c, q.deadKey(), payload); err != nil {
		return fmt.Errorf("bury orphan %s: %w", o.PublicID, err)
	}
	return nil
}

// moveClaim removes c from the processing list and pushes payload onto dst
// in one MULTI/EXEC transaction.
func (q *RedisQueue) moveClaim(ctx context.Context, c Claim, dst string, payload []byte) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, c.raw)
		pipe.LPush(ctx, dst, payload)
		return nil
	})
	return err
}

// Recover moves every entry in the processing list back onto the queue.
// Only one reconciler may drain a queue at a time.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	return q.moveAll(ctx, q.processingKey(), q.key)
}

// Revive puts every dead-lettered orphan back on the queue.
func (q *RedisQueue) Revive(ctx context.Context) (int, error) {
	return q.moveAll(ctx, q.deadKey(), q.key)
}

func (q *RedisQueue) moveAll(ctx context.Context, src, dst string) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, src, dst, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("move %s to %s: %w", src, dst, err)
		}
		n++
	}
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var queued, processing, dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		queued = pipe.LLen(ctx, q.key)
		processing = pipe.LLen(ctx, q.processingKey())
		dead = pipe.LLen(ctx, q.deadKey())
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Queued: queued.Val(), Processing: processing.Val(), Dead: dead.Val()}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
