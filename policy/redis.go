package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vitwit/x402-agent/types"
)

// RedisConfig describes the Redis connection used by the shared stores.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "agentpay".
	Prefix string
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func prefixOrDefault(p string) string {
	if p == "" {
		return "agentpay"
	}
	return p
}

// RedisLedger is a LedgerStore backed by a sorted set of transaction IDs
// scored by settle time in microseconds plus a hash of transaction bodies.
type RedisLedger struct {
	client redis.UniversalClient
	index  string
	bodies string
}

func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	prefix = prefixOrDefault(prefix)
	return &RedisLedger{
		client: client,
		index:  prefix + ":ledger:index",
		bodies: prefix + ":ledger:tx",
	}
}

func (l *RedisLedger) Append(ctx context.Context, tx types.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	added, err := l.client.HSetNX(ctx, l.bodies, tx.ID, body).Result()
	if err != nil {
		return fmt.Errorf("redis store transaction: %w", err)
	}
	if !added {
		return nil
	}
	err = l.client.ZAdd(ctx, l.index, redis.Z{
		Score:  float64(tx.SettledAt.UnixMicro()),
		Member: tx.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis index transaction: %w", err)
	}
	return nil
}

func (l *RedisLedger) Since(ctx context.Context, t time.Time) ([]types.Transaction, error) {
	ids, err := l.client.ZRangeByScore(ctx, l.index, &redis.ZRangeBy{
		Min: strconv.FormatInt(t.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range ledger: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := l.client.HMGet(ctx, l.bodies, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read transactions: %w", err)
	}
	out := make([]types.Transaction, 0, len(bodies))
	for i, b := range bodies {
		s, ok := b.(string)
		if !ok {
			continue
		}
		var tx types.Transaction
		if err := json.Unmarshal([]byte(s), &tx); err != nil {
			return nil, fmt.Errorf("decode transaction %s: %w", ids[i], err)
		}
		out = append(out, tx)
	}
	return out, nil
}

func (l *RedisLedger) Prune(ctx context.Context, before time.Time) error {
	max := "(" + strconv.FormatInt(before.UnixMicro(), 10)
	ids, err := l.client.ZRangeByScore(ctx, l.index, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return fmt.Errorf("redis range expired: %w", err)
	}
	return l.remove(ctx, ids)
}

// remove drops exactly ids from the index and the bodies. Removing by score
// instead would also unindex entries appended after the range was read and
// orphan their bodies.
func (l *RedisLedger) remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, l.index, members...)
		p.HDel(ctx, l.bodies, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis prune ledger: %w", err)
	}
	return nil
}

// RedisRequestLog is a RequestLog with one sorted set per endpoint, so
// several agent processes can share one rate window.
type RedisRequestLog struct {
	client    redis.UniversalClient
	prefix    string
	endpoints string
}

func NewRedisRequestLog(client redis.UniversalClient, prefix string) *RedisRequestLog {
	prefix = prefixOrDefault(prefix)
	return &RedisRequestLog{
		client:    client,
		prefix:    prefix + ":requests:",
		endpoints: prefix + ":requests",
	}
}

func (r *RedisRequestLog) key(endpoint string) string {
	return r.prefix + endpoint
}

func (r *RedisRequestLog) Record(ctx context.Context, endpoint string, at time.Time) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, r.key(endpoint), redis.Z{
			Score:  float64(at.UnixMicro()),
			Member: uuid.NewString(),
		})
		p.SAdd(ctx, r.endpoints, endpoint)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record request: %w", err)
	}
	return nil
}

func (r *RedisRequestLog) Count(ctx context.Context, endpoint string, since time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, r.key(endpoint), strconv.FormatInt(since.UnixMicro(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis count requests: %w", err)
	}
	return int(n), nil
}

func (r *RedisRequestLog) Prune(ctx context.Context, before time.Time) error {
	endpoints, err := r.client.SMembers(ctx, r.endpoints).Result()
	if err != nil {
		return fmt.Errorf("redis list endpoints: %w", err)
	}
	max := "(" + strconv.FormatInt(before.UnixMicro(), 10)
	for _, ep := range endpoints {
		if err := r.client.ZRemRangeByScore(ctx, r.key(ep), "-inf", max).Err(); err != nil {
			return fmt.Errorf("redis prune requests for %s: %w", ep, err)
		}
	}
	return nil
}
