package cachedRepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alimx07/blog_service/metrics"
	"github.com/alimx07/blog_service/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisStore keeps documents as RedisJSON values and the eviction ledger as a
// plain list. Multi step writes run as WATCH/MULTI/EXEC.
type redisStore struct {
	client  *redis.Client
	ledger  Ledger
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewRedisStore(addr, pass string, ledger Ledger, m *metrics.Metrics, logger *zap.Logger) *redisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     pass,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return newRedisStoreFromClient(client, ledger, m, logger)
}

func newRedisStoreFromClient(client *redis.Client, ledger Ledger, m *metrics.Metrics, logger *zap.Logger) *redisStore {
	return &redisStore{
		client:  client,
		ledger:  ledger,
		metrics: m,
		logger:  logger.Named("redis_store"),
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)
}

func (rs *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := rs.client.JSONGet(ctx, key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && val == "") {
		return nil, models.ErrCacheMiss
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return []byte(val), nil
}

func (rs *redisStore) Set(ctx context.Context, key string, doc []byte, ttl time.Duration) error {
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.JSONSet(ctx, key, "$", doc)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (rs *redisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, key).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (rs *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := rs.client.Expire(ctx, key, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (rs *redisStore) Increment(ctx context.Context, key string, field Field, delta int64) error {
	init, _ := json.Marshal(incrementInit(field, delta))
	return rs.RunTransaction(ctx, []Op{{Kind: OpIncrement, Key: key, Field: field, Delta: delta, Doc: init}})
}

func (rs *redisStore) RunTransaction(ctx context.Context, ops []Op) error {
	keys := rs.watchKeys(ops)
	var (
		evicted int
		err     error
	)
	// one retry on a conflicting writer, then give up and let the caller fall back
	for attempt := 0; attempt < 2; attempt++ {
		err = rs.client.Watch(ctx, func(tx *redis.Tx) error {
			var txErr error
			evicted, txErr = rs.apply(ctx, tx, ops)
			return txErr
		}, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		rs.logger.Debug("Transaction conflict", zap.Strings("keys", keys), zap.Int("attempt", attempt+1))
	}
	if err != nil {
		return unavailable(err)
	}
	rs.metrics.CacheEvicted(evicted)
	return nil
}

func (rs *redisStore) watchKeys(ops []Op) []string {
	var keys []string
	touched := false
	for _, op := range ops {
		switch op.Kind {
		case OpIncrement:
			keys = append(keys, op.Key)
		case OpTouch:
			touched = true
		}
	}
	if touched {
		keys = append(keys, rs.ledger.Key)
	}
	return keys
}

// counterState is what an increment saw under WATCH.
type counterState struct {
	keyExists   bool
	fieldExists bool
	value       int64
}

func (rs *redisStore) readCounter(ctx context.Context, tx *redis.Tx, key string, field Field) (counterState, error) {
	raw, err := tx.JSONGet(ctx, key, field.jsonPath()).Result()
	if errors.Is(err, redis.Nil) {
		return counterState{}, nil
	}
	if err != nil {
		return counterState{}, err
	}
	var vals []float64
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return counterState{}, fmt.Errorf("decode %s of %s: %w", field, key, err)
	}
	if len(vals) == 0 {
		return counterState{keyExists: true}, nil
	}
	return counterState{keyExists: true, fieldExists: true, value: int64(vals[0])}, nil
}

// apply reads everything it needs before MULTI, then queues the writes.
// Any change to a watched key between the two aborts EXEC with TxFailedErr.
func (rs *redisStore) apply(ctx context.Context, tx *redis.Tx, ops []Op) (int, error) {
	var (
		entries  []string
		err      error
		counters = make(map[string]counterState)
	)
	for _, op := range ops {
		switch op.Kind {
		case OpTouch:
			if entries == nil {
				entries, err = tx.LRange(ctx, rs.ledger.Key, 0, -1).Result()
				if err != nil {
					return 0, err
				}
			}
		case OpIncrement:
			if _, ok := counters[op.Key]; ok {
				continue
			}
			state, err := rs.readCounter(ctx, tx, op.Key, op.Field)
			if err != nil {
				return 0, err
			}
			counters[op.Key] = state
		}
	}

	evicted := 0
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			switch op.Kind {
			case OpSet:
				pipe.JSONSet(ctx, op.Key, "$", op.Doc)
				if op.TTL > 0 {
					pipe.Expire(ctx, op.Key, op.TTL)
				}
			case OpDelete:
				pipe.Del(ctx, op.Key)
				delete(counters, op.Key)
			case OpIncrement:
				state := counters[op.Key]
				switch {
				case !state.keyExists:
					doc := op.Doc
					if doc == nil {
						doc, _ = json.Marshal(incrementInit(op.Field, op.Delta))
					}
					pipe.JSONSet(ctx, op.Key, "$", doc)
					state = counterState{keyExists: true, fieldExists: true, value: max(op.Delta, 0)}
				case !state.fieldExists || state.value+op.Delta < 0:
					next := max(state.value+op.Delta, 0)
					pipe.JSONSet(ctx, op.Key, op.Field.jsonPath(), next)
					state.fieldExists, state.value = true, next
				default:
					pipe.JSONNumIncrBy(ctx, op.Key, op.Field.jsonPath(), float64(op.Delta))
					state.value += op.Delta
				}
				counters[op.Key] = state
				if op.TTL > 0 {
					pipe.Expire(ctx, op.Key, op.TTL)
				}
			case OpTouch:
				var victims []string
				entries, victims = planEviction(entries, op.Key, rs.ledger.Capacity)
				pipe.LRem(ctx, rs.ledger.Key, 0, op.Key)
				pipe.RPush(ctx, rs.ledger.Key, op.Key)
				if len(victims) > 0 {
					pipe.LTrim(ctx, rs.ledger.Key, int64(-len(entries)), -1)
					pipe.Del(ctx, victims...)
					evicted += len(victims)
				}
			case OpForget:
				entries = without(entries, op.Key)
				pipe.LRem(ctx, rs.ledger.Key, 0, op.Key)
			}
		}
		return nil
	})
	return evicted, err
}

func (rs *redisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

func (rs *redisStore) Close() error {
	return rs.client.Close()
}
