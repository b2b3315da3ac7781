package cachedRepo

import (
	"context"
	"time"
)

// Field addresses a top level field of a cached document, so callers never
// build store specific path expressions themselves.
type Field string

const FieldLikes Field = "likes"

func (f Field) jsonPath() string {
	return "$." + string(f)
}

type OpKind int

const (
	// OpSet writes Doc at Key and refreshes its TTL.
	OpSet OpKind = iota
	// OpDelete removes Key.
	OpDelete
	// OpIncrement adds Delta to Field of the document at Key. The field is
	// created at 0 when missing, Doc is written instead when Key is absent,
	// and the result never drops below zero. TTL is refreshed when set.
	OpIncrement
	// OpTouch moves Key to the tail of the eviction ledger and evicts from
	// the head while the ledger is over capacity.
	OpTouch
	// OpForget drops Key from the eviction ledger.
	OpForget
)

type Op struct {
	Kind  OpKind
	Key   string
	Doc   []byte
	TTL   time.Duration
	Field Field
	Delta int64
}

// Store is the key-value adapter the post cache runs on. Every error is
// recoverable: callers treat it as a miss and go to the database.
type Store interface {
	// Get returns the raw JSON document, or models.ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, doc []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Increment(ctx context.Context, key string, field Field, delta int64) error
	// RunTransaction applies ops in order, all or nothing. A concurrent
	// modification is retried once before models.ErrCacheUnavailable.
	RunTransaction(ctx context.Context, ops []Op) error
	Ping(ctx context.Context) error
	Close() error
}

func incrementInit(field Field, delta int64) map[string]int64 {
	return map[string]int64{string(field): max(delta, 0)}
}
