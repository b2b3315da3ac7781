package cachedRepo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alimx07/blog_service/metrics"
	"github.com/alimx07/blog_service/models"
)

type memEntry struct {
	doc       []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// memoryStore is the in-process Store used when no Redis address is
// configured. One mutex serialises everything, which makes every
// transaction trivially atomic.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	ledger  Ledger
	order   []string
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewMemoryStore(ledger Ledger, m *metrics.Metrics) *memoryStore {
	return &memoryStore{
		entries: make(map[string]memEntry),
		ledger:  ledger,
		metrics: m,
		now:     time.Now,
	}
}

func (ms *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	e, ok := ms.lookup(key)
	if !ok {
		return nil, models.ErrCacheMiss
	}
	return bytes.Clone(e.doc), nil
}

func (ms *memoryStore) lookup(key string) (memEntry, bool) {
	e, ok := ms.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(ms.now()) {
		delete(ms.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (ms *memoryStore) Set(ctx context.Context, key string, doc []byte, ttl time.Duration) error {
	return ms.RunTransaction(ctx, []Op{{Kind: OpSet, Key: key, Doc: doc, TTL: ttl}})
}

func (ms *memoryStore) Delete(ctx context.Context, key string) error {
	return ms.RunTransaction(ctx, []Op{{Kind: OpDelete, Key: key}})
}

func (ms *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if e, ok := ms.lookup(key); ok {
		e.expiresAt = ms.now().Add(ttl)
		ms.entries[key] = e
	}
	return nil
}

func (ms *memoryStore) Increment(ctx context.Context, key string, field Field, delta int64) error {
	return ms.RunTransaction(ctx, []Op{{Kind: OpIncrement, Key: key, Field: field, Delta: delta}})
}

// RunTransaction works on copies and swaps them in only when every op
// succeeded.
func (ms *memoryStore) RunTransaction(_ context.Context, ops []Op) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	staged := make(map[string]*memEntry)
	get := func(key string) *memEntry {
		if e, ok := staged[key]; ok {
			return e
		}
		var e *memEntry
		if cur, ok := ms.lookup(key); ok {
			e = &memEntry{doc: cur.doc, expiresAt: cur.expiresAt}
		}
		staged[key] = e
		return e
	}
	order := ms.order
	evicted := 0
	now := ms.now()

	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			e := &memEntry{doc: bytes.Clone(op.Doc)}
			if prev := get(op.Key); prev != nil {
				e.expiresAt = prev.expiresAt
			}
			if op.TTL > 0 {
				e.expiresAt = now.Add(op.TTL)
			}
			staged[op.Key] = e
		case OpDelete:
			staged[op.Key] = nil
		case OpIncrement:
			e := get(op.Key)
			if e == nil {
				doc := op.Doc
				if doc == nil {
					doc, _ = json.Marshal(incrementInit(op.Field, op.Delta))
				}
				e = &memEntry{doc: bytes.Clone(doc)}
			} else {
				doc, err := incrementField(e.doc, op.Field, op.Delta)
				if err != nil {
					return fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)
				}
				e = &memEntry{doc: doc, expiresAt: e.expiresAt}
			}
			if op.TTL > 0 {
				e.expiresAt = now.Add(op.TTL)
			}
			staged[op.Key] = e
		case OpTouch:
			var victims []string
			order, victims = planEviction(order, op.Key, ms.ledger.Capacity)
			for _, v := range victims {
				staged[v] = nil
			}
			evicted += len(victims)
		case OpForget:
			order = without(order, op.Key)
		}
	}

	for key, e := range staged {
		if e == nil {
			delete(ms.entries, key)
			continue
		}
		ms.entries[key] = *e
	}
	ms.order = order
	ms.metrics.CacheEvicted(evicted)
	return nil
}

func incrementField(doc []byte, field Field, delta int64) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, err
	}
	var cur int64
	if raw, ok := fields[string(field)]; ok {
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("field %s is not numeric: %w", field, err)
		}
		cur = int64(f)
	}
	next, _ := json.Marshal(max(cur+delta, 0))
	fields[string(field)] = next
	return json.Marshal(fields)
}

// keys returns the ledger contents, oldest first.
func (ms *memoryStore) keys() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.order...)
}

func (ms *memoryStore) Ping(context.Context) error { return nil }

func (ms *memoryStore) Close() error { return nil }
