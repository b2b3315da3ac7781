package cachedRepo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alimx07/blog_service/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func likesOf(t *testing.T, raw []byte) int64 {
	t.Helper()
	var doc struct {
		Likes int64 `json:"likes"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc.Likes
}

func TestMemoryStore_GetMiss(t *testing.T) {
	store := NewMemoryStore(Ledger{Capacity: 10}, nil)
	_, err := store.Get(context.Background(), "post:none")
	assert.ErrorIs(t, err, models.ErrCacheMiss)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore(Ledger{Capacity: 10}, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte(`{"a":1}`), time.Hour))
	_, err := store.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(59 * time.Minute)
	require.NoError(t, store.Expire(ctx, "k", time.Hour))

	now = now.Add(59 * time.Minute)
	_, err = store.Get(ctx, "k")
	assert.NoError(t, err, "expire should have pushed the deadline out")

	now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, models.ErrCacheMiss)
}

func TestMemoryStore_IncrementCreatesField(t *testing.T) {
	store := NewMemoryStore(Ledger{Capacity: 10}, nil)
	ctx := context.Background()

	require.NoError(t, store.Increment(ctx, "k", FieldLikes, 1))
	raw, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), likesOf(t, raw))

	require.NoError(t, store.Set(ctx, "j", []byte(`{"id":"j"}`), 0))
	require.NoError(t, store.Increment(ctx, "j", FieldLikes, 2))
	raw, err = store.Get(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, int64(2), likesOf(t, raw))
}

func TestMemoryStore_IncrementNeverNegative(t *testing.T) {
	store := NewMemoryStore(Ledger{Capacity: 10}, nil)
	ctx := context.Background()

	require.NoError(t, store.Increment(ctx, "k", FieldLikes, -1))
	raw, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), likesOf(t, raw))

	require.NoError(t, store.Increment(ctx, "k", FieldLikes, -1))
	raw, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), likesOf(t, raw))
}

func TestMemoryStore_TransactionIsAllOrNothing(t *testing.T) {
	store := NewMemoryStore(Ledger{Capacity: 10}, nil)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "bad", []byte(`{"likes":"many"}`), 0))

	err := store.RunTransaction(ctx, []Op{
		{Kind: OpSet, Key: "good", Doc: []byte(`{}`)},
		{Kind: OpIncrement, Key: "bad", Field: FieldLikes, Delta: 1},
	})
	require.ErrorIs(t, err, models.ErrCacheUnavailable)

	_, err = store.Get(ctx, "good")
	assert.ErrorIs(t, err, models.ErrCacheMiss, "the earlier op must not be visible")
}
