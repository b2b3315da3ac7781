package cachedRepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/alimx07/blog_service/metrics"
	"github.com/alimx07/blog_service/models"
	"go.uber.org/zap"
)

const DefaultTTL = time.Hour

func PostKey(id string) string {
	return fmt.Sprintf("post:%v", id)
}

// cachedDocument is the wire shape of post:<id>.
type cachedDocument struct {
	Id        string  `json:"id"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	Owner_id  int64   `json:"owner_id"`
	Likes     int64   `json:"likes"`
	Published string  `json:"published"`
	CreatedAt float64 `json:"createdAt"`
}

// partial documents are left behind by a like on an uncached post
func (d cachedDocument) partial() bool {
	return d.CreatedAt == 0
}

func toDocument(post models.Post, likes int64) cachedDocument {
	published := "0"
	if post.Published {
		published = "1"
	}
	return cachedDocument{
		Id:        post.Id,
		Title:     post.Title,
		Content:   post.Content,
		Owner_id:  post.Owner_id,
		Likes:     max(likes, 0),
		Published: published,
		CreatedAt: float64(post.Created_at.UnixMicro()) / 1e6,
	}
}

func (d cachedDocument) toPost() models.PostWithLikes {
	micros := int64(math.Round(d.CreatedAt * 1e6))
	return models.PostWithLikes{
		Post: models.Post{
			Id:         d.Id,
			Title:      d.Title,
			Content:    d.Content,
			Published:  d.Published == "1",
			Created_at: time.UnixMicro(micros).UTC(),
			Owner_id:   d.Owner_id,
		},
		Likes: d.Likes,
	}
}

type PostCache struct {
	store   Store
	ledger  Ledger
	ttl     time.Duration
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewPostCache(store Store, ledger Ledger, ttl, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *PostCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostCache{
		store:   store,
		ledger:  ledger,
		ttl:     ttl,
		timeout: timeout,
		metrics: m,
		logger:  logger.Named("post_cache"),
	}
}

// bound keeps a slow cache from eating the request budget.
func (pc *PostCache) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if pc.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, pc.timeout)
}

func (pc *PostCache) lookup(ctx context.Context, id string) (cachedDocument, bool) {
	ctx, cancel := pc.bound(ctx)
	defer cancel()

	raw, err := pc.store.Get(ctx, PostKey(id))
	if err != nil {
		if !errors.Is(err, models.ErrCacheMiss) {
			pc.metrics.CacheError("get")
			pc.logger.Warn("Failed to read post from cache", zap.String("post_id", id), zap.Error(err))
		}
		return cachedDocument{}, false
	}
	var doc cachedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		pc.metrics.CacheError("decode")
		pc.logger.Warn("Failed to decode cached post", zap.String("post_id", id), zap.Error(err))
		return cachedDocument{}, false
	}
	return doc, true
}

// GetPost returns the cached post. A hit extends the TTL but does not reorder
// the ledger.
func (pc *PostCache) GetPost(ctx context.Context, id string) (models.PostWithLikes, bool) {
	doc, ok := pc.lookup(ctx, id)
	if !ok {
		pc.metrics.CacheLookup("miss")
		return models.PostWithLikes{}, false
	}
	if doc.partial() {
		pc.metrics.CacheLookup("partial")
		return models.PostWithLikes{}, false
	}
	pc.metrics.CacheLookup("hit")

	ctx, cancel := pc.bound(ctx)
	defer cancel()
	if err := pc.store.Expire(ctx, PostKey(id), pc.ttl); err != nil {
		pc.metrics.CacheError("expire")
		pc.logger.Debug("Failed to extend post TTL", zap.String("post_id", id), zap.Error(err))
	}
	return doc.toPost(), true
}

// GetLikes reads the like count, partial documents included.
func (pc *PostCache) GetLikes(ctx context.Context, id string) (int64, bool) {
	doc, ok := pc.lookup(ctx, id)
	if !ok {
		return 0, false
	}
	return doc.Likes, true
}

func (pc *PostCache) PutPost(ctx context.Context, post models.Post, likes int64) {
	data, err := json.Marshal(toDocument(post, likes))
	if err != nil {
		pc.logger.Error("Failed to encode post for cache", zap.String("post_id", post.Id), zap.Error(err))
		return
	}
	key := PostKey(post.Id)

	ctx, cancel := pc.bound(ctx)
	defer cancel()
	err = pc.store.RunTransaction(ctx, []Op{
		{Kind: OpSet, Key: key, Doc: data, TTL: pc.ttl},
		pc.ledger.Touch(key),
	})
	if err != nil {
		pc.metrics.CacheError("put")
		pc.logger.Warn("Failed to cache post", zap.String("post_id", post.Id), zap.Error(err))
	}
}

// IncrementLikes adds delta to the cached like count. On an uncached post it
// leaves a partial document holding max(delta, 0).
func (pc *PostCache) IncrementLikes(ctx context.Context, id string, delta int64) {
	key := PostKey(id)
	init, _ := json.Marshal(map[string]any{"id": id, "likes": max(delta, 0)})

	ctx, cancel := pc.bound(ctx)
	defer cancel()
	err := pc.store.RunTransaction(ctx, []Op{
		{Kind: OpIncrement, Key: key, Field: FieldLikes, Delta: delta, Doc: init, TTL: pc.ttl},
		pc.ledger.Touch(key),
	})
	if err != nil {
		pc.metrics.CacheError("increment")
		pc.logger.Warn("Failed to update likes counter in cache", zap.String("post_id", id), zap.Int64("delta", delta), zap.Error(err))
	}
}

func (pc *PostCache) Invalidate(ctx context.Context, id string) {
	ctx, cancel := pc.bound(ctx)
	defer cancel()
	key := PostKey(id)
	err := pc.store.RunTransaction(ctx, []Op{{Kind: OpDelete, Key: key}, pc.ledger.Forget(key)})
	if err != nil {
		// the entry now lives until its TTL runs out
		pc.metrics.CacheError("invalidate")
		pc.logger.Warn("Failed to delete post from the cache", zap.String("post_id", id), zap.Error(err))
	}
}

func (pc *PostCache) Close() {
	if err := pc.store.Close(); err != nil {
		pc.logger.Warn("Error closing cache store", zap.Error(err))
	}
}
