package cachedRepo

import (
	"context"

	"github.com/alimx07/blog_service/models"
)

// CachedRepo is the post cache as the service sees it. Nothing here returns
// an error: a failing cache only ever shows up as a miss.
type CachedRepo interface {
	GetPost(ctx context.Context, id string) (models.PostWithLikes, bool)
	GetLikes(ctx context.Context, id string) (int64, bool)
	PutPost(ctx context.Context, post models.Post, likes int64)
	IncrementLikes(ctx context.Context, id string, delta int64)
	Invalidate(ctx context.Context, id string)
	Close()
}
