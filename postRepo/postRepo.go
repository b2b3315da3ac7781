package postRepo

import (
	"context"

	"github.com/alimx07/blog_service/models"
)

// PersistenceDB is the system of record for posts and likes.
type PersistenceDB interface {
	InsertPost(ctx context.Context, post models.Post) error
	UpdatePost(ctx context.Context, id string, update models.PostUpdate) (models.Post, error)
	DeletePost(ctx context.Context, id string) error
	GetPost(ctx context.Context, id string) (models.Post, error)
	CountLikes(ctx context.Context, id string) (int64, error)
	InsertLike(ctx context.Context, like models.Like) error
	DeleteLike(ctx context.Context, like models.Like) error
	ListPosts(ctx context.Context, query models.ListQuery) ([]models.PostWithLikes, error)
	Close() error
}
