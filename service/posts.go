package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alimx07/blog_service/cachedRepo"
	"github.com/alimx07/blog_service/metrics"
	"github.com/alimx07/blog_service/models"
	"github.com/alimx07/blog_service/postRepo"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Publisher hands a post to the ingestion pipeline and returns the event key.
type Publisher interface {
	Publish(ctx context.Context, userID int64, payload models.PostInput) (string, error)
}

// PostService keeps the system of record and the post cache in step.
type PostService struct {
	db        postRepo.PersistenceDB
	cache     cachedRepo.CachedRepo
	publisher Publisher
	validate  *validator.Validate
	metrics   *metrics.Metrics
	logger    *zap.Logger

	now   func() time.Time
	newID func() (string, error)
}

// NewPostService wires the coordinator. publisher may be nil when ingestion is disabled.
func NewPostService(db postRepo.PersistenceDB, cache cachedRepo.CachedRepo, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *PostService {
	return &PostService{
		db:        db,
		cache:     cache,
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		metrics:   m,
		logger:    logger.Named("posts"),
		now:       time.Now,
		newID:     newPostID,
	}
}

func (s *PostService) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return nil
}

// server generated ids are redrawn this many times on a collision
const idAttempts = 3

// Create writes the post to the database and the cache concurrently. When the
// database write fails the cache entry is invalidated so it cannot outlive it.
func (s *PostService) Create(ctx context.Context, ownerID int64, in models.PostInput) (models.PostWithLikes, error) {
	if err := s.check(in); err != nil {
		return models.PostWithLikes{}, err
	}
	published := true
	if in.Published != nil {
		published = *in.Published
	}
	post := models.Post{
		Id:         in.Id,
		Title:      in.Title,
		Content:    in.Content,
		Published:  published,
		Created_at: s.now().UTC().Truncate(time.Microsecond),
		Owner_id:   ownerID,
	}

	generated := in.Id == ""
	for attempt := 1; ; attempt++ {
		if generated {
			var err error
			if post.Id, err = s.newID(); err != nil {
				return models.PostWithLikes{}, err
			}
		}
		err := s.write(ctx, post)
		if err == nil {
			return models.PostWithLikes{Post: post}, nil
		}
		if !generated || !errors.Is(err, models.ErrConflict) || attempt == idAttempts {
			return models.PostWithLikes{}, err
		}
		s.logger.Warn("Generated post id is taken, drawing another", zap.String("post_id", post.Id), zap.Int("attempt", attempt))
	}
}

func (s *PostService) write(ctx context.Context, post models.Post) error {
	var g errgroup.Group
	g.Go(func() error {
		return s.db.InsertPost(ctx, post)
	})
	g.Go(func() error {
		s.cache.PutPost(ctx, post, 0)
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Warn("Failed to persist post, invalidating cached copy",
			zap.String("post_id", post.Id), zap.Int64("owner_id", post.Owner_id), zap.Error(err))
		s.cache.Invalidate(ctx, post.Id)
		s.metrics.DualWriteCompensated()
		return err
	}
	return nil
}

// Get serves from the cache and falls back to the database, repopulating the cache.
func (s *PostService) Get(ctx context.Context, id string) (models.PostWithLikes, error) {
	if cached, ok := s.cache.GetPost(ctx, id); ok {
		return cached, nil
	}
	post, err := s.db.GetPost(ctx, id)
	if err != nil {
		return models.PostWithLikes{}, err
	}
	likes, err := s.db.CountLikes(ctx, id)
	if err != nil {
		return models.PostWithLikes{}, err
	}
	s.cache.PutPost(ctx, post, likes)
	return models.PostWithLikes{Post: post, Likes: likes}, nil
}

func (s *PostService) List(ctx context.Context, query models.ListQuery) ([]models.PostWithLikes, error) {
	if err := s.check(query); err != nil {
		return nil, err
	}
	return s.db.ListPosts(ctx, query)
}

func (s *PostService) owned(ctx context.Context, userID int64, id string) (models.Post, error) {
	post, err := s.db.GetPost(ctx, id)
	if err != nil {
		return models.Post{}, err
	}
	if post.Owner_id != userID {
		return models.Post{}, fmt.Errorf("post %s is not owned by user %d: %w", id, userID, models.ErrUnauthorized)
	}
	return post, nil
}

func (s *PostService) Update(ctx context.Context, userID int64, id string, update models.PostUpdate) (models.PostWithLikes, error) {
	if update.Empty() {
		return models.PostWithLikes{}, fmt.Errorf("%w: nothing to update", models.ErrInvalidInput)
	}
	if err := s.check(update); err != nil {
		return models.PostWithLikes{}, err
	}
	if _, err := s.owned(ctx, userID, id); err != nil {
		return models.PostWithLikes{}, err
	}

	likes, ok := s.cache.GetLikes(ctx, id)
	if !ok {
		n, err := s.db.CountLikes(ctx, id)
		if err != nil {
			s.logger.Warn("Failed to count likes for update", zap.String("post_id", id), zap.Error(err))
			n = 0
		}
		likes = n
	}

	post, err := s.db.UpdatePost(ctx, id, update)
	if err != nil {
		return models.PostWithLikes{}, err
	}
	s.cache.PutPost(ctx, post, likes)
	return models.PostWithLikes{Post: post, Likes: likes}, nil
}

// Delete removes the post from the database first. The cache is only
// invalidated once the row is known to be gone.
func (s *PostService) Delete(ctx context.Context, userID int64, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.cache.Invalidate(ctx, id)
		}
		return err
	}
	err := s.db.DeletePost(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("Failed to delete post", zap.String("post_id", id), zap.Error(err))
		return err
	}
	s.cache.Invalidate(ctx, id)
	return err
}

func (s *PostService) Like(ctx context.Context, userID int64, id string) (models.PostWithLikes, error) {
	return s.react(ctx, models.Like{Post_id: id, User_id: userID}, 1)
}

func (s *PostService) Unlike(ctx context.Context, userID int64, id string) (models.PostWithLikes, error) {
	return s.react(ctx, models.Like{Post_id: id, User_id: userID}, -1)
}

func (s *PostService) react(ctx context.Context, like models.Like, delta int64) (models.PostWithLikes, error) {
	if err := s.check(like); err != nil {
		return models.PostWithLikes{}, err
	}
	// loads the post into the cache so the increment lands on a full document
	if _, err := s.Get(ctx, like.Post_id); err != nil {
		return models.PostWithLikes{}, err
	}

	var err error
	if delta > 0 {
		err = s.db.InsertLike(ctx, like)
	} else {
		err = s.db.DeleteLike(ctx, like)
	}
	if err != nil {
		return models.PostWithLikes{}, err
	}

	s.cache.IncrementLikes(ctx, like.Post_id, delta)
	return s.Get(ctx, like.Post_id)
}

// PublishPost validates the payload and queues it for the ingestion consumer.
// The id is assigned, or checked to be free, here so a redelivered event maps
// to the same row and the caller learns the id the post will be stored under.
func (s *PostService) PublishPost(ctx context.Context, userID int64, in models.PostInput) (key string, id string, err error) {
	if s.publisher == nil {
		return "", "", fmt.Errorf("ingestion is disabled: %w", models.ErrBroker)
	}
	if err := s.check(in); err != nil {
		return "", "", err
	}
	if in.Id != "" {
		if err := s.idFree(ctx, in.Id); err != nil {
			return "", "", err
		}
	} else if in.Id, err = s.freeID(ctx); err != nil {
		return "", "", err
	}
	key, err = s.publisher.Publish(ctx, userID, in)
	if err != nil {
		s.logger.Error("Failed to publish post", zap.Int64("user_id", userID), zap.Error(err))
		return "", "", err
	}
	return key, in.Id, nil
}

// idFree reports ErrConflict when a stored post already holds id.
func (s *PostService) idFree(ctx context.Context, id string) error {
	_, err := s.db.GetPost(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("post id %s is taken: %w", id, models.ErrConflict)
	case errors.Is(err, models.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (s *PostService) freeID(ctx context.Context) (string, error) {
	var err error
	for attempt := 0; attempt < idAttempts; attempt++ {
		var id string
		if id, err = s.newID(); err != nil {
			return "", err
		}
		if err = s.idFree(ctx, id); err == nil {
			return id, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return "", err
		}
	}
	return "", err
}
