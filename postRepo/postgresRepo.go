package postRepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alimx07/blog_service/models"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// sort keys map to fixed column expressions, user input never reaches the query text
var sortColumns = map[models.SortField]string{
	models.SortCreatedAt: "p.created_at",
	models.SortTitle:     "p.title",
	models.SortLikes:     "likes",
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// PostgresRepo writes to the primary and reads from the replica.
type PostgresRepo struct {
	primary *sql.DB
	replica *sql.DB
	logger  *zap.Logger
}

func NewPostgresRepo(primary, replica *sql.DB, logger *zap.Logger) *PostgresRepo {
	if replica == nil {
		replica = primary
	}
	return &PostgresRepo{
		primary: primary,
		replica: replica,
		logger:  logger.Named("postgres"),
	}
}

func mapError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%s: %w", op, models.ErrConflict)
		case foreignKeyViolation:
			return fmt.Errorf("%s: %w", op, models.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrPersistence, err)
}

func (ps *PostgresRepo) InsertPost(ctx context.Context, post models.Post) error {
	_, err := ps.primary.ExecContext(ctx,
		`INSERT INTO posts (id, title, content, published, created_at, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		post.Id, post.Title, post.Content, post.Published, post.Created_at, post.Owner_id)
	if err != nil {
		ps.logger.Error("Error creating post", zap.String("post_id", post.Id), zap.Error(err))
		return mapError("insert post", err)
	}
	return nil
}

func (ps *PostgresRepo) UpdatePost(ctx context.Context, id string, update models.PostUpdate) (models.Post, error) {
	var post models.Post
	err := ps.primary.QueryRowContext(ctx,
		`UPDATE posts SET
			title = COALESCE($2, title),
			content = COALESCE($3, content),
			published = COALESCE($4, published)
		WHERE id = $1
		RETURNING id, title, content, published, created_at, owner_id`,
		id, update.Title, update.Content, update.Published).Scan(
		&post.Id, &post.Title, &post.Content, &post.Published, &post.Created_at, &post.Owner_id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			ps.logger.Error("Error updating post", zap.String("post_id", id), zap.Error(err))
		}
		return models.Post{}, mapError("update post", err)
	}
	return post, nil
}

func (ps *PostgresRepo) DeletePost(ctx context.Context, id string) error {
	res, err := ps.primary.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		ps.logger.Error("Error deleting post", zap.String("post_id", id), zap.Error(err))
		return mapError("delete post", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError("delete post", err)
	}
	if n == 0 {
		return fmt.Errorf("delete post %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (ps *PostgresRepo) GetPost(ctx context.Context, id string) (models.Post, error) {
	var post models.Post
	err := ps.replica.QueryRowContext(ctx,
		`SELECT id, title, content, published, created_at, owner_id FROM posts WHERE id = $1`, id).Scan(
		&post.Id, &post.Title, &post.Content, &post.Published, &post.Created_at, &post.Owner_id)
	if err != nil {
		return models.Post{}, mapError("get post", err)
	}
	return post, nil
}

func (ps *PostgresRepo) CountLikes(ctx context.Context, id string) (int64, error) {
	var n int64
	err := ps.replica.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM likes WHERE post_id = $1`, id).Scan(&n)
	if err != nil {
		return 0, mapError("count likes", err)
	}
	return n, nil
}

func (ps *PostgresRepo) InsertLike(ctx context.Context, like models.Like) error {
	_, err := ps.primary.ExecContext(ctx,
		`INSERT INTO likes (post_id, user_id) VALUES ($1, $2)`, like.Post_id, like.User_id)
	if err != nil {
		return mapError("insert like", err)
	}
	return nil
}

// DeleteLike reports ErrConflict when the user never liked the post.
func (ps *PostgresRepo) DeleteLike(ctx context.Context, like models.Like) error {
	res, err := ps.primary.ExecContext(ctx,
		`DELETE FROM likes WHERE post_id = $1 AND user_id = $2`, like.Post_id, like.User_id)
	if err != nil {
		ps.logger.Error("Error deleting like",
			zap.String("post_id", like.Post_id), zap.Int64("user_id", like.User_id), zap.Error(err))
		return mapError("delete like", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError("delete like", err)
	}
	if n == 0 {
		return fmt.Errorf("post %s not liked by user %d: %w", like.Post_id, like.User_id, models.ErrConflict)
	}
	return nil
}

func (ps *PostgresRepo) ListPosts(ctx context.Context, query models.ListQuery) ([]models.PostWithLikes, error) {
	column, ok := sortColumns[query.Sort]
	if !ok {
		return nil, fmt.Errorf("sort by %q: %w", query.Sort, models.ErrInvalidInput)
	}
	direction := "ASC"
	if query.Desc {
		direction = "DESC"
	}

	stmt := fmt.Sprintf(
		`SELECT p.id, p.title, p.content, p.published, p.created_at, p.owner_id, COUNT(l.user_id) AS likes
		FROM posts p
		LEFT JOIN likes l ON l.post_id = p.id
		WHERE $1 = '' OR p.title ILIKE '%%' || $1 || '%%'
		GROUP BY p.id
		ORDER BY %s %s, p.id
		LIMIT $2`, column, direction)

	rows, err := ps.replica.QueryContext(ctx, stmt, likeEscaper.Replace(query.Search), query.Limit)
	if err != nil {
		ps.logger.Error("Error listing posts", zap.Error(err))
		return nil, mapError("list posts", err)
	}
	defer rows.Close()

	posts := make([]models.PostWithLikes, 0, query.Limit)
	for rows.Next() {
		var p models.PostWithLikes
		if err := rows.Scan(&p.Id, &p.Title, &p.Content, &p.Published, &p.Created_at, &p.Owner_id, &p.Likes); err != nil {
			return nil, mapError("list posts", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list posts", err)
	}
	return posts, nil
}

func (ps *PostgresRepo) Close() error {
	err := ps.primary.Close()
	if ps.replica != ps.primary {
		err = errors.Join(err, ps.replica.Close())
	}
	return err
}
