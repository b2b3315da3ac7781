package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alimx07/blog_service/auth"
	"github.com/alimx07/blog_service/metrics"
	"github.com/alimx07/blog_service/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// postsAPI is what the HTTP layer needs from service.PostService.
type postsAPI interface {
	Create(ctx context.Context, ownerID int64, in models.PostInput) (models.PostWithLikes, error)
	PublishPost(ctx context.Context, userID int64, in models.PostInput) (string, string, error)
	Get(ctx context.Context, id string) (models.PostWithLikes, error)
	List(ctx context.Context, query models.ListQuery) ([]models.PostWithLikes, error)
	Update(ctx context.Context, userID int64, id string, update models.PostUpdate) (models.PostWithLikes, error)
	Delete(ctx context.Context, userID int64, id string) error
	Like(ctx context.Context, userID int64, id string) (models.PostWithLikes, error)
	Unlike(ctx context.Context, userID int64, id string) (models.PostWithLikes, error)
}

type Handler struct {
	posts    postsAPI
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	off      *atomic.Bool
}

func NewHandler(posts postsAPI, verifier *auth.Verifier, m *metrics.Metrics, off *atomic.Bool, logger *zap.Logger) *Handler {
	return &Handler{
		posts:    posts,
		verifier: verifier,
		metrics:  m,
		logger:   logger.Named("http"),
		off:      off,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(h.requestLogger)

	router.Get("/health", h.health)
	router.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(h.verifier.Middleware)
		r.Route("/posts", func(r chi.Router) {
			r.Post("/", h.createPost)
			r.Post("/async", h.createPostAsync)
			r.Get("/", h.listPosts)
			r.Get("/{id}", h.getPost)
			r.Put("/{id}", h.updatePost)
			r.Delete("/{id}", h.deletePost)
		})
		r.Post("/like", h.like)
		r.Delete("/like", h.unlike)
	})
	return router
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("HTTP Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.off != nil && h.off.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "service": "blog_service"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "blog_service"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body: %v", models.ErrInvalidInput, err)
	}
	return nil
}

func currentUser(r *http.Request) (int64, error) {
	id, ok := auth.UserID(r.Context())
	if !ok {
		return 0, models.ErrUnauthorized
	}
	return id, nil
}

func (h *Handler) createPost(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in models.PostInput
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	post, err := h.posts.Create(r.Context(), userID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (h *Handler) createPostAsync(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in models.PostInput
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	key, id, err := h.posts.PublishPost(r.Context(), userID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"key": key, "id": id})
}

func parseListQuery(r *http.Request) (models.ListQuery, error) {
	q := models.DefaultListQuery()
	values := r.URL.Query()
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("%w: limit %q is not a number", models.ErrInvalidInput, v)
		}
		q.Limit = n
	}
	if v := values.Get("sort"); v != "" {
		q.Sort = models.SortField(v)
	}
	switch strings.ToLower(values.Get("order")) {
	case "":
	case "asc":
		q.Desc = false
	case "desc":
		q.Desc = true
	default:
		return q, fmt.Errorf("%w: order must be asc or desc", models.ErrInvalidInput)
	}
	q.Search = values.Get("search")
	return q, nil
}

func (h *Handler) listPosts(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	posts, err := h.posts.List(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (h *Handler) getPost(w http.ResponseWriter, r *http.Request) {
	post, err := h.posts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handler) updatePost(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var update models.PostUpdate
	if err := decode(w, r, &update); err != nil {
		h.writeError(w, r, err)
		return
	}
	post, err := h.posts.Update(r.Context(), userID, chi.URLParam(r, "id"), update)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handler) deletePost(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.posts.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) like(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, h.posts.Like, http.StatusCreated)
}

func (h *Handler) unlike(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, h.posts.Unlike, http.StatusOK)
}

func (h *Handler) react(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, userID int64, id string) (models.PostWithLikes, error), status int) {
	userID, err := currentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var like models.Like
	if err := decode(w, r, &like); err != nil {
		h.writeError(w, r, err)
		return
	}
	post, err := fn(r.Context(), userID, like.Post_id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, post)
}
