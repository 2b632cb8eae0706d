package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elibrary/internal/book"
	"elibrary/internal/config"
	"elibrary/internal/httpx"
	"elibrary/internal/logging"
	"elibrary/internal/platform/crypto"
	"elibrary/internal/staging"
)

func testRouter(t *testing.T, repo book.Repository, ready func(context.Context) error) http.Handler {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.JWTSecret = "test-secret"
	cfg.StagingDir = t.TempDir()

	decoder, err := staging.NewDecoder(cfg.StagingDir, cfg.MaxUploadBytes, book.FieldCover, book.FieldDocument)
	require.NoError(t, err)
	lc := book.NewLifecycle(repo, nil, staging.NewJanitor(), book.LifecycleConfig{})
	handler := book.NewHTTPHandler(book.NewService(repo), lc, decoder, logging.Nop())

	return newRouter(cfg, logging.Nop(), handler, httpx.NewRateLimitMiddleware(1000, 1000), ready)
}

func TestRouting(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	repo := book.NewMockRepository(ctrl)
	router := testRouter(t, repo, func(context.Context) error { return nil })

	t.Run("healthz", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	})

	t.Run("welcome", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var env struct {
			Data map[string]string `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
		assert.Equal(t, "Welcome to ELibrary API", env.Data["message"])
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("list is public", func(t *testing.T) {
		repo.EXPECT().List(gomock.Any(), gomock.Any()).Return([]book.Book{}, 0, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/books", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("mutations require a token", func(t *testing.T) {
		for _, tc := range []struct{ method, path string }{
			{http.MethodPost, "/books"},
			{http.MethodPatch, "/books/123"},
			{http.MethodDelete, "/books/123"},
		} {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, http.StatusUnauthorized, w.Code, tc.method)
		}
	})

	t.Run("authenticated delete reaches the lifecycle", func(t *testing.T) {
		token, err := crypto.GenerateToken("test-secret", "author-1", time.Hour)
		require.NoError(t, err)
		repo.EXPECT().FindByID(gomock.Any(), "123").Return(book.Book{}, book.ErrNotFound)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodDelete, "/books/123", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/me", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestReadyz(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	router := testRouter(t, book.NewMockRepository(ctrl), func(context.Context) error {
		return errors.New("db down")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://***@db:5432/elibrary", redactDSN("postgres://user:pass@db:5432/elibrary"))
	assert.Equal(t, "no-scheme", redactDSN("no-scheme"))
}
