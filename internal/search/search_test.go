package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/errdefs"
)

func TestSearchReturnsItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		assert.Equal(t, "engine", r.URL.Query().Get("cx"))
		assert.Equal(t, "tabby cat", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"title":"Tabby","link":"https://example.com/tabby","snippet":"A tabby is...","displayLink":"example.com"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Key: "secret", CX: "engine"}, zap.NewNop())
	require.True(t, c.Enabled())

	results, err := c.Search(context.Background(), "tabby cat")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Result{
		Title:       "Tabby",
		Link:        "https://example.com/tabby",
		Snippet:     "A tabby is...",
		DisplayLink: "example.com",
	}, results[0])
}

func TestSearchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Key: "secret", CX: "engine"}, zap.NewNop())
	_, err := c.Search(context.Background(), "tabby")
	require.ErrorIs(t, err, errdefs.ErrSearch)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestSearchRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Key: "secret", CX: "engine", Retries: 2}, zap.NewNop())
	results, err := c.Search(context.Background(), "tabby")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSearchDisabledWithoutCredentials(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, zap.NewNop())
	assert.False(t, c.Enabled())

	results, err := c.Search(context.Background(), "tabby")
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestSearchMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Key: "secret", CX: "engine"}, zap.NewNop())
	_, err := c.Search(context.Background(), "tabby")
	assert.ErrorIs(t, err, errdefs.ErrSearch)
}
