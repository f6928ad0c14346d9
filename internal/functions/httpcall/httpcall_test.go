package httpcall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiva-labs/voicebridge/internal/functions"
)

func TestHandlerReturnsDecodedJSONOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"shipped"}`))
	}))
	defer srv.Close()

	h := NewHandler(nil, Spec{Endpoint: srv.URL})
	res, err := h(context.Background(), functions.Context{}, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"status": "shipped"}, res.Data)
}

func TestHandlerZeroRetriesMakesExactlyOneAttempt(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHandler(nil, Spec{Endpoint: srv.URL, Retries: 0})
	res, err := h(context.Background(), functions.Context{}, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestHandlerRetriesTransient5xxThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := NewHandler(nil, Spec{Endpoint: srv.URL, Retries: 2})

	start := time.Now()
	res, err := h(context.Background(), functions.Context{}, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.GreaterOrEqual(t, time.Since(start), 1*time.Second)
}

func TestHandlerDoesNotRetry4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := NewHandler(nil, Spec{Endpoint: srv.URL, Retries: 3})
	res, err := h(context.Background(), functions.Context{}, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestHandlerSendsConfiguredHeaders(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	h := NewHandler(nil, Spec{Endpoint: srv.URL, Headers: map[string]string{"X-Api-Key": "secret"}})
	_, err := h(context.Background(), functions.Context{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "secret", gotHeader)
}
