package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlit/medlit/internal/errors"
)

func embedService(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteEmbedder_EmbedBatch(t *testing.T) {
	srv := embedService(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		out := make([][]float32, len(req.Input))
		for i := range out {
			out[i] = []float32{1, 0, 0}
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: out})
	})

	e, err := NewRemoteEmbedder(RemoteConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	defer e.Close()

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 3, e.Dimensions(), "dimensions auto-detected from first response")
}

func TestRemoteEmbedder_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := embedService(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.5}}})
	})

	e, err := NewRemoteEmbedder(RemoteConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	defer e.Close()

	vec, err := e.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, vec)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemoteEmbedder_RateLimitSurfaces(t *testing.T) {
	srv := embedService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	e, err := NewRemoteEmbedder(RemoteConfig{Endpoint: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = e.EmbedBatch(ctx, []string{"x"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeRateLimit, errors.CodeOf(err))
}

func TestRemoteEmbedder_CountMismatch(t *testing.T) {
	srv := embedService(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1}}})
	})

	e, err := NewRemoteEmbedder(RemoteConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeUpstream, errors.CodeOf(err))
}

func TestRemoteEmbedder_RequiresEndpoint(t *testing.T) {
	_, err := NewRemoteEmbedder(RemoteConfig{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}
