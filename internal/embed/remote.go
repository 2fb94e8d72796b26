package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/medlit/medlit/internal/errors"
)

// RemoteConfig configures the remote HTTP embedder.
type RemoteConfig struct {
	// Endpoint is the embedding service URL, e.g. http://localhost:9800/embed.
	Endpoint string
	// Model names the remote model; informational.
	Model string
	// Dimensions is the expected embedding width; 0 auto-detects from
	// the first response.
	Dimensions int
	// Timeout is the per-request timeout.
	Timeout time.Duration
	// PoolSize bounds idle connections.
	PoolSize int
}

// RemoteEmbedder calls an external embedding service over HTTP.
// Transient failures are retried; persistent ones surface as UPSTREAM
// errors so callers can route them through the breaker.
type RemoteEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    RemoteConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Embedder = (*RemoteEmbedder)(nil)

type embedRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewRemoteEmbedder creates the remote embedder. No connection is made
// until the first request.
func NewRemoteEmbedder(cfg RemoteConfig) (*RemoteEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, errors.Validation("endpoint", "remote embedder endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		IdleConnTimeout:     30 * time.Second,
	}

	return &RemoteEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}, nil
}

// Embed generates the embedding for a single text.
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var vecs [][]float32
	op := func() error {
		var err error
		vecs, err = e.doEmbed(ctx, texts)
		return err
	}

	cfg := errors.DefaultRetryConfig()
	cfg.Schedule = []time.Duration{time.Second, 3 * time.Second}
	if err := errors.Retry(ctx, cfg, op); err != nil {
		return nil, err
	}

	if len(vecs) != len(texts) {
		return nil, errors.Upstream("embedder",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vecs)))
	}

	e.mu.Lock()
	if e.dims == 0 && len(vecs) > 0 {
		e.dims = len(vecs[0])
	}
	e.mu.Unlock()

	return vecs, nil
}

func (e *RemoteEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Upstream("embedder", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errors.New(errors.CodeRateLimit, "embedding service rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, errors.Upstream("embedder",
			fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, msg))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Upstream("embedder", fmt.Errorf("decode response: %w", err))
	}
	return parsed.Embeddings, nil
}

// Dimensions returns the embedding width; 0 until the first response
// when auto-detecting.
func (e *RemoteEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *RemoteEmbedder) ModelName() string {
	if e.config.Model != "" {
		return e.config.Model
	}
	return "remote"
}

// Available probes the service with a tiny request.
func (e *RemoteEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.doEmbed(probeCtx, []string{"ping"})
	return err == nil
}

// Close releases idle connections.
func (e *RemoteEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}
