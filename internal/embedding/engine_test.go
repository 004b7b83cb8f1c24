package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbingest/internal/config"
)

func newOllamaFake(t *testing.T, dim int, failures int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		calls++
		if calls <= failures {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
			return
		}
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vec := make([]float32, dim)
		for i := range vec {
			vec[i] = float32(len(req.Prompt)%7) * 0.1
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestNewEngineFactory(t *testing.T) {
	cfg := config.Default()
	cfg.EmbedProvider = "ollama"
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ollama:nomic-embed-text", engine.Name())
	assert.Equal(t, cfg.EmbedDim, engine.Dimensions())

	cfg.EmbedProvider = "carrier-pigeon"
	_, err = NewEngine(cfg)
	assert.Error(t, err)
}

func TestOllamaEmbed(t *testing.T) {
	srv, _ := newOllamaFake(t, 4, 0)
	engine, err := NewOllamaEngine(srv.URL, "nomic-embed-text", 4)
	require.NoError(t, err)

	vec, err := engine.Embed(context.Background(), "parameter 20.01 start mode")
	require.NoError(t, err)
	assert.Len(t, vec, 4)

	require.NoError(t, engine.HealthCheck(context.Background()))
}

func TestOllamaEmbedDimensionMismatch(t *testing.T) {
	srv, _ := newOllamaFake(t, 3, 0)
	engine, err := NewOllamaEngine(srv.URL, "nomic-embed-text", 4)
	require.NoError(t, err)

	_, err = engine.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 4")
}

func TestOllamaEmbedBatchSequential(t *testing.T) {
	srv, calls := newOllamaFake(t, 4, 0)
	engine, err := NewOllamaEngine(srv.URL, "nomic-embed-text", 4)
	require.NoError(t, err)

	vecs, err := engine.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	assert.Equal(t, 3, *calls)
}

func TestWithRetryEventualSuccess(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}

	attempts := 0
	vec, err := WithRetry(context.Background(), cfg, "embed", func(ctx context.Context) ([]float32, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return []float32{1, 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryExhaustion(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}

	attempts := 0
	_, err := WithRetry(context.Background(), cfg, "embed", func(ctx context.Context) ([]float32, error) {
		attempts++
		return nil, errors.New("down")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 4, attempts) // initial try plus three retries
}

func TestWithRetryContextCancelled(t *testing.T) {
	cfg := DefaultRetryConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(ctx, cfg, "embed", func(ctx context.Context) ([]float32, error) {
		return nil, errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoffCap(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 1*time.Second, calculateBackoff(cfg, 0))
	assert.Equal(t, 2*time.Second, calculateBackoff(cfg, 1))
	assert.Equal(t, 4*time.Second, calculateBackoff(cfg, 2))
	assert.Equal(t, 8*time.Second, calculateBackoff(cfg, 3))
	assert.Equal(t, 10*time.Second, calculateBackoff(cfg, 4))
}

func TestOllamaRetriesRecoverTransientFailure(t *testing.T) {
	srv, calls := newOllamaFake(t, 4, 2)
	engine, err := NewOllamaEngine(srv.URL, "nomic-embed-text", 4)
	require.NoError(t, err)

	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
	vec, err := WithRetry(context.Background(), cfg, "embed", func(ctx context.Context) ([]float32, error) {
		return engine.Embed(ctx, "text")
	})
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.Equal(t, 3, *calls)
}
