package embedding

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/httpx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastClient(logger *slog.Logger) *httpx.Client {
	return httpx.New(time.Second, logger,
		httpx.WithMaxAttempts(maxAttempts),
		httpx.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
}

func TestOpenAIEmbedBatchPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		// answer out of order; the provider must reassemble by index
		resp := map[string]any{"data": []map[string]any{
			{"index": 1, "embedding": []float32{0, 1, 0}},
			{"index": 0, "embedding": []float32{1, 0, 0}},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	logger := testLogger()
	p := NewOpenAIProvider("test-key", "text-embedding-3-large", 3, logger,
		WithEndpoint(srv.URL), WithHTTPClient(fastClient(logger)))

	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0, 0}, vecs[0].Slice())
	assert.Equal(t, []float32{0, 1, 0}, vecs[1].Slice())
}

func TestOpenAIDimensionMismatchFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"data": []map[string]any{
			{"index": 0, "embedding": []float32{1, 2}},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	logger := testLogger()
	p := NewOpenAIProvider("k", "m", 3, logger, WithEndpoint(srv.URL), WithHTTPClient(fastClient(logger)))

	_, err := p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dims")
}

func TestOpenAIRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"rate limited"}`))
			return
		}
		resp := map[string]any{"data": []map[string]any{
			{"index": 0, "embedding": []float32{1, 2, 3}},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	logger := testLogger()
	p := NewOpenAIProvider("k", "m", 3, logger, WithEndpoint(srv.URL), WithHTTPClient(fastClient(logger)))

	vec, err := p.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec.Slice())
	assert.Equal(t, int32(2), calls.Load())
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(8)
	assert.Equal(t, 8, p.Dimensions())
	assert.Equal(t, "noop", p.Model())

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0].Slice(), 8)
}
