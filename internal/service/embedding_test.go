package service

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

	"github.com/sagehq/sage/internal/domain"
)

func embedServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeEmbeddings(w http.ResponseWriter, vectors ...[]float32) {
	type item struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	resp := struct {
		Data []item `json:"data"`
	}{}
	for i, v := range vectors {
		resp.Data = append(resp.Data, item{Embedding: v, Index: i})
	}
	json.NewEncoder(w).Encode(resp)
}

func TestEmbedSuccess(t *testing.T) {
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 1)
		writeEmbeddings(w, testVector())
	})

	svc := NewEmbeddingService(&EmbeddingClientConfig{Endpoint: srv.URL, MaxRetries: 1})

	vec, err := svc.Embed(context.Background(), "AAPL earnings call transcript")
	require.NoError(t, err)
	assert.Len(t, vec, domain.EmbeddingDimensions)
}

func TestEmbedRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeEmbeddings(w, testVector())
	})

	svc := NewEmbeddingService(&EmbeddingClientConfig{Endpoint: srv.URL, MaxRetries: 3})

	vec, err := svc.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Len(t, vec, domain.EmbeddingDimensions)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbedExhaustedRetries(t *testing.T) {
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	svc := NewEmbeddingService(&EmbeddingClientConfig{Endpoint: srv.URL, MaxRetries: 2, Timeout: time.Second})

	_, err := svc.Embed(context.Background(), "always failing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddings(w, []float32{0.1, 0.2, 0.3})
	})

	svc := NewEmbeddingService(&EmbeddingClientConfig{Endpoint: srv.URL, MaxRetries: 1})

	_, err := svc.Embed(context.Background(), "wrong width")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		// answer out of order; the client must reassemble by index
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		first := testVector()
		second := testVector()
		second[0] = 42
		json.NewEncoder(w).Encode(struct {
			Data []item `json:"data"`
		}{Data: []item{
			{Embedding: second, Index: 1},
			{Embedding: first, Index: 0},
		}})
	})

	svc := NewEmbeddingService(&EmbeddingClientConfig{Endpoint: srv.URL, MaxRetries: 1})

	out, err := svc.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotEqual(t, float32(42), out[0][0])
	assert.Equal(t, float32(42), out[1][0])
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	svc := NewEmbeddingService(&EmbeddingClientConfig{Endpoint: "http://unused", MaxRetries: 1})

	out, err := svc.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
