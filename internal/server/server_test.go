package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanblong/docrag/internal/ai"
	"github.com/seanblong/docrag/internal/answer"
	"github.com/seanblong/docrag/internal/auth"
	"github.com/seanblong/docrag/internal/chunker"
	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/internal/indexer"
	"github.com/seanblong/docrag/internal/rag"
	"github.com/seanblong/docrag/internal/search"
	"github.com/seanblong/docrag/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockPipeline is a mock implementation of Pipeline
type MockPipeline struct {
	AskFunc    func(ctx context.Context, question string, opts rag.AskOptions) (models.AnswerResult, error)
	SearchFunc func(ctx context.Context, query string, k int, category string) (models.SearchResponse, error)
	HealthFunc func(ctx context.Context) (rag.Health, error)
	StatsFunc  func(ctx context.Context) (models.IndexStats, error)
	ReloadFunc func(ctx context.Context) (uint64, int, error)
}

func (m *MockPipeline) Ask(ctx context.Context, question string, opts rag.AskOptions) (models.AnswerResult, error) {
	if m.AskFunc != nil {
		return m.AskFunc(ctx, question, opts)
	}
	return models.AnswerResult{}, nil
}

func (m *MockPipeline) Search(ctx context.Context, query string, k int, category string) (models.SearchResponse, error) {
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, query, k, category)
	}
	return models.SearchResponse{Query: query, Results: []models.SearchHit{}}, nil
}

func (m *MockPipeline) Health(ctx context.Context) (rag.Health, error) {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return rag.Health{Status: "healthy"}, nil
}

func (m *MockPipeline) Stats(ctx context.Context) (models.IndexStats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx)
	}
	return models.IndexStats{}, nil
}

func (m *MockPipeline) Reload(ctx context.Context) (uint64, int, error) {
	if m.ReloadFunc != nil {
		return m.ReloadFunc(ctx)
	}
	return 0, 0, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestRoot(t *testing.T) {
	h := New(&MockPipeline{}, Options{Version: "1.2.3"}).Handler(zerolog.Nop())

	w, body := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"status": "ok", "service": "docrag", "version": "1.2.3"}, body)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w, _ = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	p := &MockPipeline{HealthFunc: func(ctx context.Context) (rag.Health, error) {
		return rag.Health{Status: "healthy", VectorsIndexed: 42}, nil
	}}
	w, body := do(t, New(p, Options{}).Routes(), http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 42, body["vectors_indexed"])

	p.HealthFunc = func(ctx context.Context) (rag.Health, error) {
		return rag.Health{Status: "unhealthy"}, errs.ErrNotReady
	}
	w, body = do(t, New(p, Options{}).Routes(), http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, errs.ErrNotReady.Error(), body["error"])
}

func TestChat(t *testing.T) {
	var gotQ string
	var got rag.AskOptions
	p := &MockPipeline{AskFunc: func(ctx context.Context, q string, opts rag.AskOptions) (models.AnswerResult, error) {
		gotQ, got = q, opts
		return models.AnswerResult{
			Answer:  "According to [Document 1]: yes",
			Sources: []models.Source{{Title: "T", URL: "u", Category: "C"}},
			Metadata: models.AnswerMetadata{
				ChunksRetrieved: 2, Confidence: models.ConfidenceHigh, TopScore: 0.833, QueryExpanded: opts.Expand,
			},
		}, nil
	}}
	h := New(p, Options{DefaultExpansion: true}).Routes()

	w, body := do(t, h, http.MethodPost, "/api/chat", `{"question":"How do I create a site?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "How do I create a site?", gotQ)
	assert.True(t, got.Expand, "omitted flag takes the configured default")
	assert.Nil(t, got.Temperature)
	assert.Equal(t, "According to [Document 1]: yes", body["answer"])
	assert.Equal(t, []any{map[string]any{"title": "T", "url": "u", "category": "C"}}, body["sources"])
	assert.Equal(t, map[string]any{
		"chunks_retrieved": 2.0, "confidence": "high", "top_score": 0.833, "query_expanded": true,
	}, body["metadata"])

	w, _ = do(t, h, http.MethodPost, "/api/chat", `{"question":"How do I create a site?","use_query_expansion":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, got.Expand)

	w, _ = do(t, h, http.MethodPost, "/api/chat", `{"question":"How do I create a site?","temperature":0.5}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.5, *got.Temperature, 1e-6)
}

func TestChat_EmptySourcesEncodeAsArray(t *testing.T) {
	p := &MockPipeline{AskFunc: func(ctx context.Context, q string, opts rag.AskOptions) (models.AnswerResult, error) {
		return models.AnswerResult{Answer: answer.DefaultNotFoundMessage, Metadata: models.AnswerMetadata{Confidence: models.ConfidenceLow}}, nil
	}}
	w := httptest.NewRecorder()
	New(p, Options{}).Routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"question":"anything?"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sources":[]`)
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"short question", `{"question":" hi "}`, nil, http.StatusBadRequest},
		{"missing body", ``, nil, http.StatusBadRequest},
		{"malformed body", `{"question":`, nil, http.StatusBadRequest},
		{"temperature too high", `{"question":"what is billing?","temperature":3}`, nil, http.StatusBadRequest},
		{"negative temperature", `{"question":"what is billing?","temperature":-1}`, nil, http.StatusBadRequest},
		{"not ready", `{"question":"what is billing?"}`, errs.ErrNotReady, http.StatusServiceUnavailable},
		{"provider down", `{"question":"what is billing?"}`, fmt.Errorf("%w: boom", errs.ErrServiceUnavailable), http.StatusServiceUnavailable},
		{"timeout", `{"question":"what is billing?"}`, fmt.Errorf("%w: slow", errs.ErrTimeout), http.StatusGatewayTimeout},
		{"unexpected", `{"question":"what is billing?"}`, fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			p := &MockPipeline{AskFunc: func(ctx context.Context, q string, opts rag.AskOptions) (models.AnswerResult, error) {
				called = true
				return models.AnswerResult{}, tt.err
			}}
			w, body := do(t, New(p, Options{}).Routes(), http.MethodPost, "/api/chat", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, body["error"])
			if tt.status == http.StatusBadRequest {
				assert.False(t, called)
			}
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", body["error"])
			}
		})
	}
}

func TestChat_MethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	New(&MockPipeline{}, Options{}).Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSearch(t *testing.T) {
	var gotK int
	var gotCat string
	p := &MockPipeline{SearchFunc: func(ctx context.Context, q string, k int, cat string) (models.SearchResponse, error) {
		gotK, gotCat = k, cat
		return models.SearchResponse{Query: q, Results: []models.SearchHit{
			{Title: "T", URL: "u", Content: "c", VectorScore: 0.9, RerankScore: 0.8},
		}}, nil
	}}
	h := New(p, Options{}).Routes()

	w, body := do(t, h, http.MethodPost, "/api/search", `{"query":"create site"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rag.DefaultSearchK, gotK)
	assert.Equal(t, "create site", body["query"])
	assert.Equal(t, []any{map[string]any{
		"title": "T", "url": "u", "content": "c", "vector_score": 0.9, "rerank_score": 0.8,
	}}, body["results"])

	w, _ = do(t, h, http.MethodPost, "/api/search", `{"query":"create site","k":2,"category":"Billing"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, gotK)
	assert.Equal(t, "Billing", gotCat)

	for _, body := range []string{`{"query":"x","k":0}`, `{"query":"x","k":-1}`, `{"query":"x","k":51}`, `{"query":"  "}`} {
		w, _ = do(t, h, http.MethodPost, "/api/search", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestStatsAndReload(t *testing.T) {
	p := &MockPipeline{
		StatsFunc: func(ctx context.Context) (models.IndexStats, error) {
			return models.IndexStats{BuildID: "b1", Chunks: 3, UniquePages: 2, Dimension: 8, ByCategory: map[string]int{"A": 3}}, nil
		},
		ReloadFunc: func(ctx context.Context) (uint64, int, error) { return 4, 3, nil },
	}
	h := New(p, Options{}).Routes()

	w, body := do(t, h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "b1", body["build_id"])
	assert.EqualValues(t, 2, body["unique_pages"])

	w, body = do(t, h, http.MethodPost, "/api/reload", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, body["version"])
	assert.EqualValues(t, 3, body["vectors_indexed"])

	p.ReloadFunc = func(ctx context.Context) (uint64, int, error) { return 0, 0, errs.Corrupt("count mismatch") }
	w, _ = do(t, h, http.MethodPost, "/api/reload", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	auth.InitializeAuth("test-secret", time.Hour, true)
	t.Cleanup(func() { auth.InitializeAuth("", 0, false) })

	h := New(&MockPipeline{}, Options{}).Routes()

	for _, path := range []string{"/api/chat", "/api/search", "/api/reload"} {
		w, _ := do(t, h, http.MethodPost, path, `{"question":"what is billing?","query":"billing"}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w, _ := do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code, "health stays open")

	token, err := auth.GenerateJWT("ci-bot")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":"billing"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEndToEnd_CreateSite(t *testing.T) {
	gw := ai.NewGateway(ai.NewStubClient(128), ai.GatewayConfig{BatchSize: 8})
	ix, err := indexer.NewWithDependencies("", gw, nil, nil, nil, nil, indexer.Options{
		Chunk:         chunker.Options{Size: 50, Overlap: 10},
		MinChunkChars: 1,
	})
	require.NoError(t, err)
	built, _, err := ix.Build(context.Background(), []models.Document{{
		ID: "sites", URL: "https://docs/manage/create-site", Title: "Create a site",
		Category: "Website Management", RawText: "Create a site by clicking New → Site.",
	}})
	require.NoError(t, err)

	retriever, err := search.NewService(gw, gw, nil, search.Options{ExpansionCount: 3, Rerank: true, Thresholds: search.DefaultThresholds()})
	require.NoError(t, err)
	answerer, err := answer.NewService(gw, answer.DefaultOptions())
	require.NoError(t, err)
	orch, err := rag.New(rag.Config{Retriever: retriever, Answerer: answerer, TopK: 3, Timeout: 5 * time.Second})
	require.NoError(t, err)
	orch.Publish(built)

	h := New(orch, Options{}).Handler(zerolog.Nop())

	w, body := do(t, h, http.MethodPost, "/api/chat", `{"question":"How do I create a site?","use_query_expansion":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "According to [Document 1]: Create a site by clicking New → Site.", body["answer"])
	meta := body["metadata"].(map[string]any)
	assert.Equal(t, "high", meta["confidence"])
	assert.Equal(t, false, meta["query_expanded"])

	w, body = do(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, built.Len(), body["vectors_indexed"])

	w, _ = do(t, h, http.MethodPost, "/api/reload", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code, "no reader configured")
}
