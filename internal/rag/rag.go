// Package rag is the single entry point of the question answering pipeline.
// It sequences retrieval and answer synthesis against one snapshot of the
// serving index and owns the handle through which new indexes are published.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/docrag/internal/answer"
	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/internal/index"
	"github.com/seanblong/docrag/internal/search"
	"github.com/seanblong/docrag/internal/storage"
	"github.com/seanblong/docrag/pkg/models"
)

// DefaultSearchK is the number of results a pure search returns when the
// caller does not ask for a count.
const DefaultSearchK = 5

// Backend hands out the searcher that serves one request.
type Backend interface {
	Snapshot(ctx context.Context) (s search.Searcher, version string, err error)
}

// Cache stores answers between requests.
type Cache interface {
	Get(ctx context.Context, key string) (models.AnswerResult, bool)
	Set(ctx context.Context, key string, res models.AnswerResult)
}

// KeyFunc derives a cache key.
type KeyFunc func(version string, expand bool, question string) string

// Config wires an Orchestrator.
type Config struct {
	Retriever *search.Service
	Answerer  *answer.Service
	// Backend serves searches. Nil means the in-memory index handle.
	Backend Backend
	// Reader supplies persisted artifacts for Reload. Optional.
	Reader storage.Reader
	// Cache and CacheKey enable answer caching when both are set.
	Cache    Cache
	CacheKey KeyFunc
	TopK     int
	Timeout  time.Duration
}

// Orchestrator answers questions and runs pure searches.
type Orchestrator struct {
	handle    *index.Handle
	backend   Backend
	retriever *search.Service
	answerer  *answer.Service
	reader    storage.Reader
	cache     Cache
	cacheKey  KeyFunc
	topK      int
	timeout   time.Duration
}

// New creates an Orchestrator. Until an index is published every request
// fails with ErrNotReady.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Retriever == nil || cfg.Answerer == nil {
		return nil, errs.Config("retriever and answerer are required")
	}
	if cfg.TopK <= 0 {
		return nil, errs.Config("top k must be positive, got %d", cfg.TopK)
	}
	o := &Orchestrator{
		handle:    &index.Handle{},
		backend:   cfg.Backend,
		retriever: cfg.Retriever,
		answerer:  cfg.Answerer,
		reader:    cfg.Reader,
		topK:      cfg.TopK,
		timeout:   cfg.Timeout,
	}
	if cfg.Cache != nil && cfg.CacheKey != nil {
		o.cache, o.cacheKey = cfg.Cache, cfg.CacheKey
	}
	if o.backend == nil {
		o.backend = HandleBackend{Handle: o.handle}
	}
	return o, nil
}

// HandleBackend serves searches from the index published on a Handle.
type HandleBackend struct {
	Handle *index.Handle
}

// Snapshot returns the currently published index.
func (b HandleBackend) Snapshot(ctx context.Context) (search.Searcher, string, error) {
	ix, err := b.Handle.Ready()
	if err != nil {
		return nil, "", err
	}
	return ix, ix.BuildID(), nil
}

// VersionedSearcher is a searcher that records which build it holds, such
// as the Postgres store.
type VersionedSearcher interface {
	search.Searcher
	BuildID(ctx context.Context) (string, error)
}

// StoreBackend serves searches straight from a database. It is not ready
// until a build has been stored.
type StoreBackend struct {
	Store VersionedSearcher
}

// Snapshot returns the store and the id of its current build.
func (b StoreBackend) Snapshot(ctx context.Context) (search.Searcher, string, error) {
	id, err := b.Store.BuildID(ctx)
	if err != nil {
		return nil, "", err
	}
	if id == "" {
		return nil, "", errs.ErrNotReady
	}
	return b.Store, id, nil
}

// Handle exposes the serving index handle.
func (o *Orchestrator) Handle() *index.Handle { return o.handle }

// Publish atomically replaces the serving index.
func (o *Orchestrator) Publish(ix *index.Index) uint64 {
	v := o.handle.Publish(ix)
	log.Info().Uint64("version", v).Str("build_id", ix.BuildID()).Int("chunks", ix.Len()).Msg("published index")
	return v
}

// Reload loads the persisted artifacts and publishes them. On any failure
// the serving index is left untouched.
func (o *Orchestrator) Reload(ctx context.Context) (uint64, int, error) {
	if o.reader == nil {
		return 0, 0, errs.Config("no index source configured")
	}
	start := time.Now()
	ix, err := index.Load(ctx, o.reader)
	if err != nil {
		log.Error().Err(err).Msg("index reload failed, keeping current index")
		return 0, 0, err
	}
	v := o.Publish(ix)
	log.Info().Dur("took", time.Since(start)).Msg("index reloaded")
	return v, ix.Len(), nil
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

// timeoutErr reports a deadline hit as ErrTimeout whatever layer noticed it.
func timeoutErr(ctx context.Context, err error) error {
	err = errs.FromContext(err)
	if errors.Is(err, errs.ErrTimeout) || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
}

// AskOptions tunes a single question.
type AskOptions struct {
	Expand bool
	// Temperature overrides the configured answer temperature. Answers
	// with an override bypass the cache.
	Temperature *float32
}

// Ask retrieves context for question and synthesizes a cited answer. Hits
// are widened with their neighbouring chunks when the backend can look them
// up.
func (o *Orchestrator) Ask(ctx context.Context, question string, opts AskOptions) (models.AnswerResult, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	start := time.Now()

	if opts.Temperature != nil {
		if err := answer.ValidateTemperature(*opts.Temperature); err != nil {
			return models.AnswerResult{}, err
		}
	}

	s, version, err := o.backend.Snapshot(ctx)
	if err != nil {
		return models.AnswerResult{}, timeoutErr(ctx, err)
	}

	useCache := o.cache != nil && opts.Temperature == nil
	var key string
	if useCache {
		key = o.cacheKey(version, opts.Expand, question)
		if res, ok := o.cache.Get(ctx, key); ok {
			log.Debug().Str("key", key).Msg("answer cache hit")
			return res, nil
		}
	}

	set, err := o.retriever.Retrieve(ctx, s, search.Request{Question: question, K: o.topK, Expand: opts.Expand})
	if err != nil {
		return models.AnswerResult{}, timeoutErr(ctx, err)
	}
	if ns, ok := s.(answer.NeighborSource); ok {
		set.Results = answer.AttachNeighbors(ctx, ns, set.Results, answer.NeighborRadius)
	}
	res, err := o.answerer.AnswerWith(ctx, question, set, answer.Overrides{Temperature: opts.Temperature})
	if err != nil {
		return models.AnswerResult{}, timeoutErr(ctx, err)
	}

	switch {
	case !useCache:
	case set.ExpansionFailed:
		log.Debug().Str("key", key).Msg("expansion failed, answer not cached")
	default:
		o.cache.Set(ctx, key, res)
	}
	log.Info().
		Str("version", version).
		Int("chunks", res.Metadata.ChunksRetrieved).
		Str("confidence", string(res.Metadata.Confidence)).
		Bool("expanded", res.Metadata.QueryExpanded).
		Dur("took", time.Since(start)).
		Msg("answered question")
	return res, nil
}

// Search runs retrieval without answer synthesis.
func (o *Orchestrator) Search(ctx context.Context, query string, k int, category string) (models.SearchResponse, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	resp := models.SearchResponse{Query: query, Results: []models.SearchHit{}}
	s, _, err := o.backend.Snapshot(ctx)
	if err != nil {
		return resp, timeoutErr(ctx, err)
	}
	set, err := o.retriever.Retrieve(ctx, s, search.Request{Question: query, K: k, Category: category})
	if err != nil {
		return resp, timeoutErr(ctx, err)
	}
	for _, r := range set.Results {
		resp.Results = append(resp.Results, models.SearchHit{
			Title:       r.Meta.Title,
			URL:         r.Meta.URL,
			Content:     r.Meta.Text,
			VectorScore: r.VectorScore,
			RerankScore: r.RerankScore,
		})
	}
	return resp, nil
}

// Health reports readiness and the number of indexed vectors.
type Health struct {
	Status         string `json:"status"`
	VectorsIndexed int    `json:"vectors_indexed"`
}

// Health checks that an index is being served.
func (o *Orchestrator) Health(ctx context.Context) (Health, error) {
	s, _, err := o.backend.Snapshot(ctx)
	if err != nil {
		return Health{Status: "unhealthy"}, err
	}
	n, err := s.Count(ctx)
	if err != nil {
		return Health{Status: "unhealthy"}, err
	}
	return Health{Status: "healthy", VectorsIndexed: n}, nil
}

// Stats describes the serving index.
func (o *Orchestrator) Stats(ctx context.Context) (models.IndexStats, error) {
	s, version, err := o.backend.Snapshot(ctx)
	if err != nil {
		return models.IndexStats{}, err
	}
	if st, ok := s.(interface{ Stats() models.IndexStats }); ok {
		return st.Stats(), nil
	}
	n, err := s.Count(ctx)
	if err != nil {
		return models.IndexStats{}, err
	}
	return models.IndexStats{BuildID: version, Chunks: n, ByCategory: map[string]int{}}, nil
}

// MinQuestionLength is the shortest question, in runes, worth answering.
const MinQuestionLength = 3

// ValidateQuestion rejects questions too short to retrieve against.
func ValidateQuestion(q string) error {
	if len([]rune(strings.TrimSpace(q))) < MinQuestionLength {
		return errs.InvalidArgument("question must be at least %d characters", MinQuestionLength)
	}
	return nil
}
