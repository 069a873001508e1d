// Package search turns a question into a ranked, confidence-scored set of
// chunks: optional query expansion, vector search per query variant, a
// union-with-max-score merge, reranking and confidence classification.
package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/seanblong/docrag/internal/ai"
	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/internal/index"
	"github.com/seanblong/docrag/pkg/models"
)

// Searcher is a vector search backend: the in-memory index or the
// Postgres store.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int, opt index.SearchOptions) ([]models.SearchResult, error)
	Count(ctx context.Context) (int, error)
}

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Options configures a Retriever.
type Options struct {
	ExpansionCount int
	Rerank         bool
	Thresholds     Thresholds
	Rewrites       []Rewrite
	// ExpansionTimeout bounds the expansion completion. Under a request
	// deadline expansion never gets more than half of the remaining time.
	ExpansionTimeout time.Duration
}

// Request is one retrieval.
type Request struct {
	Question string
	K        int
	Expand   bool
	Category string
}

// Service retrieves ranked chunks for questions.
type Service struct {
	Embedder  QueryEmbedder
	Completer ai.Completer
	Reranker  Reranker
	opts      Options
}

// NewService creates a new retrieval service. completer is used for query
// expansion only and may be nil to disable it. A nil reranker selects the
// hybrid lexical reranker with default weights.
func NewService(embedder QueryEmbedder, completer ai.Completer, reranker Reranker, opts Options) (*Service, error) {
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if opts.ExpansionCount < 0 {
		return nil, errs.Config("expansion count must not be negative, got %d", opts.ExpansionCount)
	}
	if opts.ExpansionTimeout < 0 {
		return nil, errs.Config("expansion timeout must not be negative, got %v", opts.ExpansionTimeout)
	}
	if reranker == nil {
		reranker = NewHybridReranker(DefaultWeights())
	}
	return &Service{Embedder: embedder, Completer: completer, Reranker: reranker, opts: opts}, nil
}

// Retrieve runs the retrieval pipeline against s.
func (svc *Service) Retrieve(ctx context.Context, s Searcher, req Request) (models.RankedResultSet, error) {
	empty := models.RankedResultSet{Results: []models.RerankedResult{}, Confidence: models.ConfidenceLow}
	if req.K <= 0 {
		return empty, errs.InvalidArgument("k must be positive, got %d", req.K)
	}
	q := Normalize(req.Question, svc.opts.Rewrites)
	if q == "" {
		return empty, errs.InvalidArgument("question is empty")
	}
	if s == nil {
		return empty, errs.ErrNotReady
	}
	n, err := s.Count(ctx)
	if err != nil {
		return empty, err
	}
	if n == 0 {
		return empty, nil
	}

	queries := []string{q}
	expansionFailed := false
	if req.Expand && svc.opts.ExpansionCount > 0 && svc.Completer != nil {
		variants, ok := svc.expand(ctx, q)
		queries = append(queries, variants...)
		expansionFailed = !ok
	}

	perVariant, err := svc.searchAll(ctx, s, queries, req)
	if err != nil {
		return empty, err
	}
	merged := Merge(perVariant, req.K)
	expanded := false
	for _, res := range perVariant[1:] {
		if res != nil {
			expanded = true
			break
		}
	}

	set := models.RankedResultSet{
		Expanded:        expanded,
		ExpansionFailed: expansionFailed || (len(queries) > 1 && !expanded),
	}
	if svc.opts.Rerank && len(merged) > 0 {
		ranked, err := svc.Reranker.Rerank(ctx, q, merged)
		if err != nil {
			return empty, err
		}
		set.Results = ranked
		set.Reranked = true
	} else {
		set.Results = make([]models.RerankedResult, len(merged))
		for i, m := range merged {
			set.Results[i] = models.RerankedResult{SearchResult: m, RerankScore: m.VectorScore}
		}
	}

	if len(set.Results) > 0 {
		if set.Reranked {
			set.TopScore = set.Results[0].RerankScore
		} else {
			set.TopScore = set.Results[0].VectorScore
		}
	}
	set.Confidence = svc.opts.Thresholds.Classify(set.TopScore)
	if len(set.Results) == 0 {
		set.Confidence = models.ConfidenceLow
	}

	log.Debug().
		Int("variants", len(queries)).
		Int("results", len(set.Results)).
		Float64("top_score", set.TopScore).
		Str("confidence", string(set.Confidence)).
		Msg("retrieved")
	return set, nil
}

// searchAll embeds and searches every query variant concurrently. Entry i of
// the result belongs to queries[i]; a nil entry marks a failed expansion
// variant. Only a failure of the original question fails the call.
func (svc *Service) searchAll(ctx context.Context, s Searcher, queries []string, req Request) ([][]models.SearchResult, error) {
	out := make([][]models.SearchResult, len(queries))
	eg, egCtx := errgroup.WithContext(ctx)
	opt := index.SearchOptions{Category: req.Category}
	for i, q := range queries {
		eg.Go(func() error {
			vec, err := svc.Embedder.EmbedQuery(egCtx, q)
			if err == nil {
				out[i], err = s.Search(egCtx, vec, req.K, opt)
			}
			if err == nil {
				if out[i] == nil {
					out[i] = []models.SearchResult{}
				}
				return nil
			}
			if i == 0 {
				return err
			}
			log.Warn().Err(err).Str("variant", q).Msg("expanded query failed, ignoring")
			out[i] = nil
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, errs.FromContext(ctx.Err())
		}
		return nil, err
	}
	return out, nil
}

// Merge unions result lists by chunk id, keeping the highest vector score
// seen for each chunk, and returns at most k results ordered by that score.
// Equal scores keep index insertion order.
func Merge(lists [][]models.SearchResult, k int) []models.SearchResult {
	best := map[string]int{}
	var merged []models.SearchResult
	for _, list := range lists {
		for _, r := range list {
			if i, ok := best[r.ChunkID]; ok {
				if r.VectorScore > merged[i].VectorScore {
					merged[i].VectorScore = r.VectorScore
				}
				continue
			}
			best[r.ChunkID] = len(merged)
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(a, b int) bool {
		if merged[a].VectorScore != merged[b].VectorScore {
			return merged[a].VectorScore > merged[b].VectorScore
		}
		return merged[a].Position < merged[b].Position
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	if merged == nil {
		merged = []models.SearchResult{}
	}
	return merged
}

func containsFold(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}
