package search

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/pkg/models"
)

// Reranker rescores a candidate set against the question. Implementations
// must return exactly the candidates they were given, reordered.
type Reranker interface {
	Rerank(ctx context.Context, question string, cands []models.SearchResult) ([]models.RerankedResult, error)
}

// Weights blends the hybrid reranker's signals.
type Weights struct {
	Vector  float64
	Keyword float64
	Title   float64
}

// DefaultWeights returns vector 0.6, keyword 0.25, title 0.15.
func DefaultWeights() Weights {
	return Weights{Vector: 0.6, Keyword: 0.25, Title: 0.15}
}

// Validate checks that the weights are non-negative and not all zero.
func (w Weights) Validate() error {
	if w.Vector < 0 || w.Keyword < 0 || w.Title < 0 {
		return errs.Config("rerank weights must not be negative")
	}
	if w.Vector+w.Keyword+w.Title == 0 {
		return errs.Config("rerank weights must not all be zero")
	}
	return nil
}

// HybridReranker scores each (question, chunk) pair from the vector score,
// the share of question terms found in the chunk text and the share found in
// the chunk title.
type HybridReranker struct {
	w Weights
}

// NewHybridReranker returns a HybridReranker with weights w.
func NewHybridReranker(w Weights) *HybridReranker {
	return &HybridReranker{w: w}
}

// Rerank implements Reranker.
func (h *HybridReranker) Rerank(ctx context.Context, question string, cands []models.SearchResult) ([]models.RerankedResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}
	terms := Terms(question)
	out := make([]models.RerankedResult, len(cands))
	for i, c := range cands {
		score := h.w.Vector * c.VectorScore
		if len(terms) > 0 {
			score += h.w.Keyword*overlap(terms, Terms(c.Meta.Text)) +
				h.w.Title*overlap(terms, Terms(c.Meta.Title))
		}
		out[i] = models.RerankedResult{SearchResult: c, RerankScore: score}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].RerankScore > out[b].RerankScore })
	return out, nil
}

func overlap(terms, in map[string]struct{}) float64 {
	hit := 0
	for t := range terms {
		if _, ok := in[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

// Terms returns the lowercase content words of s.
func Terms(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if _, stop := stopwords[w]; stop || len(w) < 2 {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"can": {}, "do": {}, "does": {}, "for": {}, "from": {}, "how": {}, "i": {}, "if": {},
	"in": {}, "is": {}, "it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {},
	"should": {}, "the": {}, "this": {}, "to": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "who": {}, "why": {}, "will": {}, "with": {}, "you": {}, "your": {},
}
