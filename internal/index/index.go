// Package index implements the in-memory vector index: exact cosine
// similarity over unit-normalized embeddings with denormalized chunk metadata.
// An Index is immutable once built, so any number of goroutines may search
// it concurrently.
package index

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/pkg/models"
)

// SearchOptions narrows a search.
type SearchOptions struct {
	Category string // optional: only chunks of this category
}

// Index holds unit-length vectors in row-major order, positionally aligned
// with their metadata.
type Index struct {
	buildID uuid.UUID
	dim     int
	vectors []float32
	metas   []models.ChunkMeta
}

// Build constructs a fresh index from entries. All embeddings must share one
// dimensionality and chunk ids must be unique.
func Build(entries []models.IndexEntry) (*Index, error) {
	if len(entries) == 0 {
		return nil, errs.ErrEmptyCorpus
	}
	dim := len(entries[0].Embedding)
	if dim == 0 {
		return nil, errs.Config("embedding for chunk %s is empty", entries[0].Meta.ChunkID)
	}

	ix := &Index{
		buildID: uuid.New(),
		dim:     dim,
		vectors: make([]float32, 0, len(entries)*dim),
		metas:   make([]models.ChunkMeta, 0, len(entries)),
	}
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if len(e.Embedding) != dim {
			return nil, errs.Config("embedding %d has dimension %d, index dimension is %d", i, len(e.Embedding), dim)
		}
		if _, dup := seen[e.Meta.ChunkID]; dup {
			return nil, errs.InvalidArgument("duplicate chunk id %s", e.Meta.ChunkID)
		}
		seen[e.Meta.ChunkID] = struct{}{}
		ix.vectors = append(ix.vectors, Normalize(e.Embedding)...)
		ix.metas = append(ix.metas, e.Meta)
	}
	return ix, nil
}

// Add returns a new index holding the entries of ix followed by entries.
// ix itself is left untouched.
func (ix *Index) Add(entries []models.IndexEntry) (*Index, error) {
	if ix == nil {
		return nil, errs.ErrNotReady
	}
	if len(entries) == 0 {
		return ix, nil
	}
	all := ix.Entries()
	if len(all) == 0 && ix.dim != len(entries[0].Embedding) {
		return nil, errs.Config("embedding dimension %d does not match index dimension %d", len(entries[0].Embedding), ix.dim)
	}
	return Build(append(all, entries...))
}

// Empty returns a ready index without vectors. Searching it yields nothing.
func Empty(dim int) *Index {
	return &Index{buildID: uuid.New(), dim: dim}
}

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.metas)
}

// Count implements the search backend contract.
func (ix *Index) Count(ctx context.Context) (int, error) {
	if ix == nil {
		return 0, errs.ErrNotReady
	}
	return ix.Len(), nil
}

// Dim returns the embedding dimensionality.
func (ix *Index) Dim() int { return ix.dim }

// BuildID identifies this build across persist and load.
func (ix *Index) BuildID() string { return ix.buildID.String() }

// Entries returns a copy of the indexed entries in insertion order.
func (ix *Index) Entries() []models.IndexEntry {
	out := make([]models.IndexEntry, len(ix.metas))
	for i := range ix.metas {
		vec := make([]float32, ix.dim)
		copy(vec, ix.row(i))
		out[i] = models.IndexEntry{Meta: ix.metas[i], Embedding: vec}
	}
	return out
}

func (ix *Index) row(i int) []float32 {
	return ix.vectors[i*ix.dim : (i+1)*ix.dim]
}

// Search returns at most k results ordered by descending cosine similarity.
// Equal scores keep insertion order.
func (ix *Index) Search(ctx context.Context, query []float32, k int, opt SearchOptions) ([]models.SearchResult, error) {
	if ix == nil {
		return nil, errs.ErrNotReady
	}
	if k <= 0 {
		return nil, errs.InvalidArgument("k must be positive, got %d", k)
	}
	if len(ix.metas) == 0 {
		return []models.SearchResult{}, nil
	}
	if len(query) != ix.dim {
		return nil, errs.Config("query dimension %d does not match index dimension %d", len(query), ix.dim)
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}

	q := Normalize(query)
	type scored struct {
		pos   int
		score float64
	}
	cands := make([]scored, 0, len(ix.metas))
	for i := range ix.metas {
		if opt.Category != "" && ix.metas[i].Category != opt.Category {
			continue
		}
		cands = append(cands, scored{pos: i, score: Dot(q, ix.row(i))})
	}
	sort.SliceStable(cands, func(a, b int) bool { return cands[a].score > cands[b].score })
	if len(cands) > k {
		cands = cands[:k]
	}

	out := make([]models.SearchResult, len(cands))
	for i, c := range cands {
		out[i] = models.SearchResult{
			ChunkID:     ix.metas[c.pos].ChunkID,
			VectorScore: c.score,
			Meta:        ix.metas[c.pos],
			Position:    c.pos,
		}
	}
	return out, nil
}

// Neighbors returns the chunks of documentID whose sequence index lies within
// radius of seq, ordered by sequence index.
func (ix *Index) Neighbors(ctx context.Context, documentID string, seq, radius int) ([]models.ChunkMeta, error) {
	if ix == nil {
		return nil, errs.ErrNotReady
	}
	if radius < 0 {
		return nil, errs.InvalidArgument("radius must not be negative, got %d", radius)
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}
	out := []models.ChunkMeta{}
	for _, m := range ix.metas {
		if m.DocumentID != documentID {
			continue
		}
		if m.SequenceIndex < seq-radius || m.SequenceIndex > seq+radius {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].SequenceIndex < out[b].SequenceIndex })
	return out, nil
}

// Stats summarizes the index contents.
func (ix *Index) Stats() models.IndexStats {
	st := models.IndexStats{
		BuildID:    ix.BuildID(),
		Chunks:     len(ix.metas),
		Dimension:  ix.dim,
		ByCategory: map[string]int{},
	}
	pages := map[string]struct{}{}
	for _, m := range ix.metas {
		st.ByCategory[m.Category]++
		pages[m.URL] = struct{}{}
	}
	st.UniquePages = len(pages)
	return st
}

// Normalize returns a unit-length copy of v. A zero vector stays zero.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// Dot is the inner product of a and b accumulated in float64.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
