package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/docrag/internal/chunker"
	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/internal/index"
	"github.com/seanblong/docrag/internal/storage"
	"github.com/seanblong/docrag/internal/store"
	"github.com/seanblong/docrag/pkg/models"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Embedder embeds a batch of texts, one vector per text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configures a build.
type Options struct {
	Chunk         chunker.Options
	MinChunkChars int
	BatchSize     int
	Workers       int
}

// Indexer builds a vector index from a corpus directory.
type Indexer struct {
	CorpusDir  string
	Embedder   Embedder
	Writer     storage.Writer   // optional: where the built index is persisted
	Store      store.ChunkStore // optional: Postgres mirror
	Base       storage.Reader   // optional: append to the index persisted here
	Walker     FileSystemWalker
	FileReader FileReader
	opts       Options
}

// New creates a new Indexer instance.
func New(corpusDir string, emb Embedder, w storage.Writer, opts Options) (*Indexer, error) {
	return NewWithDependencies(corpusDir, emb, w, nil, &DefaultFileSystemWalker{}, &DefaultFileReader{}, opts)
}

// NewWithDependencies creates a new Indexer instance with custom dependencies for testing
func NewWithDependencies(corpusDir string, emb Embedder, w storage.Writer, st store.ChunkStore, walker FileSystemWalker, fileReader FileReader, opts Options) (*Indexer, error) {
	if err := opts.Chunk.Validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Indexer{
		CorpusDir:  corpusDir,
		Embedder:   emb,
		Writer:     w,
		Store:      st,
		Walker:     walker,
		FileReader: fileReader,
		opts:       opts,
	}, nil
}

// hashContent returns the SHA-1 hash of the given content as a hex string.
func hashContent(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// pending is a chunk waiting for its embedding.
type pending struct {
	doc   models.Document
	chunk models.Chunk
}

// BuildStats counts what a build kept and dropped.
type BuildStats struct {
	Documents  int
	Chunks     int
	TooShort   int
	Duplicates int
}

// chunkDocuments chunks every document in order, dropping chunks shorter
// than MinChunkChars after trimming and chunks whose text was already seen.
func (ix *Indexer) chunkDocuments(docs []models.Document) ([]pending, BuildStats, error) {
	st := BuildStats{Documents: len(docs)}
	seen := map[string]struct{}{}
	var out []pending
	for _, d := range docs {
		chunks, err := chunker.Chunk(d, ix.opts.Chunk.Size, ix.opts.Chunk.Overlap)
		if err != nil {
			return nil, st, err
		}
		for _, c := range chunks {
			text := strings.TrimSpace(c.Text)
			if len([]rune(text)) < ix.opts.MinChunkChars {
				st.TooShort++
				continue
			}
			h := hashContent(text)
			if _, ok := seen[h]; ok {
				st.Duplicates++
				continue
			}
			seen[h] = struct{}{}
			out = append(out, pending{doc: d, chunk: c})
		}
	}
	st.Chunks = len(out)
	return out, st, nil
}

// workItem is one embedding batch: items[start:end].
type workItem struct {
	start, end int
}

// embedAll embeds the chunks with a pool of workers, one batch per work item.
func (ix *Indexer) embedAll(ctx context.Context, items []pending) ([]models.IndexEntry, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make([]models.IndexEntry, len(items))
	numWorkers := ix.opts.Workers
	log.Info().Int("workers", numWorkers).Int("chunks", len(items)).Msg("starting concurrent embedding")

	workChan := make(chan workItem, numWorkers*2)
	errorChan := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")

			for w := range workChan {
				texts := make([]string, 0, w.end-w.start)
				for _, p := range items[w.start:w.end] {
					texts = append(texts, p.chunk.Text)
				}
				vecs, err := ix.Embedder.Embed(ctx, texts)
				if err == nil && len(vecs) != len(texts) {
					err = fmt.Errorf("%w: got %d embeddings for %d texts", errs.ErrExternalService, len(vecs), len(texts))
				}
				if err != nil {
					select {
					case errorChan <- err:
						cancel()
					default:
						log.Error().Err(err).Int("batch_start", w.start).Msg("worker processing error")
					}
					continue
				}
				for j, v := range vecs {
					p := items[w.start+j]
					entries[w.start+j] = models.NewIndexEntry(p.doc, p.chunk, v)
				}
			}

			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}

feed:
	for start := 0; start < len(items); start += ix.opts.BatchSize {
		end := min(start+ix.opts.BatchSize, len(items))
		select {
		case workChan <- workItem{start: start, end: end}:
		case <-ctx.Done():
			break feed
		}
	}
	close(workChan)
	wg.Wait()

	select {
	case err := <-errorChan:
		return nil, err
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}
	return entries, nil
}

// Build chunks, filters and embeds docs and builds an index from them.
func (ix *Indexer) Build(ctx context.Context, docs []models.Document) (*index.Index, BuildStats, error) {
	items, st, err := ix.chunkDocuments(docs)
	if err != nil {
		return nil, st, err
	}
	if len(items) == 0 {
		return nil, st, errs.ErrEmptyCorpus
	}
	entries, err := ix.embedAll(ctx, items)
	if err != nil {
		return nil, st, err
	}
	built, err := index.Build(entries)
	if err != nil {
		return nil, st, err
	}
	return built, st, nil
}

// Append embeds the chunks of docs that base does not already hold and
// returns a new index with them after the entries of base. Chunks are
// matched by id and by text. base is left untouched.
func (ix *Indexer) Append(ctx context.Context, base *index.Index, docs []models.Document) (*index.Index, BuildStats, error) {
	if base == nil {
		return nil, BuildStats{}, errs.ErrNotReady
	}
	items, st, err := ix.chunkDocuments(docs)
	if err != nil {
		return nil, st, err
	}
	ids := map[string]struct{}{}
	texts := map[string]struct{}{}
	for _, e := range base.Entries() {
		ids[e.Meta.ChunkID] = struct{}{}
		texts[hashContent(strings.TrimSpace(e.Meta.Text))] = struct{}{}
	}
	fresh := items[:0]
	for _, p := range items {
		_, knownID := ids[p.chunk.ID]
		_, knownText := texts[hashContent(strings.TrimSpace(p.chunk.Text))]
		if knownID || knownText {
			st.Duplicates++
			continue
		}
		fresh = append(fresh, p)
	}
	st.Chunks = len(fresh)
	if len(fresh) == 0 {
		log.Info().Str("build_id", base.BuildID()).Msg("no new chunks to append")
		return base, st, nil
	}
	entries, err := ix.embedAll(ctx, fresh)
	if err != nil {
		return nil, st, err
	}
	grown, err := base.Add(entries)
	if err != nil {
		return nil, st, err
	}
	return grown, st, nil
}

// loadBase loads the index to append to. When nothing was persisted yet and
// the embedder reports its dimension, appending starts from an empty index.
func (ix *Indexer) loadBase(ctx context.Context) (*index.Index, error) {
	base, err := index.Load(ctx, ix.Base)
	if err == nil {
		return base, nil
	}
	if d, ok := ix.Embedder.(interface{ Dim() int }); ok && d.Dim() > 0 && errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Msg("no persisted index, appending to an empty one")
		return index.Empty(d.Dim()), nil
	}
	return nil, fmt.Errorf("load base index: %w", err)
}

// Run loads the corpus, builds the index, persists it through the
// configured writer and mirrors it into the store when one is set. With a
// Base reader the corpus is appended to the persisted index instead.
func (ix *Indexer) Run(ctx context.Context) (*index.Index, error) {
	docs, err := ix.LoadCorpus(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Int("documents", len(docs)).Str("dir", ix.CorpusDir).Msg("loaded corpus")

	var built *index.Index
	var st BuildStats
	if ix.Base != nil {
		base, err := ix.loadBase(ctx)
		if err != nil {
			return nil, err
		}
		log.Info().Str("base_build_id", base.BuildID()).Int("vectors", base.Len()).Msg("appending to existing index")
		built, st, err = ix.Append(ctx, base, docs)
		if err != nil {
			return nil, err
		}
	} else {
		built, st, err = ix.Build(ctx, docs)
		if err != nil {
			return nil, err
		}
	}
	stats := built.Stats()
	log.Info().
		Str("build_id", stats.BuildID).
		Int("chunks", st.Chunks).
		Int("too_short", st.TooShort).
		Int("duplicates", st.Duplicates).
		Int("unique_pages", stats.UniquePages).
		Int("dim", stats.Dimension).
		Msg("index built")
	for cat, n := range stats.ByCategory {
		log.Info().Str("category", cat).Int("chunks", n).Msg("chunks by category")
	}

	if ix.Writer != nil {
		if err := built.Persist(ctx, ix.Writer); err != nil {
			return nil, fmt.Errorf("persist index: %w", err)
		}
		log.Info().Msg("index persisted")
	}
	if ix.Store != nil {
		if err := ix.Store.Migrate(ctx, built.Dim()); err != nil {
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		if err := ix.Store.Replace(ctx, built.BuildID(), built.Entries()); err != nil {
			return nil, fmt.Errorf("mirror to store: %w", err)
		}
	}
	return built, nil
}
