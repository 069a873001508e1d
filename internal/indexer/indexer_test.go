package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog"

	"github.com/seanblong/docrag/internal/ai"
	"github.com/seanblong/docrag/internal/chunker"
	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/internal/index"
	"github.com/seanblong/docrag/internal/storage"
	"github.com/seanblong/docrag/internal/store"
	"github.com/seanblong/docrag/pkg/models"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockChunkStore implements store.ChunkStore for testing
type MockChunkStore struct {
	MigrateFunc func(ctx context.Context, dim int) error
	ReplaceFunc func(ctx context.Context, buildID string, entries []models.IndexEntry) error
}

func (m *MockChunkStore) Migrate(ctx context.Context, dim int) error {
	if m.MigrateFunc != nil {
		return m.MigrateFunc(ctx, dim)
	}
	return nil
}

func (m *MockChunkStore) Replace(ctx context.Context, buildID string, entries []models.IndexEntry) error {
	if m.ReplaceFunc != nil {
		return m.ReplaceFunc(ctx, buildID, entries)
	}
	return nil
}

func (m *MockChunkStore) Search(ctx context.Context, vec []float32, k int, opt index.SearchOptions) ([]models.SearchResult, error) {
	return []models.SearchResult{}, nil
}

func (m *MockChunkStore) Count(ctx context.Context) (int, error) { return 0, nil }

func (m *MockChunkStore) BuildID(ctx context.Context) (string, error) { return "", nil }

func (m *MockChunkStore) Neighbors(ctx context.Context, documentID string, seq, radius int) ([]models.ChunkMeta, error) {
	return []models.ChunkMeta{}, nil
}

// MockEmbedder implements Embedder for testing
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)
	calls     atomic.Int32
}

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(len(texts[i])), 0}
	}
	return out, nil
}

// MockFileSystemWalker implements FileSystemWalker for testing
type MockFileSystemWalker struct {
	FilesToProcess []string // List of file paths to process
	WalkError      error    // Error to return from Walk
}

func (m *MockFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	if m.WalkError != nil {
		return m.WalkError
	}
	// A nil Dirent stands in for a regular file.
	for _, filePath := range m.FilesToProcess {
		if err := options.Callback(filePath, nil); err != nil {
			return err
		}
	}
	return nil
}

// MockFileReader implements FileReader for testing
type MockFileReader struct {
	ReadFileFunc func(filename string) ([]byte, error)
	Files        map[string]string // path -> content
}

func (m *MockFileReader) ReadFile(filename string) ([]byte, error) {
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(filename)
	}
	if content, exists := m.Files[filename]; exists {
		return []byte(content), nil
	}
	return nil, errors.New("file not found")
}

func defaultOptions() Options {
	return Options{
		Chunk:         chunker.Options{Size: 50, Overlap: 10},
		MinChunkChars: 20,
		BatchSize:     2,
		Workers:       3,
	}
}

func newTestIndexer(t *testing.T, files map[string]string, order []string, emb Embedder, w storage.Writer, st store.ChunkStore) *Indexer {
	t.Helper()
	ix, err := NewWithDependencies("/corpus", emb, w, st,
		&MockFileSystemWalker{FilesToProcess: order},
		&MockFileReader{Files: files},
		defaultOptions())
	if err != nil {
		t.Fatalf("NewWithDependencies: %v", err)
	}
	return ix
}

func TestLoadCorpus(t *testing.T) {
	files := map[string]string{
		"/corpus/docs.jsonl": `{"id":"d1","url":"https://docs.example.com/billing/invoices","title":"Invoices","raw_text":"Invoices are sent monthly."}
not json

{"url":"https://docs.example.com/manage-website/create","title":"Create a site","content":"Create a site by clicking New then Site.","category":"Sites"}
{"id":"empty","raw_text":"   "}
`,
		"/corpus/guides/getting-started.md": "Intro line\n# Getting going\n\nWelcome to the platform.",
		"/corpus/notes.txt":                 "plain text notes",
		"/corpus/image.png":                 "binary",
		"/corpus/.hidden.md":                "# Hidden",
	}
	order := []string{"/corpus/docs.jsonl", "/corpus/guides/getting-started.md", "/corpus/notes.txt", "/corpus/image.png", "/corpus/.hidden.md", "/corpus/missing.md"}
	ix := newTestIndexer(t, files, order, &MockEmbedder{}, nil, nil)

	docs, err := ix.LoadCorpus(context.Background())
	if err != nil {
		t.Fatalf("LoadCorpus: %v", err)
	}
	if len(docs) != 4 {
		t.Fatalf("expected 4 documents, got %d: %+v", len(docs), docs)
	}

	if docs[0].ID != "d1" || docs[0].Category != "Account Configuration" || docs[0].RawText != "Invoices are sent monthly." {
		t.Errorf("unexpected first document %+v", docs[0])
	}
	if docs[1].RawText != "Create a site by clicking New then Site." || docs[1].Category != "Sites" {
		t.Errorf("content alias or explicit category not honoured: %+v", docs[1])
	}
	if docs[1].ID == "" || len(docs[1].ID) != 16 {
		t.Errorf("expected derived id, got %q", docs[1].ID)
	}
	if docs[2].Title != "Getting going" || docs[2].URL != "guides/getting-started.md" || docs[2].Category != "Getting Started" {
		t.Errorf("unexpected markdown document %+v", docs[2])
	}
	if docs[3].Title != "notes" || docs[3].Category != "General Documentation" {
		t.Errorf("unexpected text document %+v", docs[3])
	}
}

func TestLoadCorpus_WalkError(t *testing.T) {
	ix, err := NewWithDependencies("/corpus", &MockEmbedder{}, nil, nil,
		&MockFileSystemWalker{WalkError: errors.New("walk failed")}, &MockFileReader{}, defaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ix.LoadCorpus(context.Background()); err == nil {
		t.Error("expected walk error")
	}
}

func TestInferCategory(t *testing.T) {
	tests := []struct{ url, want string }{
		{"https://docs/account-configuration/profile", "Account Configuration"},
		{"https://docs/Billing/Invoices", "Account Configuration"},
		{"https://docs/organizations/invite", "Organizations"},
		{"https://docs/blueprints", "Blueprints"},
		{"https://docs/manage-website/backups", "Website Management"},
		{"https://docs/support/open-a-ticket", "Support"},
		{"https://docs/user-roles", "User Management"},
		{"https://docs/getting-started", "Getting Started"},
		{"https://docs/home", "Getting Started"},
		{"https://docs/faq", "General Documentation"},
		{"", "General Documentation"},
	}
	for _, tt := range tests {
		if got := InferCategory(tt.url); got != tt.want {
			t.Errorf("InferCategory(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestChunkDocuments_FiltersShortAndDuplicate(t *testing.T) {
	ix := newTestIndexer(t, nil, nil, &MockEmbedder{}, nil, nil)
	body := "Create a site by clicking New and then choosing Site from the menu."
	docs := []models.Document{
		{ID: "a", URL: "u/a", RawText: body},
		{ID: "b", URL: "u/b", RawText: body},
		{ID: "c", URL: "u/c", RawText: "too short"},
		{ID: "d", URL: "u/d", RawText: ""},
	}
	items, st, err := ix.chunkDocuments(docs)
	if err != nil {
		t.Fatal(err)
	}
	if st.Documents != 4 || st.TooShort < 1 || st.Duplicates == 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	for _, it := range items {
		if it.doc.ID != "a" {
			t.Errorf("duplicate text from %s should have been dropped", it.doc.ID)
		}
	}
	if st.Chunks != len(items) || len(items) == 0 {
		t.Errorf("expected chunks from document a, got %d", len(items))
	}
}

func TestBuild_PreservesChunkOrder(t *testing.T) {
	var mu sync.Mutex
	var batches []int
	emb := &MockEmbedder{EmbedFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
		mu.Lock()
		batches = append(batches, len(texts))
		mu.Unlock()
		out := make([][]float32, len(texts))
		for i, s := range texts {
			out[i] = []float32{float32(len(s)), 1}
		}
		return out, nil
	}}
	ix := newTestIndexer(t, nil, nil, emb, nil, nil)

	var docs []models.Document
	for i := 0; i < 5; i++ {
		docs = append(docs, models.Document{
			ID: fmt.Sprintf("doc-%d", i), URL: fmt.Sprintf("https://docs/%d", i), Title: "T", Category: "C",
			RawText: fmt.Sprintf("Document number %d explains one distinct feature in detail.", i),
		})
	}
	built, st, err := ix.Build(context.Background(), docs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if built.Len() != st.Chunks {
		t.Errorf("index has %d entries, stats say %d", built.Len(), st.Chunks)
	}
	for _, n := range batches {
		if n > 2 {
			t.Errorf("batch of %d exceeds batch size", n)
		}
	}

	want, _, _ := ix.chunkDocuments(docs)
	got := built.Entries()
	for i := range want {
		if got[i].Meta.ChunkID != want[i].chunk.ID {
			t.Fatalf("entry %d is %s, want %s", i, got[i].Meta.ChunkID, want[i].chunk.ID)
		}
		if got[i].Meta.URL != want[i].doc.URL || got[i].Meta.Text != want[i].chunk.Text {
			t.Errorf("entry %d carries wrong metadata: %+v", i, got[i].Meta)
		}
	}
}

func TestBuild_Errors(t *testing.T) {
	ix := newTestIndexer(t, nil, nil, &MockEmbedder{}, nil, nil)
	if _, _, err := ix.Build(context.Background(), nil); !errors.Is(err, errs.ErrEmptyCorpus) {
		t.Errorf("expected ErrEmptyCorpus, got %v", err)
	}

	docs := []models.Document{{ID: "a", RawText: "A document long enough to survive filtering."}}
	failing := &MockEmbedder{EmbedFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, errs.ErrExternalService
	}}
	ix = newTestIndexer(t, nil, nil, failing, nil, nil)
	if _, _, err := ix.Build(context.Background(), docs); !errors.Is(err, errs.ErrExternalService) {
		t.Errorf("expected ErrExternalService, got %v", err)
	}

	short := &MockEmbedder{EmbedFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
		return [][]float32{}, nil
	}}
	ix = newTestIndexer(t, nil, nil, short, nil, nil)
	if _, _, err := ix.Build(context.Background(), docs); !errors.Is(err, errs.ErrExternalService) {
		t.Errorf("expected count mismatch to fail, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ix = newTestIndexer(t, nil, nil, &MockEmbedder{}, nil, nil)
	if _, _, err := ix.Build(ctx, docs); err == nil {
		t.Error("expected cancelled build to fail")
	}
}

func TestIndexer_Run(t *testing.T) {
	files := map[string]string{
		"/corpus/site.md":    "# Create a site\n\nCreate a site by clicking New then Site. Pick a region and a name.",
		"/corpus/billing.md": "# Billing\n\nInvoices are sent on the first day of every month.",
	}
	order := []string{"/corpus/billing.md", "/corpus/site.md"}
	dir := t.TempDir()

	var mirrored []models.IndexEntry
	var migratedDim int
	st := &MockChunkStore{
		MigrateFunc: func(ctx context.Context, dim int) error {
			migratedDim = dim
			return nil
		},
		ReplaceFunc: func(ctx context.Context, buildID string, entries []models.IndexEntry) error {
			if buildID == "" {
				t.Error("expected build id")
			}
			mirrored = entries
			return nil
		},
	}
	gw := ai.NewGateway(ai.NewStubClient(64), ai.GatewayConfig{BatchSize: 4})
	ix := newTestIndexer(t, files, order, gw, storage.NewDir(dir), st)

	built, err := ix.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if migratedDim != 64 || len(mirrored) != built.Len() {
		t.Errorf("store mirror mismatch: dim %d, %d entries for %d", migratedDim, len(mirrored), built.Len())
	}
	for _, name := range []string{storage.VectorsName, storage.MetadataName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected persisted %s: %v", name, err)
		}
	}

	loaded, err := index.Load(context.Background(), storage.NewDir(dir))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.BuildID() != built.BuildID() || loaded.Len() != built.Len() {
		t.Errorf("loaded index differs from built index")
	}
	stats := loaded.Stats()
	if stats.UniquePages != 2 {
		t.Errorf("expected 2 unique pages, got %d", stats.UniquePages)
	}
	if !strings.Contains(built.Entries()[0].Meta.URL, "billing") {
		t.Errorf("expected walk order to be preserved, first entry %+v", built.Entries()[0].Meta)
	}
}

func TestIndexer_RunAppend(t *testing.T) {
	billing := "# Billing\n\nInvoices are sent on the first day of every month."
	site := "# Create a site\n\nCreate a site by clicking New then Site. Pick a region and a name."
	dir := t.TempDir()
	gw := ai.NewGateway(ai.NewStubClient(64), ai.GatewayConfig{BatchSize: 4})
	ctx := context.Background()

	first := newTestIndexer(t, map[string]string{"/corpus/billing.md": billing}, []string{"/corpus/billing.md"}, gw, storage.NewDir(dir), nil)
	base, err := first.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	files := map[string]string{"/corpus/billing.md": billing, "/corpus/site.md": site}
	order := []string{"/corpus/billing.md", "/corpus/site.md"}
	emb := &MockEmbedder{EmbedFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
		return gw.Embed(ctx, texts)
	}}
	appender := newTestIndexer(t, files, order, emb, storage.NewDir(dir), nil)
	appender.Base = storage.NewDir(dir)

	grown, err := appender.Run(ctx)
	if err != nil {
		t.Fatalf("append Run: %v", err)
	}
	if grown.BuildID() == base.BuildID() || grown.Len() <= base.Len() {
		t.Fatalf("expected a larger new build, got %d vectors (base %d)", grown.Len(), base.Len())
	}
	baseEntries, grownEntries := base.Entries(), grown.Entries()
	for i, e := range baseEntries {
		if grownEntries[i].Meta.ChunkID != e.Meta.ChunkID {
			t.Errorf("entry %d: base order not preserved", i)
		}
	}
	for _, e := range grownEntries[len(baseEntries):] {
		if !strings.Contains(e.Meta.URL, "site") {
			t.Errorf("only site chunks should be appended, got %+v", e.Meta)
		}
	}

	loaded, err := index.Load(ctx, storage.NewDir(dir))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.BuildID() != grown.BuildID() {
		t.Errorf("appended index was not persisted")
	}

	// Nothing new: the persisted index is kept as is and nothing is embedded.
	emb.calls.Store(0)
	again, err := appender.Run(ctx)
	if err != nil {
		t.Fatalf("second append Run: %v", err)
	}
	if again.BuildID() != grown.BuildID() || emb.calls.Load() != 0 {
		t.Errorf("expected unchanged index without embedding, got build %s and %d embed calls", again.BuildID(), emb.calls.Load())
	}

	missing := newTestIndexer(t, files, order, emb, nil, nil)
	missing.Base = storage.NewDir(t.TempDir())
	if _, err := missing.Run(ctx); err == nil || !strings.Contains(err.Error(), "load base index") {
		t.Errorf("expected base load error, got %v", err)
	}

	// An embedder that knows its dimension starts from an empty index.
	fromScratch := newTestIndexer(t, files, order, gw, nil, nil)
	fromScratch.Base = storage.NewDir(t.TempDir())
	built, err := fromScratch.Run(ctx)
	if err != nil {
		t.Fatalf("append onto nothing: %v", err)
	}
	if built.Len() != grown.Len() || built.Dim() != 64 {
		t.Errorf("expected %d vectors of dimension 64, got %d of %d", grown.Len(), built.Len(), built.Dim())
	}
}

func TestAppend_DimensionMismatch(t *testing.T) {
	base, err := index.Build([]models.IndexEntry{{Meta: models.ChunkMeta{ChunkID: "x", Text: "existing"}, Embedding: []float32{1, 0}}})
	if err != nil {
		t.Fatal(err)
	}
	ix := newTestIndexer(t, nil, nil, &MockEmbedder{}, nil, nil)
	docs := []models.Document{{ID: "d", URL: "u", RawText: "A document that is long enough to be indexed."}}
	if _, _, err := ix.Append(context.Background(), base, docs); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
	if _, _, err := ix.Append(context.Background(), nil, docs); !errors.Is(err, errs.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestIndexer_RunStoreFailure(t *testing.T) {
	files := map[string]string{"/corpus/a.md": "A document that is long enough to be indexed."}
	st := &MockChunkStore{ReplaceFunc: func(ctx context.Context, buildID string, entries []models.IndexEntry) error {
		return errors.New("db down")
	}}
	ix := newTestIndexer(t, files, []string{"/corpus/a.md"}, &MockEmbedder{}, nil, st)
	if _, err := ix.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "mirror to store") {
		t.Errorf("expected mirror error, got %v", err)
	}
}

func TestNewWithDependencies(t *testing.T) {
	_, err := NewWithDependencies("/corpus", &MockEmbedder{}, nil, nil, &MockFileSystemWalker{}, &MockFileReader{},
		Options{Chunk: chunker.Options{Size: 10, Overlap: 10}})
	if !errors.Is(err, errs.ErrConfig) {
		t.Errorf("expected ErrConfig for overlap >= size, got %v", err)
	}

	ix, err := NewWithDependencies("/corpus", &MockEmbedder{}, nil, nil, &MockFileSystemWalker{}, &MockFileReader{},
		Options{Chunk: chunker.Options{Size: 10, Overlap: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if ix.opts.BatchSize != 64 || ix.opts.Workers != 1 {
		t.Errorf("expected defaults, got %+v", ix.opts)
	}
}

func TestShouldSkip(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/corpus/a.md", false},
		{"/corpus/.git/config", true},
		{"/corpus/node_modules/x/readme.md", true},
		{"/corpus/.draft.md", true},
	}
	for _, tt := range tests {
		if got := shouldSkip(tt.path); got != tt.want {
			t.Errorf("shouldSkip(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func BenchmarkIndexer_HashContent(b *testing.B) {
	content := strings.Repeat("documentation ", 100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hashContent(content)
	}
}

func TestInterfaceCompliance(t *testing.T) {
	var _ FileSystemWalker = &DefaultFileSystemWalker{}
	var _ FileReader = &DefaultFileReader{}
	var _ Embedder = &ai.Gateway{}
	var _ store.ChunkStore = &store.Store{}
	var _ store.ChunkStore = &MockChunkStore{}
}
