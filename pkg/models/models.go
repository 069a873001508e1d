package models

// Document is one normalized page of the crawled corpus.
type Document struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Category string `json:"category"`
	RawText  string `json:"raw_text"`
}

// Chunk is an overlapping slice of a Document. CharStart and CharEnd are
// rune offsets into Document.RawText.
type Chunk struct {
	ID            string `json:"id"`
	DocumentID    string `json:"document_id"`
	SequenceIndex int    `json:"sequence_index"`
	Text          string `json:"text"`
	CharStart     int    `json:"char_start"`
	CharEnd       int    `json:"char_end"`
}

// ChunkMeta is the denormalized metadata stored next to every vector so that
// search results never need a secondary lookup.
type ChunkMeta struct {
	ChunkID       string `json:"chunk_id"`
	DocumentID    string `json:"document_id"`
	SequenceIndex int    `json:"sequence_index"`
	CharStart     int    `json:"char_start"`
	CharEnd       int    `json:"char_end"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	Category      string `json:"category"`
	Text          string `json:"text"`
}

// IndexEntry pairs a chunk with its embedding.
type IndexEntry struct {
	Meta      ChunkMeta
	Embedding []float32
}

// NewIndexEntry snapshots chunk and document metadata into an IndexEntry.
func NewIndexEntry(doc Document, ch Chunk, emb []float32) IndexEntry {
	return IndexEntry{
		Meta: ChunkMeta{
			ChunkID:       ch.ID,
			DocumentID:    doc.ID,
			SequenceIndex: ch.SequenceIndex,
			CharStart:     ch.CharStart,
			CharEnd:       ch.CharEnd,
			Title:         doc.Title,
			URL:           doc.URL,
			Category:      doc.Category,
			Text:          ch.Text,
		},
		Embedding: emb,
	}
}

// SearchResult is a single vector search hit. Position is the row of the
// chunk in its index and breaks score ties.
type SearchResult struct {
	ChunkID     string    `json:"chunk_id"`
	VectorScore float64   `json:"vector_score"`
	Meta        ChunkMeta `json:"metadata"`
	Position    int       `json:"-"`
}

// RerankedResult is a SearchResult with its second-pass relevance score.
type RerankedResult struct {
	SearchResult
	RerankScore float64 `json:"rerank_score"`
	// ContextText is the chunk joined with its neighbours in the same
	// document. Empty when no neighbours were looked up.
	ContextText string `json:"-"`
}

// Confidence summarizes how well the top result matches a query.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// RankedResultSet is the output of retrieval.
type RankedResultSet struct {
	Results    []RerankedResult
	Confidence Confidence
	TopScore   float64
	Expanded   bool
	Reranked   bool
	// ExpansionFailed is set when expansion was requested but its completion
	// or every variant search failed.
	ExpansionFailed bool
}

// Source is a cited page in an answer.
type Source struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Category string `json:"category"`
}

// AnswerMetadata describes how an answer was produced.
type AnswerMetadata struct {
	ChunksRetrieved int        `json:"chunks_retrieved"`
	Confidence      Confidence `json:"confidence"`
	TopScore        float64    `json:"top_score"`
	QueryExpanded   bool       `json:"query_expanded"`
}

// AnswerResult is the response to a chat question.
type AnswerResult struct {
	Answer   string         `json:"answer"`
	Sources  []Source       `json:"sources"`
	Metadata AnswerMetadata `json:"metadata"`
}

// SearchHit is one row of a pure-search response.
type SearchHit struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Content     string  `json:"content"`
	VectorScore float64 `json:"vector_score"`
	RerankScore float64 `json:"rerank_score"`
}

// SearchResponse is the response to a pure-search request.
type SearchResponse struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
}

// IndexStats summarizes the contents of an index.
type IndexStats struct {
	BuildID     string         `json:"build_id"`
	Chunks      int            `json:"chunks"`
	UniquePages int            `json:"unique_pages"`
	Dimension   int            `json:"dimension"`
	ByCategory  map[string]int `json:"by_category"`
}
