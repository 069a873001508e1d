// Package chunker splits normalized document text into overlapping passages.
//
// Offsets and sizes are counted in runes. Every chunk after the first starts
// exactly Overlap runes before the end of the previous chunk, so dropping the
// first Overlap runes of each non-first chunk and concatenating reproduces the
// source text.
package chunker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/pkg/models"
)

// Options holds the chunking parameters.
type Options struct {
	Size    int
	Overlap int
}

// Validate reports whether the options can produce chunks.
func (o Options) Validate() error {
	if o.Size <= 0 {
		return errs.Config("chunk size must be positive, got %d", o.Size)
	}
	if o.Overlap < 0 {
		return errs.Config("chunk overlap must not be negative, got %d", o.Overlap)
	}
	if o.Overlap >= o.Size {
		return errs.Config("chunk overlap (%d) must be less than chunk size (%d)", o.Overlap, o.Size)
	}
	return nil
}

// Chunk splits doc into an ordered sequence of chunks no longer than size
// runes. An empty document yields no chunks.
func Chunk(doc models.Document, size, overlap int) ([]models.Chunk, error) {
	if err := (Options{Size: size, Overlap: overlap}).Validate(); err != nil {
		return nil, err
	}
	runes := []rune(doc.RawText)
	if len(runes) == 0 {
		return nil, nil
	}

	chunks := make([]models.Chunk, 0, len(runes)/(size-overlap)+1)
	start := 0
	for seq := 0; ; seq++ {
		end := cutPoint(runes, start, size, overlap)
		chunks = append(chunks, models.Chunk{
			ID:            chunkID(doc.ID, seq, start, end),
			DocumentID:    doc.ID,
			SequenceIndex: seq,
			Text:          string(runes[start:end]),
			CharStart:     start,
			CharEnd:       end,
		})
		if end >= len(runes) {
			break
		}
		start = end - overlap
	}
	return chunks, nil
}

// Reassemble joins chunks produced with the given overlap back into the
// original text.
func Reassemble(chunks []models.Chunk, overlap int) string {
	var b strings.Builder
	for i, ch := range chunks {
		if i == 0 {
			b.WriteString(ch.Text)
			continue
		}
		r := []rune(ch.Text)
		if overlap < len(r) {
			b.WriteString(string(r[overlap:]))
		}
	}
	return b.String()
}

// cutPoint returns the exclusive end of the chunk starting at start. It
// prefers a sentence break, then any whitespace, then a hard cut. Breaks
// are only taken past the midpoint of the window and past the overlap so
// that the next chunk always starts after this one.
func cutPoint(r []rune, start, size, overlap int) int {
	limit := start + size
	if limit >= len(r) {
		return len(r)
	}
	lo := start + overlap + 1
	if half := start + size/2; half > lo {
		lo = half
	}
	for p := limit; p >= lo; p-- {
		if sentenceBreak(r, start, p) {
			return p
		}
	}
	for p := limit; p >= lo; p-- {
		if unicode.IsSpace(r[p-1]) {
			return p
		}
	}
	return limit
}

// sentenceBreak reports whether a chunk ending at p ends on a line break or
// on the whitespace that follows terminal punctuation.
func sentenceBreak(r []rune, start, p int) bool {
	last := r[p-1]
	if last == '\n' {
		return true
	}
	if !unicode.IsSpace(last) || p-2 < start {
		return false
	}
	switch r[p-2] {
	case '.', '!', '?', ':', ';':
		return true
	}
	return false
}

// chunkID derives a stable identifier from the document and the chunk span.
func chunkID(docID string, seq, start, end int) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s#%d:%d:%d", docID, seq, start, end)))
	return hex.EncodeToString(h[:])
}
