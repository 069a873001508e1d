package answer

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/docrag/pkg/models"
)

// NeighborRadius is how many chunks on each side of a hit join its context.
const NeighborRadius = 1

// NeighborSource looks up the chunks around a position in a document.
type NeighborSource interface {
	Neighbors(ctx context.Context, documentID string, seq, radius int) ([]models.ChunkMeta, error)
}

// AttachNeighbors returns a copy of results in which every hit carries the
// text of its document from radius chunks before it to radius chunks after
// it. A failed lookup leaves the hit with its own text.
func AttachNeighbors(ctx context.Context, src NeighborSource, results []models.RerankedResult, radius int) []models.RerankedResult {
	out := make([]models.RerankedResult, len(results))
	copy(out, results)
	if src == nil || radius <= 0 {
		return out
	}
	for i := range out {
		m := out[i].Meta
		if m.DocumentID == "" {
			continue
		}
		metas, err := src.Neighbors(ctx, m.DocumentID, m.SequenceIndex, radius)
		if err != nil {
			log.Warn().Err(err).Str("chunk_id", m.ChunkID).Msg("neighbor lookup failed, using chunk alone")
			continue
		}
		if len(metas) > 1 {
			out[i].ContextText = JoinChunks(metas)
		}
	}
	return out
}

// JoinChunks stitches chunks of one document, ordered by sequence index,
// back into running text. The overlap a chunk shares with the one before it
// is written once; a gap between chunks becomes a paragraph break.
func JoinChunks(metas []models.ChunkMeta) string {
	var b strings.Builder
	end := -1
	for _, m := range metas {
		text := []rune(m.Text)
		exact := len(text) == m.CharEnd-m.CharStart
		switch {
		case end < 0:
		case exact && m.CharStart < end:
			skip := end - m.CharStart
			if skip >= len(text) {
				continue
			}
			text = text[skip:]
		case exact && m.CharStart == end:
		default:
			b.WriteString("\n\n")
		}
		b.WriteString(string(text))
		if m.CharEnd > end {
			end = m.CharEnd
		}
	}
	return b.String()
}
