package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/internal/index"
	"github.com/seanblong/docrag/pkg/models"
)

// Store provides methods to interact with the database.
type Store struct {
	pool *pgxpool.Pool
}

// ChunkStore defines the methods that the Store must implement.
type ChunkStore interface {
	Migrate(ctx context.Context, dim int) error
	Replace(ctx context.Context, buildID string, entries []models.IndexEntry) error
	Search(ctx context.Context, vec []float32, k int, opt index.SearchOptions) ([]models.SearchResult, error)
	Count(ctx context.Context) (int, error)
	BuildID(ctx context.Context) (string, error)
	Neighbors(ctx context.Context, documentID string, seq, radius int) ([]models.ChunkMeta, error)
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate applies necessary database migrations and schema setup.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return errs.Config("embedding dimension must be positive, got %d", dim)
	}
	_, err := s.pool.Exec(ctx, migrationSQL(dim))
	return err
}

func migrationSQL(dim int) string {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS doc_chunks (
  position       INT PRIMARY KEY,
  chunk_id       TEXT NOT NULL UNIQUE,
  document_id    TEXT NOT NULL,
  sequence_index INT NOT NULL,
  char_start     INT NOT NULL,
  char_end       INT NOT NULL,
  title          TEXT NOT NULL DEFAULT '',
  url            TEXT NOT NULL DEFAULT '',
  category       TEXT NOT NULL DEFAULT '',
  content        TEXT NOT NULL,
  embedding      vector(%d) NOT NULL
);

CREATE INDEX IF NOT EXISTS doc_chunks_category_idx
  ON doc_chunks (category);

CREATE INDEX IF NOT EXISTS doc_chunks_document_idx
  ON doc_chunks (document_id, sequence_index);

CREATE TABLE IF NOT EXISTS index_builds (
  id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
  build_id   TEXT NOT NULL,
  dim        INT NOT NULL,
  chunks     INT NOT NULL,
  built_at   TIMESTAMP WITH TIME ZONE DEFAULT now()
);
`
	return fmt.Sprintf(q, dim)
}

const (
	deleteChunksSQL = `DELETE FROM doc_chunks`

	insertChunkSQL = `
		INSERT INTO doc_chunks (
			position, chunk_id, document_id, sequence_index, char_start, char_end,
			title, url, category, content, embedding
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	upsertBuildSQL = `
		INSERT INTO index_builds (id, build_id, dim, chunks, built_at)
		VALUES (1, $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			build_id = EXCLUDED.build_id,
			dim      = EXCLUDED.dim,
			chunks   = EXCLUDED.chunks,
			built_at = EXCLUDED.built_at`

	searchSQL = `
		SELECT position, chunk_id, document_id, sequence_index, char_start, char_end,
		       title, url, category, content,
		       1 - (embedding <=> $1::vector) AS score
		FROM doc_chunks
		WHERE ($2::text = '' OR category = $2::text)
		ORDER BY embedding <=> $1::vector, position
		LIMIT $3`

	neighborsSQL = `
		SELECT position, chunk_id, document_id, sequence_index, char_start, char_end,
		       title, url, category, content
		FROM doc_chunks
		WHERE document_id = $1 AND sequence_index BETWEEN $2 AND $3
		ORDER BY sequence_index, position`
)

// Replace swaps the stored corpus for entries in one transaction, so readers
// see either the previous or the new corpus. Row positions follow the order
// of entries.
func (s *Store) Replace(ctx context.Context, buildID string, entries []models.IndexEntry) error {
	if len(entries) == 0 {
		return errs.ErrEmptyCorpus
	}
	dim := len(entries[0].Embedding)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log.Warn().Err(err).Msg("rollback failed")
		}
	}()

	if _, err := tx.Exec(ctx, deleteChunksSQL); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	batch := &pgx.Batch{}
	for i, e := range entries {
		if len(e.Embedding) != dim {
			return errs.Config("entry %d has dimension %d, expected %d", i, len(e.Embedding), dim)
		}
		m := e.Meta
		batch.Queue(insertChunkSQL,
			i, m.ChunkID, m.DocumentID, m.SequenceIndex, m.CharStart, m.CharEnd,
			m.Title, m.URL, m.Category, m.Text, pgvector.NewVector(e.Embedding),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, upsertBuildSQL, buildID, dim, len(entries)); err != nil {
		return fmt.Errorf("record build: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.Info().Str("build_id", buildID).Int("chunks", len(entries)).Msg("replaced stored corpus")
	return nil
}

// Search returns at most k chunks ordered by descending cosine similarity,
// ties broken by row position.
func (s *Store) Search(ctx context.Context, vec []float32, k int, opt index.SearchOptions) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, errs.InvalidArgument("k must be positive, got %d", k)
	}
	rows, err := s.pool.Query(ctx, searchSQL, pgvector.NewVector(vec), opt.Category, k)
	if err != nil {
		return nil, errs.FromContext(err)
	}
	defer rows.Close()

	out := []models.SearchResult{}
	for rows.Next() {
		var r models.SearchResult
		m := &r.Meta
		if err := rows.Scan(
			&r.Position, &m.ChunkID, &m.DocumentID, &m.SequenceIndex, &m.CharStart, &m.CharEnd,
			&m.Title, &m.URL, &m.Category, &m.Text,
			&r.VectorScore,
		); err != nil {
			return nil, err
		}
		r.ChunkID = m.ChunkID
		out = append(out, r)
	}
	return out, rows.Err()
}

// Neighbors returns the chunks of documentID whose sequence index lies within
// radius of seq.
func (s *Store) Neighbors(ctx context.Context, documentID string, seq, radius int) ([]models.ChunkMeta, error) {
	if radius < 0 {
		return nil, errs.InvalidArgument("radius must not be negative, got %d", radius)
	}
	rows, err := s.pool.Query(ctx, neighborsSQL, documentID, seq-radius, seq+radius)
	if err != nil {
		return nil, errs.FromContext(err)
	}
	defer rows.Close()

	out := []models.ChunkMeta{}
	for rows.Next() {
		var pos int
		var m models.ChunkMeta
		if err := rows.Scan(
			&pos, &m.ChunkID, &m.DocumentID, &m.SequenceIndex, &m.CharStart, &m.CharEnd,
			&m.Title, &m.URL, &m.Category, &m.Text,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM doc_chunks`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// BuildID returns the id of the stored build, or "" when nothing was stored.
func (s *Store) BuildID(ctx context.Context) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT build_id FROM index_builds WHERE id = 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
