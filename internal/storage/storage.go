// Package storage moves persisted index artifacts between the pipeline and
// where they live: a local directory, a blob URL or an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Artifact names of the persisted index pair.
const (
	VectorsName  = "vectors.bin"
	MetadataName = "metadata.bin"
)

// ErrNotFound indicates a requested artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Reader supplies the raw bytes of a named artifact.
type Reader interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// PairReader is a Reader that can fetch both artifacts of a pair together,
// so it never mixes artifacts from two publications.
type PairReader interface {
	Reader
	OpenPair(ctx context.Context, vecName, metaName string) (vec, meta io.ReadCloser, err error)
}

// Writer stores an artifact pair. The encode callback receives one writer per
// artifact; nothing is visible to readers unless both encodings succeed.
type Writer interface {
	WritePair(ctx context.Context, vecName, metaName string, encode func(vec, meta io.Writer) error) error
}

// Dir stores artifacts as files in a local directory.
type Dir struct {
	Path string
}

// NewDir returns a Dir rooted at path.
func NewDir(path string) *Dir {
	return &Dir{Path: path}
}

// Open opens the named artifact.
func (d *Dir) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(d.Path, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Join(ErrNotFound, err)
	}
	return f, err
}

// WritePair writes both artifacts to temporary files, syncs them and then
// renames them into place.
func (d *Dir) WritePair(ctx context.Context, vecName, metaName string, encode func(vec, meta io.Writer) error) error {
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return err
	}
	vecTmp, err := os.CreateTemp(d.Path, "."+vecName+".*.tmp")
	if err != nil {
		return err
	}
	defer removeQuietly(vecTmp.Name())
	metaTmp, err := os.CreateTemp(d.Path, "."+metaName+".*.tmp")
	if err != nil {
		_ = vecTmp.Close()
		return err
	}
	defer removeQuietly(metaTmp.Name())

	encErr := encode(vecTmp, metaTmp)
	for _, f := range []*os.File{vecTmp, metaTmp} {
		if encErr == nil {
			encErr = f.Sync()
		}
		if err := f.Close(); err != nil && encErr == nil {
			encErr = err
		}
	}
	if encErr != nil {
		return encErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Rename(vecTmp.Name(), filepath.Join(d.Path, vecName)); err != nil {
		return err
	}
	return os.Rename(metaTmp.Name(), filepath.Join(d.Path, metaName))
}

func removeQuietly(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("failed to remove temp artifact")
	}
}
