package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTP downloads artifacts from fixed URLs, such as a blob store. When
// CacheDir is set, downloads are kept there and revalidated with
// If-None-Match / If-Modified-Since on every open.
type HTTP struct {
	URLs     map[string]string
	CacheDir string
	http     *http.Client
}

// NewHTTP returns an HTTP reader for the vector and metadata URLs.
func NewHTTP(vectorURL, metadataURL, cacheDir string) *HTTP {
	return &HTTP{
		URLs: map[string]string{
			VectorsName:  vectorURL,
			MetadataName: metadataURL,
		},
		CacheDir: cacheDir,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

// download is one fetched artifact. An empty tmp means the cached copy is
// still current.
type download struct {
	name      string
	tmp       string
	validator validator
}

type validator struct {
	etag         string
	lastModified string
}

// Open returns the current copy of the artifact.
func (h *HTTP) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if h.CacheDir == "" {
		return h.stream(ctx, name)
	}
	d, err := h.fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := h.commit(d); err != nil {
		return nil, err
	}
	return os.Open(h.cachePath(name))
}

// OpenPair fetches both artifacts before touching the cache, so a failed
// download never leaves one fresh and one stale artifact behind.
func (h *HTTP) OpenPair(ctx context.Context, vecName, metaName string) (io.ReadCloser, io.ReadCloser, error) {
	if h.CacheDir == "" {
		vec, err := h.stream(ctx, vecName)
		if err != nil {
			return nil, nil, err
		}
		meta, err := h.stream(ctx, metaName)
		if err != nil {
			_ = vec.Close()
			return nil, nil, err
		}
		return vec, meta, nil
	}

	vd, err := h.fetch(ctx, vecName)
	if err != nil {
		return nil, nil, err
	}
	md, err := h.fetch(ctx, metaName)
	if err != nil {
		removeQuietly(vd.tmp)
		return nil, nil, err
	}
	if err := h.commit(vd, md); err != nil {
		return nil, nil, err
	}
	vec, err := os.Open(h.cachePath(vecName))
	if err != nil {
		return nil, nil, err
	}
	meta, err := os.Open(h.cachePath(metaName))
	if err != nil {
		_ = vec.Close()
		return nil, nil, err
	}
	return vec, meta, nil
}

func (h *HTTP) stream(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := h.get(ctx, name, validator{})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// get issues the request and maps error statuses. A 304 response is
// returned to the caller with its body closed.
func (h *HTTP) get(ctx context.Context, name string, v validator) (*http.Response, error) {
	url, ok := h.URLs[name]
	if !ok || url == "" {
		return nil, fmt.Errorf("%w: no url configured for %s", ErrNotFound, name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if v.etag != "" {
		req.Header.Set("If-None-Match", v.etag)
	}
	if v.lastModified != "" {
		req.Header.Set("If-Modified-Since", v.lastModified)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotModified:
		_ = resp.Body.Close()
		return resp, nil
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned 404", ErrNotFound, url)
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download %s: %s", name, resp.Status)
	}
}

// fetch downloads name into a temp file in CacheDir unless the server
// reports the cached copy as current.
func (h *HTTP) fetch(ctx context.Context, name string) (download, error) {
	d := download{name: name}
	var cached validator
	if _, err := os.Stat(h.cachePath(name)); err == nil {
		cached = h.readValidator(name)
	}
	resp, err := h.get(ctx, name, cached)
	if err != nil {
		return d, err
	}
	if resp.StatusCode == http.StatusNotModified {
		log.Debug().Str("artifact", name).Msg("cached index artifact is current")
		return d, nil
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close response body")
		}
	}()

	log.Info().Str("artifact", name).Str("cache_dir", h.CacheDir).Msg("downloading index artifact")
	if err := os.MkdirAll(h.CacheDir, 0o755); err != nil {
		return d, err
	}
	tmp, err := os.CreateTemp(h.CacheDir, "."+name+".*.tmp")
	if err != nil {
		return d, err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		removeQuietly(tmp.Name())
		return d, fmt.Errorf("download %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		removeQuietly(tmp.Name())
		return d, err
	}
	d.tmp = tmp.Name()
	d.validator = validator{etag: resp.Header.Get("ETag"), lastModified: resp.Header.Get("Last-Modified")}
	return d, nil
}

// commit moves downloaded artifacts into the cache. The old validator is
// dropped before the rename so an interrupted commit only forces a fresh
// download next time.
func (h *HTTP) commit(ds ...download) error {
	var errList []error
	for _, d := range ds {
		if d.tmp == "" {
			continue
		}
		removeQuietly(h.validatorPath(d.name))
		if err := os.Rename(d.tmp, h.cachePath(d.name)); err != nil {
			removeQuietly(d.tmp)
			errList = append(errList, err)
			continue
		}
		if d.validator == (validator{}) {
			continue
		}
		body := d.validator.etag + "\n" + d.validator.lastModified + "\n"
		if err := os.WriteFile(h.validatorPath(d.name), []byte(body), 0o644); err != nil {
			log.Warn().Err(err).Str("artifact", d.name).Msg("failed to record cache validator")
		}
	}
	return errors.Join(errList...)
}

func (h *HTTP) readValidator(name string) validator {
	b, err := os.ReadFile(h.validatorPath(name))
	if err != nil {
		return validator{}
	}
	lines := strings.SplitN(string(b), "\n", 3)
	v := validator{etag: lines[0]}
	if len(lines) > 1 {
		v.lastModified = lines[1]
	}
	return v
}

func (h *HTTP) cachePath(name string) string { return filepath.Join(h.CacheDir, name) }

func (h *HTTP) validatorPath(name string) string {
	return filepath.Join(h.CacheDir, "."+name+".validator")
}
