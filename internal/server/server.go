// Package server exposes the question answering pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/seanblong/docrag/internal/answer"
	"github.com/seanblong/docrag/internal/auth"
	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/internal/rag"
	"github.com/seanblong/docrag/pkg/models"
)

const (
	serviceName  = "docrag"
	maxBodyBytes = 1 << 20
	// MaxSearchK bounds the k of a pure search.
	MaxSearchK = 50
)

// Pipeline is what the server needs from the orchestrator.
type Pipeline interface {
	Ask(ctx context.Context, question string, opts rag.AskOptions) (models.AnswerResult, error)
	Search(ctx context.Context, query string, k int, category string) (models.SearchResponse, error)
	Health(ctx context.Context) (rag.Health, error)
	Stats(ctx context.Context) (models.IndexStats, error)
	Reload(ctx context.Context) (uint64, int, error)
}

// Options configures a Server.
type Options struct {
	Version string
	// DefaultExpansion applies when a chat request omits use_query_expansion.
	DefaultExpansion bool
}

// Server routes API requests to a Pipeline.
type Server struct {
	pipeline Pipeline
	opts     Options
}

// New returns a Server in front of p.
func New(p Pipeline, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{pipeline: p, opts: opts}
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Question          string   `json:"question"`
	UseQueryExpansion *bool    `json:"use_query_expansion,omitempty"`
	Temperature       *float32 `json:"temperature,omitempty"`
}

// SearchRequest is the body of POST /api/search.
type SearchRequest struct {
	Query    string `json:"query"`
	K        *int   `json:"k,omitempty"`
	Category string `json:"category,omitempty"`
}

// ReloadResponse is the body returned by POST /api/reload.
type ReloadResponse struct {
	Version        uint64 `json:"version"`
	VectorsIndexed int    `json:"vectors_indexed"`
}

// Routes returns the API mux. Chat, search and reload sit behind the
// optional token check.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/chat", auth.OptionalAuthMiddleware(s.handleChat))
	mux.HandleFunc("POST /api/search", auth.OptionalAuthMiddleware(s.handleSearch))
	mux.HandleFunc("POST /api/reload", auth.OptionalAuthMiddleware(s.handleReload))
	return mux
}

// Handler wraps Routes with request scoped logging.
func (s *Server) Handler(logger zerolog.Logger) http.Handler {
	return hlog.NewHandler(logger)(
		hlog.RequestIDHandler("req_id", "X-Request-Id")(
			hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("size", size).
					Dur("dur", dur).
					Msg("http")
			})(s.Routes()),
		),
	)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": serviceName,
		"version": s.opts.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.pipeline.Health(r.Context())
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":          "unhealthy",
			"vectors_indexed": 0,
			"error":           err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := rag.ValidateQuestion(req.Question); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Temperature != nil {
		if err := answer.ValidateTemperature(*req.Temperature); err != nil {
			writeError(w, r, err)
			return
		}
	}
	expand := s.opts.DefaultExpansion
	if req.UseQueryExpansion != nil {
		expand = *req.UseQueryExpansion
	}

	res, err := s.pipeline.Ask(r.Context(), req.Question, rag.AskOptions{Expand: expand, Temperature: req.Temperature})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Sources == nil {
		res.Sources = []models.Source{}
	}
	hlog.FromRequest(r).Info().
		Bool("expand", expand).
		Str("confidence", string(res.Metadata.Confidence)).
		Int("sources", len(res.Sources)).
		Msg("chat served")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, errs.InvalidArgument("query is required"))
		return
	}
	k := rag.DefaultSearchK
	if req.K != nil {
		k = *req.K
	}
	if k <= 0 || k > MaxSearchK {
		writeError(w, r, errs.InvalidArgument("k must be between 1 and %d, got %d", MaxSearchK, k))
		return
	}

	resp, err := s.pipeline.Search(r.Context(), req.Query, k, req.Category)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Int("k", k).Int("results", len(resp.Results)).Msg("search served")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	v, n, err := s.pipeline.Reload(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Uint64("version", v).Int("vectors", n).Msg("index reloaded")
	writeJSON(w, http.StatusOK, ReloadResponse{Version: v, VectorsIndexed: n})
}

// decode reads a JSON body into dst. Malformed bodies are invalid arguments.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.InvalidArgument("request body is required")
		}
		return errs.InvalidArgument("malformed request body: %v", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	msg := err.Error()
	ev := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
		if status == http.StatusInternalServerError {
			msg = "internal server error"
		}
	}
	ev.Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
