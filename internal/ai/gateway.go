package ai

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/internal/index"
)

// GatewayConfig tunes how a Gateway talks to its provider.
type GatewayConfig struct {
	BatchSize int     // texts per embedding request
	Workers   int     // concurrent embedding requests
	RateLimit float64 // requests per second, zero for unlimited
	Retry     RetryPolicy
}

// Gateway wraps a provider Client with batching, rate limiting and retries.
// Every vector it returns has the provider's dimension and unit length.
type Gateway struct {
	client  Client
	cfg     GatewayConfig
	limiter *rate.Limiter
}

// NewGateway returns a Gateway in front of client.
func NewGateway(client Client, cfg GatewayConfig) *Gateway {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Workers, 1))
	}
	return &Gateway{client: client, cfg: cfg, limiter: limiter}
}

// Dim returns the embedding dimension of the provider.
func (g *Gateway) Dim() int { return g.client.Dim() }

// Embed embeds texts in batches. The output is aligned with texts.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Workers)
	for start := 0; start < len(texts); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(texts))
		eg.Go(func() error {
			vecs, err := g.embedBatch(ctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vecs [][]float32
	err := Retry(ctx, g.cfg.Retry, "embed", func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		vecs, err = g.client.Embed(ctx, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(batch) {
		return nil, errs.Config("provider returned %d embeddings for %d texts", len(vecs), len(batch))
	}
	dim := g.client.Dim()
	for i, v := range vecs {
		if len(v) != dim {
			return nil, errs.Config("provider returned dimension %d, configured dimension is %d", len(v), dim)
		}
		vecs[i] = index.Normalize(v)
	}
	log.Debug().Int("texts", len(batch)).Msg("embedded batch")
	return vecs, nil
}

// EmbedQuery embeds a single text.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Complete runs a completion with rate limiting and retries.
func (g *Gateway) Complete(ctx context.Context, p Prompt) (string, error) {
	var out string
	err := Retry(ctx, g.cfg.Retry, "complete", func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		out, err = g.client.Complete(ctx, p)
		return err
	})
	return out, err
}
