package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/docrag/internal/ai"
	"github.com/seanblong/docrag/internal/answer"
	"github.com/seanblong/docrag/internal/auth"
	"github.com/seanblong/docrag/internal/cache"
	"github.com/seanblong/docrag/internal/config"
	"github.com/seanblong/docrag/internal/rag"
	"github.com/seanblong/docrag/internal/search"
	"github.com/seanblong/docrag/internal/server"
	"github.com/seanblong/docrag/internal/store"
)

var version = "dev"

func main() {
	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("docrag-api", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	logger.Info().
		Str("provider", cfg.Provider).
		Str("index_backend", cfg.Index.Backend).
		Bool("auth_enabled", cfg.Auth.Enabled).
		Str("version", version).
		Msg("starting docrag api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth.InitializeAuth(cfg.Auth.JwtSecret, cfg.Auth.TokenTTL, cfg.Auth.Enabled)

	client, err := ai.NewClient(ctx, cfg.ClientConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create AI client")
	}
	gw := ai.NewGateway(client, cfg.GatewayConfig())
	logger.Info().Int("embedding_dim", gw.Dim()).Str("embed_model", cfg.EmbedModel).Msg("AI client initialized")

	var expander ai.Completer = gw
	if ec := cfg.ExpansionClientConfig(); ec != nil {
		c, err := ai.NewClient(ctx, ec)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create expansion client")
		}
		expander = ai.NewGateway(c, cfg.GatewayConfig())
		logger.Info().Str("model", cfg.ExpansionModel).Msg("query expansion uses a dedicated model")
	}

	ropts, err := cfg.RetrievalOptions()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid retrieval options")
	}
	retriever, err := search.NewService(gw, expander, search.NewHybridReranker(cfg.Weights()), ropts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create retriever")
	}
	answerer, err := answer.NewService(gw, cfg.AnswerOptions())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create answer service")
	}

	rc := rag.Config{
		Retriever: retriever,
		Answerer:  answerer,
		TopK:      cfg.TopK,
		Timeout:   cfg.RequestTimeout,
	}

	if cfg.Index.Backend == config.BackendPostgres {
		st, err := store.New(ctx, cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer st.Close()
		if err := st.Migrate(ctx, gw.Dim()); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate database")
		}
		rc.Backend = rag.StoreBackend{Store: st}
	} else {
		reader, err := cfg.IndexReader()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open index storage")
		}
		rc.Reader = reader
	}

	if rdb := cache.New(cfg.CacheConfig()); rdb != nil {
		if err := rdb.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("answer cache unreachable, continuing without hits")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close answer cache")
			}
		}()
		rc.Cache, rc.CacheKey = rdb, cache.Key
	}

	orch, err := rag.New(rc)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create pipeline")
	}
	if rc.Reader != nil {
		v, n, err := orch.Reload(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("no index loaded at startup, serving 503 until reload")
		} else {
			logger.Info().Uint64("version", v).Int("vectors", n).Msg("index loaded")
		}
	}

	srv := server.New(orch, server.Options{Version: version, DefaultExpansion: cfg.UseQueryExpansion})
	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.Addr).Msg("api server listening")
		errc <- s.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
}
