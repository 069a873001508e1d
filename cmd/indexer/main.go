package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/docrag/internal/ai"
	"github.com/seanblong/docrag/internal/config"
	"github.com/seanblong/docrag/internal/indexer"
	"github.com/seanblong/docrag/internal/store"
)

func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("docrag-indexer", pflag.ExitOnError)
	mirror := fs.Bool("mirror-postgres", false, "Also write the built index to Postgres")
	appendMode := fs.Bool("append", false, "Add new chunks to the persisted index instead of rebuilding it")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("provider", cfg.Provider).Str("corpus", cfg.CorpusDir).Str("backend", cfg.Index.Backend).Msg("starting index build")

	client, err := ai.NewClient(ctx, cfg.ClientConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create AI client")
	}
	gw := ai.NewGateway(client, cfg.GatewayConfig())
	if gw.Dim() == 0 {
		log.Fatal().Msg("embedding dimension must be set")
	}

	writer, err := cfg.IndexWriter()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open index storage")
	}

	ix, err := indexer.New(cfg.CorpusDir, gw, writer, cfg.IndexerOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create indexer")
	}

	if *appendMode {
		base, err := cfg.IndexReader()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open persisted index")
		}
		if base == nil {
			log.Fatal().Str("backend", cfg.Index.Backend).Msg("append needs a backend with persisted artifacts")
		}
		ix.Base = base
	}

	if cfg.Index.Backend == config.BackendPostgres || *mirror {
		st, err := store.New(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer st.Close()
		ix.Store = st
	}

	built, err := ix.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("index build failed")
	}
	log.Info().Str("build_id", built.BuildID()).Int("vectors", built.Len()).Msg("index build complete")
}
