package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/docrag/internal/auth"
	"github.com/seanblong/docrag/internal/config"
)

// token prints a signed API token for the configured secret.
func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("docrag-token", pflag.ExitOnError)
	subject := fs.String("subject", "", "Caller the token is issued to (required)")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage

	if cfg.Auth.JwtSecret == "" {
		log.Fatal().Msg("DOCRAG_AUTH_JWT_SECRET must be set to issue tokens")
	}
	auth.InitializeAuth(cfg.Auth.JwtSecret, cfg.Auth.TokenTTL, true)

	tok, err := auth.GenerateJWT(*subject)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to issue token")
	}
	fmt.Println(tok)
}
