package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/docrag/internal/errs"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const PrincipalContextKey ContextKey = "principal"

// Principal is the caller an API token was issued to.
type Principal struct {
	Subject string `json:"subject"`
}

type Claims struct {
	jwt.RegisteredClaims
}

var (
	authConfig *AuthConfig
)

type AuthConfig struct {
	JwtSecret []byte
	TokenTTL  time.Duration
	Enabled   bool
}

const issuer = "docrag"

// InitializeAuth sets up the auth configuration. A non-positive ttl means
// tokens are valid for 24 hours.
func InitializeAuth(jwtSecret string, ttl time.Duration, enabled bool) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	authConfig = &AuthConfig{
		JwtSecret: []byte(jwtSecret),
		TokenTTL:  ttl,
		Enabled:   enabled,
	}
}

// IsAuthEnabled returns whether authentication is enabled
func IsAuthEnabled() bool {
	if authConfig == nil {
		return false
	}
	return authConfig.Enabled
}

// GenerateJWT issues an API token for subject.
func GenerateJWT(subject string) (string, error) {
	if authConfig == nil {
		return "", errors.New("auth not initialized")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errs.InvalidArgument("token subject is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(authConfig.TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(authConfig.JwtSecret)
}

// ValidateJWT validates and parses an API token. Every failure wraps
// errs.ErrUnauthorized.
func ValidateJWT(tokenString string) (*Principal, error) {
	if authConfig == nil {
		return nil, errors.New("auth not initialized")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return authConfig.JwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Subject != "" {
		return &Principal{Subject: claims.Subject}, nil
	}

	return nil, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
}

// OptionalAuthMiddleware extracts and validates JWT from request if auth is enabled
// If auth is disabled, it allows all requests through
func OptionalAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !IsAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		var tokenString string
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		} else if cookie, err := r.Cookie("auth_token"); err == nil {
			tokenString = cookie.Value
		}

		if tokenString == "" {
			unauthorized(w, "Authentication required")
			return
		}

		p, err := ValidateJWT(tokenString)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected api token")
			unauthorized(w, "Invalid authentication token")
			return
		}

		ctx := context.WithValue(r.Context(), PrincipalContextKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="docrag"`)
	w.WriteHeader(errs.HTTPStatus(errs.ErrUnauthorized))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// GetPrincipalFromContext extracts the caller from request context
func GetPrincipalFromContext(r *http.Request) *Principal {
	if p, ok := r.Context().Value(PrincipalContextKey).(*Principal); ok {
		return p
	}
	return nil
}
