package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/seanblong/docrag/internal/errs"
)

// RetryPolicy bounds retries of provider calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns three attempts with backoff from 500ms up to 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay << attempt
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, fails permanently or the attempts run out.
// Failures surface as ErrExternalService; an expired context surfaces as
// ErrTimeout.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func(context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return errs.FromContext(cerr)
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return errs.FromContext(cerr)
		}
		if !Transient(err) {
			break
		}
		if attempt == attempts-1 {
			break
		}
		d := p.delay(attempt)
		log.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("backoff", d).Msg("retrying provider call")
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return errs.FromContext(ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrExternalService, op, err)
}

// Transient reports whether err is worth retrying. Rate limits, server errors
// and transport failures are; other client errors are not.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || retryableStatus(reqErr.HTTPStatusCode)
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return retryableStatus(gErr.Code)
	}
	var gErrPtr *genai.APIError
	if errors.As(err, &gErrPtr) {
		return retryableStatus(gErrPtr.Code)
	}
	if errors.Is(err, errs.ErrConfig) || errors.Is(err, errs.ErrInvalidArgument) {
		return false
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
