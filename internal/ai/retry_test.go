package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/seanblong/docrag/internal/errs"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for attempt, w := range want {
		if got := p.delay(attempt); got != w {
			t.Errorf("delay(%d) = %v, want %v", attempt, got, w)
		}
	}
	if got := p.delay(100); got != 8*time.Second {
		t.Errorf("delay(100) = %v, want cap", got)
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, true},
		{"server error", fmt.Errorf("wrap: %w", &openai.APIError{HTTPStatusCode: 502}), true},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, false},
		{"transport failure", &openai.RequestError{Err: errors.New("eof")}, true},
		{"request 404", &openai.RequestError{HTTPStatusCode: 404}, false},
		{"gemini quota", genai.APIError{Code: 429}, true},
		{"gemini bad request", fmt.Errorf("x: %w", genai.APIError{Code: 400}), false},
		{"config", errs.Config("bad"), false},
		{"unknown", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.want {
				t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetry_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := Retry(ctx, fastRetry, "op", func(context.Context) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Errorf("Expected no call and an error, got called=%v err=%v", called, err)
	}
}
