package search

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/docrag/internal/ai"
)

const expansionPrompt = `Given this user question about product documentation, generate %d alternative phrasings or related queries that would help retrieve relevant documentation.

Original question: "%s"

Requirements:
- Keep queries concise (5-10 words each)
- Focus on different aspects or terminology
- Include technical and non-technical variations
- Don't change the core intent

Return only the %d queries, one per line, without numbering or explanation.`

var listMarker = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s*`)

// expand asks the completion channel for alternative phrasings of q. It
// never fails: any error, including its own timeout, yields no variants and
// false.
func (svc *Service) expand(ctx context.Context, q string) ([]string, bool) {
	ctx, cancel := svc.expansionContext(ctx)
	defer cancel()

	n := svc.opts.ExpansionCount
	out, err := svc.Completer.Complete(ctx, ai.Prompt{
		User:        fmt.Sprintf(expansionPrompt, n, q, n),
		Temperature: 0.3,
		MaxTokens:   150,
	})
	if err != nil {
		log.Warn().Err(err).Msg("query expansion failed, using original question")
		return nil, false
	}
	var variants []string
	for _, v := range ParseExpansions(out, q, n) {
		v = Normalize(v, svc.opts.Rewrites)
		if v != q && !containsFold(variants, v) {
			variants = append(variants, v)
		}
	}
	log.Debug().Strs("variants", variants).Msg("expanded query")
	return variants, true
}

// expansionContext leaves the searches at least half of the request budget.
func (svc *Service) expansionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	budget := svc.opts.ExpansionTimeout
	if dl, ok := ctx.Deadline(); ok {
		half := time.Until(dl) / 2
		if budget <= 0 || half < budget {
			budget = half
		}
		return context.WithTimeout(ctx, budget)
	}
	if budget > 0 {
		return context.WithTimeout(ctx, budget)
	}
	return context.WithCancel(ctx)
}

// ParseExpansions extracts up to n distinct query variants from a completion,
// one per line. List markers and surrounding quotes are stripped; lines
// repeating the original question are dropped.
func ParseExpansions(text, original string, n int) []string {
	var out []string
	seen := []string{original}
	for _, line := range strings.Split(text, "\n") {
		line = listMarker.ReplaceAllString(strings.TrimSpace(line), "")
		line = strings.Trim(line, "\"'` ")
		if line == "" || containsFold(seen, line) {
			continue
		}
		seen = append(seen, line)
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return out
}
