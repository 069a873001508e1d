// Package answer synthesizes a cited answer from ranked chunks with a single
// completion call.
package answer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/docrag/internal/ai"
	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/pkg/models"
)

// DefaultNotFoundMessage is returned when nothing relevant was retrieved.
const DefaultNotFoundMessage = "I couldn't find this information in the documentation."

const systemPrompt = `You are a documentation assistant.

Your role:
- Answer questions using ONLY the provided documentation context
- Be precise, helpful, and conversational
- Provide step-by-step instructions when explaining processes
- If the documentation describes a concept with different terminology than the user, answer based on the documentation and mention the terminology
- If information is partially covered, answer what you can and state what is missing
- If the documentation does not cover the topic at all, reply with exactly this message, translated into the language of the question: "%s"

Formatting:
- Use markdown, bullet points for steps, and code blocks when relevant
- Refer to the documents you used as [Document N]

Base your answer ONLY on the provided context. Do not use external knowledge.`

const userPrompt = `User Question: %s

Documentation Context:

%s

Answer the question using only the documentation context above.`

// Options configures the Answerer.
type Options struct {
	MaxContextChars int
	MaxSources      int
	Temperature     float32
	MaxTokens       int
	NotFoundMessage string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxContextChars: 12000,
		MaxSources:      5,
		Temperature:     0.1,
		MaxTokens:       1000,
		NotFoundMessage: DefaultNotFoundMessage,
	}
}

// Service answers questions from ranked results.
type Service struct {
	Completer ai.Completer
	opts      Options
}

// NewService validates opts and returns an Answerer.
func NewService(c ai.Completer, opts Options) (*Service, error) {
	if opts.MaxContextChars <= 0 {
		return nil, errs.Config("max context chars must be positive, got %d", opts.MaxContextChars)
	}
	if opts.MaxSources <= 0 {
		return nil, errs.Config("max sources must be positive, got %d", opts.MaxSources)
	}
	if strings.TrimSpace(opts.NotFoundMessage) == "" {
		opts.NotFoundMessage = DefaultNotFoundMessage
	}
	return &Service{Completer: c, opts: opts}, nil
}

// Overrides adjusts a single answer. Nil fields keep the service options.
type Overrides struct {
	Temperature *float32
}

// MaxTemperature bounds a per-request temperature.
const MaxTemperature = 2

// ValidateTemperature rejects temperatures outside [0, MaxTemperature].
func ValidateTemperature(t float32) error {
	if math.IsNaN(float64(t)) || t < 0 || t > MaxTemperature {
		return errs.InvalidArgument("temperature must be between 0 and %d, got %v", MaxTemperature, t)
	}
	return nil
}

// Answer builds a grounded prompt from set and asks the completion service
// once. A failed completion yields ErrServiceUnavailable, or ErrTimeout when
// the deadline passed.
func (s *Service) Answer(ctx context.Context, question string, set models.RankedResultSet) (models.AnswerResult, error) {
	return s.AnswerWith(ctx, question, set, Overrides{})
}

// AnswerWith is Answer with per-request overrides.
func (s *Service) AnswerWith(ctx context.Context, question string, set models.RankedResultSet, o Overrides) (models.AnswerResult, error) {
	temperature := s.opts.Temperature
	if o.Temperature != nil {
		if err := ValidateTemperature(*o.Temperature); err != nil {
			return models.AnswerResult{}, err
		}
		temperature = *o.Temperature
	}
	res := models.AnswerResult{
		Sources: []models.Source{},
		Metadata: models.AnswerMetadata{
			ChunksRetrieved: len(set.Results),
			Confidence:      set.Confidence,
			TopScore:        set.TopScore,
			QueryExpanded:   set.Expanded,
		},
	}
	if len(set.Results) == 0 {
		res.Answer = s.opts.NotFoundMessage
		res.Metadata.Confidence = models.ConfidenceLow
		return res, nil
	}

	block, used := BuildContext(set.Results, s.opts.MaxContextChars)
	if len(used) == 0 {
		res.Answer = s.opts.NotFoundMessage
		return res, nil
	}
	out, err := s.Completer.Complete(ctx, ai.Prompt{
		System:      fmt.Sprintf(systemPrompt, s.opts.NotFoundMessage),
		User:        fmt.Sprintf(userPrompt, strings.TrimSpace(question), block),
		Temperature: temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, errs.ErrTimeout) {
			return models.AnswerResult{}, err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.AnswerResult{}, errs.FromContext(ctx.Err())
		}
		log.Error().Err(err).Msg("answer completion failed")
		return models.AnswerResult{}, fmt.Errorf("%w: %v", errs.ErrServiceUnavailable, err)
	}
	if strings.TrimSpace(out) == "" {
		return models.AnswerResult{}, fmt.Errorf("%w: empty completion", errs.ErrServiceUnavailable)
	}

	res.Answer = out
	res.Sources = Sources(used, s.opts.MaxSources)
	return res, nil
}

// BuildContext formats results in rank order as numbered documents until
// maxChars runes are used. A result's neighbour context is used when it fits,
// otherwise its own chunk text. Results repeating the url of an earlier one
// are skipped. The first document is truncated if it alone exceeds the
// limit; later ones that do not fit are left out. It returns the block and
// the results it includes.
func BuildContext(results []models.RerankedResult, maxChars int) (string, []models.RerankedResult) {
	var b strings.Builder
	used := 0
	var included []models.RerankedResult
	seen := map[string]struct{}{}
	for _, r := range results {
		if r.Meta.URL != "" {
			if _, dup := seen[r.Meta.URL]; dup {
				continue
			}
		}
		n := len(included) + 1
		sep := ""
		if n > 1 {
			sep = "\n\n"
		}
		header := fmt.Sprintf("%s[Document %d]\nTitle: %s\nCategory: %s\nURL: %s\nContent: ",
			sep, n, orDefault(r.Meta.Title, "Untitled"), orDefault(r.Meta.Category, "General"), r.Meta.URL)
		hl := len([]rune(header))
		text := []rune(strings.TrimSpace(r.Meta.Text))
		if ctxText := []rune(strings.TrimSpace(r.ContextText)); len(ctxText) > 0 && used+hl+len(ctxText) <= maxChars {
			text = ctxText
		}
		if used+hl+len(text) > maxChars {
			if n > 1 {
				break
			}
			room := maxChars - hl
			if room <= 0 {
				break
			}
			text = text[:room]
		}
		b.WriteString(header)
		b.WriteString(string(text))
		used += hl + len(text)
		included = append(included, r)
		if r.Meta.URL != "" {
			seen[r.Meta.URL] = struct{}{}
		}
	}
	return b.String(), included
}

// Sources lists the pages behind results, deduplicated by url in first-seen
// order and capped at limit.
func Sources(results []models.RerankedResult, limit int) []models.Source {
	out := []models.Source{}
	seen := map[string]struct{}{}
	for _, r := range results {
		if len(out) == limit {
			break
		}
		url := r.Meta.URL
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, models.Source{
			Title:    orDefault(r.Meta.Title, "Untitled"),
			URL:      url,
			Category: orDefault(r.Meta.Category, "General"),
		})
	}
	return out
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
