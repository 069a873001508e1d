package ai

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

const defaultStubDim = 256

// StubClient is an offline implementation of the Client interface. Embeddings
// hash word features into a fixed number of buckets, so texts sharing words
// land close together. Completions quote the first context document.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = defaultStubDim
	}
	return &StubClient{dim: dim}
}

// Embed implements the embedding functionality
func (s *StubClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.embedOne(t)
	}
	return out, nil
}

func (s *StubClient) embedOne(text string) []float32 {
	v := make([]float32, s.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if stubStopwords[w] {
			continue
		}
		if len(w) > 3 {
			w = strings.TrimSuffix(w, "s")
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		v[int(sum>>1)%s.dim] += sign
	}
	return v
}

// Complete implements the completion functionality
func (s *StubClient) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	const marker = "Content: "
	i := strings.Index(p.User, "[Document 1]")
	if i < 0 {
		return "", nil
	}
	rest := p.User[i:]
	j := strings.Index(rest, marker)
	if j < 0 {
		return "", nil
	}
	content := rest[j+len(marker):]
	if k := strings.Index(content, "\n\n"); k >= 0 {
		content = content[:k]
	}
	content = strings.Join(strings.Fields(content), " ")
	if r := []rune(content); len(r) > 400 {
		content = string(r[:400]) + "..."
	}
	return "According to [Document 1]: " + content, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

var stubStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "do": true, "for": true, "from": true,
	"how": true, "i": true, "in": true, "is": true, "it": true, "my": true,
	"of": true, "on": true, "or": true, "the": true, "this": true, "to": true,
	"what": true, "with": true, "you": true, "your": true,
}
