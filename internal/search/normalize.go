package search

import (
	"regexp"
	"strings"

	"github.com/seanblong/docrag/internal/errs"
)

// Rewrite replaces every match of Pattern in a normalized question.
type Rewrite struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// RewriteRule is the uncompiled form of a Rewrite.
type RewriteRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// CompileRewrites compiles rules in order.
func CompileRewrites(rules []RewriteRule) ([]Rewrite, error) {
	out := make([]Rewrite, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, errs.Config("query rewrite %q: %v", r.Pattern, err)
		}
		out = append(out, Rewrite{Pattern: re, Replacement: r.Replacement})
	}
	return out, nil
}

// Normalize lowercases q, applies rewrites in order and collapses whitespace.
// If the rewrites leave nothing, the trimmed original is returned.
func Normalize(q string, rewrites []Rewrite) string {
	orig := strings.Join(strings.Fields(q), " ")
	out := strings.ToLower(orig)
	for _, r := range rewrites {
		out = r.Pattern.ReplaceAllString(out, r.Replacement)
	}
	out = strings.Join(strings.Fields(out), " ")
	if out == "" {
		return orig
	}
	return out
}
