package indexer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/docrag/pkg/models"
)

// jsonDocument is one line of a .jsonl corpus file. Content is accepted as
// an alias of RawText.
type jsonDocument struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Category string `json:"category"`
	RawText  string `json:"raw_text"`
	Content  string `json:"content"`
}

// LoadCorpus walks CorpusDir in lexical order and returns its documents.
// Unreadable files and malformed lines are logged and skipped.
func (ix *Indexer) LoadCorpus(ctx context.Context) ([]models.Document, error) {
	var docs []models.Document
	err := ix.Walker.Walk(ix.CorpusDir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Handle test case where de might be nil (for MockFileSystemWalker)
			if de != nil && de.IsDir() {
				return nil
			}
			if shouldSkip(path) {
				return nil
			}

			b, err := ix.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}
			relPath := rel(ix.CorpusDir, path)
			switch strings.ToLower(filepath.Ext(path)) {
			case ".jsonl":
				docs = append(docs, parseJSONL(relPath, b)...)
			case ".md", ".markdown", ".txt":
				if d, ok := parseText(relPath, string(b)); ok {
					docs = append(docs, d)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func parseJSONL(relPath string, b []byte) []models.Document {
	var docs []models.Document
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var jd jsonDocument
		if err := json.Unmarshal(raw, &jd); err != nil {
			log.Warn().Err(err).Str("path", relPath).Int("line", line).Msg("skipping malformed document")
			continue
		}
		text := jd.RawText
		if text == "" {
			text = jd.Content
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		id := jd.ID
		if id == "" {
			key := jd.URL
			if key == "" {
				key = relPath + "#" + strconv.Itoa(line)
			}
			id = hashContent(key)[:16]
		}
		cat := jd.Category
		if cat == "" {
			cat = InferCategory(jd.URL)
		}
		docs = append(docs, models.Document{ID: id, URL: jd.URL, Title: jd.Title, Category: cat, RawText: text})
	}
	if err := sc.Err(); err != nil {
		log.Warn().Err(err).Str("path", relPath).Msg("failed to scan corpus file")
	}
	return docs
}

// parseText turns a markdown or text file into one document. The title is
// the first "# " heading or the file name.
func parseText(relPath, content string) (models.Document, bool) {
	if strings.TrimSpace(content) == "" {
		return models.Document{}, false
	}
	title := strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath))
	for _, l := range strings.Split(content, "\n") {
		if h, ok := strings.CutPrefix(strings.TrimSpace(l), "# "); ok && strings.TrimSpace(h) != "" {
			title = strings.TrimSpace(h)
			break
		}
	}
	url := filepath.ToSlash(relPath)
	return models.Document{
		ID:       hashContent(url)[:16],
		URL:      url,
		Title:    title,
		Category: InferCategory(url),
		RawText:  content,
	}, true
}

// categoryRules map url substrings to categories; the first match wins.
var categoryRules = []struct {
	needles  []string
	category string
}{
	{[]string{"account-configuration", "billing"}, "Account Configuration"},
	{[]string{"organization"}, "Organizations"},
	{[]string{"blueprint"}, "Blueprints"},
	{[]string{"manage", "website"}, "Website Management"},
	{[]string{"support", "ticket"}, "Support"},
	{[]string{"user-role", "privilege", "privilige"}, "User Management"},
	{[]string{"getting-started", "home"}, "Getting Started"},
}

// InferCategory guesses a documentation category from a page url.
func InferCategory(url string) string {
	u := strings.ToLower(url)
	for _, r := range categoryRules {
		for _, n := range r.needles {
			if strings.Contains(u, n) {
				return r.category
			}
		}
	}
	return "General Documentation"
}

// shouldSkip returns true if the file at path should be skipped.
func shouldSkip(path string) bool {
	p := filepath.ToSlash(strings.ToLower(path))
	for _, dir := range []string{"/.git/", "/node_modules/", "/.cache/", "/__pycache__/"} {
		if strings.Contains(p, dir) {
			return true
		}
	}
	return strings.HasPrefix(filepath.Base(p), ".")
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return r
}
