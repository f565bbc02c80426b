// Package content turns cache misses into blog articles using an LLM.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"mozarex-cache/internal/cache"
	"mozarex-cache/internal/llm"
	"mozarex-cache/pkg/logging/logging"
)

// ErrUnusableOutput means the model answered but the answer had no usable
// title or body.
var ErrUnusableOutput = errors.New("unusable model output")

const (
	DefaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.7
	// Rough tokens per word with markdown overhead.
	tokensPerWord = 2
	minMaxTokens  = 1024
)

type Config struct {
	Model       string
	Temperature float32
}

// BlogGenerator implements cache.Generator.
type BlogGenerator struct {
	client llm.Client
	cfg    Config
}

func NewBlogGenerator(client llm.Client, cfg Config) *BlogGenerator {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	return &BlogGenerator{client: client, cfg: cfg}
}

func (g *BlogGenerator) Generate(ctx context.Context, in cache.GenerationInput) (cache.Artifact, error) {
	req := &llm.ChatRequest{
		Model: g.cfg.Model,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: userPrompt(in)},
		},
		Temperature:    g.cfg.Temperature,
		MaxTokens:      max(in.Params.WordCount*tokensPerWord, minMaxTokens),
		ResponseFormat: &llm.ResponseFormat{Type: llm.FormatJSONObject},
	}

	resp, err := g.client.ChatCompletion(ctx, req)
	if err != nil {
		return cache.Artifact{}, err
	}

	art, err := parseArticle(resp.Content())
	if err != nil {
		logging.L(ctx).Warn("unusable model output",
			zap.String("model", g.cfg.Model),
			zap.Int("raw_len", len(resp.Content())),
			zap.Error(err),
		)
		return cache.Artifact{}, err
	}

	art.WordCount = countWords(art.Content)
	report := Score(in.Params, art)
	art.QualityScore = report.Score
	art.QualityGrade = report.Grade
	art.QualityAnalysis = report.Analysis()
	return art, nil
}

const systemPrompt = `You are an experienced SEO content writer.
Write original, well structured blog articles in Markdown.
Respond with a single JSON object with the keys "title", "excerpt" and "content".
"content" holds the full Markdown article with ## headings. Do not wrap the JSON in code fences.`

func userPrompt(in cache.GenerationInput) string {
	p := in.Params

	var b strings.Builder
	fmt.Fprintf(&b, "Write a blog article about %q.\n", p.Topic)
	if p.Domain != "" {
		fmt.Fprintf(&b, "It will be published on %s.\n", p.Domain)
	}
	fmt.Fprintf(&b, "Keywords: %s. Use the first keyword in the title.\n", strings.Join(p.Keywords, ", "))
	if p.TargetAudience != "" {
		fmt.Fprintf(&b, "Target audience: %s.\n", p.TargetAudience)
	}
	if p.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", p.Tone)
	}
	fmt.Fprintf(&b, "Length: about %d words.\n", p.WordCount)
	if p.IncludeImages {
		b.WriteString("Add Markdown image placeholders with descriptive alt text where an image helps.\n")
	}
	if p.SEOOptimized {
		b.WriteString("Optimize for search: a 50-60 character title, a 120-160 character excerpt, keywords in headings.\n")
	}
	if len(in.Exclusions) > 0 {
		b.WriteString("Do not reuse or closely paraphrase these existing titles:\n")
		for _, t := range in.Exclusions {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	return b.String()
}

// parseArticle pulls the article out of the model reply. The reply may be
// fenced or surrounded by prose.
func parseArticle(raw string) (cache.Artifact, error) {
	body := extractJSON(raw)
	if body == "" {
		return cache.Artifact{}, fmt.Errorf("%w: no JSON object in reply", ErrUnusableOutput)
	}

	fields := gjson.GetMany(body, "title", "excerpt", "content", "body")
	art := cache.Artifact{
		Title:   strings.TrimSpace(fields[0].String()),
		Excerpt: strings.TrimSpace(fields[1].String()),
		Content: strings.TrimSpace(fields[2].String()),
	}
	if art.Content == "" {
		art.Content = strings.TrimSpace(fields[3].String())
	}

	if art.Title == "" || art.Content == "" {
		return cache.Artifact{}, fmt.Errorf("%w: missing title or content", ErrUnusableOutput)
	}
	if art.Excerpt == "" {
		art.Excerpt = excerptFrom(art.Content)
	}
	return art, nil
}

func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if gjson.Valid(s) && gjson.Parse(s).IsObject() {
		return s
	}

	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	if s = s[start : end+1]; gjson.Valid(s) {
		return s
	}
	return ""
}

const maxExcerptRunes = 160

// excerptFrom takes the first prose paragraph, cut at a word boundary.
func excerptFrom(markdown string) string {
	for _, para := range paragraphs(markdown) {
		if strings.HasPrefix(para, "#") || strings.HasPrefix(para, "!") {
			continue
		}
		text := strings.Join(strings.Fields(para), " ")
		r := []rune(text)
		if len(r) <= maxExcerptRunes {
			return text
		}
		cut := string(r[:maxExcerptRunes])
		if i := strings.LastIndex(cut, " "); i > 0 {
			cut = cut[:i]
		}
		return cut + "…"
	}
	return ""
}

func paragraphs(markdown string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func countWords(markdown string) int {
	n := 0
	for _, f := range strings.Fields(markdown) {
		if strings.Trim(f, "#*_->`|[]()!") != "" {
			n++
		}
	}
	return n
}
