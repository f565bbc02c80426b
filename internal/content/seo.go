package content

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"mozarex-cache/internal/cache"
)

// Report is the quality breakdown stored with each artifact.
type Report struct {
	Score int
	Grade string
	Notes []string
}

func (r Report) Analysis() string {
	if len(r.Notes) == 0 {
		return "No issues found."
	}
	return strings.Join(r.Notes, "; ")
}

// Score rates an article against its request. Points:
// title length 15, keyword in title 15, keyword coverage 20, length 20,
// headings 10, excerpt 10, paragraphs 10.
func Score(p cache.Params, a cache.Artifact) Report {
	var (
		score int
		notes []string
	)

	titleLen := utf8.RuneCountInString(a.Title)
	switch {
	case titleLen >= 30 && titleLen <= 60:
		score += 15
	case titleLen >= 20 && titleLen <= 70:
		score += 8
		notes = append(notes, fmt.Sprintf("title is %d characters, aim for 30-60", titleLen))
	default:
		notes = append(notes, fmt.Sprintf("title length %d is far from 30-60", titleLen))
	}

	title := strings.ToLower(a.Title)
	body := strings.ToLower(a.Content)

	if len(p.Keywords) > 0 {
		if strings.Contains(title, p.Keywords[0]) {
			score += 15
		} else {
			notes = append(notes, fmt.Sprintf("primary keyword %q missing from title", p.Keywords[0]))
		}

		found := 0
		var missing []string
		for _, kw := range p.Keywords {
			if strings.Contains(body, kw) {
				found++
			} else {
				missing = append(missing, kw)
			}
		}
		score += 20 * found / len(p.Keywords)
		if len(missing) > 0 {
			notes = append(notes, "keywords not used: "+strings.Join(missing, ", "))
		}
	}

	words := a.WordCount
	if words == 0 {
		words = countWords(a.Content)
	}
	if target := p.WordCount; target > 0 {
		ratio := float64(words) / float64(target)
		switch {
		case ratio >= 0.9 && ratio <= 1.3:
			score += 20
		case ratio >= 0.7 && ratio <= 1.6:
			score += 12
			notes = append(notes, fmt.Sprintf("%d words against a %d word target", words, target))
		default:
			score += 4
			notes = append(notes, fmt.Sprintf("length %d words is far from the %d word target", words, target))
		}
	}

	headings := 0
	for _, line := range strings.Split(a.Content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			headings++
		}
	}
	switch {
	case headings >= 3:
		score += 10
	case headings >= 1:
		score += 5
		notes = append(notes, "add more section headings")
	default:
		notes = append(notes, "no headings")
	}

	excerptLen := utf8.RuneCountInString(a.Excerpt)
	switch {
	case excerptLen >= 120 && excerptLen <= 160:
		score += 10
	case excerptLen > 0:
		score += 5
		notes = append(notes, fmt.Sprintf("excerpt is %d characters, aim for 120-160", excerptLen))
	default:
		notes = append(notes, "missing excerpt")
	}

	switch n := len(paragraphs(a.Content)); {
	case n >= 4:
		score += 10
	case n >= 2:
		score += 5
		notes = append(notes, "break the body into more paragraphs")
	default:
		notes = append(notes, "body is a single block of text")
	}

	score = min(max(score, 0), 100)
	return Report{Score: score, Grade: grade(score), Notes: notes}
}

func grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}
