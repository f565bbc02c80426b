package cache

import (
	"time"

	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

// Artifact is the generated payload. The cache never inspects it beyond
// these fields.
type Artifact struct {
	Title           string `json:"title"`
	Excerpt         string `json:"excerpt"`
	Content         string `json:"content"`
	WordCount       int    `json:"wordCount"`
	QualityScore    int    `json:"qualityScore"`
	QualityGrade    string `json:"qualityGrade"`
	QualityAnalysis string `json:"qualityAnalysis"`
}

// Entry is one cached artifact row.
type Entry struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId,omitempty"` // empty for anonymous requests
	Domain      string     `json:"domain"`
	Fingerprint string     `json:"fingerprint"`
	Params      Params     `json:"parameters"`
	Artifact    Artifact   `json:"artifact"`
	IsLatest    bool       `json:"isLatest"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"` // nil never expires
}

// Valid reports whether the entry is usable at now.
func (e *Entry) Valid(now time.Time) bool {
	if e == nil {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Params.Keywords = append([]string(nil), e.Params.Keywords...)
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Summary is the lightweight row shape produced by scans.
type Summary struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

func (s Summary) expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// Stats is computed at call time from a full scan.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}
