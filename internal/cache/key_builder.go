package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// DefaultWordCount is used when a request carries no usable word count.
const DefaultWordCount = 500

const keywordDelimiter = ","

// Keywords accepts either a JSON array of strings or a single comma
// delimited string.
type Keywords []string

func (k *Keywords) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*k = nil
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = SplitKeywords(s)
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*k = list
	return nil
}

// SplitKeywords splits a delimited keyword string, dropping empty parts.
func SplitKeywords(s string) []string {
	parts := strings.Split(s, keywordDelimiter)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FlexInt decodes numbers and numeric strings. Anything else leaves it unset.
type FlexInt struct {
	Value int
	Set   bool
}

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	*f = FlexInt{}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		*f = FlexInt{Value: int(v), Set: true}
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*f = FlexInt{Value: int(n), Set: true}
		}
	}
	return nil
}

func (f FlexInt) MarshalJSON() ([]byte, error) {
	if !f.Set {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(f.Value)), nil
}

// IntValue wraps n as a set FlexInt.
func IntValue(n int) FlexInt { return FlexInt{Value: n, Set: true} }

// FlexBool decodes booleans, "true"/"false" strings and 1/0.
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		*b = false
		return nil
	}
	switch v := raw.(type) {
	case bool:
		*b = FlexBool(v)
	case float64:
		*b = v != 0
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		*b = FlexBool(err == nil && parsed)
	default:
		*b = false
	}
	return nil
}

// Request is the loosely typed generation request as it arrives from callers.
type Request struct {
	Domain         string   `json:"domain"`
	Topic          string   `json:"topic"`
	Keywords       Keywords `json:"keywords"`
	TargetAudience string   `json:"targetAudience"`
	Tone           string   `json:"tone"`
	WordCount      FlexInt  `json:"wordCount"`
	IncludeImages  FlexBool `json:"includeImages"`
	SEOOptimized   FlexBool `json:"seoOptimized"`
}

// Params is the canonical form of a Request. Field order is the hashing order.
type Params struct {
	Domain         string   `json:"domain"`
	Topic          string   `json:"topic" validate:"required"`
	Keywords       []string `json:"keywords" validate:"required,min=1,dive,required"`
	TargetAudience string   `json:"targetAudience"`
	Tone           string   `json:"tone"`
	WordCount      int      `json:"wordCount" validate:"gt=0"`
	IncludeImages  bool     `json:"includeImages"`
	SEOOptimized   bool     `json:"seoOptimized"`
}

// Normalize maps a request to its canonical parameters.
func Normalize(req Request) Params {
	wordCount := DefaultWordCount
	if req.WordCount.Set && req.WordCount.Value > 0 {
		wordCount = req.WordCount.Value
	}

	return Params{
		Domain:         normalizeString(req.Domain),
		Topic:          normalizeString(req.Topic),
		Keywords:       normalizeKeywords(req.Keywords),
		TargetAudience: normalizeString(req.TargetAudience),
		Tone:           normalizeString(req.Tone),
		WordCount:      wordCount,
		IncludeImages:  bool(req.IncludeImages),
		SEOOptimized:   bool(req.SEOOptimized),
	}
}

func normalizeString(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeKeywords keeps repeated keywords; only order is canonical.
func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if kw = normalizeString(kw); kw != "" {
			out = append(out, kw)
		}
	}
	sort.Strings(out)
	return out
}

// fingerprintRecord is what gets hashed. Keywords are joined so the digest
// does not depend on slice encoding details.
type fingerprintRecord struct {
	Owner          string `json:"owner"`
	Domain         string `json:"domain"`
	Topic          string `json:"topic"`
	Keywords       string `json:"keywords"`
	TargetAudience string `json:"targetAudience"`
	Tone           string `json:"tone"`
	WordCount      int    `json:"wordCount"`
	IncludeImages  bool   `json:"includeImages"`
	SEOOptimized   bool   `json:"seoOptimized"`
}

// Fingerprint returns the sha256 hex digest of the canonical JSON form of
// the owner and normalized params.
func Fingerprint(ownerID string, p Params) string {
	rec := fingerprintRecord{
		Owner:          strings.TrimSpace(ownerID),
		Domain:         p.Domain,
		Topic:          p.Topic,
		Keywords:       strings.Join(p.Keywords, keywordDelimiter),
		TargetAudience: p.TargetAudience,
		Tone:           p.Tone,
		WordCount:      p.WordCount,
		IncludeImages:  p.IncludeImages,
		SEOOptimized:   p.SEOOptimized,
	}

	// Struct encoding with string/int/bool fields cannot fail.
	body, _ := json.Marshal(rec)

	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// BuildFingerprint normalizes req and fingerprints it for ownerID.
func BuildFingerprint(ownerID string, req Request) (string, Params) {
	p := Normalize(req)
	return Fingerprint(ownerID, p), p
}
