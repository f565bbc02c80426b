package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mozarex-cache/internal/cache"
	"mozarex-cache/internal/middleware"
	"mozarex-cache/pkg/logging/logging"
)

// ContentService is the part of cache.Service the HTTP layer needs.
type ContentService interface {
	GetOrGenerate(ctx context.Context, req cache.Request, opts cache.GenerateOptions) (*cache.Result, error)
	Regenerate(ctx context.Context, req cache.Request, opts cache.GenerateOptions) (*cache.Result, error)
	LatestUserContent(ctx context.Context, ownerID, domain string) (*cache.Entry, error)
	Stats(ctx context.Context) (cache.Stats, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

// ContentHandler serves the /api/blog endpoints.
type ContentHandler struct {
	Service ContentService
}

func NewContentHandler(svc ContentService) *ContentHandler {
	return &ContentHandler{Service: svc}
}

type generateRequest struct {
	cache.Request
	// SetAsLatest defaults to true when omitted.
	SetAsLatest    *bool    `json:"setAsLatest"`
	EntryID        string   `json:"entryId"`
	PreviousTitles []string `json:"previousTitles"`
}

func (g generateRequest) options(ownerID string) cache.GenerateOptions {
	latest := true
	if g.SetAsLatest != nil {
		latest = *g.SetAsLatest
	}
	return cache.GenerateOptions{
		OwnerID:    ownerID,
		MakeLatest: latest,
		TargetID:   strings.TrimSpace(g.EntryID),
		Exclusions: g.PreviousTitles,
	}
}

type contentResponse struct {
	ID          string     `json:"id"`
	Domain      string     `json:"domain"`
	Topic       string     `json:"topic"`
	Keywords    []string   `json:"keywords"`
	Title       string     `json:"title"`
	Excerpt     string     `json:"excerpt"`
	Content     string     `json:"content"`
	WordCount   int        `json:"wordCount"`
	SEOScore    int        `json:"seoScore"`
	SEOGrade    string     `json:"seoGrade"`
	SEOAnalysis string     `json:"seoAnalysis"`
	IsLatest    bool       `json:"isLatest"`
	Cached      bool       `json:"cached"`
	Persisted   bool       `json:"persisted"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

func toResponse(e *cache.Entry, cached, persisted bool) contentResponse {
	return contentResponse{
		ID:          e.ID,
		Domain:      e.Domain,
		Topic:       e.Params.Topic,
		Keywords:    e.Params.Keywords,
		Title:       e.Artifact.Title,
		Excerpt:     e.Artifact.Excerpt,
		Content:     e.Artifact.Content,
		WordCount:   e.Artifact.WordCount,
		SEOScore:    e.Artifact.QualityScore,
		SEOGrade:    e.Artifact.QualityGrade,
		SEOAnalysis: e.Artifact.QualityAnalysis,
		IsLatest:    e.IsLatest,
		Cached:      cached,
		Persisted:   persisted,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		ExpiresAt:   e.ExpiresAt,
	}
}

func ownerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(middleware.OwnerHeader))
}

// Generate handles POST /api/blog/generate.
func (h *ContentHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Service.GetOrGenerate(r.Context(), req.Request, req.options(ownerID(r)))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res.Entry, res.Hit, res.Persisted))
}

// Regenerate handles POST /api/blog/regenerate.
func (h *ContentHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Service.Regenerate(r.Context(), req.Request, req.options(ownerID(r)))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res.Entry, false, res.Persisted))
}

// Latest handles GET /api/blog/latest/{domain}.
func (h *ContentHandler) Latest(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	if strings.TrimSpace(domain) == "" {
		writeJSONError(w, http.StatusBadRequest, "domain is required")
		return
	}

	e, err := h.Service.LatestUserContent(r.Context(), ownerID(r), domain)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if e == nil {
		writeJSONError(w, http.StatusNotFound, "no content found")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(e, true, true))
}

// Stats handles GET /api/blog/cache/stats.
func (h *ContentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Cleanup handles POST /api/blog/cache/cleanup.
func (h *ContentHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.CleanupExpired(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	logging.L(r.Context()).Warn("invalid request", zap.Error(err))
	writeJSONError(w, http.StatusBadRequest, "invalid JSON")
	return false
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.L(r.Context())

	switch {
	case errors.Is(err, cache.ErrInvalidParameters):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cache.ErrGenerationFailure):
		logger.Error("generation failed", zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "content generation failed")
	case errors.Is(err, cache.ErrPersistenceUnavailable):
		logger.Error("persistence unavailable", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "cache unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
