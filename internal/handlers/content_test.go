package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"mozarex-cache/internal/cache"
)

type countingGenerator struct {
	calls int
	err   error
	last  cache.GenerationInput
}

func (g *countingGenerator) Generate(_ context.Context, in cache.GenerationInput) (cache.Artifact, error) {
	g.calls++
	g.last = in
	if g.err != nil {
		return cache.Artifact{}, g.err
	}
	return cache.Artifact{
		Title:   fmt.Sprintf("%s v%d", in.Params.Topic, g.calls),
		Content: "## body\n\ntext",
	}, nil
}

func newTestRouter(t *testing.T, svc ContentService) http.Handler {
	t.Helper()
	h := NewContentHandler(svc)

	r := chi.NewRouter()
	r.Route("/api/blog", func(r chi.Router) {
		r.Get("/latest/{domain}", h.Latest)
		r.Post("/generate", h.Generate)
		r.Post("/regenerate", h.Regenerate)
		r.Get("/cache/stats", h.Stats)
		r.Post("/cache/cleanup", h.Cleanup)
	})
	return r
}

func newServiceRouter(t *testing.T) (http.Handler, *countingGenerator) {
	t.Helper()
	store := cache.NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = store.Close() })
	gen := &countingGenerator{}
	return newTestRouter(t, cache.NewService(store, gen)), gen
}

func do(t *testing.T, h http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeContent(t *testing.T, rr *httptest.ResponseRecorder) contentResponse {
	t.Helper()
	var resp contentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", rr.Body.String(), err)
	}
	return resp
}

const generateBody = `{"domain":"example.com","topic":"Go caching","keywords":"redis, postgres","wordCount":"800"}`

func TestGenerateThenCached(t *testing.T) {
	h, gen := newServiceRouter(t)

	rr := do(t, h, http.MethodPost, "/api/blog/generate", "user-42", generateBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	first := decodeContent(t, rr)
	if first.Cached || !first.Persisted || !first.IsLatest {
		t.Fatalf("unexpected first response %+v", first)
	}
	if gen.last.Params.WordCount != 800 {
		t.Fatalf("expected word count 800, got %d", gen.last.Params.WordCount)
	}

	rr = do(t, h, http.MethodPost, "/api/blog/generate", "user-42", generateBody)
	second := decodeContent(t, rr)
	if !second.Cached || second.ID != first.ID || gen.calls != 1 {
		t.Fatalf("expected cached response, got %+v after %d calls", second, gen.calls)
	}

	rr = do(t, h, http.MethodGet, "/api/blog/latest/example.com", "user-42", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for latest, got %d", rr.Code)
	}
	if latest := decodeContent(t, rr); latest.ID != first.ID {
		t.Fatalf("expected latest %s, got %s", first.ID, latest.ID)
	}

	rr = do(t, h, http.MethodGet, "/api/blog/latest/example.com", "someone-else", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other owner, got %d", rr.Code)
	}
}

func TestGenerateSetAsLatestFalse(t *testing.T) {
	h, _ := newServiceRouter(t)

	body := `{"domain":"example.com","topic":"t","keywords":["k"],"setAsLatest":false}`
	if rr := do(t, h, http.MethodPost, "/api/blog/generate", "u1", body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/api/blog/latest/example.com", "u1", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected no latest, got %d", rr.Code)
	}
}

func TestRegenerateSendsPreviousTitles(t *testing.T) {
	h, gen := newServiceRouter(t)

	first := decodeContent(t, do(t, h, http.MethodPost, "/api/blog/generate", "u1", generateBody))

	body := map[string]any{
		"domain":         "example.com",
		"topic":          "Go caching",
		"keywords":       []string{"postgres", "redis"},
		"wordCount":      800,
		"entryId":        first.ID,
		"previousTitles": []string{first.Title},
	}
	rr := do(t, h, http.MethodPost, "/api/blog/regenerate", "u1", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeContent(t, rr)
	if resp.Cached || resp.ID != first.ID || resp.Title == first.Title {
		t.Fatalf("unexpected regenerate response %+v", resp)
	}
	if len(gen.last.Exclusions) != 1 || gen.last.Exclusions[0] != first.Title {
		t.Fatalf("expected exclusions to reach the generator, got %v", gen.last.Exclusions)
	}
}

func TestEntryIDOfAnotherOwnerDoesNotOverwrite(t *testing.T) {
	h, _ := newServiceRouter(t)

	bob := decodeContent(t, do(t, h, http.MethodPost, "/api/blog/generate", "bob",
		`{"domain":"bob.com","topic":"bob topic","keywords":["k"]}`))

	body := map[string]any{
		"domain":   "alice.com",
		"topic":    "alice topic",
		"keywords": []string{"k"},
		"entryId":  bob.ID,
	}
	for _, path := range []string{"/api/blog/generate", "/api/blog/regenerate"} {
		rr := do(t, h, http.MethodPost, path, "alice", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, rr.Code, rr.Body.String())
		}
		if resp := decodeContent(t, rr); resp.ID == bob.ID {
			t.Fatalf("%s: alice's request reused bob's entry id", path)
		}
	}

	rr := do(t, h, http.MethodGet, "/api/blog/latest/bob.com", "bob", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected bob's latest, got %d", rr.Code)
	}
	if latest := decodeContent(t, rr); latest.ID != bob.ID || latest.Title != bob.Title {
		t.Fatalf("bob's latest changed: %+v", latest)
	}
	if rr := do(t, h, http.MethodGet, "/api/blog/latest/alice.com", "alice", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected alice's own latest, got %d", rr.Code)
	}
}

func TestMalformedEntryIDRejected(t *testing.T) {
	h, gen := newServiceRouter(t)

	first := decodeContent(t, do(t, h, http.MethodPost, "/api/blog/generate", "u1", generateBody))

	body := `{"domain":"example.com","topic":"Go caching","keywords":"redis, postgres","wordCount":"800","entryId":"abc"}`
	if rr := do(t, h, http.MethodPost, "/api/blog/regenerate", "u1", body); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed entryId, got %d", rr.Code)
	}
	if gen.calls != 1 {
		t.Fatalf("expected no generation, got %d calls", gen.calls)
	}

	rr := do(t, h, http.MethodPost, "/api/blog/generate", "u1", generateBody)
	if resp := decodeContent(t, rr); !resp.Cached || resp.ID != first.ID {
		t.Fatalf("expected cached entry to survive, got %+v", resp)
	}
}

func TestErrorMapping(t *testing.T) {
	h, gen := newServiceRouter(t)

	if rr := do(t, h, http.MethodPost, "/api/blog/generate", "", `{"topic":`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/api/blog/generate", "", `{"domain":"a.com","keywords":["k"]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing topic, got %d", rr.Code)
	}

	gen.err = errors.New("model overloaded")
	rr := do(t, h, http.MethodPost, "/api/blog/generate", "", generateBody)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body["error"] == "" {
		t.Fatalf("expected JSON error body, got %q", rr.Body.String())
	}
}

type unavailableService struct{}

func (unavailableService) GetOrGenerate(context.Context, cache.Request, cache.GenerateOptions) (*cache.Result, error) {
	return nil, cache.ErrPersistenceUnavailable
}
func (unavailableService) Regenerate(context.Context, cache.Request, cache.GenerateOptions) (*cache.Result, error) {
	return nil, cache.ErrPersistenceUnavailable
}
func (unavailableService) LatestUserContent(context.Context, string, string) (*cache.Entry, error) {
	return nil, fmt.Errorf("%w: dial tcp", cache.ErrPersistenceUnavailable)
}
func (unavailableService) Stats(context.Context) (cache.Stats, error) {
	return cache.Stats{}, cache.ErrPersistenceUnavailable
}
func (unavailableService) CleanupExpired(context.Context) (int64, error) {
	return 0, cache.ErrPersistenceUnavailable
}

func TestPersistenceUnavailableIs503(t *testing.T) {
	h := newTestRouter(t, unavailableService{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/blog/latest/a.com"},
		{http.MethodGet, "/api/blog/cache/stats"},
		{http.MethodPost, "/api/blog/cache/cleanup"},
	} {
		if rr := do(t, h, tc.method, tc.path, "u1", nil); rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s %s: expected 503, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestStatsAndCleanup(t *testing.T) {
	h, _ := newServiceRouter(t)
	do(t, h, http.MethodPost, "/api/blog/generate", "u1", generateBody)

	rr := do(t, h, http.MethodGet, "/api/blog/cache/stats", "", nil)
	var st cache.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if st.Total != 1 || st.Active != 1 || st.Expired != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}

	rr = do(t, h, http.MethodPost, "/api/blog/cache/cleanup", "", nil)
	var out map[string]int64
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal cleanup: %v", err)
	}
	if out["deleted"] != 0 {
		t.Fatalf("expected nothing deleted, got %d", out["deleted"])
	}
}
