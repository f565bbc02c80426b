package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"

	"mozarex-cache/internal/cache"
	"mozarex-cache/internal/handlers"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	store := cache.NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = store.Close() })

	gen := cache.GeneratorFunc(func(_ context.Context, in cache.GenerationInput) (cache.Artifact, error) {
		return cache.Artifact{Title: in.Params.Topic, Content: "body"}, nil
	})

	r := chi.NewRouter()
	SetupRouter(r, zaptest.NewLogger(t), handlers.NewContentHandler(cache.NewService(store, gen)), opts)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestRouterHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, Options{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
}

func TestRouterGenerate(t *testing.T) {
	srv := newTestServer(t, Options{})

	body := `{"domain":"a.com","topic":"routing","keywords":["chi"]}`
	resp, err := http.Post(srv.URL+"/api/blog/generate", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /generate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
}

func TestRouterRejectsLargeBodies(t *testing.T) {
	srv := newTestServer(t, Options{MaxBodyBytes: 32})

	body := `{"domain":"a.com","topic":"` + strings.Repeat("x", 64) + `","keywords":["k"]}`
	resp, err := http.Post(srv.URL+"/api/blog/generate", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /generate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	srv := newTestServer(t, Options{})

	resp, err := http.Get(srv.URL + "/api/blog/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
