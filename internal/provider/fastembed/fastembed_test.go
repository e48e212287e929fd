package fastembed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/weavink/embedgate/internal/provider"
)

func embedKey(model string) provider.ModelKey {
	return provider.ModelKey{
		Method:     provider.MethodFastEmbed,
		Model:      model,
		Capability: provider.CapabilityEmbedding,
	}
}

func newRuntimeStub(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for path, h := range handlers {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoad(t *testing.T) {
	srv := newRuntimeStub(t, map[string]http.HandlerFunc{
		"/warmup": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"fastembed:BAAI/bge-small-en-v1.5": {"success": true, "load_time_ms": 812.4}}`))
		},
	})

	p := New(srv.URL)
	m, err := p.Load(context.Background(), embedKey("BAAI/bge-small-en-v1.5"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Key().Model != "BAAI/bge-small-en-v1.5" {
		t.Errorf("unexpected model key: %v", m.Key())
	}
}

func TestLoadRuntimeFailure(t *testing.T) {
	srv := newRuntimeStub(t, map[string]http.HandlerFunc{
		"/warmup": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"fastembed:BAAI/bge-m3": {"success": false, "error": "Fastembed does not support BAAI/bge-m3"}}`))
		},
	})

	p := New(srv.URL)
	_, err := p.Load(context.Background(), embedKey("BAAI/bge-m3"))
	if err == nil {
		t.Fatal("Load should fail when the runtime reports failure")
	}
}

func TestEmbed(t *testing.T) {
	srv := newRuntimeStub(t, map[string]http.HandlerFunc{
		"/warmup": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"fastembed:BAAI/bge-small-en-v1.5": {"success": true}}`))
		},
		"/embed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"embedding": [0.1, 0.2, 0.3], "dimension": 3, "latency_ms": 4.2}`))
		},
	})

	p := New(srv.URL)
	m, err := p.Load(context.Background(), embedKey("BAAI/bge-small-en-v1.5"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	vec, err := m.Embed(context.Background(), "hello", provider.EmbedOptions{})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3-dim vector, got %d", len(vec))
	}
	if m.Dimension() != 3 {
		t.Errorf("Dimension() = %d after embed, want 3", m.Dimension())
	}
}

func TestEmbedBatchLengthMismatch(t *testing.T) {
	srv := newRuntimeStub(t, map[string]http.HandlerFunc{
		"/warmup": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"fastembed:BAAI/bge-small-en-v1.5": {"success": true}}`))
		},
		"/embed/batch": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"embeddings": [[0.1, 0.2]], "count": 1}`))
		},
	})

	p := New(srv.URL)
	m, err := p.Load(context.Background(), embedKey("BAAI/bge-small-en-v1.5"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, err := m.EmbedBatch(context.Background(), []string{"a", "b"}, provider.EmbedOptions{}); err == nil {
		t.Error("EmbedBatch should fail when the runtime returns fewer vectors than inputs")
	}
}

func TestRerankScoresInInputOrder(t *testing.T) {
	srv := newRuntimeStub(t, map[string]http.HandlerFunc{
		"/warmup": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"fastembed:BAAI/bge-reranker-base": {"success": true}}`))
		},
		"/rerank": func(w http.ResponseWriter, r *http.Request) {
			// Runtime responds sorted by score with original indices.
			_, _ = w.Write([]byte(`{"results": [
				{"index": 2, "score": 0.9, "document": "c"},
				{"index": 0, "score": 0.5, "document": "a"},
				{"index": 1, "score": 0.1, "document": "b"}
			], "count": 3}`))
		},
	})

	p := New(srv.URL)
	key := provider.ModelKey{Method: provider.MethodFastEmbed, Model: "BAAI/bge-reranker-base", Capability: provider.CapabilityReranking}
	m, err := p.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	scores, err := m.Rerank(context.Background(), "q", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Rerank failed: %v", err)
	}
	want := []float64{0.5, 0.1, 0.9}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("scores[%d] = %v, want %v", i, scores[i], want[i])
		}
	}
}

func TestCapabilityMismatch(t *testing.T) {
	srv := newRuntimeStub(t, map[string]http.HandlerFunc{
		"/warmup": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"fastembed:BAAI/bge-small-en-v1.5": {"success": true}}`))
		},
	})

	p := New(srv.URL)
	m, err := p.Load(context.Background(), embedKey("BAAI/bge-small-en-v1.5"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, err := m.Rerank(context.Background(), "q", []string{"a"}); err != provider.ErrCapabilityUnsupported {
		t.Errorf("Rerank on embedding handle: err = %v, want ErrCapabilityUnsupported", err)
	}
}

func TestRuntimeErrorBody(t *testing.T) {
	srv := newRuntimeStub(t, map[string]http.HandlerFunc{
		"/warmup": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": "onnx session exploded"}`))
		},
	})

	p := New(srv.URL)
	_, err := p.Load(context.Background(), embedKey("BAAI/bge-small-en-v1.5"))
	if err == nil {
		t.Fatal("Load should surface runtime HTTP errors")
	}
}
