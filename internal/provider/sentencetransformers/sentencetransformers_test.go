package sentencetransformers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/weavink/embedgate/internal/json"
	"github.com/weavink/embedgate/internal/provider"
)

// newEmbeddingsStub serves an OpenAI-compatible /v1/embeddings endpoint that
// returns one dim-length vector per input and records request bodies.
func newEmbeddingsStub(t *testing.T, dim int, bodies *[]map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if bodies != nil {
			*bodies = append(*bodies, req)
		}

		var inputs []any
		switch in := req["input"].(type) {
		case string:
			inputs = []any{in}
		case []any:
			inputs = in
		}

		data := make([]map[string]any, len(inputs))
		for i := range inputs {
			vec := make([]float64, dim)
			vec[0] = float64(i) + 0.5
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": vec}
		}
		resp := map[string]any{
			"object": "list",
			"data":   data,
			"model":  req["model"],
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		}
		w.Header().Set("Content-Type", "application/json")
		out, _ := json.Marshal(resp)
		_, _ = w.Write(out)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoadProbesAndLearnsDimension(t *testing.T) {
	srv := newEmbeddingsStub(t, 1024, nil)

	p := New(srv.URL)
	key := provider.ModelKey{
		Method:     provider.MethodSentenceTransformers,
		Model:      "BAAI/bge-m3",
		Capability: provider.CapabilityEmbedding,
	}
	m, err := p.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Dimension() != 1024 {
		t.Errorf("Dimension() = %d, want 1024", m.Dimension())
	}
}

func TestLoadRejectsReranking(t *testing.T) {
	p := New("http://127.0.0.1:1")
	key := provider.ModelKey{
		Method:     provider.MethodSentenceTransformers,
		Model:      "BAAI/bge-reranker-base",
		Capability: provider.CapabilityReranking,
	}
	if _, err := p.Load(context.Background(), key); err != provider.ErrCapabilityUnsupported {
		t.Errorf("Load with reranking capability: err = %v, want ErrCapabilityUnsupported", err)
	}
}

func TestEmbedBatchOrder(t *testing.T) {
	srv := newEmbeddingsStub(t, 4, nil)

	p := New(srv.URL)
	key := provider.ModelKey{
		Method:     provider.MethodSentenceTransformers,
		Model:      "intfloat/multilingual-e5-large",
		Capability: provider.CapabilityEmbedding,
	}
	m, err := p.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	vecs, err := m.EmbedBatch(context.Background(), []string{"a", "b", "c"}, provider.EmbedOptions{})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	for i, vec := range vecs {
		if len(vec) != 4 {
			t.Errorf("vector %d has dimension %d, want 4", i, len(vec))
		}
		if vec[0] != float32(i)+0.5 {
			t.Errorf("vector %d out of input order: first element %v", i, vec[0])
		}
	}
}

func TestExtraFieldsForwarded(t *testing.T) {
	var bodies []map[string]any
	srv := newEmbeddingsStub(t, 8, &bodies)

	p := New(srv.URL)
	key := provider.ModelKey{
		Method:          provider.MethodSentenceTransformers,
		Model:           "jinaai/jina-embeddings-v3",
		Capability:      provider.CapabilityEmbedding,
		TrustRemoteCode: true,
	}
	m, err := p.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, err := m.Embed(context.Background(), "hello", provider.EmbedOptions{PromptName: "retrieval.query"}); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	last := bodies[len(bodies)-1]
	if v, ok := last["trust_remote_code"].(bool); !ok || !v {
		t.Errorf("trust_remote_code not forwarded: %v", last)
	}
	if v, _ := last["prompt_name"].(string); v != "retrieval.query" {
		t.Errorf("prompt_name not forwarded: %v", last)
	}
}
