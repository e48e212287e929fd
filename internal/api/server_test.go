package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/weavink/embedgate/internal/config"
	"github.com/weavink/embedgate/internal/dispatcher"
	"github.com/weavink/embedgate/internal/modelcache"
	"github.com/weavink/embedgate/internal/provider"
	"github.com/weavink/embedgate/internal/provider/mock"
	"github.com/weavink/embedgate/internal/registry"
	"github.com/weavink/embedgate/internal/usage"
)

var errTest = errors.New("runtime unavailable")

func newTestServer(t *testing.T, cfg *config.Config, fe *mock.Provider) *Server {
	t.Helper()
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if fe == nil {
		fe = &mock.Provider{ModelTemplate: mock.Model{
			DimensionValue: 1024,
			EmbedResult:    make([]float32, 1024),
		}}
	}
	providers := map[string]provider.Provider{provider.MethodFastEmbed: fe}
	tracker := usage.NewTracker(nil)
	d := dispatcher.New(registry.New(), modelcache.New(cfg.LoadTimeout()), providers,
		dispatcher.WithDefaults(cfg.DefaultMethod, cfg.DefaultModel),
		dispatcher.WithUsageTracker(tracker),
	)
	return NewServer(cfg, d, tracker)
}

func doJSON(t *testing.T, s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestEmbedEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodPost, "/embed",
		`{"method":"fastembed","model":"intfloat/multilingual-e5-large","text":"hello"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if gjson.Get(body, "dimension").Int() != 1024 {
		t.Errorf("dimension = %v, want 1024", gjson.Get(body, "dimension").Int())
	}
	if len(gjson.Get(body, "embedding").Array()) != 1024 {
		t.Errorf("embedding length = %d, want 1024", len(gjson.Get(body, "embedding").Array()))
	}
	if !gjson.Get(body, "latency_ms").Exists() {
		t.Error("latency_ms missing from response")
	}
}

func TestEmbedMissingFields(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodPost, "/embed", `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if msg := gjson.Get(w.Body.String(), "error").String(); !strings.Contains(msg, "Missing required fields") {
		t.Errorf("unexpected error message: %q", msg)
	}
}

func TestEmbedUnsupportedModel(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodPost, "/embed",
		`{"method":"fastembed","model":"BAAI/bge-m3","text":"hi"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsupported model: status = %d, want 400", w.Code)
	}
}

func TestEmbedLoadFailure(t *testing.T) {
	fe := &mock.Provider{LoadErr: errTest}
	s := newTestServer(t, nil, fe)

	w := doJSON(t, s, http.MethodPost, "/embed",
		`{"method":"fastembed","model":"intfloat/multilingual-e5-large","text":"hi"}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("load failure: status = %d, want 500", w.Code)
	}
}

func TestEmbedBatchEndpoint(t *testing.T) {
	fe := &mock.Provider{ModelTemplate: mock.Model{
		EmbedBatchResult: [][]float32{{1, 2}, {3, 4}},
	}}
	s := newTestServer(t, nil, fe)

	w := doJSON(t, s, http.MethodPost, "/embed/batch",
		`{"method":"fastembed","model":"BAAI/bge-small-en-v1.5","texts":["a","b"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if gjson.Get(body, "count").Int() != 2 {
		t.Errorf("count = %v, want 2", gjson.Get(body, "count").Int())
	}
	if gjson.Get(body, "dimension").Int() != 2 {
		t.Errorf("dimension = %v, want 2", gjson.Get(body, "dimension").Int())
	}
}

func TestRerankEndpoint(t *testing.T) {
	fe := &mock.Provider{ModelTemplate: mock.Model{
		RerankScores: []float64{0.2, 0.9, 0.5},
	}}
	s := newTestServer(t, nil, fe)

	w := doJSON(t, s, http.MethodPost, "/rerank",
		`{"query":"q","documents":["a","b","c"],"top_n":2}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	results := gjson.Get(body, "results").Array()
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Get("index").Int() != 1 || results[0].Get("document").String() != "b" {
		t.Errorf("top result wrong: %s", results[0].Raw)
	}
	if results[0].Get("score").Float() < results[1].Get("score").Float() {
		t.Error("results not sorted by score descending")
	}
}

func TestWarmupEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodPost, "/warmup",
		`{"models":[{"method":"fastembed","model":"intfloat/multilingual-e5-large"},{"method":"fastembed","model":"BAAI/bge-m3"}]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	good := gjson.Get(body, gjson.Escape("fastembed:intfloat/multilingual-e5-large"))
	if !good.Get("success").Bool() {
		t.Errorf("supported model should warm up: %s", good.Raw)
	}
	bad := gjson.Get(body, gjson.Escape("fastembed:BAAI/bge-m3"))
	if bad.Get("success").Bool() || bad.Get("error").String() == "" {
		t.Errorf("unsupported model should report an error: %s", bad.Raw)
	}
}

func TestWarmupEmptyBody(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodPost, "/warmup", `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty warmup: status = %d, want 400", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	// Load one model, then health must list it without inference.
	_ = doJSON(t, s, http.MethodPost, "/embed",
		`{"method":"fastembed","model":"BAAI/bge-small-en-v1.5","text":"hi"}`, nil)

	w := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if gjson.Get(body, "status").String() != "ok" {
		t.Errorf("health status = %q, want ok", gjson.Get(body, "status").String())
	}
	loaded := gjson.Get(body, "loaded.fastembed").Array()
	if len(loaded) != 1 || loaded[0].String() != "fastembed:BAAI/bge-small-en-v1.5" {
		t.Errorf("unexpected loaded list: %v", loaded)
	}
	if len(gjson.Get(body, "fastembed_supported").Array()) != 7 {
		t.Errorf("expected 7 supported models, got %s", gjson.Get(body, "fastembed_supported").Raw)
	}
}

func TestReadyEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodGet, "/ready", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gjson.Get(w.Body.String(), "dimension").Int() != 1024 {
		t.Errorf("ready dimension = %v, want 1024", gjson.Get(w.Body.String(), "dimension").Int())
	}
}

func TestReadyFailsWhenDefaultModelCannotLoad(t *testing.T) {
	fe := &mock.Provider{LoadErr: errTest}
	s := newTestServer(t, nil, fe)

	w := doJSON(t, s, http.MethodGet, "/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if gjson.Get(w.Body.String(), "status").String() != "error" {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestLiveEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodGet, "/live", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gjson.Get(w.Body.String(), "status").String() != "alive" {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.APIKeys = []string{"sk-secret"}
	s := newTestServer(t, cfg, nil)

	body := `{"method":"fastembed","model":"intfloat/multilingual-e5-large","text":"hi"}`

	w := doJSON(t, s, http.MethodPost, "/embed", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/embed", body, map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/embed", body, map[string]string{"Authorization": "Bearer sk-secret"})
	if w.Code != http.StatusOK {
		t.Errorf("bearer key: status = %d, want 200", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/embed", body, map[string]string{"X-Api-Key": "sk-secret"})
	if w.Code != http.StatusOK {
		t.Errorf("header key: status = %d, want 200", w.Code)
	}

	// Probes stay open.
	w = doJSON(t, s, http.MethodGet, "/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("live with auth enabled: status = %d, want 200", w.Code)
	}
}

func TestUpdateConfigAppliesAPIKeys(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.APIKeys = []string{"sk-old"}
	s := newTestServer(t, cfg, nil)

	body := `{"method":"fastembed","model":"intfloat/multilingual-e5-large","text":"hi"}`

	w := doJSON(t, s, http.MethodPost, "/embed", body, map[string]string{"Authorization": "Bearer sk-old"})
	if w.Code != http.StatusOK {
		t.Fatalf("old key before reload: status = %d, want 200", w.Code)
	}

	newCfg := config.NewDefaultConfig()
	newCfg.APIKeys = []string{"sk-new"}
	s.UpdateConfig(newCfg)

	w = doJSON(t, s, http.MethodPost, "/embed", body, map[string]string{"Authorization": "Bearer sk-old"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("old key after reload: status = %d, want 401", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/embed", body, map[string]string{"Authorization": "Bearer sk-new"})
	if w.Code != http.StatusOK {
		t.Errorf("new key after reload: status = %d, want 200", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := doJSON(t, s, http.MethodGet, "/live", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response should carry a generated X-Request-ID")
	}

	w = doJSON(t, s, http.MethodGet, "/live", "", map[string]string{"X-Request-ID": "req-123"})
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}

func TestUsageEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	_ = doJSON(t, s, http.MethodPost, "/embed",
		`{"method":"fastembed","model":"intfloat/multilingual-e5-large","text":"hi"}`, nil)

	w := doJSON(t, s, http.MethodGet, "/usage", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	stats := gjson.Get(w.Body.String(), "models").Get(gjson.Escape("fastembed:intfloat/multilingual-e5-large"))
	if stats.Get("requests").Int() != 1 {
		t.Errorf("usage requests = %v, want 1", stats.Get("requests").Int())
	}
}
