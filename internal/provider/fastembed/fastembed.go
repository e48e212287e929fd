// Package fastembed provides a model provider backed by a fastembed ONNX
// runtime service. The runtime hosts the actual models; this client asks it
// to load them and forwards inference calls.
package fastembed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/weavink/embedgate/internal/json"
	log "github.com/weavink/embedgate/internal/logging"
	"github.com/weavink/embedgate/internal/provider"
)

// DefaultBaseURL is the default address of a locally running fastembed runtime.
const DefaultBaseURL = "http://127.0.0.1:8601"

var _ provider.Provider = (*Provider)(nil)

// Provider implements provider.Provider against a fastembed runtime service.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client used for runtime calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// New constructs a Provider talking to the runtime at baseURL.
// If baseURL is empty, DefaultBaseURL is used.
func New(baseURL string, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return provider.MethodFastEmbed }

// Load implements provider.Provider. It asks the runtime to warm the model
// and returns a handle once the runtime reports success.
func (p *Provider) Load(ctx context.Context, key provider.ModelKey) (provider.Model, error) {
	key = key.Normalize()

	payload := map[string]any{
		"models": []map[string]any{
			{"method": provider.MethodFastEmbed, "model": key.Model},
		},
	}
	body, err := p.post(ctx, "/warmup", payload)
	if err != nil {
		return nil, fmt.Errorf("fastembed: warmup %s: %w", key.Model, err)
	}

	result := gjson.GetBytes(body, gjson.Escape(provider.MethodFastEmbed+":"+key.Model))
	if !result.Exists() {
		return nil, fmt.Errorf("fastembed: runtime returned no warmup result for %s", key.Model)
	}
	if !result.Get("success").Bool() {
		msg := result.Get("error").String()
		if msg == "" {
			msg = "unknown runtime error"
		}
		return nil, fmt.Errorf("fastembed: load %s: %s", key.Model, msg)
	}
	log.Debugf("fastembed: runtime warmed %s in %.0fms", key.Model, result.Get("load_time_ms").Float())

	return &model{provider: p, key: key}, nil
}

// model is a handle bound to one model resident on the runtime.
type model struct {
	provider *Provider
	key      provider.ModelKey

	// dimension is observed on the first embedding call. Atomic because
	// handles are shared across concurrent requests.
	dimension atomic.Int64
}

func (m *model) Key() provider.ModelKey { return m.key }

// Dimension returns the vector length observed on the first embedding call,
// or 0 before any inference has run.
func (m *model) Dimension() int { return int(m.dimension.Load()) }

func (m *model) Embed(ctx context.Context, text string, _ provider.EmbedOptions) ([]float32, error) {
	if m.key.Capability != provider.CapabilityEmbedding {
		return nil, provider.ErrCapabilityUnsupported
	}
	payload := map[string]any{
		"method": provider.MethodFastEmbed,
		"model":  m.key.Model,
		"text":   text,
	}
	body, err := m.provider.post(ctx, "/embed", payload)
	if err != nil {
		return nil, fmt.Errorf("fastembed: embed: %w", err)
	}

	raw := gjson.GetBytes(body, "embedding").Array()
	if len(raw) == 0 {
		return nil, fmt.Errorf("fastembed: runtime returned empty embedding")
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v.Float())
	}
	m.dimension.Store(int64(len(vec)))
	return vec, nil
}

func (m *model) EmbedBatch(ctx context.Context, texts []string, _ provider.EmbedOptions) ([][]float32, error) {
	if m.key.Capability != provider.CapabilityEmbedding {
		return nil, provider.ErrCapabilityUnsupported
	}
	if len(texts) == 0 {
		return nil, nil
	}
	payload := map[string]any{
		"method": provider.MethodFastEmbed,
		"model":  m.key.Model,
		"texts":  texts,
	}
	body, err := m.provider.post(ctx, "/embed/batch", payload)
	if err != nil {
		return nil, fmt.Errorf("fastembed: embed batch: %w", err)
	}

	raw := gjson.GetBytes(body, "embeddings").Array()
	if len(raw) != len(texts) {
		return nil, fmt.Errorf("fastembed: expected %d embeddings, got %d", len(texts), len(raw))
	}
	out := make([][]float32, len(raw))
	for i, row := range raw {
		cols := row.Array()
		vec := make([]float32, len(cols))
		for j, v := range cols {
			vec[j] = float32(v.Float())
		}
		out[i] = vec
	}
	if len(out) > 0 {
		m.dimension.Store(int64(len(out[0])))
	}
	return out, nil
}

// Rerank returns the runtime's cross-encoder scores in input document order.
// The runtime responds with results sorted by score carrying original
// indices, so the scores are mapped back onto input positions here.
func (m *model) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if m.key.Capability != provider.CapabilityReranking {
		return nil, provider.ErrCapabilityUnsupported
	}
	payload := map[string]any{
		"model":     m.key.Model,
		"query":     query,
		"documents": documents,
	}
	body, err := m.provider.post(ctx, "/rerank", payload)
	if err != nil {
		return nil, fmt.Errorf("fastembed: rerank: %w", err)
	}

	results := gjson.GetBytes(body, "results").Array()
	if len(results) != len(documents) {
		return nil, fmt.Errorf("fastembed: expected %d scores, got %d", len(documents), len(results))
	}
	scores := make([]float64, len(documents))
	for _, r := range results {
		idx := int(r.Get("index").Int())
		if idx < 0 || idx >= len(documents) {
			return nil, fmt.Errorf("fastembed: unexpected document index %d", idx)
		}
		scores[idx] = r.Get("score").Float()
	}
	return scores, nil
}

// post sends a JSON body to the runtime and returns the raw response bytes.
func (p *Provider) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("runtime unreachable: %w", err)
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("fastembed: close response body error: %v", errClose)
		}
	}()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return nil, fmt.Errorf("runtime returned %d: %s", httpResp.StatusCode, msg)
	}
	return data, nil
}
