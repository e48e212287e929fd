// Package sentencetransformers provides a model provider backed by a
// sentence-transformers runtime exposing an OpenAI-compatible embeddings API.
// Reranking is not available through this backend.
package sentencetransformers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	log "github.com/weavink/embedgate/internal/logging"
	"github.com/weavink/embedgate/internal/provider"
)

// DefaultBaseURL is the default address of a locally running
// sentence-transformers runtime.
const DefaultBaseURL = "http://127.0.0.1:8602"

var _ provider.Provider = (*Provider)(nil)

// Provider implements provider.Provider against an OpenAI-compatible
// embeddings endpoint.
type Provider struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithAPIKey sets the bearer token sent to the runtime. Local runtimes
// usually ignore it, hosted ones require it.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// New constructs a Provider talking to the runtime at baseURL.
// If baseURL is empty, DefaultBaseURL is used.
func New(baseURL string, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 5 * time.Minute,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return provider.MethodSentenceTransformers }

// Load implements provider.Provider. The runtime loads hub models on first
// use, so Load issues a probe embedding to force the model resident and to
// learn its dimension before the handle is handed out.
func (p *Provider) Load(ctx context.Context, key provider.ModelKey) (provider.Model, error) {
	key = key.Normalize()
	if key.Capability != provider.CapabilityEmbedding {
		return nil, provider.ErrCapabilityUnsupported
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(p.baseURL + "/v1"),
		option.WithAPIKey(p.apiKey),
	}
	if p.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: p.timeout}))
	}
	client := oai.NewClient(reqOpts...)

	m := &model{client: client, key: key}

	start := time.Now()
	probe, err := m.Embed(ctx, "readiness check", provider.EmbedOptions{})
	if err != nil {
		return nil, fmt.Errorf("sentence-transformers: load %s: %w", key.Model, err)
	}
	m.dimension = len(probe)
	log.Debugf("sentence-transformers: loaded %s (%d-dim) in %dms", key.Model, m.dimension, time.Since(start).Milliseconds())

	return m, nil
}

// model is a handle bound to one model resident on the runtime.
type model struct {
	client    oai.Client
	key       provider.ModelKey
	dimension int
}

func (m *model) Key() provider.ModelKey { return m.key }

func (m *model) Dimension() int { return m.dimension }

func (m *model) Embed(ctx context.Context, text string, opts provider.EmbedOptions) ([]float32, error) {
	resp, err := m.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: m.key.Model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	}, m.requestOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("sentence-transformers: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("sentence-transformers: empty response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

func (m *model) EmbedBatch(ctx context.Context, texts []string, opts provider.EmbedOptions) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := m.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: m.key.Model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	}, m.requestOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("sentence-transformers: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("sentence-transformers: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("sentence-transformers: unexpected index %d", e.Index)
		}
		out[e.Index] = float64ToFloat32(e.Embedding)
	}
	return out, nil
}

// Rerank is not supported by this backend.
func (m *model) Rerank(_ context.Context, _ string, _ []string) ([]float64, error) {
	return nil, provider.ErrCapabilityUnsupported
}

// requestOptions forwards the non-standard knobs the runtime understands as
// extra JSON body fields.
func (m *model) requestOptions(opts provider.EmbedOptions) []option.RequestOption {
	var out []option.RequestOption
	if m.key.TrustRemoteCode {
		out = append(out, option.WithJSONSet("trust_remote_code", true))
	}
	if opts.PromptName != "" {
		out = append(out, option.WithJSONSet("prompt_name", opts.PromptName))
	}
	return out
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
