// Package dispatcher validates inference requests, resolves model handles
// through the registry and cache, and invokes the requested capability with
// latency measurement. All failures leave the process serving; they surface
// as typed errors for the HTTP layer to map.
package dispatcher

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	log "github.com/weavink/embedgate/internal/logging"
	"github.com/weavink/embedgate/internal/modelcache"
	"github.com/weavink/embedgate/internal/provider"
	"github.com/weavink/embedgate/internal/registry"
	"github.com/weavink/embedgate/internal/usage"
)

// EmbedRequest asks for one embedding vector.
type EmbedRequest struct {
	Method          string `json:"method"`
	Model           string `json:"model"`
	Text            string `json:"text"`
	TrustRemoteCode bool   `json:"trust_remote_code,omitempty"`
	PromptName      string `json:"prompt_name,omitempty"`
}

// EmbedResult carries one embedding vector and its timing.
type EmbedResult struct {
	Embedding []float32 `json:"embedding"`
	Dimension int       `json:"dimension"`
	LatencyMs float64   `json:"latency_ms"`
}

// EmbedBatchRequest asks for embeddings of several texts in one call.
type EmbedBatchRequest struct {
	Method          string   `json:"method"`
	Model           string   `json:"model"`
	Texts           []string `json:"texts"`
	TrustRemoteCode bool     `json:"trust_remote_code,omitempty"`
	PromptName      string   `json:"prompt_name,omitempty"`
}

// EmbedBatchResult carries the vectors in input order.
type EmbedBatchResult struct {
	Embeddings [][]float32 `json:"embeddings"`
	Count      int         `json:"count"`
	Dimension  int         `json:"dimension"`
	LatencyMs  float64     `json:"latency_ms"`
}

// RerankRequest scores documents against a query. Method and Model may be
// empty; they default to the fastembed cross-encoder.
type RerankRequest struct {
	Method    string   `json:"method,omitempty"`
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

// RerankEntry is one scored document. Index points into the request's
// Documents slice so callers can map back to their input ordering.
type RerankEntry struct {
	Index    int     `json:"index"`
	Score    float64 `json:"score"`
	Document string  `json:"document"`
}

// RerankResult carries entries sorted by score descending.
type RerankResult struct {
	Results   []RerankEntry `json:"results"`
	Count     int           `json:"count"`
	LatencyMs float64       `json:"latency_ms"`
}

// WarmupEntry names one model to load eagerly.
type WarmupEntry struct {
	Method          string `json:"method"`
	Model           string `json:"model"`
	TrustRemoteCode bool   `json:"trust_remote_code,omitempty"`
}

// WarmupStatus reports one key's warmup outcome.
type WarmupStatus struct {
	Success    bool    `json:"success"`
	LoadTimeMs float64 `json:"load_time_ms,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// DefaultRerankModel is used when a rerank request omits the model.
const DefaultRerankModel = "BAAI/bge-reranker-base"

// Dispatcher routes validated requests to loaded model handles.
type Dispatcher struct {
	registry  *registry.Registry
	cache     *modelcache.Cache
	providers map[string]provider.Provider
	tracker   *usage.Tracker

	defaultMethod string
	defaultModel  string

	// inferenceTimeout bounds each capability call. Zero disables the bound.
	inferenceTimeout time.Duration
}

// Option is a functional option for Dispatcher.
type Option func(*Dispatcher)

// WithUsageTracker attaches a usage tracker. A nil tracker is allowed.
func WithUsageTracker(t *usage.Tracker) Option {
	return func(d *Dispatcher) { d.tracker = t }
}

// WithDefaults sets the method and model used by readiness probes and by
// rerank requests that omit them.
func WithDefaults(method, model string) Option {
	return func(d *Dispatcher) {
		if method != "" {
			d.defaultMethod = method
		}
		if model != "" {
			d.defaultModel = model
		}
	}
}

// WithInferenceTimeout bounds each capability call.
func WithInferenceTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.inferenceTimeout = timeout }
}

// New constructs a Dispatcher over the given registry, cache, and providers
// keyed by method name.
func New(reg *registry.Registry, cache *modelcache.Cache, providers map[string]provider.Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:      reg,
		cache:         cache,
		providers:     providers,
		defaultMethod: provider.MethodFastEmbed,
		defaultModel:  "intfloat/multilingual-e5-large",
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Embed computes one embedding vector.
func (d *Dispatcher) Embed(ctx context.Context, req EmbedRequest) (*EmbedResult, error) {
	if req.Method == "" || req.Model == "" || req.Text == "" {
		return nil, invalidRequestf("Missing required fields: method, model, text")
	}

	key := provider.ModelKey{
		Method:          req.Method,
		Model:           req.Model,
		Capability:      provider.CapabilityEmbedding,
		TrustRemoteCode: req.TrustRemoteCode,
	}
	entry, err := d.resolve(ctx, key)
	if err != nil {
		d.track(key, true, 1, 0)
		return nil, err
	}

	start := time.Now()
	callCtx, cancel := d.inferenceContext(ctx)
	defer cancel()

	vec, err := entry.Model.Embed(callCtx, req.Text, provider.EmbedOptions{PromptName: req.PromptName})
	elapsed := elapsedMs(start)
	if err != nil {
		d.track(key, true, 1, 0)
		return nil, capabilityError("embed", err)
	}

	d.track(key, false, 1, elapsed)
	return &EmbedResult{
		Embedding: vec,
		Dimension: len(vec),
		LatencyMs: elapsed,
	}, nil
}

// EmbedBatch computes embeddings for several texts. Output order matches
// input order and every vector must share one dimension.
func (d *Dispatcher) EmbedBatch(ctx context.Context, req EmbedBatchRequest) (*EmbedBatchResult, error) {
	if req.Method == "" || req.Model == "" || len(req.Texts) == 0 {
		return nil, invalidRequestf("Missing required fields: method, model, texts")
	}

	key := provider.ModelKey{
		Method:          req.Method,
		Model:           req.Model,
		Capability:      provider.CapabilityEmbedding,
		TrustRemoteCode: req.TrustRemoteCode,
	}
	entry, err := d.resolve(ctx, key)
	if err != nil {
		d.track(key, true, int64(len(req.Texts)), 0)
		return nil, err
	}

	start := time.Now()
	callCtx, cancel := d.inferenceContext(ctx)
	defer cancel()

	vecs, err := entry.Model.EmbedBatch(callCtx, req.Texts, provider.EmbedOptions{PromptName: req.PromptName})
	elapsed := elapsedMs(start)
	if err != nil {
		d.track(key, true, int64(len(req.Texts)), 0)
		return nil, capabilityError("embed batch", err)
	}
	if len(vecs) != len(req.Texts) {
		d.track(key, true, int64(len(req.Texts)), 0)
		return nil, inferenceFailed(errors.New("backend returned wrong number of embeddings"))
	}

	dimension := 0
	for i, vec := range vecs {
		if i == 0 {
			dimension = len(vec)
			continue
		}
		if len(vec) != dimension {
			d.track(key, true, int64(len(req.Texts)), 0)
			return nil, inferenceFailed(errors.New("backend returned embeddings of mixed dimensions"))
		}
	}

	d.track(key, false, int64(len(req.Texts)), elapsed)
	return &EmbedBatchResult{
		Embeddings: vecs,
		Count:      len(vecs),
		Dimension:  dimension,
		LatencyMs:  elapsed,
	}, nil
}

// Rerank scores every document against the query and returns entries sorted
// by score descending. Ties break on ascending original index so the
// ordering is deterministic. TopN, when positive, truncates the sorted list.
func (d *Dispatcher) Rerank(ctx context.Context, req RerankRequest) (*RerankResult, error) {
	if req.Query == "" {
		return nil, invalidRequestf("Missing required field: query")
	}
	if len(req.Documents) == 0 {
		return nil, invalidRequestf("Missing required field: documents")
	}
	if req.Method == "" {
		req.Method = provider.MethodFastEmbed
	}
	if req.Model == "" {
		req.Model = DefaultRerankModel
	}

	key := provider.ModelKey{
		Method:     req.Method,
		Model:      req.Model,
		Capability: provider.CapabilityReranking,
	}
	entry, err := d.resolve(ctx, key)
	if err != nil {
		d.track(key, true, int64(len(req.Documents)), 0)
		return nil, err
	}

	start := time.Now()
	callCtx, cancel := d.inferenceContext(ctx)
	defer cancel()

	scores, err := entry.Model.Rerank(callCtx, req.Query, req.Documents)
	elapsed := elapsedMs(start)
	if err != nil {
		d.track(key, true, int64(len(req.Documents)), 0)
		return nil, capabilityError("rerank", err)
	}
	if len(scores) != len(req.Documents) {
		d.track(key, true, int64(len(req.Documents)), 0)
		return nil, inferenceFailed(errors.New("backend returned wrong number of scores"))
	}

	results := make([]RerankEntry, len(req.Documents))
	for i := range req.Documents {
		results[i] = RerankEntry{Index: i, Score: scores[i], Document: req.Documents[i]}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Index < results[j].Index
	})
	if req.TopN > 0 && req.TopN < len(results) {
		results = results[:req.TopN]
	}

	d.track(key, false, int64(len(req.Documents)), elapsed)
	return &RerankResult{
		Results:   results,
		Count:     len(results),
		LatencyMs: elapsed,
	}, nil
}

// Warmup eagerly loads the named models. Each entry is attempted and
// reported independently under its "method:model" key.
func (d *Dispatcher) Warmup(ctx context.Context, models []WarmupEntry, rerankers []WarmupEntry) map[string]WarmupStatus {
	keys := make([]provider.ModelKey, 0, len(models)+len(rerankers))
	for _, e := range models {
		if e.Method == "" || e.Model == "" {
			continue
		}
		keys = append(keys, provider.ModelKey{
			Method:          e.Method,
			Model:           e.Model,
			Capability:      provider.CapabilityEmbedding,
			TrustRemoteCode: e.TrustRemoteCode,
		})
	}
	for _, e := range rerankers {
		if e.Method == "" || e.Model == "" {
			continue
		}
		keys = append(keys, provider.ModelKey{
			Method:     e.Method,
			Model:      e.Model,
			Capability: provider.CapabilityReranking,
		})
	}

	out := make(map[string]WarmupStatus, len(keys))
	supported := make([]provider.ModelKey, 0, len(keys))
	for _, key := range keys {
		if !d.registry.IsSupported(key) {
			out[key.Normalize().String()] = WarmupStatus{Success: false, Error: "unsupported model: " + key.Model}
			continue
		}
		supported = append(supported, key)
	}

	for key, result := range d.cache.Warm(ctx, supported, d.providers) {
		if result.Err != nil {
			out[key] = WarmupStatus{Success: false, Error: result.Err.Error()}
			continue
		}
		out[key] = WarmupStatus{Success: true, LoadTimeMs: round2(result.LoadTimeMs)}
	}
	return out
}

// Ready proves the pipeline end-to-end by embedding a probe text with the
// default model and checking the vector shape against the declared
// dimension. It returns the observed dimension on success.
func (d *Dispatcher) Ready(ctx context.Context) (int, error) {
	key := provider.ModelKey{
		Method:     d.defaultMethod,
		Model:      d.defaultModel,
		Capability: provider.CapabilityEmbedding,
	}
	entry, err := d.resolve(ctx, key)
	if err != nil {
		return 0, err
	}

	callCtx, cancel := d.inferenceContext(ctx)
	defer cancel()

	vec, err := entry.Model.Embed(callCtx, "readiness check", provider.EmbedOptions{})
	if err != nil {
		return 0, capabilityError("readiness probe", err)
	}
	if len(vec) == 0 {
		return 0, inferenceFailed(errors.New("readiness probe returned an empty vector"))
	}
	if declared := d.registry.Dimension(key); declared > 0 && len(vec) != declared {
		return 0, inferenceFailed(errors.New("readiness probe returned unexpected dimension"))
	}
	return len(vec), nil
}

// LoadedKeys returns the sorted cache contents for listing endpoints.
func (d *Dispatcher) LoadedKeys() []provider.ModelKey {
	return d.cache.Keys()
}

// SupportedFastEmbedModels exposes the fastembed catalog for listing endpoints.
func (d *Dispatcher) SupportedFastEmbedModels() []registry.ModelInfo {
	return d.registry.FastEmbedModels()
}

// UsageSnapshot exposes the tracker's counters for the stats endpoint.
func (d *Dispatcher) UsageSnapshot() usage.Snapshot {
	return d.tracker.Snapshot()
}

// resolve validates the key against the registry and returns its cache
// entry, loading on first access.
func (d *Dispatcher) resolve(ctx context.Context, key provider.ModelKey) (*modelcache.Entry, error) {
	key = key.Normalize()

	p, ok := d.providers[key.Method]
	if !ok {
		return nil, invalidRequestf("Unknown method: %s. Use %q or %q", key.Method, provider.MethodFastEmbed, provider.MethodSentenceTransformers)
	}
	if !d.registry.IsSupported(key) {
		return nil, unsupportedModelf("%s does not support %s for %s", key.Method, key.Model, key.Capability)
	}

	entry, err := d.cache.GetOrLoad(ctx, key, p)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeout("model load", err)
		}
		return nil, loadFailed(err)
	}
	return entry, nil
}

func (d *Dispatcher) inferenceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.inferenceTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.inferenceTimeout)
}

func (d *Dispatcher) track(key provider.ModelKey, failed bool, batchSize int64, latencyMs float64) {
	if d.tracker == nil {
		return
	}
	key = key.Normalize()
	d.tracker.Track(usage.Record{
		Method:      key.Method,
		Model:       key.Model,
		Capability:  string(key.Capability),
		RequestedAt: time.Now(),
		Failed:      failed,
		BatchSize:   batchSize,
		LatencyMs:   latencyMs,
	})
}

// capabilityError classifies an error from a model capability call.
func capabilityError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return timeout(op, err)
	case errors.Is(err, provider.ErrCapabilityUnsupported):
		return unsupportedModelf("%s is not supported by this model", op)
	default:
		log.WithError(err).Errorf("%s failed", op)
		return inferenceFailed(err)
	}
}

func elapsedMs(start time.Time) float64 {
	return round2(float64(time.Since(start)) / float64(time.Millisecond))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
