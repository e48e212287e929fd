// Package provider defines the abstraction over model runtime backends.
//
// A provider wraps an external inference runtime that hosts embedding and
// reranking models (an ONNX runtime for fastembed models, an OpenAI-compatible
// endpoint for sentence-transformers models). Providers construct Model
// handles; a Model binds one loaded model on the backend and exposes the
// capabilities it supports.
//
// Implementations must be safe for concurrent use.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Method names identify the runtime backend a request targets.
const (
	MethodFastEmbed            = "fastembed"
	MethodSentenceTransformers = "sentence-transformers"
)

// Capability is a named inference operation a model can perform.
type Capability string

const (
	// CapabilityEmbedding maps text to dense float32 vectors.
	CapabilityEmbedding Capability = "embedding"

	// CapabilityReranking scores candidate documents against a query.
	CapabilityReranking Capability = "reranking"
)

// ErrCapabilityUnsupported is returned by Model operations the underlying
// backend cannot perform for the bound model.
var ErrCapabilityUnsupported = errors.New("capability not supported")

// ModelKey is the composite identity used for cache lookup. Two requests with
// identical fields resolve to the same cached model instance.
type ModelKey struct {
	// Method selects the backend, MethodFastEmbed or MethodSentenceTransformers.
	Method string

	// Model is the model identifier understood by the backend.
	Model string

	// Capability is the operation the model is loaded for.
	Capability Capability

	// TrustRemoteCode is forwarded to backends that execute model
	// repository code during load.
	TrustRemoteCode bool
}

// String renders the key in the "method:model" form used by warmup results
// and log lines. Reranking keys carry a "#rerank" suffix so an embedding and
// a reranking load of the same model remain distinct.
func (k ModelKey) String() string {
	if k.Capability == CapabilityReranking {
		return fmt.Sprintf("%s:%s#rerank", k.Method, k.Model)
	}
	return fmt.Sprintf("%s:%s", k.Method, k.Model)
}

// Normalize returns a copy with the method lowercased and surrounding
// whitespace stripped, so equivalent requests hash to the same cache slot.
func (k ModelKey) Normalize() ModelKey {
	k.Method = strings.ToLower(strings.TrimSpace(k.Method))
	k.Model = strings.TrimSpace(k.Model)
	return k
}

// EmbedOptions carries optional per-request embedding parameters.
type EmbedOptions struct {
	// PromptName selects a task-specific prompt on models that support one
	// (e.g. "retrieval.query" on jina-embeddings-v3). Empty means none.
	PromptName string
}

// Model is a loaded, ready-to-use handle bound to one model on a backend.
//
// All embedding vectors returned by a single Model must share the same
// dimensionality. Operations the backend cannot perform for this model return
// ErrCapabilityUnsupported.
type Model interface {
	// Key returns the identity this handle was loaded for.
	Key() ModelKey

	// Dimension returns the embedding vector length, or 0 when it is not
	// known until the first inference.
	Dimension() int

	// Embed computes the embedding vector for a single text.
	Embed(ctx context.Context, text string, opts EmbedOptions) ([]float32, error)

	// EmbedBatch computes embeddings for a slice of texts in one backend
	// call. The returned slice has the same length as texts and the i-th
	// element corresponds to texts[i]. Partial results are not returned.
	EmbedBatch(ctx context.Context, texts []string, opts EmbedOptions) ([][]float32, error)

	// Rerank scores each document against the query. Scores are returned in
	// input order, not sorted.
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// Provider constructs Model handles against one runtime backend.
//
// Load blocks until the backend has the model resident and verified, which
// on a cold backend includes the model download and initialization.
type Provider interface {
	// Name returns the method name this provider serves.
	Name() string

	// Load binds key on the backend and returns a ready Model. A failed
	// load leaves no backend state behind and may be retried.
	Load(ctx context.Context, key ModelKey) (Model, error)
}
