// Package registry provides the static table of models each backend is
// permitted to serve. It is consulted before every cache-miss load attempt
// so unsupported model requests fail fast instead of burning a load.
package registry

import (
	"sort"

	"github.com/weavink/embedgate/internal/provider"
)

// ModelInfo describes one model a backend can serve.
type ModelInfo struct {
	// ID is the model identifier understood by the backend.
	ID string `json:"id"`

	// Dimension is the declared embedding vector length, or 0 when the
	// model does not produce embeddings.
	Dimension int `json:"dimension,omitempty"`

	// Capabilities lists the operations the model supports.
	Capabilities []provider.Capability `json:"capabilities"`
}

// Registry is the process-wide supported-model table. It is built once at
// startup and never mutated, so reads need no locking.
type Registry struct {
	fastembed map[string]ModelInfo
}

// New builds the registry with the fastembed catalog.
//
// The fastembed backend is closed-world: only the models below are servable.
// The sentence-transformers backend is open-world for embeddings (any hub
// model the runtime can pull) and never supports reranking.
func New() *Registry {
	r := &Registry{fastembed: make(map[string]ModelInfo)}

	embed := func(id string, dim int) {
		r.fastembed[id] = ModelInfo{
			ID:           id,
			Dimension:    dim,
			Capabilities: []provider.Capability{provider.CapabilityEmbedding},
		}
	}
	embed("intfloat/multilingual-e5-large", 1024)
	embed("BAAI/bge-base-en-v1.5", 768)
	embed("BAAI/bge-small-en-v1.5", 384)
	embed("jinaai/jina-embeddings-v2-base-de", 768)
	embed("jinaai/jina-embeddings-v2-base-code", 768)
	embed("sentence-transformers/paraphrase-multilingual-MiniLM-L12-v2", 768)

	// Cross-encoder, no embedding output.
	r.fastembed["BAAI/bge-reranker-base"] = ModelInfo{
		ID:           "BAAI/bge-reranker-base",
		Capabilities: []provider.Capability{provider.CapabilityReranking},
	}

	return r
}

// IsSupported reports whether the key may reach the load path.
func (r *Registry) IsSupported(key provider.ModelKey) bool {
	key = key.Normalize()
	switch key.Method {
	case provider.MethodFastEmbed:
		info, ok := r.fastembed[key.Model]
		if !ok {
			return false
		}
		return hasCapability(info, key.Capability)
	case provider.MethodSentenceTransformers:
		// Any hub model, embeddings only.
		return key.Model != "" && key.Capability == provider.CapabilityEmbedding
	default:
		return false
	}
}

// Dimension returns the declared embedding dimension for the key, or 0 when
// it is unknown (open-world sentence-transformers models) or not applicable.
func (r *Registry) Dimension(key provider.ModelKey) int {
	key = key.Normalize()
	if key.Method != provider.MethodFastEmbed {
		return 0
	}
	return r.fastembed[key.Model].Dimension
}

// FastEmbedModels returns the sorted fastembed catalog for listing endpoints.
func (r *Registry) FastEmbedModels() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.fastembed))
	for _, info := range r.fastembed {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FastEmbedModelIDs returns the sorted fastembed model names.
func (r *Registry) FastEmbedModelIDs() []string {
	out := make([]string, 0, len(r.fastembed))
	for id := range r.fastembed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func hasCapability(info ModelInfo, cap provider.Capability) bool {
	for _, c := range info.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
