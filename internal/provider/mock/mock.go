// Package mock provides test doubles for the provider interfaces.
//
// Provider counts Load invocations so tests can assert the at-most-one-load
// guarantee of the model cache, and Model returns pre-canned vectors and
// scores without a live runtime.
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/weavink/embedgate/internal/provider"
)

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Model    = (*Model)(nil)
)

// Provider is a mock implementation of provider.Provider.
type Provider struct {
	// NameValue is returned by Name. Defaults to "mock" when empty.
	NameValue string

	// LoadErr, if non-nil, is returned by Load.
	LoadErr error

	// LoadFunc, if set, is called by Load instead of the default behavior.
	// LoadErr is ignored when LoadFunc is set.
	LoadFunc func(ctx context.Context, key provider.ModelKey) (provider.Model, error)

	// LoadDelay, if set, is waited inside Load before returning. Used to
	// widen the race window in concurrent first-access tests.
	LoadDelay func()

	// ModelTemplate configures the Model returned by successful default
	// loads. The key is filled in per call.
	ModelTemplate Model

	loadCalls atomic.Int64
}

// Name implements provider.Provider.
func (p *Provider) Name() string {
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// Load implements provider.Provider.
func (p *Provider) Load(ctx context.Context, key provider.ModelKey) (provider.Model, error) {
	p.loadCalls.Add(1)
	if p.LoadDelay != nil {
		p.LoadDelay()
	}
	if p.LoadFunc != nil {
		return p.LoadFunc(ctx, key)
	}
	if p.LoadErr != nil {
		return nil, p.LoadErr
	}
	t := &p.ModelTemplate
	return &Model{
		KeyValue:         key,
		DimensionValue:   t.DimensionValue,
		EmbedResult:      t.EmbedResult,
		EmbedErr:         t.EmbedErr,
		EmbedBatchResult: t.EmbedBatchResult,
		EmbedBatchErr:    t.EmbedBatchErr,
		RerankScores:     t.RerankScores,
		RerankErr:        t.RerankErr,
	}, nil
}

// LoadCalls returns the number of times Load was invoked.
func (p *Provider) LoadCalls() int {
	return int(p.loadCalls.Load())
}

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Text string
	Opts provider.EmbedOptions
}

// Model is a mock implementation of provider.Model.
type Model struct {
	mu sync.Mutex

	// KeyValue is returned by Key.
	KeyValue provider.ModelKey

	// DimensionValue is returned by Dimension.
	DimensionValue int

	// EmbedResult is returned by Embed. If nil, a DimensionValue-length
	// zero vector is returned.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned by Embed.
	EmbedErr error

	// EmbedBatchResult is returned by EmbedBatch. If nil, one
	// DimensionValue-length zero vector per input is returned.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned by EmbedBatch.
	EmbedBatchErr error

	// RerankScores is returned by Rerank in input order. If nil, each
	// document scores 0.
	RerankScores []float64

	// RerankErr, if non-nil, is returned by Rerank.
	RerankErr error

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall
}

// Key implements provider.Model.
func (m *Model) Key() provider.ModelKey { return m.KeyValue }

// Dimension implements provider.Model.
func (m *Model) Dimension() int { return m.DimensionValue }

// Embed records the call and returns EmbedResult, EmbedErr.
func (m *Model) Embed(_ context.Context, text string, opts provider.EmbedOptions) ([]float32, error) {
	m.mu.Lock()
	m.EmbedCalls = append(m.EmbedCalls, EmbedCall{Text: text, Opts: opts})
	m.mu.Unlock()

	if m.EmbedErr != nil {
		return nil, m.EmbedErr
	}
	if m.EmbedResult != nil {
		return m.EmbedResult, nil
	}
	return make([]float32, m.DimensionValue), nil
}

// EmbedBatch returns EmbedBatchResult, EmbedBatchErr.
func (m *Model) EmbedBatch(_ context.Context, texts []string, _ provider.EmbedOptions) ([][]float32, error) {
	if m.EmbedBatchErr != nil {
		return nil, m.EmbedBatchErr
	}
	if m.EmbedBatchResult != nil {
		return m.EmbedBatchResult, nil
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, m.DimensionValue)
	}
	return out, nil
}

// Rerank returns RerankScores truncated or zero-padded to len(documents).
func (m *Model) Rerank(_ context.Context, _ string, documents []string) ([]float64, error) {
	if m.RerankErr != nil {
		return nil, m.RerankErr
	}
	out := make([]float64, len(documents))
	copy(out, m.RerankScores)
	return out, nil
}
