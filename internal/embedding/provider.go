// Package embedding turns text into fixed-dimension, L2-normalized vectors
// for the index's ANN search. A Provider is loaded lazily on first use,
// guarded by a single mutex (the contract does not promise parallel
// speedups), and wrapped in a circuit breaker so a flaky embedding backend
// degrades capture to keyword-only search instead of blocking it.
//
// Supported backends:
//   - local (default): deterministic hash-based vectors, no network calls.
//   - ollama: local Ollama server.
//   - openai / openai-compatible: OpenAI API or any compatible endpoint.
package embedding

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

// Provider generates embedding vectors from text. Embed always returns a
// Dimensions()-length, L2-normalized vector; an empty or whitespace-only
// text returns the zero vector without invoking the backend.
type Provider interface {
	Embed(text string) ([]float32, error)
	Warmup() error
	Name() string
	Model() string
	Dimensions() int
}

// backend is the narrower interface each HTTP/local implementation
// satisfies; managedProvider adds lazy init, locking, normalization, and
// circuit breaking on top.
type backend interface {
	GetEmbedding(text string, purpose string) ([]float32, error)
	Name() string
	Model() string
	Dimensions() int
}

// ProviderConfig holds embedding provider settings.
type ProviderConfig struct {
	Provider                      string // "local" (default), "ollama", "openai", "openai-compatible"
	Model                         string
	APIKey                        string
	BaseURL                       string
	Dimensions                    int
	CircuitBreakerThreshold       int // consecutive failures before opening; default 3
	CircuitBreakerCooldownSeconds int // default 30
}

// NewProvider constructs a Provider for the given config. The underlying
// backend is not created until the first Embed or Warmup call.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	var factory func(ProviderConfig) (backend, error)

	switch cfg.Provider {
	case "", "local":
		factory = func(c ProviderConfig) (backend, error) { return newLocalProvider(c) }
	case "ollama":
		factory = func(c ProviderConfig) (backend, error) { return newOllamaProvider(c) }
	case "openai", "openai-compatible":
		factory = func(c ProviderConfig) (backend, error) { return newOpenAIProvider(c) }
	default:
		return nil, memstoreerr.New(memstoreerr.KindValidation, "embedding.new_provider",
			fmt.Sprintf("unknown embedding provider: %q", cfg.Provider))
	}

	threshold := cfg.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := time.Duration(cfg.CircuitBreakerCooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return &managedProvider{
		cfg:     cfg,
		factory: factory,
		cb:      newCircuitBreaker(threshold, cooldown),
		dims:    cfg.Dimensions,
	}, nil
}

// managedProvider lazily constructs a backend under a single mutex, applies
// L2 normalization uniformly regardless of what the backend returns, and
// fails fast while its circuit breaker is open.
type managedProvider struct {
	mu      sync.Mutex
	cfg     ProviderConfig
	factory func(ProviderConfig) (backend, error)
	be      backend
	cb      *circuitBreaker
	dims    int
}

func (p *managedProvider) Warmup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureInitLocked()
}

func (p *managedProvider) ensureInitLocked() error {
	if p.be != nil {
		return nil
	}
	be, err := p.factory(p.cfg)
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindEmbedding, "embedding.init", "failed to initialize provider", err)
	}
	p.be = be
	if p.dims == 0 {
		p.dims = be.Dimensions()
	}
	return nil
}

func (p *managedProvider) Embed(text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cb.Allow() {
		return nil, memstoreerr.New(memstoreerr.KindEmbedding, "embedding.embed",
			"circuit breaker open, embedding backend recently failed repeatedly").
			WithHint("retry after cooldown; capture proceeds without embedding in the meantime")
	}

	if err := p.ensureInitLocked(); err != nil {
		p.cb.RecordFailure()
		return nil, err
	}

	if strings.TrimSpace(text) == "" {
		return make([]float32, p.dims), nil
	}

	vec, err := p.be.GetEmbedding(text, "document")
	if err != nil {
		p.cb.RecordFailure()
		return nil, memstoreerr.Wrap(memstoreerr.KindEmbedding, "embedding.embed", "backend returned an error", err)
	}
	p.cb.RecordSuccess()
	return l2Normalize(vec), nil
}

func (p *managedProvider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.be == nil {
		if p.cfg.Provider == "" {
			return "local"
		}
		return p.cfg.Provider
	}
	return p.be.Name()
}

func (p *managedProvider) Model() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.be == nil {
		return p.cfg.Model
	}
	return p.be.Model()
}

func (p *managedProvider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dims != 0 {
		return p.dims
	}
	if err := p.ensureInitLocked(); err != nil {
		return 0
	}
	return p.dims
}

// l2Normalize scales vec to unit length. A zero-length input is returned
// unchanged (already the zero vector).
func l2Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return vec
	}
	norm := math.Sqrt(sumSquares)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// validateEmbedding checks that a returned embedding vector has the
// expected dimensionality and is not all-zero (which indicates the backend
// returned garbage rather than a genuine failure).
func validateEmbedding(vec []float32, expectedDims int) error {
	if expectedDims > 0 && len(vec) != expectedDims {
		return fmt.Errorf("embedding dimension mismatch: expected %d, got %d", expectedDims, len(vec))
	}
	allZero := true
	for _, v := range vec {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("embedding is all zeros (backend returned invalid vector)")
	}
	return nil
}
