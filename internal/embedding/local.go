package embedding

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

// DefaultLocalDimensions is the vector width the local backend produces
// when the caller does not request a specific dimensionality.
const DefaultLocalDimensions = 384

// LocalProvider is the "black box" default embedding backend: deterministic
// and offline. The same text always maps to the same vector (before the
// caller's L2 normalization), so indexes built with it are reproducible in
// tests without a model or network dependency. It does not aim to capture
// semantic similarity the way a trained model does — callers who need that
// should configure the ollama or openai backend instead.
type LocalProvider struct {
	dims int
}

func newLocalProvider(cfg ProviderConfig) (*LocalProvider, error) {
	dims := cfg.Dimensions
	if dims == 0 {
		dims = DefaultLocalDimensions
	}
	return &LocalProvider{dims: dims}, nil
}

func (p *LocalProvider) Name() string    { return "local" }
func (p *LocalProvider) Model() string   { return "local-hash-v1" }
func (p *LocalProvider) Dimensions() int { return p.dims }

// GetEmbedding derives a pseudo-random vector from a SHA-256 digest of the
// text, using the digest as a deterministic seed for a per-call PRNG. purpose
// is ignored: the local backend makes no document/query distinction.
func (p *LocalProvider) GetEmbedding(text string, _ string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, p.dims)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	return vec, nil
}
