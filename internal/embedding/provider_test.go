package embedding

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

func TestLocalProviderEmbedIsDeterministic(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Provider: "local", Dimensions: 32})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v1, err := p.Embed("hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, err := p.Embed("hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v1) != 32 {
		t.Fatalf("expected 32 dims, got %d", len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("expected identical vectors for identical text, differ at %d: %v vs %v", i, v1[i], v2[i])
		}
	}
}

func TestLocalProviderEmbedIsNormalized(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Provider: "local", Dimensions: 16})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vec, err := p.Embed("some content to embed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares < 0.999 || sumSquares > 1.001 {
		t.Errorf("expected unit-length vector, got squared norm %f", sumSquares)
	}
}

func TestEmbedEmptyTextReturnsZeroVector(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Provider: "local", Dimensions: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vec, err := p.Embed("   \n\t  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("expected 8 dims, got %d", len(vec))
	}
	for _, v := range vec {
		if v != 0 {
			t.Fatalf("expected zero vector for whitespace text, got %v", vec)
		}
	}
}

func TestLazyInitDoesNotRunBeforeFirstCall(t *testing.T) {
	called := false
	p := &managedProvider{
		factory: func(c ProviderConfig) (backend, error) {
			called = true
			return newLocalProvider(c)
		},
		cb:   newCircuitBreaker(3, 0),
		dims: 8,
	}
	if called {
		t.Fatal("factory should not run before first Embed/Warmup")
	}
	if _, err := p.Embed("text"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected factory to run on first Embed call")
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	callCount := 0
	p := &managedProvider{
		factory: func(c ProviderConfig) (backend, error) {
			return &failingBackend{callCount: &callCount}, nil
		},
		cb:   newCircuitBreaker(2, time.Hour), // effectively never cools down within this test
		dims: 4,
	}

	for i := 0; i < 2; i++ {
		if _, err := p.Embed("x"); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}

	_, err := p.Embed("x")
	if err == nil {
		t.Fatal("expected circuit breaker to be open")
	}
	if !memstoreerr.Is(err, memstoreerr.KindEmbedding) {
		t.Errorf("expected KindEmbedding error, got %v", err)
	}
	if !strings.Contains(err.Error(), "circuit") {
		t.Errorf("expected circuit breaker message, got %v", err)
	}
	if callCount != 2 {
		t.Errorf("expected backend invoked exactly twice before circuit opened, got %d", callCount)
	}
}

type failingBackend struct {
	callCount *int
}

func (f *failingBackend) GetEmbedding(text, purpose string) ([]float32, error) {
	*f.callCount++
	return nil, errors.New("boom")
}
func (f *failingBackend) Name() string    { return "failing" }
func (f *failingBackend) Model() string   { return "failing" }
func (f *failingBackend) Dimensions() int { return 4 }
