package subconscious

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
	"github.com/memstore-dev/memstore/internal/secrets"
)

// breakerState mirrors internal/embedding's circuit breaker shape
// (consecutive failures open the circuit; a cooldown half-opens it for one
// trial call), reimplemented here since that package doesn't export its
// type and this boundary needs its own independent breaker.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	state     breakerState
	openedAt  time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen {
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// HTTPLLMClientConfig configures HTTPLLMClient.
type HTTPLLMClientConfig struct {
	BaseURL                       string // OpenAI-compatible chat completions endpoint
	APIKey                        string
	RequestsPerSecond             float64 // default 1
	Burst                         int     // default 1
	CircuitBreakerThreshold       int     // default 3
	CircuitBreakerCooldownSeconds int     // default 30
	MaxRetries                    int     // default 3

	Secrets   secrets.Policy
	Allowlist secrets.Allowlist
	Audit     *secrets.AuditLog
}

// HTTPLLMClient is the default LLMClient: an OpenAI-compatible chat
// completions caller with a circuit breaker, retry-after-aware backoff,
// and a refundable token-bucket rate limiter, wrapped around a
// secrets-filtered prompt. Grounded on internal/embedding's OpenAI
// backend (retry loop, sanitized-error HTTP wrapping) and its circuit
// breaker, generalized from embeddings to chat completions.
type HTTPLLMClient struct {
	cfg        HTTPLLMClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	cb         *circuitBreaker
}

// NewHTTPLLMClient constructs a client from cfg, applying defaults.
func NewHTTPLLMClient(cfg HTTPLLMClientConfig) *HTTPLLMClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	threshold := cfg.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := time.Duration(cfg.CircuitBreakerCooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &HTTPLLMClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		cb:         newCircuitBreaker(threshold, cooldown),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete filters req.Prompt through the secrets policy, reserves a rate
// limiter token (refunded if ctx is cancelled before the request is sent),
// and calls the chat endpoint with retry-after-aware backoff on 429/5xx.
func (c *HTTPLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	filtered, err := secrets.Filter(req.Prompt, "llm_prompt", req.Namespace, c.cfg.Secrets, c.cfg.Allowlist, c.cfg.Audit)
	if err != nil {
		return LLMResponse{}, err
	}

	if !c.cb.allow() {
		return LLMResponse{}, memstoreerr.New(memstoreerr.KindStorage, "subconscious.llm_complete",
			"circuit breaker open, LLM backend recently failed repeatedly").
			WithHint("retry after cooldown")
	}

	reservation := c.limiter.Reserve()
	if !reservation.OK() {
		return LLMResponse{}, memstoreerr.New(memstoreerr.KindStorage, "subconscious.llm_complete", "rate limiter cannot satisfy this request")
	}
	select {
	case <-time.After(reservation.Delay()):
	case <-ctx.Done():
		reservation.Cancel() // refund: request never sent
		return LLMResponse{}, ctx.Err()
	}

	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: []chatMessage{{Role: "user", Content: filtered.Content}},
	})
	if err != nil {
		return LLMResponse{}, memstoreerr.Wrap(memstoreerr.KindStorage, "subconscious.llm_complete", "marshal request failed", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(lastErr.(*llmHTTPError).retryDelay(attempt)):
			case <-ctx.Done():
				return LLMResponse{}, ctx.Err()
			}
		}

		text, err := c.doRequest(ctx, body)
		if err == nil {
			c.cb.recordSuccess()
			return LLMResponse{Text: text}, nil
		}
		if he, ok := err.(*llmHTTPError); ok && !he.isRetryable() {
			c.cb.recordFailure()
			return LLMResponse{}, he
		}
		lastErr = err
	}
	c.cb.recordFailure()
	return LLMResponse{}, memstoreerr.Wrap(memstoreerr.KindStorage, "subconscious.llm_complete",
		fmt.Sprintf("request failed after %d attempts", c.cfg.MaxRetries), lastErr)
}

type llmHTTPError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *llmHTTPError) Error() string {
	return fmt.Sprintf("llm backend returned %d: %s", e.StatusCode, e.Message)
}

func (e *llmHTTPError) isRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (e *llmHTTPError) retryDelay(attempt int) time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return time.Duration(attempt) * 500 * time.Millisecond
}

func (c *HTTPLLMClient) doRequest(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", memstoreerr.Wrap(memstoreerr.KindStorage, "subconscious.llm_request", "create request failed", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &llmHTTPError{StatusCode: 0, Message: sanitizeLLMError(err.Error(), c.cfg.APIKey)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return "", &llmHTTPError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Message:    sanitizeLLMError(string(respBody), c.cfg.APIKey),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", memstoreerr.Wrap(memstoreerr.KindStorage, "subconscious.llm_request", "decode response failed", err)
	}
	if parsed.Error != nil {
		return "", memstoreerr.New(memstoreerr.KindStorage, "subconscious.llm_request", sanitizeLLMError(parsed.Error.Message, c.cfg.APIKey))
	}
	if len(parsed.Choices) == 0 {
		return "", memstoreerr.New(memstoreerr.KindStorage, "subconscious.llm_request", "no choices returned")
	}
	return parsed.Choices[0].Message.Content, nil
}

// parseRetryAfter reads a Retry-After header, which per RFC 7231 is either
// an integer number of seconds or an HTTP date; only the seconds form is
// handled, an HTTP-date value falls back to the caller's own backoff.
func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sanitizeLLMError(msg, apiKey string) string {
	if apiKey == "" {
		return msg
	}
	return strings.ReplaceAll(msg, apiKey, "[REDACTED]")
}
