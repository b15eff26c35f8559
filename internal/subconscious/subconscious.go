// Package subconscious specifies, at interface level, the boundary between
// the core capture/recall/sync pipeline and the implicit-capture and LLM
// tooling that sits outside this module's scope (spec.md §4.9): an
// append-only audit trail, a holding pen for not-yet-approved captures, and
// a provider-agnostic chat client. Each interface ships one concrete,
// lightweight default implementation grounded in the corpus so the
// boundary is exercised, not just declared.
package subconscious

import (
	"context"
	"time"
)

// AuditEvent is one append-only record: a detection, a filter application,
// a scan run, an allowlist mutation, or an implicit-capture/LLM decision
// (spec.md §3 AuditEvent).
type AuditEvent struct {
	Timestamp time.Time
	Kind      string
	Namespace string
	Detail    string
}

// AuditQuery narrows AuditLogger.Query (spec.md §4.9).
type AuditQuery struct {
	Since     time.Time
	Namespace string
	Kind      string
	Limit     int
}

// AuditStats summarizes the audit trail (counts by kind, oldest/newest
// timestamps).
type AuditStats struct {
	TotalEvents int
	ByKind      map[string]int
	Oldest      time.Time
	Newest      time.Time
}

// AuditLogger is the append-only audit boundary (spec.md §4.9).
type AuditLogger interface {
	Log(event AuditEvent) error
	Query(q AuditQuery) ([]AuditEvent, error)
	Stats() (AuditStats, error)
}

// PendingCapture is a not-yet-approved memory proposed by an implicit
// (non-explicit-user-invoked) capture path.
type PendingCapture struct {
	ID        string
	Namespace string
	Summary   string
	Content   string
	Spec      string
	Tags      []string
	CreatedAt time.Time
}

// ImplicitCaptureStore holds proposed captures pending human review
// (spec.md §4.9).
type ImplicitCaptureStore interface {
	Put(p PendingCapture) (string, error)
	Approve(id string) (PendingCapture, error)
	Reject(id string) error
	Cleanup(olderThan time.Duration) (int, error)
}

// LLMRequest is one chat-completion request.
type LLMRequest struct {
	Model    string
	Prompt   string
	// Namespace scopes the secrets filter applied to Prompt before send.
	Namespace string
}

// LLMResponse is a completed chat response.
type LLMResponse struct {
	Text string
}

// LLMClient is a provider-agnostic chat client boundary (spec.md §4.9):
// retry-after parsing, a circuit breaker, secrets-filtered prompts, and a
// token-bucket rate limiter supporting refund on abort.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}
