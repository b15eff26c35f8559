package subconscious

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/memstore-dev/memstore/internal/secrets"
)

func TestFileAuditLoggerLogAndQuery(t *testing.T) {
	logger := &FileAuditLogger{Path: filepath.Join(t.TempDir(), "audit.log")}

	if err := logger.Log(AuditEvent{Kind: "implicit_capture", Namespace: "decisions", Detail: "proposed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := logger.Log(AuditEvent{Kind: "llm_complete", Namespace: "decisions", Detail: "ok"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := logger.Query(AuditQuery{Kind: "implicit_capture"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Detail != "proposed" {
		t.Errorf("expected one implicit_capture event, got %+v", events)
	}
}

func TestFileAuditLoggerStats(t *testing.T) {
	logger := &FileAuditLogger{Path: filepath.Join(t.TempDir(), "audit.log")}
	logger.Log(AuditEvent{Kind: "scan"})
	logger.Log(AuditEvent{Kind: "scan"})
	logger.Log(AuditEvent{Kind: "filter"})

	stats, err := logger.Stats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("expected 3 total events, got %d", stats.TotalEvents)
	}
	if stats.ByKind["scan"] != 2 {
		t.Errorf("expected 2 scan events, got %d", stats.ByKind["scan"])
	}
}

func TestMemoryImplicitCaptureStorePutApproveReject(t *testing.T) {
	store := NewMemoryImplicitCaptureStore()

	id, err := store.Put(PendingCapture{Namespace: "learnings", Summary: "observed pattern", Content: "body"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty id")
	}

	approved, err := store.Approve(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if approved.Summary != "observed pattern" {
		t.Errorf("unexpected summary: %q", approved.Summary)
	}

	if _, err := store.Approve(id); err == nil {
		t.Error("expected error approving an already-approved id")
	}

	id2, _ := store.Put(PendingCapture{Namespace: "learnings", Summary: "x", Content: "y"})
	if err := store.Reject(id2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Reject(id2); err == nil {
		t.Error("expected error rejecting an already-rejected id")
	}
}

func TestMemoryImplicitCaptureStoreCleanup(t *testing.T) {
	store := NewMemoryImplicitCaptureStore()
	id, _ := store.Put(PendingCapture{Namespace: "learnings", Summary: "old", Content: "x", CreatedAt: time.Now().Add(-48 * time.Hour)})

	removed, err := store.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := store.Approve(id); err == nil {
		t.Error("expected cleaned-up id to no longer be approvable")
	}
}

func TestHTTPLLMClientCompletesSuccessfully(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "hello back"}},
			},
		})
	}))
	defer server.Close()

	client := NewHTTPLLMClient(HTTPLLMClientConfig{
		BaseURL: server.URL,
		Secrets: secrets.DefaultPolicy(),
	})

	resp, err := client.Complete(context.Background(), LLMRequest{Model: "test-model", Prompt: "hi", Namespace: "decisions"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hello back" {
		t.Errorf("unexpected response text: %q", resp.Text)
	}
}

func TestHTTPLLMClientRetriesOnRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "recovered"}},
			},
		})
	}))
	defer server.Close()

	client := NewHTTPLLMClient(HTTPLLMClientConfig{
		BaseURL:    server.URL,
		Secrets:    secrets.DefaultPolicy(),
		MaxRetries: 3,
	})

	resp, err := client.Complete(context.Background(), LLMRequest{Model: "test-model", Prompt: "hi", Namespace: "decisions"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "recovered" {
		t.Errorf("unexpected response text: %q", resp.Text)
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestHTTPLLMClientNonRetryableFailsFast(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer server.Close()

	client := NewHTTPLLMClient(HTTPLLMClientConfig{
		BaseURL:    server.URL,
		Secrets:    secrets.DefaultPolicy(),
		MaxRetries: 3,
	})

	_, err := client.Complete(context.Background(), LLMRequest{Model: "test-model", Prompt: "hi", Namespace: "decisions"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}
