// Package mcpboundary exposes capture, recall, and status over the Model
// Context Protocol so a coding agent can call memstore as tools instead of
// shelling out to the CLI, in the shape of the teacher's internal/mcp
// server: one package-level Serve, a registerTools function, and one
// handler per tool operating on typed, jsonschema-tagged input structs.
package mcpboundary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memstore-dev/memstore/internal/capture"
	"github.com/memstore-dev/memstore/internal/config"
	"github.com/memstore-dev/memstore/internal/index"
	"github.com/memstore-dev/memstore/internal/recall"
)

const maxQueryLen = 10_000
const maxContentLen = 200_000

// writeRateLimit throttles capture_memory the way the teacher's save_note
// throttles vault writes: a prompt-injected agent looping on a tool call
// can't flood the note store.
const writeRateLimit = 30
const writeRateWindow = 60 * time.Second

var (
	writeTimes []time.Time
	writeMu    sync.Mutex
)

func checkWriteRateLimit() bool {
	writeMu.Lock()
	defer writeMu.Unlock()
	now := time.Now()
	cutoff := now.Add(-writeRateWindow)
	valid := writeTimes[:0]
	for _, t := range writeTimes {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	writeTimes = valid
	if len(writeTimes) >= writeRateLimit {
		return false
	}
	writeTimes = append(writeTimes, now)
	return true
}

// Stack is the subset of cmd/memstore's stack this boundary needs. The
// caller (memstore mcp) builds one per domain and passes it in, so this
// package stays free of cobra/config wiring concerns.
type Stack struct {
	Capture *capture.Service
	Recall  *recall.Service
	Index   *index.Index
	Domain  config.Domain
}

// Version is set by the caller before calling Serve.
var Version = "dev"

// Serve starts the MCP server on stdio, bound to project (and optionally
// user) domain stacks.
func Serve(ctx context.Context, project *Stack, user *Stack) error {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "memstore",
		Version: Version,
	}, nil)

	registerTools(server, project, user)

	return server.Run(ctx, &mcp.StdioTransport{})
}

func registerTools(server *mcp.Server, project, user *Stack) {
	readOnly := &mcp.ToolAnnotations{ReadOnlyHint: true}
	boolPtr := func(b bool) *bool { return &b }
	writeNonDestructive := &mcp.ToolAnnotations{DestructiveHint: boolPtr(false), IdempotentHint: false}

	mcp.AddTool(server, &mcp.Tool{
		Name: "recall_memory",
		Description: "Search project or user memories with vector, text, or hybrid fusion. " +
			"Use this before starting work on something that may already have a captured " +
			"decision, learning, or progress note.\n\nArgs:\n  query: natural language query\n" +
			"  k: number of results (default 10, max 50)\n  mode: vector|text|hybrid (default hybrid)\n" +
			"  namespace: optional namespace filter\n  spec: optional spec/ticket id filter\n" +
			"  domain: project|user|both (default project)\n\nReturns ranked memories with id, summary, namespace, score.",
		Annotations: readOnly,
	}, recallHandler(project, user))

	mcp.AddTool(server, &mcp.Tool{
		Name: "capture_memory",
		Description: "Record a memory (decision, learning, or progress note) against the " +
			"current commit. The content is scanned for secrets before it is stored; a " +
			"blocked capture returns an error explaining why.\n\nArgs:\n  namespace: one of " +
			"the closed namespaces\n  summary: short summary, 1-100 characters\n  content: memory body\n" +
			"  spec, tags, phase, relates_to: optional metadata\n\nReturns the captured memory id.",
		Annotations: writeNonDestructive,
	}, captureHandler(project))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "memory_status",
		Description: "Check the health of the memory index: schema version, memory count, embedding provider. Use this if recall_memory returns nothing and you suspect the index is stale or empty.",
		Annotations: readOnly,
	}, statusHandler(project))
}

type recallInput struct {
	Query         string  `json:"query" jsonschema:"Natural language search query"`
	K             int     `json:"k" jsonschema:"Number of results (default 10, max 50)"`
	Mode          string  `json:"mode,omitempty" jsonschema:"vector|text|hybrid (default hybrid)"`
	Namespace     string  `json:"namespace,omitempty" jsonschema:"Filter by namespace"`
	Spec          string  `json:"spec,omitempty" jsonschema:"Filter by spec/ticket identifier"`
	Domain        string  `json:"domain,omitempty" jsonschema:"project|user|both (default project)"`
	MinSimilarity float64 `json:"min_similarity,omitempty" jsonschema:"Drop vector hits below this similarity"`
}

type captureInput struct {
	Namespace string   `json:"namespace" jsonschema:"One of the closed namespaces"`
	Summary   string   `json:"summary" jsonschema:"Short summary, 1-100 characters"`
	Content   string   `json:"content" jsonschema:"Memory body"`
	Spec      string   `json:"spec,omitempty" jsonschema:"Associated spec/ticket identifier"`
	Tags      []string `json:"tags,omitempty" jsonschema:"Tags"`
	Phase     string   `json:"phase,omitempty" jsonschema:"Workflow phase"`
	RelatesTo []string `json:"relates_to,omitempty" jsonschema:"Related memory ids"`
}

type emptyInput struct{}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err))
	}
	return textResult(string(data))
}

func recallHandler(project, user *Stack) func(context.Context, *mcp.CallToolRequest, recallInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input recallInput) (*mcp.CallToolResult, any, error) {
		if strings.TrimSpace(input.Query) == "" {
			return textResult("Error: query is required."), nil, nil
		}
		if len(input.Query) > maxQueryLen {
			return textResult("Error: query too long."), nil, nil
		}
		k := input.K
		if k <= 0 {
			k = 10
		}
		if k > 50 {
			k = 50
		}
		mode := recall.Mode(input.Mode)
		if mode == "" {
			mode = recall.ModeHybrid
		}
		filters := recall.Filters{
			Filters:       index.Filters{Namespace: input.Namespace, Spec: input.Spec},
			MinSimilarity: input.MinSimilarity,
		}

		var results []recall.MemoryResult
		var err error
		switch strings.ToLower(input.Domain) {
		case "user":
			if user == nil {
				return textResult("Error: user-domain memory store is not available."), nil, nil
			}
			results, err = user.Recall.Search(ctx, input.Query, k, filters, mode)
		case "both":
			if project == nil || user == nil {
				return textResult("Error: both project and user stores must be available for domain=both."), nil, nil
			}
			results, err = recall.CrossDomainSearch(ctx, []*recall.Service{project.Recall, user.Recall}, input.Query, k, filters, mode)
		default:
			if project == nil {
				return textResult("Error: project-domain memory store is not available."), nil, nil
			}
			results, err = project.Recall.Search(ctx, input.Query, k, filters, mode)
		}
		if err != nil {
			return textResult(fmt.Sprintf("Search error: %v", err)), nil, nil
		}
		if len(results) == 0 {
			return textResult("No memories matched."), nil, nil
		}

		out := make([]map[string]any, 0, len(results))
		for _, r := range results {
			out = append(out, map[string]any{
				"id":        r.Memory.ID,
				"summary":   r.Memory.Summary,
				"namespace": r.Memory.Namespace,
				"score":     r.Score,
				"domain":    r.Domain,
			})
		}
		return jsonResult(out), nil, nil
	}
}

func captureHandler(project *Stack) func(context.Context, *mcp.CallToolRequest, captureInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input captureInput) (*mcp.CallToolResult, any, error) {
		if project == nil {
			return textResult("Error: project-domain memory store is not available."), nil, nil
		}
		if strings.TrimSpace(input.Namespace) == "" {
			return textResult("Error: namespace is required."), nil, nil
		}
		if strings.TrimSpace(input.Summary) == "" {
			return textResult("Error: summary is required."), nil, nil
		}
		if strings.TrimSpace(input.Content) == "" {
			return textResult("Error: content is required."), nil, nil
		}
		if len(input.Content) > maxContentLen {
			return textResult("Error: content too large."), nil, nil
		}
		if !checkWriteRateLimit() {
			return textResult("Error: too many captures in the last minute. Try again shortly."), nil, nil
		}

		result, err := project.Capture.Capture(ctx, capture.Input{
			Namespace: input.Namespace,
			Summary:   input.Summary,
			Content:   input.Content,
			Spec:      input.Spec,
			Tags:      input.Tags,
			Phase:     input.Phase,
			RelatesTo: input.RelatesTo,
			Domain:    project.Domain,
		})
		if err != nil {
			return textResult(fmt.Sprintf("Capture blocked or failed: %v", err)), nil, nil
		}

		msg := fmt.Sprintf("Captured: %s", result.Memory.ID)
		if !result.Indexed {
			msg += fmt.Sprintf(" (not indexed yet: %s)", result.Warning)
		}
		return textResult(msg), nil, nil
	}
}

func statusHandler(project *Stack) func(context.Context, *mcp.CallToolRequest, emptyInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input emptyInput) (*mcp.CallToolResult, any, error) {
		if project == nil {
			return textResult("Error: project-domain memory store is not available."), nil, nil
		}
		count, err := project.Index.Count(string(project.Domain))
		if err != nil {
			return textResult(fmt.Sprintf("Status error: %v", err)), nil, nil
		}
		out := map[string]any{
			"schema_version": project.Index.SchemaVersion(),
			"memory_count":   count,
			"fts_available":  project.Index.FTSAvailable(),
		}
		return jsonResult(out), nil, nil
	}
}
