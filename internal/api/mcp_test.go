package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rohit280101/AI-IDP/internal/search"
	"github.com/rohit280101/AI-IDP/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *mockSearcher) {
	t.Helper()
	store := openTestStore(t)
	s := &mockSearcher{}
	return MCPDeps{Store: store, Search: s}, store, s
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPServer_Registers(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_SearchDocuments(t *testing.T) {
	deps, _, s := newTestMCPDeps(t)
	label := "invoice"
	s.results = []search.Result{{DocumentID: "doc-1", Score: 0.92, Snippet: "Invoice 42", Classification: &label}}

	req := makeCallToolRequest("search_documents", map[string]interface{}{
		"query": "unpaid invoices",
		"limit": 3,
	})
	result, err := mcpSearchDocuments(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var got []search.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("parsing results: %v", err)
	}
	if len(got) != 1 || got[0].DocumentID != "doc-1" {
		t.Errorf("results = %+v", got)
	}
	if s.lastQuery != "unpaid invoices" || s.lastLimit != 3 {
		t.Errorf("searcher got query=%q limit=%d", s.lastQuery, s.lastLimit)
	}
}

func TestMCPTool_SearchDocuments_ClampsLimit(t *testing.T) {
	deps, _, s := newTestMCPDeps(t)

	req := makeCallToolRequest("search_documents", map[string]interface{}{"query": "q", "limit": 500})
	if _, err := mcpSearchDocuments(deps)(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.lastLimit != search.MaxLimit {
		t.Errorf("limit = %d, want %d", s.lastLimit, search.MaxLimit)
	}
}

func TestMCPTool_SearchDocuments_Empty(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	req := makeCallToolRequest("search_documents", map[string]interface{}{"query": "nothing"})
	result, err := mcpSearchDocuments(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "[]" {
		t.Errorf("text = %q, want []", text)
	}
}

func TestMCPTool_SearchDocuments_MissingQuery(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, err := mcpSearchDocuments(deps)(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_SearchDocuments_Error(t *testing.T) {
	deps, _, s := newTestMCPDeps(t)
	s.err = errors.New("engine down")

	req := makeCallToolRequest("search_documents", map[string]interface{}{"query": "q"})
	result, err := mcpSearchDocuments(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_GetDocument(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	saveTestDocument(t, store, "doc-1", "Contract between ACME and Bob")

	req := makeCallToolRequest("get_document", map[string]interface{}{"id": "doc-1"})
	result, err := mcpGetDocument(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var view DocumentView
	if err := json.Unmarshal([]byte(toolText(t, result)), &view); err != nil {
		t.Fatalf("parsing document: %v", err)
	}
	if view.ID != "doc-1" || view.CleanedText == nil || !strings.Contains(*view.CleanedText, "ACME") {
		t.Errorf("view = %+v", view)
	}
	if view.RawText != nil {
		t.Error("raw text should not be returned over MCP")
	}
}

func TestMCPTool_GetDocument_NotFound(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	req := makeCallToolRequest("get_document", map[string]interface{}{"id": "missing"})
	result, err := mcpGetDocument(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	saveTestDocument(t, store, "doc-1", "one")
	saveTestDocument(t, store, "doc-2", "two")

	contents, err := mcpResourceRecent(deps)(context.Background(), makeReadResourceRequest("documents://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "documents://recent" {
		t.Errorf("URI = %q", tc.URI)
	}

	var views []DocumentView
	if err := json.Unmarshal([]byte(tc.Text), &views); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(views))
	}
	for _, v := range views {
		if v.CleanedText != nil {
			t.Error("recent resource should not include text")
		}
	}
}
