// Package api exposes the research archive to MCP clients over stdio.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/quirelab/quire/internal/ingest"
	"github.com/quirelab/quire/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer creates an MCP server with all quire tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"quire",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("quire — local research session archive: sessions, timelines, and generated reports."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List research sessions in the current archive in display order."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (default 20)")),
		),
		mcpListSessions(deps),
	)

	s.AddTool(
		mcp.NewTool("get_messages",
			mcp.WithDescription("Return the full message timeline of one session."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpGetMessages(deps),
	)

	s.AddTool(
		mcp.NewTool("search_reports",
			mcp.WithDescription("Search generated research reports by title or body text."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpSearchReports(deps),
	)

	s.AddTool(
		mcp.NewTool("add_artifact",
			mcp.WithDescription("Store a literature document in the archive's artifact store."),
			mcp.WithString("title", mcp.Description("Document title"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Document text"), mcp.Required()),
		),
		mcpAddArtifact(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"archive://summary",
			"Archive Summary",
			mcp.WithResourceDescription("Counts of sessions, events, and artifacts in the current archive"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSummary(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"archive://recent-sessions",
			"Recent Sessions",
			mcp.WithResourceDescription("The 10 most recently updated sessions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentSessions(deps),
	)

	return s
}

type sessionSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	UpdatedAt    string `json:"updated_at"`
	CollectionID string `json:"collection_id,omitempty"`
}

func summarizeSessions(sessions []storage.Session) []sessionSummary {
	out := make([]sessionSummary, len(sessions))
	for i, sess := range sessions {
		title := sess.Title
		if utf8.RuneCountInString(title) > 200 {
			runes := []rune(title)
			title = string(runes[:200]) + "..."
		}
		out[i] = sessionSummary{
			ID:           sess.ID,
			Title:        title,
			UpdatedAt:    sess.UpdatedAt.Format(time.RFC3339),
			CollectionID: sess.LinkedCollectionID,
		}
	}
	return out
}

func mcpListSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		sessions, err := deps.Store.ListSessions(ctx, "default")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list sessions: %v", err)), nil
		}
		if len(sessions) > limit {
			sessions = sessions[:limit]
		}

		b, err := json.Marshal(summarizeSessions(sessions))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetMessages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		if _, err := deps.Store.GetSession(ctx, sessionID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("session %s not found", sessionID)), nil
			}
			return mcpError(fmt.Sprintf("failed to load session: %v", err)), nil
		}

		messages, err := deps.Store.ListMessages(ctx, sessionID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list messages: %v", err)), nil
		}

		type messageResult struct {
			ID        string `json:"id"`
			Role      string `json:"role"`
			Content   string `json:"content"`
			Status    string `json:"status"`
			Error     string `json:"error,omitempty"`
			CreatedAt string `json:"created_at"`
		}
		results := make([]messageResult, len(messages))
		for i, m := range messages {
			results[i] = messageResult{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				Status:    m.Status,
				Error:     m.Error,
				CreatedAt: m.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal messages: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchReports(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 50 {
			limit = 50
		}

		reports, err := deps.Store.SearchReports(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(reports) == 0 {
			return mcpText("[]"), nil
		}

		type reportResult struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Version   int    `json:"version"`
			Excerpt   string `json:"excerpt"`
			CreatedAt string `json:"created_at"`
		}
		results := make([]reportResult, len(reports))
		for i, r := range reports {
			excerpt := r.Body
			if utf8.RuneCountInString(excerpt) > 500 {
				runes := []rune(excerpt)
				excerpt = string(runes[:500]) + "..."
			}
			results[i] = reportResult{
				ID:        r.ID,
				Title:     r.Title,
				Version:   r.Version,
				Excerpt:   excerpt,
				CreatedAt: r.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddArtifact(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		art := storage.Artifact{
			ID:        uuid.New().String(),
			Kind:      ingest.ArtifactKindLiterature,
			Version:   1,
			Title:     title,
			Body:      content,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.PutArtifact(ctx, art); err != nil {
			return mcpError(fmt.Sprintf("failed to save artifact: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Stored artifact %s", art.ID)), nil
	}
}

func mcpResourceSummary(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sessions, err := deps.Store.ListAllSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		events, err := deps.Store.ListEvents(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}
		artifacts, err := deps.Store.ListAllArtifacts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list artifacts: %w", err)
		}

		b, err := json.Marshal(map[string]any{
			"archive_id": deps.Store.ArchiveID(),
			"sessions":   len(sessions),
			"events":     len(events),
			"artifacts":  len(artifacts),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal summary: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecentSessions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sessions, err := deps.Store.ListAllSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		})
		if len(sessions) > 10 {
			sessions = sessions[:10]
		}

		b, err := json.Marshal(summarizeSessions(sessions))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sessions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
