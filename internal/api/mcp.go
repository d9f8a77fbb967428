package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kotodict/kotodict/internal/dict"
)

// MCPSearcher abstracts the dictionary lookups the MCP layer performs.
type MCPSearcher interface {
	Search(ctx context.Context, params dict.SearchParams) (*dict.SearchResult, error)
	GetItem(ctx context.Context, itemID string) (*dict.Item, error)
	SuggestTags(ctx context.Context, prefix string, limit int) ([]string, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Dict MCPSearcher
}

// NewMCPServer creates an MCP server exposing the dictionary to agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"kotodict",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("kotodict — personal knowledge dictionary built from reviewed dialogue transcripts."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_items",
			mcp.WithDescription("Search the knowledge dictionary. Ranking is done by the dictionary service."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("Optional item kind filter (knowledge, value, summary, model, decision, term, correction)")),
			mcp.WithString("domain", mcp.Description("Optional domain filter")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchItems(deps),
	)

	s.AddTool(
		mcp.NewTool("get_item",
			mcp.WithDescription("Fetch one dictionary item by id."),
			mcp.WithString("item_id", mcp.Description("Item id"), mcp.Required()),
		),
		mcpGetItem(deps),
	)

	s.AddTool(
		mcp.NewTool("suggest_tags",
			mcp.WithDescription("List known tags matching a prefix."),
			mcp.WithString("prefix", mcp.Description("Tag prefix")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of suggestions (default 10)")),
		),
		mcpSuggestTags(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"dict://recent",
			"Recently Updated Items",
			mcp.WithResourceDescription("The 10 most recently updated dictionary items"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSearchItems(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		params := dict.SearchParams{
			Query:  query,
			Domain: req.GetString("domain", ""),
			Limit:  limit,
		}
		if kind := req.GetString("kind", ""); kind != "" {
			params.Kinds = []string{kind}
		}

		res, err := deps.Dict.Search(ctx, params)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(res.Items) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(res.Items)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		itemID, err := req.RequireString("item_id")
		if err != nil {
			return mcpError("item_id is required"), nil
		}

		item, err := deps.Dict.GetItem(ctx, itemID)
		if err != nil {
			return mcpError(fmt.Sprintf("fetching item failed: %v", err)), nil
		}

		b, err := json.Marshal(item)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal item: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSuggestTags(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}

		tags, err := deps.Dict.SuggestTags(ctx, req.GetString("prefix", ""), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("suggesting tags failed: %v", err)), nil
		}
		if tags == nil {
			tags = []string{}
		}

		b, err := json.Marshal(tags)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tags: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		res, err := deps.Dict.Search(ctx, dict.SearchParams{Sort: "recent", Limit: 10})
		if err != nil {
			return nil, fmt.Errorf("fetching recent items: %w", err)
		}

		type itemSummary struct {
			ItemID    string `json:"item_id"`
			Kind      string `json:"kind"`
			Title     string `json:"title"`
			UpdatedAt string `json:"updated_at"`
		}
		summaries := make([]itemSummary, len(res.Items))
		for i, item := range res.Items {
			summaries[i] = itemSummary{
				ItemID:    item.ItemID,
				Kind:      item.Kind,
				Title:     item.Title,
				UpdatedAt: item.UpdatedAt,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("marshaling recent items: %w", err)
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
