package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/dbload/internal/storage"
	"github.com/gateway-fm/dbload/pkg/types"
)

// healthCheck mirrors one entry of the /ready response.
type healthCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error"`
}

// RegisterTools registers all dbload tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerStop(s, client)
	registerHistory(s, client)
	registerRunDetail(s, client)
	registerUpdateRun(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dbload_status",
		gomcp.WithDescription("Get the live run status: state, operation counters, TPS, latency percentiles and connection pool usage."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("dbload unreachable: %v\n\nIs a run active with --listen set?", err)), nil
		}
		var st types.LiveStatus
		if err := json.Unmarshal(raw, &st); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Error parsing status: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(st)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dbload_health",
		gomcp.WithDescription("Readiness check: pings the target database."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		// /ready answers 503 when a check fails; the error text carries the body.
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("dbload not ready: %v", err)), nil
		}
		var resp struct {
			Ready  bool          `json:"ready"`
			Checks []healthCheck `json:"checks"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Error parsing health: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(resp.Ready, resp.Checks)), nil
	})
}

func registerStop(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dbload_stop",
		gomcp.WithDescription("Stop the running load test early. Workers finish their current transaction. This is a MUTATING operation."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if _, err := client.Post(ctx, "/v1/stop", nil); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Stopping"),
			"Workers are draining. Results will be available in history.",
		)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dbload_history",
		gomcp.WithDescription("List past runs with summary metrics (paginated, favorites first)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)

		raw, err := client.Get(ctx, fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		var page storage.PaginatedRuns
		if err := json.Unmarshal(raw, &page); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Error parsing history: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(page)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dbload_run",
		gomcp.WithDescription("Get detailed results for a past run by ID: totals, latency, configuration and time-series summary."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/history/"+url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		var detail storage.RunDetail
		if err := json.Unmarshal(raw, &detail); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Error parsing run detail: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(detail)), nil
	})
}

func registerUpdateRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dbload_update_run",
		gomcp.WithDescription("Rename a run or mark it as favorite. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithString("name",
			gomcp.Description("New display name"),
		),
		gomcp.WithBoolean("favorite",
			gomcp.Description("Favorite flag"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}

		var update storage.RunMetadataUpdate
		args := req.GetArguments()
		if _, ok := args["name"]; ok {
			name := req.GetString("name", "")
			update.CustomName = &name
		}
		if _, ok := args["favorite"]; ok {
			fav := req.GetBool("favorite", false)
			update.IsFavorite = &fav
		}
		if update.CustomName == nil && update.IsFavorite == nil {
			return gomcp.NewToolResultError("nothing to update: pass name and/or favorite"), nil
		}

		if _, err := client.Patch(ctx, "/v1/history/"+url.PathEscape(id), update); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Update failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Updated"),
			kv("ID", id),
		)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dbload_delete_run",
		gomcp.WithDescription("Delete a run and its time series from history. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/history/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}
