package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/syncq/internal/connectivity"
	"github.com/kalambet/syncq/internal/notify"
	"github.com/kalambet/syncq/internal/storage"
	"github.com/kalambet/syncq/internal/syncer"
)

const mcpResourceLimit = 100

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store        *storage.Store
	Syncer       *syncer.Syncer
	Connectivity *connectivity.Observer // optional; nil reports online
	Events       *notify.Notifier       // optional
}

func (d MCPDeps) queueChanged() {
	if d.Events != nil {
		d.Events.Publish(notify.QueueChanged)
	}
}

// NewMCPServer creates an MCP server with the queue tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"syncq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("syncq: durable offline queue for mutating API calls. Enqueue writes here; they are delivered when the remote is reachable."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("enqueue_operation",
			mcp.WithDescription("Queue a mutating API request for delivery when the remote is reachable."),
			mcp.WithString("action", mcp.Description("Human-readable label shown in status views"), mcp.Required()),
			mcp.WithString("endpoint", mcp.Description("Path on the remote API, starting with /"), mcp.Required()),
			mcp.WithString("method", mcp.Description("POST, PUT, PATCH or DELETE"), mcp.Required()),
			mcp.WithString("body", mcp.Description("Optional JSON request body")),
		),
		mcpEnqueue(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Report pending, processing and failed counts, sync state and connectivity."),
		),
		mcpQueueStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Run one delivery pass over the queue and report per-operation results."),
		),
		mcpSyncNow(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_failed",
			mcp.WithDescription("Reset failed operations to pending with a zero retry count. With id, resets only that operation."),
			mcp.WithString("id", mcp.Description("Operation id to reset")),
		),
		mcpRetryFailed(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://operations",
			"Queued Operations",
			mcp.WithResourceDescription("Oldest queued operations in delivery order"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceOperations(deps),
	)

	return s
}

func mcpEnqueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		action, err := req.RequireString("action")
		if err != nil {
			return mcpError("action is required"), nil
		}
		endpoint, err := req.RequireString("endpoint")
		if err != nil {
			return mcpError("endpoint is required"), nil
		}
		method, err := req.RequireString("method")
		if err != nil {
			return mcpError("method is required"), nil
		}

		var body any
		if raw := req.GetString("body", ""); raw != "" {
			if !json.Valid([]byte(raw)) {
				return mcpError("body must be valid JSON"), nil
			}
			body = json.RawMessage(raw)
		}

		id, err := deps.Store.Enqueue(action, endpoint, method, body)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to enqueue: %v", err)), nil
		}
		deps.queueChanged()

		return mcpText(fmt.Sprintf("Queued operation %s", id)), nil
	}
}

func mcpQueueStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := buildQueueStatus(deps.Store, deps.Syncer, deps.Connectivity)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read queue status: %v", err)), nil
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// The drain outlives a disconnecting client.
		res, err := deps.Syncer.ProcessQueue(context.WithoutCancel(ctx))
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRetryFailed(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if id := req.GetString("id", ""); id != "" {
			err := deps.Store.Retry(id)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return mcpError(fmt.Sprintf("operation %s not found", id)), nil
			case err != nil:
				return mcpError(fmt.Sprintf("failed to reset %s: %v", id, err)), nil
			}
			deps.queueChanged()
			return mcpText(fmt.Sprintf("Reset operation %s", id)), nil
		}

		n, err := deps.Store.ResetFailed()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to reset: %v", err)), nil
		}
		if n > 0 {
			deps.queueChanged()
		}
		return mcpText(fmt.Sprintf("Reset %d failed operation(s)", n)), nil
	}
}

func mcpResourceOperations(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ops, err := deps.Store.List(mcpResourceLimit, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list operations: %w", err)
		}
		if ops == nil {
			ops = []storage.Operation{}
		}

		b, err := json.Marshal(ops)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal operations: %w", err)
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
