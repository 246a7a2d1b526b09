package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/surveykit/internal/errs"
	"github.com/kalambet/surveykit/internal/widget"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Runtime Runtime
	// Timeout bounds how long a tool waits for its operation. Zero means 30s.
	Timeout time.Duration
}

// NewMCPServer creates an MCP server exposing the runtime's host calls as
// tools and the current state as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"surveykit",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("surveykit: track actions, set person attributes and report navigation for in-app surveys."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("track_action",
			mcp.WithDescription("Fire a code action. Surveys triggered by it are shown if eligible."),
			mcp.WithString("action", mcp.Description("Action key or name"), mcp.Required()),
		),
		mcpTrackAction(deps),
	)

	s.AddTool(
		mcp.NewTool("set_attribute",
			mcp.WithDescription("Set a person attribute locally and on the survey service."),
			mcp.WithString("key", mcp.Description("Attribute key"), mcp.Required()),
			mcp.WithString("value", mcp.Description("Attribute value"), mcp.Required()),
		),
		mcpSetAttribute(deps),
	)

	s.AddTool(
		mcp.NewTool("register_route_change",
			mcp.WithDescription("Report navigation to a URL. Refreshes state and evaluates page-view triggers."),
			mcp.WithString("url", mcp.Description("The new page URL"), mcp.Required()),
		),
		mcpRegisterRouteChange(deps),
	)

	s.AddTool(
		mcp.NewTool("logout",
			mcp.WithDescription("Forget the person and all local survey data for the environment."),
		),
		mcpLogout(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"surveykit://state",
			"Survey State",
			mcp.WithResourceDescription("Current state snapshot as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceState(deps),
	)

	return s
}

func mcpTrackAction(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		action, err := req.RequireString("action")
		if err != nil {
			return mcpError("action is required"), nil
		}
		if err := waitOp(ctx, deps, deps.Runtime.Track(action)); err != nil {
			return mcpOpError("track", err), nil
		}
		return mcpText(fmt.Sprintf("Tracked %s", action)), nil
	}
}

func mcpSetAttribute(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcpError("value is required"), nil
		}
		if err := waitOp(ctx, deps, deps.Runtime.SetAttribute(key, value)); err != nil {
			return mcpOpError("set attribute", err), nil
		}
		return mcpText(fmt.Sprintf("Set %s = %s", key, value)), nil
	}
}

func mcpRegisterRouteChange(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		if err := waitOp(ctx, deps, deps.Runtime.RegisterRouteChange(url)); err != nil {
			return mcpOpError("route change", err), nil
		}
		return mcpText(fmt.Sprintf("Registered %s", url)), nil
	}
}

func mcpLogout(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := waitOp(ctx, deps, deps.Runtime.Logout()); err != nil {
			return mcpOpError("logout", err), nil
		}
		return mcpText("Logged out"), nil
	}
}

func mcpResourceState(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		env := deps.Runtime.EnvironmentID()
		if env == "" {
			return nil, widget.ErrNotInitialized
		}

		b, err := json.Marshal(stateResponse{EnvironmentID: env, State: deps.Runtime.State()})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal state: %w", err)
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

func waitOp(ctx context.Context, deps MCPDeps, op *widget.Op) error {
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = opTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op.Wait(ctx)
}

func mcpOpError(what string, err error) *mcp.CallToolResult {
	if errors.Is(err, widget.ErrNotInitialized) {
		return mcpError("runtime is not initialized")
	}
	if k := errs.KindOf(err); k != "" {
		return mcpError(fmt.Sprintf("%s failed (%s): %v", what, k, err))
	}
	return mcpError(fmt.Sprintf("%s failed: %v", what, err))
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
