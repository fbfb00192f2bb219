// Package mcp provides the cellrun MCP server, registering the run and
// sheet tools and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/deixis/cellrun"
	"github.com/deixis/cellrun/internal/engine"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	engine *engine.Engine
	log    zerolog.Logger
}

// NewServer creates an MCP server with all cellrun tools registered.
func NewServer(e *engine.Engine, log zerolog.Logger) *mcp.Server {
	h := &handler{
		engine: e,
		log:    log.With().Str("component", "mcp").Logger(),
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkspaceFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "cellrun", Version: cellrun.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "run_submit",
		Description: `Start a task and return its run_id without waiting for it.

kind is "shell" (source is a command line run through the shell, in working_directory) or
"script" (source is a sandboxed Lua program; print writes to stdout without a newline).
Pass slot to replace whatever previously ran in the same slot: the old run is killed.`,
	}, h.submitHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "run_poll",
		Description: `Fetch the next batch of output (at most 25 items) for a run.

Waits up to timeout_ms for the first item. Keep polling until "end" is true; output that
arrived before the run finished is never dropped.`,
	}, h.pollHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "run_kill",
		Description: "Ask a run to stop. Safe to call at any time; a finished run is left unchanged.",
	}, h.killHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "run_status",
		Description: "Summarise a live or finished run: state, reason, timing and output counts.",
	}, h.statusHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "run_list",
		Description: "List the runs currently held by the server, oldest first.",
	}, h.listHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "run_history",
		Description: "List runs that were replaced, removed or expired, latest first.",
	}, h.historyHandler)

	registerSheetTools(s, h)

	return s
}

// updateWorkspaceFromRoots queries the client for MCP roots and, unless a
// workspace is pinned in the config, binds shell working directories to the
// first file root. This is called during session initialization, before any
// tool calls.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	if h.engine.Config.Shell.Workspace != "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil {
		h.log.Debug().Err(err).Msg("client roots unavailable")
		return
	}
	if len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}
	h.engine.SetWorkspace(u.Path)
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to encode result: %v", err))
	}
	return textResult(string(data))
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
