package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/cellrun/internal/engine"
	"github.com/deixis/cellrun/internal/report"
	"github.com/deixis/cellrun/internal/runner"
	"github.com/deixis/cellrun/internal/task"
)

type submitParams struct {
	Kind             string `json:"kind" jsonschema:"task kind: shell or script"`
	Source           string `json:"source" jsonschema:"shell command line or Lua source"`
	WorkingDirectory string `json:"working_directory,omitempty" jsonschema:"directory for shell tasks; relative paths resolve against the workspace"`
	Slot             string `json:"slot,omitempty" jsonschema:"optional slot name; a live run in the same slot is killed"`
}

func (h *handler) submitHandler(ctx context.Context, req *mcp.CallToolRequest, params submitParams) (*mcp.CallToolResult, any, error) {
	kind, err := task.ParseKind(params.Kind)
	if err != nil {
		return errorResult(err.Error())
	}
	id, err := h.engine.Submit(ctx, engine.Request{
		Slot: params.Slot,
		Spec: task.Spec{
			Kind:             kind,
			Source:           params.Source,
			WorkingDirectory: params.WorkingDirectory,
		},
	})
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to start run: %v", err))
	}
	return jsonResult(map[string]string{"run_id": id.String()})
}

type pollParams struct {
	RunID     string `json:"run_id" jsonschema:"the run ID returned by run_submit"`
	TimeoutMS int    `json:"timeout_ms,omitempty" jsonschema:"how long to wait for output, in milliseconds; 0 uses the server default"`
}

type pollResult struct {
	RunID string `json:"run_id"`
	runner.Batch
}

func (h *handler) pollHandler(ctx context.Context, req *mcp.CallToolRequest, params pollParams) (*mcp.CallToolResult, any, error) {
	id, err := runner.ParseRunID(params.RunID)
	if err != nil {
		return errorResult(err.Error())
	}
	timeout := time.Duration(params.TimeoutMS) * time.Millisecond
	b, err := h.engine.Poll(ctx, id, timeout)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(pollResult{RunID: id.String(), Batch: b})
}

type runIDParams struct {
	RunID string `json:"run_id" jsonschema:"the run ID returned by run_submit"`
}

func (h *handler) killHandler(ctx context.Context, req *mcp.CallToolRequest, params runIDParams) (*mcp.CallToolResult, any, error) {
	id, err := runner.ParseRunID(params.RunID)
	if err != nil {
		return errorResult(err.Error())
	}
	if !h.engine.Kill(id) {
		return textResult(fmt.Sprintf("Run %s is not live; nothing to kill.", id))
	}
	return textResult(fmt.Sprintf("Kill requested for run %s. Poll until end to see the outcome.", id))
}

func (h *handler) statusHandler(ctx context.Context, req *mcp.CallToolRequest, params runIDParams) (*mcp.CallToolResult, any, error) {
	id, err := runner.ParseRunID(params.RunID)
	if err != nil {
		return errorResult(err.Error())
	}
	sum, err := h.engine.Status(id)
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(formatSummary(sum))
}

type listParams struct{}

func (h *handler) listHandler(ctx context.Context, req *mcp.CallToolRequest, _ listParams) (*mcp.CallToolResult, any, error) {
	runs := h.engine.Runs()
	if len(runs) == 0 {
		return textResult("No runs.")
	}
	return textResult(formatSummaries(runs))
}

type historyParams struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of runs to return; 0 returns all kept"`
}

func (h *handler) historyHandler(ctx context.Context, req *mcp.CallToolRequest, params historyParams) (*mcp.CallToolResult, any, error) {
	runs := h.engine.History(params.Limit)
	if len(runs) == 0 {
		return textResult("No finished runs in history.")
	}
	return textResult(formatSummaries(runs))
}

func formatSummary(s *report.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s\n", s.ID)
	if s.Slot != "" {
		fmt.Fprintf(&b, "Slot: %s\n", s.Slot)
	}
	fmt.Fprintf(&b, "Task: %s\n", s.Description)
	fmt.Fprintf(&b, "State: %s\n", s.State())
	fmt.Fprintf(&b, "Started: %s\n", s.StartedAt.Format(time.RFC3339))
	if d := s.Duration(); d > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", d.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "Output: %d items, %d bytes", s.Items, s.Bytes)
	if s.Truncated {
		b.WriteString(" (truncated)")
	}
	return b.String()
}

func formatSummaries(runs []*report.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d run(s):\n", len(runs))
	for _, s := range runs {
		fmt.Fprintf(&b, "- %s  %s  %s", s.ID, s.State(), s.Description)
		if s.Slot != "" {
			fmt.Fprintf(&b, "  [%s]", s.Slot)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
