package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/cellrun/internal/sheet"
	"github.com/deixis/cellrun/internal/task"
)

func registerSheetTools(s *mcp.Server, h *handler) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "sheet_layout",
		Description: "Show the cell grid: dimensions and the hex id of every cell in row-major order.",
	}, h.sheetLayoutHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "sheet_resize",
		Description: `Resize the cell grid. Cells in retained positions keep their ids and tasks;
runs of dropped cells are killed.`,
	}, h.sheetResizeHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "sheet_set",
		Description: "Store the task a cell runs (same fields as run_submit).",
	}, h.sheetSetHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "sheet_run",
		Description: "Run a cell's task. A cell has at most one live run; running it again kills the previous one.",
	}, h.sheetRunHandler)
}

type sheetLayoutParams struct{}

func (h *handler) sheetLayoutHandler(ctx context.Context, req *mcp.CallToolRequest, _ sheetLayoutParams) (*mcp.CallToolResult, any, error) {
	return textResult(formatLayout(h.engine.Sheet().Layout()))
}

type sheetResizeParams struct {
	Rows    int `json:"rows" jsonschema:"number of rows (0 or more)"`
	Columns int `json:"columns" jsonschema:"number of columns (at least 1)"`
}

func (h *handler) sheetResizeHandler(ctx context.Context, req *mcp.CallToolRequest, params sheetResizeParams) (*mcp.CallToolResult, any, error) {
	if params.Rows < 0 || params.Columns < 0 {
		return errorResult("rows and columns must not be negative")
	}
	return textResult(formatLayout(h.engine.ResizeSheet(params.Rows, params.Columns)))
}

type sheetSetParams struct {
	Cell             string `json:"cell" jsonschema:"cell id (8 hex digits) from sheet_layout"`
	Kind             string `json:"kind" jsonschema:"task kind: shell or script"`
	Source           string `json:"source" jsonschema:"shell command line or Lua source"`
	WorkingDirectory string `json:"working_directory,omitempty" jsonschema:"directory for shell tasks"`
}

func (h *handler) sheetSetHandler(ctx context.Context, req *mcp.CallToolRequest, params sheetSetParams) (*mcp.CallToolResult, any, error) {
	id, err := sheet.ParseCellID(params.Cell)
	if err != nil {
		return errorResult(err.Error())
	}
	kind, err := task.ParseKind(params.Kind)
	if err != nil {
		return errorResult(err.Error())
	}
	spec := task.Spec{Kind: kind, Source: params.Source, WorkingDirectory: params.WorkingDirectory}
	if err := h.engine.SetCell(id, spec); err != nil {
		return errorResult(err.Error())
	}
	return textResult(fmt.Sprintf("Cell %s set to %s", id, spec.Describe()))
}

type sheetRunParams struct {
	Cell string `json:"cell" jsonschema:"cell id (8 hex digits) from sheet_layout"`
}

func (h *handler) sheetRunHandler(ctx context.Context, req *mcp.CallToolRequest, params sheetRunParams) (*mcp.CallToolResult, any, error) {
	id, err := sheet.ParseCellID(params.Cell)
	if err != nil {
		return errorResult(err.Error())
	}
	runID, err := h.engine.RunCell(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to run cell %s: %v", id, err))
	}
	return jsonResult(map[string]string{"cell": id.String(), "run_id": runID.String()})
}

func formatLayout(l sheet.Layout) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sheet: %d x %d\n", l.Rows, l.Columns)
	for r := range l.Rows {
		row := l.Cells[r*l.Columns : (r+1)*l.Columns]
		ids := make([]string, len(row))
		for i, id := range row {
			ids[i] = id.String()
		}
		fmt.Fprintf(&b, "%d: %s\n", r, strings.Join(ids, " "))
	}
	return strings.TrimRight(b.String(), "\n")
}
