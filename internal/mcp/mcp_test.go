//go:build !windows

package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/deixis/cellrun/internal/config"
	"github.com/deixis/cellrun/internal/engine"
	"github.com/deixis/cellrun/internal/runner"
)

// setup creates a full cellrun MCP server + client over in-memory transports.
func setup(t *testing.T) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		Shell:  config.ShellConfig{Program: "sh", Workspace: t.TempDir(), KillGrace: 200 * time.Millisecond},
		Script: config.ScriptConfig{Workers: 2},
	}
	e, err := engine.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	server := NewServer(e, zerolog.Nop())

	ct, st := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server.Connect: %v", err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}

	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})

	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func resultText(r *mcp.CallToolResult) string {
	var parts []string
	for _, c := range r.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func decode(t *testing.T, r *mcp.CallToolResult, v any) {
	t.Helper()
	if r.IsError {
		t.Fatalf("unexpected error result: %s", resultText(r))
	}
	if err := json.Unmarshal([]byte(resultText(r)), v); err != nil {
		t.Fatalf("decoding %q: %v", resultText(r), err)
	}
}

func submit(t *testing.T, cs *mcp.ClientSession, args map[string]any) string {
	t.Helper()
	var out struct {
		RunID string `json:"run_id"`
	}
	decode(t, callTool(t, cs, "run_submit", args), &out)
	if out.RunID == "" {
		t.Fatal("run_submit returned no run_id")
	}
	return out.RunID
}

type pollResponse struct {
	RunID   string          `json:"run_id"`
	End     bool            `json:"end"`
	Success *bool           `json:"success"`
	Reason  string          `json:"reason"`
	Items   []runner.Output `json:"items"`
}

// pollUntilEnd polls runID and returns the concatenated output and the last batch.
func pollUntilEnd(t *testing.T, cs *mcp.ClientSession, runID string) (string, pollResponse) {
	t.Helper()
	var b strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var res pollResponse
		decode(t, callTool(t, cs, "run_poll", map[string]any{"run_id": runID, "timeout_ms": 50}), &res)
		for _, it := range res.Items {
			b.Write(it.Data)
		}
		if res.End {
			return b.String(), res
		}
	}
	t.Fatalf("run %s did not end", runID)
	return "", pollResponse{}
}

// --- run tools ---

func TestRunSubmit_Shell(t *testing.T) {
	cs := setup(t)
	id := submit(t, cs, map[string]any{"kind": "shell", "source": "echo hi"})

	out, res := pollUntilEnd(t, cs, id)
	if out != "hi\n" {
		t.Errorf("output = %q, want %q", out, "hi\n")
	}
	if res.Success == nil || !*res.Success {
		t.Errorf("success = %v, want true", res.Success)
	}
}

func TestRunSubmit_ScriptFailure(t *testing.T) {
	cs := setup(t)
	id := submit(t, cs, map[string]any{"kind": "lua", "source": `print("a") error("boom")`})

	out, res := pollUntilEnd(t, cs, id)
	if out != "a" {
		t.Errorf("output = %q, want %q", out, "a")
	}
	if res.Success == nil || *res.Success {
		t.Fatalf("success = %v, want false", res.Success)
	}
	if !strings.Contains(res.Reason, "boom") {
		t.Errorf("reason = %q, want it to mention boom", res.Reason)
	}
}

func TestRunSubmit_UnknownKind(t *testing.T) {
	cs := setup(t)
	res := callTool(t, cs, "run_submit", map[string]any{"kind": "python", "source": "print(1)"})
	if !res.IsError {
		t.Fatal("expected error for unknown kind")
	}
	if !strings.Contains(resultText(res), "unknown task kind") {
		t.Errorf("text = %q", resultText(res))
	}
}

func TestRunSubmit_BadWorkingDirectory(t *testing.T) {
	cs := setup(t)
	res := callTool(t, cs, "run_submit", map[string]any{
		"kind":              "shell",
		"source":            "true",
		"working_directory": "does/not/exist",
	})
	if !res.IsError {
		t.Fatal("expected error for missing working directory")
	}
}

func TestRunKill(t *testing.T) {
	cs := setup(t)
	id := submit(t, cs, map[string]any{"kind": "shell", "source": "sleep 30"})

	res := callTool(t, cs, "run_kill", map[string]any{"run_id": id})
	if res.IsError {
		t.Fatalf("run_kill: %s", resultText(res))
	}

	_, last := pollUntilEnd(t, cs, id)
	if last.Reason != "killed" {
		t.Errorf("reason = %q, want killed", last.Reason)
	}

	status := resultText(callTool(t, cs, "run_status", map[string]any{"run_id": id}))
	if !strings.Contains(status, "State: failure (killed)") {
		t.Errorf("status = %q", status)
	}
}

func TestRunPoll_InvalidRunID(t *testing.T) {
	cs := setup(t)
	res := callTool(t, cs, "run_poll", map[string]any{"run_id": "not-a-uuid"})
	if !res.IsError {
		t.Fatal("expected error for invalid run_id")
	}
}

func TestRunPoll_UnknownRun(t *testing.T) {
	cs := setup(t)
	res := callTool(t, cs, "run_poll", map[string]any{"run_id": runner.NewRunID().String()})
	if !res.IsError {
		t.Fatal("expected error for unknown run")
	}
	if !strings.Contains(resultText(res), "run not found") {
		t.Errorf("text = %q", resultText(res))
	}
}

func TestRunSubmit_SlotReplaces(t *testing.T) {
	cs := setup(t)
	first := submit(t, cs, map[string]any{"kind": "shell", "source": "sleep 30", "slot": "build"})
	second := submit(t, cs, map[string]any{"kind": "shell", "source": "echo second", "slot": "build"})

	out, _ := pollUntilEnd(t, cs, second)
	if out != "second\n" {
		t.Errorf("output = %q", out)
	}

	list := resultText(callTool(t, cs, "run_list", map[string]any{}))
	if strings.Contains(list, first) {
		t.Errorf("run_list still shows replaced run:\n%s", list)
	}
	if !strings.Contains(list, second) {
		t.Errorf("run_list missing live run:\n%s", list)
	}

	// The replaced run is recorded once it has exited.
	deadline := time.Now().Add(10 * time.Second)
	for {
		res := callTool(t, cs, "run_status", map[string]any{"run_id": first})
		if !res.IsError && strings.Contains(resultText(res), "State: failure") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replaced run never recorded as failed: %s", resultText(res))
		}
		time.Sleep(10 * time.Millisecond)
	}
	history := resultText(callTool(t, cs, "run_history", map[string]any{}))
	if !strings.Contains(history, first) {
		t.Errorf("run_history missing replaced run:\n%s", history)
	}
}

func TestRunHistory_Empty(t *testing.T) {
	cs := setup(t)
	text := resultText(callTool(t, cs, "run_history", map[string]any{}))
	if text != "No finished runs in history." {
		t.Errorf("text = %q", text)
	}
}

// --- sheet tools ---

func TestSheet_ResizeSetRun(t *testing.T) {
	cs := setup(t)

	layout := resultText(callTool(t, cs, "sheet_resize", map[string]any{"rows": 2, "columns": 2}))
	if !strings.HasPrefix(layout, "Sheet: 2 x 2") {
		t.Fatalf("layout = %q", layout)
	}
	lines := strings.Split(layout, "\n")
	if len(lines) != 3 {
		t.Fatalf("layout lines = %d, want 3:\n%s", len(lines), layout)
	}
	cell := strings.Fields(strings.TrimPrefix(lines[1], "0: "))[0]

	res := callTool(t, cs, "sheet_set", map[string]any{"cell": cell, "kind": "shell", "source": "echo from-cell"})
	if res.IsError {
		t.Fatalf("sheet_set: %s", resultText(res))
	}

	var ran struct {
		Cell  string `json:"cell"`
		RunID string `json:"run_id"`
	}
	decode(t, callTool(t, cs, "sheet_run", map[string]any{"cell": cell}), &ran)
	if ran.Cell != cell {
		t.Errorf("cell = %q, want %q", ran.Cell, cell)
	}
	out, _ := pollUntilEnd(t, cs, ran.RunID)
	if out != "from-cell\n" {
		t.Errorf("output = %q", out)
	}

	again := resultText(callTool(t, cs, "sheet_layout", map[string]any{}))
	if !strings.Contains(again, cell) {
		t.Errorf("cell %s missing from layout:\n%s", cell, again)
	}
}

func TestSheet_RunEmptyCell(t *testing.T) {
	cs := setup(t)
	layout := resultText(callTool(t, cs, "sheet_resize", map[string]any{"rows": 1, "columns": 1}))
	cell := strings.TrimPrefix(strings.Split(layout, "\n")[1], "0: ")

	res := callTool(t, cs, "sheet_run", map[string]any{"cell": cell})
	if !res.IsError {
		t.Fatal("expected error for cell without a task")
	}
}

func TestSheet_UnknownCell(t *testing.T) {
	cs := setup(t)
	res := callTool(t, cs, "sheet_set", map[string]any{"cell": "zz", "kind": "shell", "source": "true"})
	if !res.IsError {
		t.Fatal("expected error for invalid cell id")
	}
}
