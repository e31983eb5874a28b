//go:build unix

package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/shellmcp/shellmcp/internal/applog"
	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/execsync"
	"github.com/shellmcp/shellmcp/internal/supervisor"
)

func testHandlers(t *testing.T, allowed ...string) *Handlers {
	t.Helper()
	set := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		set[name] = struct{}{}
	}
	cfg := &config.Config{
		AllowedCommands:  set,
		RetentionSeconds: config.DefaultRetentionSeconds,
		DefaultEncoding:  "utf-8",
		ShellPath:        "/bin/sh",
		MaxLogLines:      config.DefaultMaxLogLines,
		MaxLogBytes:      config.DefaultMaxLogBytes,
	}
	log := applog.New()
	log.SetConsoleOutput(false)
	sup := supervisor.New(cfg, log)
	t.Cleanup(sup.Shutdown)
	return New(cfg, log, execsync.New(cfg, log), sup)
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textBlocks(t *testing.T, result *mcp.CallToolResult) []string {
	t.Helper()
	blocks := make([]string, 0, len(result.Content))
	for _, content := range result.Content {
		tc, ok := content.(mcp.TextContent)
		if !ok {
			t.Fatalf("content is %T, want mcp.TextContent", content)
		}
		blocks = append(blocks, tc.Text)
	}
	return blocks
}

func TestShellExecuteAllowedEcho(t *testing.T) {
	h := testHandlers(t, "echo")
	result, err := h.handleShellExecute(context.Background(), callRequest("shell_execute", map[string]any{
		"command":   []any{"echo", "hi"},
		"directory": "/tmp",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	blocks := textBlocks(t, result)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks: %q", len(blocks), blocks)
	}
	if blocks[0] != "**exit with 0**" {
		t.Errorf("block 0 = %q", blocks[0])
	}
	if blocks[1] != "---\nstdout:\n---\nhi\n" {
		t.Errorf("block 1 = %q", blocks[1])
	}
}

func TestShellExecuteDisallowed(t *testing.T) {
	h := testHandlers(t, "ls")
	result, err := h.handleShellExecute(context.Background(), callRequest("shell_execute", map[string]any{
		"command":   []any{"rm", "-rf", "/"},
		"directory": "/tmp",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	blocks := textBlocks(t, result)
	if len(blocks) != 1 || blocks[0] != "error: Command not allowed: rm" {
		t.Errorf("blocks = %q", blocks)
	}
	if !result.IsError {
		t.Error("validation rejection should be flagged as an error result")
	}
}

func TestShellExecutePipelineDisallowedHead(t *testing.T) {
	h := testHandlers(t, "cat")
	result, _ := h.handleShellExecute(context.Background(), callRequest("shell_execute", map[string]any{
		"command":   []any{"cat", "a", "|", "rm", "b"},
		"directory": "/tmp",
	}))
	blocks := textBlocks(t, result)
	if len(blocks) != 1 || blocks[0] != "error: Command not allowed: rm" {
		t.Errorf("blocks = %q", blocks)
	}
}

func TestShellExecuteTimeout(t *testing.T) {
	h := testHandlers(t, "sleep")
	start := time.Now()
	result, err := h.handleShellExecute(context.Background(), callRequest("shell_execute", map[string]any{
		"command":   []any{"sleep", "10"},
		"directory": "/tmp",
		"timeout":   float64(1),
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout case took %v", elapsed)
	}
	blocks := textBlocks(t, result)
	if blocks[0] != "**exit with -1**" {
		t.Errorf("block 0 = %q", blocks[0])
	}
	joined := strings.Join(blocks, "\n")
	if !strings.Contains(joined, "Command timed out after 1s") {
		t.Errorf("missing timeout annotation: %q", joined)
	}
}

func TestShellExecuteMissingRequired(t *testing.T) {
	h := testHandlers(t, "echo")
	result, _ := h.handleShellExecute(context.Background(), callRequest("shell_execute", map[string]any{
		"directory": "/tmp",
	}))
	if !result.IsError {
		t.Error("missing command should be a tool error")
	}
	blocks := textBlocks(t, result)
	if blocks[0] != "Missing or invalid 'command' argument" {
		t.Errorf("blocks = %q", blocks)
	}
}

func TestShellExecuteEmptyAllowListRejectsEverything(t *testing.T) {
	h := testHandlers(t)
	result, _ := h.handleShellExecute(context.Background(), callRequest("shell_execute", map[string]any{
		"command":   []any{"echo", "hi"},
		"directory": "/tmp",
	}))
	blocks := textBlocks(t, result)
	if blocks[0] != "error: Command not allowed: echo" {
		t.Errorf("blocks = %q", blocks)
	}
}

func TestShellExecuteLimitLines(t *testing.T) {
	h := testHandlers(t, "sh")
	result, _ := h.handleShellExecute(context.Background(), callRequest("shell_execute", map[string]any{
		"command":     []any{"sh", "-c", "printf '1\\n2\\n3\\n4\\n5\\n'"},
		"directory":   "/tmp",
		"limit_lines": float64(2),
	}))
	blocks := textBlocks(t, result)
	if len(blocks) != 2 {
		t.Fatalf("blocks = %q", blocks)
	}
	if !strings.Contains(blocks[1], "… 3 earlier lines omitted …") {
		t.Errorf("missing omitted notice: %q", blocks[1])
	}
	if !strings.Contains(blocks[1], "4\n5\n") {
		t.Errorf("clamp should keep the last lines: %q", blocks[1])
	}
	if strings.Contains(blocks[1], "\n1\n") {
		t.Errorf("clamp kept an early line: %q", blocks[1])
	}
}

func TestBackgroundLifecycle(t *testing.T) {
	h := testHandlers(t, "sleep")

	result, err := h.handleBgStart(context.Background(), callRequest("shell_bg_start", map[string]any{
		"command":     []any{"sleep", "1"},
		"directory":   "/tmp",
		"description": "nap",
		"labels":      []any{"t"},
	}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	blocks := textBlocks(t, result)
	if blocks[0] != "Started background process with ID: 1" {
		t.Fatalf("start response = %q", blocks[0])
	}

	// running list contains pid 1
	result, _ = h.handleBgList(context.Background(), callRequest("shell_bg_list", map[string]any{
		"status": "running",
	}))
	listing := textBlocks(t, result)[0]
	if !strings.Contains(listing, "1 | running") || !strings.Contains(listing, "nap") {
		t.Errorf("running listing = %q", listing)
	}

	// wait for completion
	deadline := time.Now().Add(5 * time.Second)
	var detail string
	for time.Now().Before(deadline) {
		result, _ = h.handleBgDetail(context.Background(), callRequest("shell_bg_detail", map[string]any{
			"pid": float64(1),
		}))
		detail = textBlocks(t, result)[0]
		if strings.Contains(detail, "Status: completed") {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !strings.Contains(detail, "Status: completed") {
		t.Fatalf("process never completed: %q", detail)
	}
	if !strings.Contains(detail, "Exit Code: 0") {
		t.Errorf("detail missing exit code: %q", detail)
	}
	if !strings.Contains(detail, "shell_bg_logs") {
		t.Errorf("detail should direct to shell_bg_logs: %q", detail)
	}

	// clean it
	result, _ = h.handleBgClean(context.Background(), callRequest("shell_bg_clean", map[string]any{
		"pids": []any{float64(1)},
	}))
	cleanText := textBlocks(t, result)[0]
	if !strings.Contains(cleanText, "Successfully cleaned 1 processes") {
		t.Errorf("clean response = %q", cleanText)
	}

	// detail after clean → not found
	result, _ = h.handleBgDetail(context.Background(), callRequest("shell_bg_detail", map[string]any{
		"pid": float64(1),
	}))
	if got := textBlocks(t, result)[0]; got != "error: Process 1 not found" {
		t.Errorf("detail after clean = %q", got)
	}
}

func TestBgLogsOutput(t *testing.T) {
	h := testHandlers(t, "sh")
	result, _ := h.handleBgStart(context.Background(), callRequest("shell_bg_start", map[string]any{
		"command":     []any{"sh", "-c", "echo out; echo err >&2"},
		"directory":   "/tmp",
		"description": "talker",
	}))
	if got := textBlocks(t, result)[0]; !strings.HasPrefix(got, "Started background process") {
		t.Fatalf("start = %q", got)
	}

	// follow_seconds=1 waits for output; both streams requested
	result, _ = h.handleBgLogs(context.Background(), callRequest("shell_bg_logs", map[string]any{
		"pid":             float64(1),
		"with_stderr":     true,
		"add_time_prefix": false,
	}))
	blocks := textBlocks(t, result)
	if len(blocks) != 3 {
		t.Fatalf("blocks = %q", blocks)
	}
	if !strings.HasPrefix(blocks[0], "**Process 1 (status:") {
		t.Errorf("header = %q", blocks[0])
	}
	if !strings.HasPrefix(blocks[1], "---\nstdout: 1 lines\n---\nout\n") {
		t.Errorf("stdout section = %q", blocks[1])
	}
	if !strings.HasPrefix(blocks[2], "---\nstderr: 1 lines\n---\nerr\n") {
		t.Errorf("stderr section = %q", blocks[2])
	}
}

func TestBgLogsTimePrefix(t *testing.T) {
	h := testHandlers(t, "sh")
	h.handleBgStart(context.Background(), callRequest("shell_bg_start", map[string]any{
		"command":     []any{"sh", "-c", "echo stamped"},
		"directory":   "/tmp",
		"description": "t",
	}))
	result, _ := h.handleBgLogs(context.Background(), callRequest("shell_bg_logs", map[string]any{
		"pid": float64(1),
	}))
	blocks := textBlocks(t, result)
	if len(blocks) < 2 {
		t.Fatalf("blocks = %q", blocks)
	}
	// default prefix is [YYYY-MM-DD HH:MM:SS.ffffff]
	if !strings.Contains(blocks[1], "] stamped") || !strings.Contains(blocks[1], "["+time.Now().Format("2006")) {
		t.Errorf("stdout section = %q", blocks[1])
	}
}

func TestBgLogsSinceUntil(t *testing.T) {
	h := testHandlers(t, "sh")
	h.handleBgStart(context.Background(), callRequest("shell_bg_start", map[string]any{
		"command":     []any{"sh", "-c", "echo early"},
		"directory":   "/tmp",
		"description": "t",
	}))
	// since far in the future: stream section omitted entirely
	result, _ := h.handleBgLogs(context.Background(), callRequest("shell_bg_logs", map[string]any{
		"pid":            float64(1),
		"since":          "2999-01-01T00:00:00",
		"follow_seconds": float64(0),
	}))
	blocks := textBlocks(t, result)
	if len(blocks) != 1 {
		t.Errorf("future since should omit the stdout section: %q", blocks)
	}

	// malformed timestamp
	result, _ = h.handleBgLogs(context.Background(), callRequest("shell_bg_logs", map[string]any{
		"pid":   float64(1),
		"since": "yesterday-ish",
	}))
	if got := textBlocks(t, result)[0]; !strings.Contains(got, "'since' must be a valid ISO format datetime string") {
		t.Errorf("bad since = %q", got)
	}
}

func TestBgStopFlow(t *testing.T) {
	h := testHandlers(t, "sleep")
	h.handleBgStart(context.Background(), callRequest("shell_bg_start", map[string]any{
		"command":     []any{"sleep", "30"},
		"directory":   "/tmp",
		"description": "long nap",
	}))

	result, _ := h.handleBgStop(context.Background(), callRequest("shell_bg_stop", map[string]any{
		"pid": float64(1),
	}))
	stopText := textBlocks(t, result)[0]
	if !strings.Contains(stopText, "Process 1 has been gracefully stopped") {
		t.Errorf("stop response = %q", stopText)
	}

	// wait for the terminal state, then a second stop is an error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := h.sup.Get(1); ok && info.Status.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	result, _ = h.handleBgStop(context.Background(), callRequest("shell_bg_stop", map[string]any{
		"pid": float64(1),
	}))
	if got := textBlocks(t, result)[0]; got != "error: Process is not running" {
		t.Errorf("second stop = %q", got)
	}

	// unknown pid
	result, _ = h.handleBgStop(context.Background(), callRequest("shell_bg_stop", map[string]any{
		"pid": float64(99),
	}))
	if got := textBlocks(t, result)[0]; got != "error: Process 99 not found" {
		t.Errorf("unknown stop = %q", got)
	}
}

func TestBgStartSpawnErrorReturnsPID(t *testing.T) {
	h := testHandlers(t, "missing-binary")
	result, _ := h.handleBgStart(context.Background(), callRequest("shell_bg_start", map[string]any{
		"command":     []any{"missing-binary"},
		"directory":   "/tmp",
		"description": "doomed",
	}))
	if got := textBlocks(t, result)[0]; got != "Started background process with ID: 1" {
		t.Fatalf("start = %q", got)
	}
	info, ok := h.sup.Get(1)
	if !ok || info.Status != supervisor.StatusError {
		t.Errorf("record = %+v", info)
	}
}

func TestBgListValidation(t *testing.T) {
	h := testHandlers(t, "echo")
	result, _ := h.handleBgList(context.Background(), callRequest("shell_bg_list", map[string]any{
		"status": "paused",
	}))
	if got := textBlocks(t, result)[0]; !strings.HasPrefix(got, "error: Status must be one of:") {
		t.Errorf("bad status = %q", got)
	}

	result, _ = h.handleBgList(context.Background(), callRequest("shell_bg_list", nil))
	if got := textBlocks(t, result)[0]; got != "No background processes found" {
		t.Errorf("empty list = %q", got)
	}
}

func TestBgCleanGrouping(t *testing.T) {
	h := testHandlers(t, "echo", "sleep")
	h.handleBgStart(context.Background(), callRequest("shell_bg_start", map[string]any{
		"command": []any{"echo"}, "directory": "/tmp", "description": "d",
	}))
	h.handleBgStart(context.Background(), callRequest("shell_bg_start", map[string]any{
		"command": []any{"sleep", "30"}, "directory": "/tmp", "description": "r",
	}))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := h.sup.Get(1); ok && info.Status.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	result, _ := h.handleBgClean(context.Background(), callRequest("shell_bg_clean", map[string]any{
		"pids": []any{float64(1), float64(2), float64(42)},
	}))
	text := textBlocks(t, result)[0]
	if !strings.Contains(text, "Successfully cleaned 1 processes") {
		t.Errorf("missing cleaned section: %q", text)
	}
	if !strings.Contains(text, "Unable to clean 1 running processes") {
		t.Errorf("missing running section: %q", text)
	}
	if !strings.Contains(text, "Failed to clean 1 processes") || !strings.Contains(text, "PID: 42 | Reason: Process not found") {
		t.Errorf("missing failed section: %q", text)
	}
	h.sup.Stop(2, true)
}

func TestFirewallRecoversPanics(t *testing.T) {
	h := testHandlers(t, "echo")
	boom := h.firewall(func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		panic("kaboom")
	})
	result, err := boom(context.Background(), callRequest("shell_execute", nil))
	if err != nil {
		t.Fatalf("firewall leaked error: %v", err)
	}
	if got := textBlocks(t, result)[0]; got != "error: kaboom" {
		t.Errorf("recovered block = %q", got)
	}
}
