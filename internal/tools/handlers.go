package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/shellmcp/shellmcp/internal/execsync"
	"github.com/shellmcp/shellmcp/internal/iox"
	"github.com/shellmcp/shellmcp/internal/supervisor"
)

func (h *Handlers) handleShellExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := argsMap(request)

	command, ok := stringSliceArg(args, "command")
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'command' argument"), nil
	}
	directory, err := request.RequireString("directory")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'directory' argument"), nil
	}
	timeout, ok := intArg(args, "timeout", DefaultTimeout)
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'timeout' argument"), nil
	}
	limitLines, ok := intArg(args, "limit_lines", DefaultLimitLines)
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'limit_lines' argument"), nil
	}

	res, err := h.exec.Execute(ctx, execsync.Request{
		Command:   command,
		Directory: directory,
		Stdin:     stringArg(args, "stdin", ""),
		Timeout:   timeout,
		Envs:      stringMapArg(args, "envs"),
		Encoding:  stringArg(args, "encoding", ""),
	})
	if err != nil {
		return errResult(err), nil
	}

	blocks := []string{fmt.Sprintf("**exit with %d**", res.ExitCode)}
	if res.Stdout != "" {
		blocks = append(blocks, streamBlock("stdout", res.Stdout, limitLines))
	}
	if res.Stderr != "" {
		blocks = append(blocks, streamBlock("stderr", res.Stderr, limitLines))
	}
	return textResult(blocks...), nil
}

// streamBlock renders one decoded stream as its wire-format section,
// clamped to the last limit lines.
func streamBlock(name, decoded string, limit int) string {
	lines := iox.ClampTail(iox.SplitLines(decoded), limit)
	return fmt.Sprintf("---\n%s:\n---\n%s\n", name, strings.Join(lines, "\n"))
}

func (h *Handlers) handleBgStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := argsMap(request)

	command, ok := stringSliceArg(args, "command")
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'command' argument"), nil
	}
	directory, err := request.RequireString("directory")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'directory' argument"), nil
	}
	description, err := request.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError("Missing or invalid 'description' argument"), nil
	}
	labels, _ := stringSliceArg(args, "labels")
	timeout, ok := intArg(args, "timeout", 0)
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'timeout' argument"), nil
	}

	pid, err := h.sup.Start(supervisor.StartSpec{
		Command:     command,
		Directory:   directory,
		Description: description,
		Labels:      labels,
		Stdin:       stringArg(args, "stdin", ""),
		Envs:        stringMapArg(args, "envs"),
		Encoding:    stringArg(args, "encoding", ""),
		Timeout:     timeout,
	})
	if err != nil {
		return errResult(err), nil
	}
	return textResult(fmt.Sprintf("Started background process with ID: %d", pid)), nil
}

func (h *Handlers) handleBgList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := argsMap(request)

	labels, _ := stringSliceArg(args, "labels")
	status := stringArg(args, "status", "")
	if status != "" && !supervisor.ValidStatus(status) {
		return errResult(fmt.Errorf("Status must be one of: %s", statusList())), nil
	}

	infos := h.sup.List(supervisor.Filter{Labels: labels, Status: supervisor.Status(status)})
	if len(infos) == 0 {
		return textResult("No background processes found"), nil
	}

	lines := []string{
		"ID | STATUS | START TIME | COMMAND | DESCRIPTION | LABELS",
		strings.Repeat("-", 100),
	}
	for _, info := range infos {
		lines = append(lines, fmt.Sprintf("%d | %s | %s | %s | %s | %s",
			info.PID,
			info.Status,
			info.StartTime.Format("2006-01-02 15:04:05"),
			truncate(info.CommandLine(), 30),
			info.Description,
			strings.Join(info.Labels, ", "),
		))
	}
	return textResult(strings.Join(lines, "\n")), nil
}

func (h *Handlers) handleBgStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := argsMap(request)

	pid, ok := requirePID(args)
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'pid' argument"), nil
	}
	force := boolArg(args, "force", false)

	info, exists := h.sup.Get(pid)
	if !exists {
		return errResult(fmt.Errorf("Process %d not found", pid)), nil
	}
	if err := h.sup.Stop(pid, force); err != nil {
		return errResult(err), nil
	}

	action := "gracefully stopped"
	if force {
		action = "forcefully terminated"
	}
	return textResult(fmt.Sprintf("Process %d has been %s\nCommand: %s\nDescription: %s",
		pid, action, truncate(info.CommandLine(), 30), info.Description)), nil
}

func (h *Handlers) handleBgLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := argsMap(request)

	pid, ok := requirePID(args)
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'pid' argument"), nil
	}
	tail, ok := intArg(args, "tail", 0)
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'tail' argument"), nil
	}
	followSeconds, ok := intArg(args, "follow_seconds", 1)
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'follow_seconds' argument"), nil
	}
	limitLines, ok := intArg(args, "limit_lines", DefaultLimitLines)
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'limit_lines' argument"), nil
	}

	query := supervisor.OutputQuery{
		Tail:          tail,
		Stdout:        boolArg(args, "with_stdout", true),
		Stderr:        boolArg(args, "with_stderr", false),
		FollowSeconds: followSeconds,
	}
	for _, bound := range []struct {
		key  string
		dest **time.Time
	}{
		{"since", &query.Since},
		{"until", &query.Until},
	} {
		raw := stringArg(args, bound.key, "")
		if raw == "" {
			continue
		}
		ts, err := parseTimestamp(raw)
		if err != nil {
			return errResult(fmt.Errorf("'%s' must be a valid ISO format datetime string (e.g. '2021-01-01T00:00:00')", bound.key)), nil
		}
		*bound.dest = &ts
	}

	out, err := h.sup.Output(pid, query)
	if err != nil {
		return errResult(err), nil
	}

	addTimePrefix := boolArg(args, "add_time_prefix", true)
	timePrefixFormat := stringArg(args, "time_prefix_format", iox.DefaultTimePrefixFormat)

	blocks := []string{logHeader(out.Info)}
	if query.Stdout && len(out.Stdout) > 0 {
		blocks = append(blocks, logSection("stdout", out.Stdout, addTimePrefix, timePrefixFormat, limitLines))
	}
	if query.Stderr && len(out.Stderr) > 0 {
		blocks = append(blocks, logSection("stderr", out.Stderr, addTimePrefix, timePrefixFormat, limitLines))
	}
	return textResult(blocks...), nil
}

// logHeader is the first block of a logs response: identity plus a
// running/terminal note.
func logHeader(info supervisor.Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Process %d (status: %s)**\n", info.PID, info.Status)
	fmt.Fprintf(&b, "Command: %s\n", truncate(info.CommandLine(), 50))
	fmt.Fprintf(&b, "Description: %s", info.Description)
	if len(info.Labels) > 0 {
		fmt.Fprintf(&b, "\nLabels: %s", strings.Join(info.Labels, ", "))
	}
	switch {
	case info.Status == supervisor.StatusRunning:
		b.WriteString("\nStatus: Process is still running")
	case info.Status == supervisor.StatusError:
		fmt.Fprintf(&b, "\nStatus: Process error: %s", info.ErrorMessage)
	case info.Status == supervisor.StatusCompleted:
		fmt.Fprintf(&b, "\nStatus: Process completed successfully with exit code %d", derefInt(info.ExitCode))
	default:
		fmt.Fprintf(&b, "\nStatus: Process %s with exit code %d", info.Status, derefInt(info.ExitCode))
	}
	return b.String()
}

// logSection renders one stream's filtered lines with the optional time
// prefix, clamped last.
func logSection(name string, lines []supervisor.LogLine, addTimePrefix bool, timePrefixFormat string, limit int) string {
	rendered := make([]string, 0, len(lines))
	for _, line := range lines {
		if addTimePrefix {
			rendered = append(rendered, fmt.Sprintf("[%s] %s", iox.FormatTimestamp(line.Timestamp, timePrefixFormat), line.Text))
		} else {
			rendered = append(rendered, line.Text)
		}
	}
	count := len(rendered)
	rendered = iox.ClampTail(rendered, limit)
	return fmt.Sprintf("---\n%s: %d lines\n---\n%s\n", name, count, strings.Join(rendered, "\n"))
}

func (h *Handlers) handleBgClean(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := argsMap(request)

	pids, ok := int64SliceArg(args, "pids")
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'pids' argument"), nil
	}
	if len(pids) == 0 {
		return textResult("No process IDs provided to clean up"), nil
	}

	var cleaned, running, failed []supervisor.CleanResult
	for _, result := range h.sup.Clean(pids) {
		switch result.Outcome {
		case supervisor.CleanOutcomeCleaned:
			cleaned = append(cleaned, result)
		case supervisor.CleanOutcomeStillRunning:
			running = append(running, result)
		default:
			failed = append(failed, result)
		}
	}

	var lines []string
	if len(cleaned) > 0 {
		lines = append(lines, fmt.Sprintf("**Successfully cleaned %d processes:**", len(cleaned)))
		for _, r := range cleaned {
			lines = append(lines, fmt.Sprintf("- PID: %d | Command: %s", r.PID, truncate(r.Command, 30)))
		}
	}
	if len(running) > 0 {
		lines = append(lines, fmt.Sprintf("\n**Unable to clean %d running processes:**", len(running)))
		lines = append(lines, "Note: Cannot clean running processes. Stop them first with `shell_bg_stop()`.")
		for _, r := range running {
			lines = append(lines, fmt.Sprintf("- PID: %d | Command: %s", r.PID, truncate(r.Command, 30)))
		}
	}
	if len(failed) > 0 {
		lines = append(lines, fmt.Sprintf("\n**Failed to clean %d processes:**", len(failed)))
		for _, r := range failed {
			lines = append(lines, fmt.Sprintf("- PID: %d | Reason: Process not found", r.PID))
		}
	}
	if len(lines) == 0 {
		lines = append(lines, "No processes were processed.")
	}
	return textResult(strings.Join(lines, "\n")), nil
}

func (h *Handlers) handleBgDetail(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := argsMap(request)

	pid, ok := requirePID(args)
	if !ok {
		return mcp.NewToolResultError("Missing or invalid 'pid' argument"), nil
	}
	info, exists := h.sup.Get(pid)
	if !exists {
		return errResult(fmt.Errorf("Process %d not found", pid)), nil
	}

	lines := []string{fmt.Sprintf("**Process Details for PID %d**", pid)}

	lines = append(lines, "\n**Basic Information:**")
	lines = append(lines, fmt.Sprintf("Command: `%s`", info.CommandLine()))
	lines = append(lines, fmt.Sprintf("Status: %s", info.Status))
	lines = append(lines, fmt.Sprintf("Working Directory: %s", info.Directory))
	lines = append(lines, fmt.Sprintf("Description: %s", info.Description))
	if len(info.Labels) > 0 {
		lines = append(lines, fmt.Sprintf("Labels: %s", strings.Join(info.Labels, ", ")))
	}

	lines = append(lines, "\n**Timing Information:**")
	lines = append(lines, fmt.Sprintf("Started: %s", info.StartTime.Format("2006-01-02 15:04:05")))
	if info.EndTime != nil {
		lines = append(lines, fmt.Sprintf("Ended: %s", info.EndTime.Format("2006-01-02 15:04:05")))
	}
	lines = append(lines, fmt.Sprintf("Duration: %s", info.Duration().Truncate(time.Second)))
	if info.ExitCode != nil {
		lines = append(lines, fmt.Sprintf("Exit Code: %d", *info.ExitCode))
	}
	if info.ErrorMessage != "" {
		lines = append(lines, fmt.Sprintf("Error: %s", info.ErrorMessage))
	}

	lines = append(lines, "\n**Output Information:**")
	lines = append(lines, fmt.Sprintf("To view standard output: `shell_bg_logs(pid=%d)`", pid))
	lines = append(lines, fmt.Sprintf("To view error output: `shell_bg_logs(pid=%d, with_stderr=true)`", pid))

	lines = append(lines, "\n**Control Commands:**")
	if info.Status == supervisor.StatusRunning {
		lines = append(lines, fmt.Sprintf("Stop the process: `shell_bg_stop(pid=%d)`", pid))
		lines = append(lines, fmt.Sprintf("Force stop the process: `shell_bg_stop(pid=%d, force=true)`", pid))
	} else {
		lines = append(lines, fmt.Sprintf("Clean up the process: `shell_bg_clean(pids=[%d])`", pid))
	}
	return textResult(strings.Join(lines, "\n")), nil
}

func requirePID(args map[string]any) (int64, bool) {
	v, exists := args["pid"]
	if !exists {
		return 0, false
	}
	out, ok := int64SliceArg(map[string]any{"pid": []any{v}}, "pid")
	if !ok || len(out) != 1 {
		return 0, false
	}
	return out[0], true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func statusList() string {
	parts := make([]string, 0, len(supervisor.Statuses))
	for _, s := range supervisor.Statuses {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ", ")
}
