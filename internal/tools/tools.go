// Package tools exposes the shell gateway over MCP: the synchronous
// shell_execute tool and the shell_bg_* family over the background
// supervisor. The handlers are the error firewall — no domain error or
// panic ever propagates into the transport.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/shellmcp/shellmcp/internal/applog"
	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/execsync"
	"github.com/shellmcp/shellmcp/internal/supervisor"
)

// DefaultTimeout is the shell_execute timeout in seconds when the caller
// does not set one.
const DefaultTimeout = 15

// DefaultLimitLines caps each response block's line count by default.
const DefaultLimitLines = 500

// Handlers binds the tool implementations to their collaborators.
type Handlers struct {
	cfg  *config.Config
	log  *applog.Logger
	exec *execsync.Executor
	sup  *supervisor.Supervisor
}

// New wires the handler set.
func New(cfg *config.Config, log *applog.Logger, exec *execsync.Executor, sup *supervisor.Supervisor) *Handlers {
	return &Handlers{cfg: cfg, log: log, exec: exec, sup: sup}
}

// Register defines the seven tools on the MCP server.
func (h *Handlers) Register(s *server.MCPServer) {
	allowed := strings.Join(h.cfg.AllowedList(), ", ")

	executeTool := mcp.NewTool(
		"shell_execute",
		mcp.WithDescription(fmt.Sprintf("Execute a shell command **in foreground**. Allowed commands: %s", allowed)),
		mcp.WithArray("command",
			mcp.Required(),
			mcp.Description("Command and its arguments as array"),
		),
		mcp.WithString("directory",
			mcp.Required(),
			mcp.Description("Absolute path to the working directory where the command will be executed"),
		),
		mcp.WithString("stdin",
			mcp.Description("Input to be passed to the command via stdin"),
		),
		mcp.WithNumber("timeout",
			mcp.DefaultNumber(DefaultTimeout),
			mcp.Description("Maximum execution time in seconds"),
		),
		mcp.WithString("encoding",
			mcp.Description("Character encoding for command output (e.g. 'utf-8', 'gbk', 'cp936')"),
		),
		mcp.WithObject("envs",
			mcp.Description("Additional environment variables for the command"),
		),
		mcp.WithNumber("limit_lines",
			mcp.DefaultNumber(DefaultLimitLines),
			mcp.Description("Maximum number of lines to return in each output section"),
		),
	)

	bgStartTool := mcp.NewTool(
		"shell_bg_start",
		mcp.WithDescription(fmt.Sprintf("Start a command **in background** and return its ID. Allowed commands: %s", allowed)),
		mcp.WithArray("command",
			mcp.Required(),
			mcp.Description("Command and its arguments as array"),
		),
		mcp.WithString("directory",
			mcp.Required(),
			mcp.Description("Absolute path to the working directory where the command will be executed"),
		),
		mcp.WithString("description",
			mcp.Required(),
			mcp.Description("Description of the command (required)"),
		),
		mcp.WithArray("labels",
			mcp.Description("Labels to categorize the command"),
		),
		mcp.WithString("stdin",
			mcp.Description("Input to be passed to the command via stdin"),
		),
		mcp.WithObject("envs",
			mcp.Description("Additional environment variables for the command"),
		),
		mcp.WithString("encoding",
			mcp.Description("Character encoding for command output (e.g. 'utf-8', 'gbk', 'cp936')"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Maximum execution time in seconds; omit to run without a limit"),
		),
	)

	bgListTool := mcp.NewTool(
		"shell_bg_list",
		mcp.WithDescription("List background processes with optional label and status filtering"),
		mcp.WithArray("labels",
			mcp.Description("Only list processes carrying every one of these labels"),
		),
		mcp.WithString("status",
			mcp.Description("Filter processes by status"),
			mcp.Enum("running", "completed", "failed", "terminated", "error"),
		),
	)

	bgStopTool := mcp.NewTool(
		"shell_bg_stop",
		mcp.WithDescription("Stop a background process"),
		mcp.WithNumber("pid",
			mcp.Required(),
			mcp.Description("ID of the process to stop"),
		),
		mcp.WithBoolean("force",
			mcp.DefaultBool(false),
			mcp.Description("Whether to force stop the process"),
		),
	)

	bgLogsTool := mcp.NewTool(
		"shell_bg_logs",
		mcp.WithDescription("Get output from a background process, similar to 'docker logs'"),
		mcp.WithNumber("pid",
			mcp.Required(),
			mcp.Description("ID of the process to get output from"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Number of lines to show from the end (0 = all)"),
		),
		mcp.WithString("since",
			mcp.Description("Show logs since timestamp (e.g. '2021-01-01T00:00:00')"),
		),
		mcp.WithString("until",
			mcp.Description("Show logs until timestamp (e.g. '2021-01-01T00:00:00')"),
		),
		mcp.WithBoolean("with_stdout",
			mcp.DefaultBool(true),
			mcp.Description("Show standard output"),
		),
		mcp.WithBoolean("with_stderr",
			mcp.DefaultBool(false),
			mcp.Description("Show error output"),
		),
		mcp.WithBoolean("add_time_prefix",
			mcp.DefaultBool(true),
			mcp.Description("Add timestamp prefix to each output line"),
		),
		mcp.WithString("time_prefix_format",
			mcp.Description("Format of the timestamp prefix, using strftime format"),
		),
		mcp.WithNumber("follow_seconds",
			mcp.DefaultNumber(1),
			mcp.Description("Wait up to this many seconds for new logs. If 0, return immediately"),
		),
		mcp.WithNumber("limit_lines",
			mcp.DefaultNumber(DefaultLimitLines),
			mcp.Description("Maximum number of lines to return in each output section"),
		),
	)

	bgCleanTool := mcp.NewTool(
		"shell_bg_clean",
		mcp.WithDescription("Clean background processes that have completed or failed"),
		mcp.WithArray("pids",
			mcp.Required(),
			mcp.Description("IDs of the processes to clean"),
		),
	)

	bgDetailTool := mcp.NewTool(
		"shell_bg_detail",
		mcp.WithDescription("Get detailed information about a specific background process"),
		mcp.WithNumber("pid",
			mcp.Required(),
			mcp.Description("ID of the process to get details for"),
		),
	)

	s.AddTool(executeTool, h.firewall(h.handleShellExecute))
	s.AddTool(bgStartTool, h.firewall(h.handleBgStart))
	s.AddTool(bgListTool, h.firewall(h.handleBgList))
	s.AddTool(bgStopTool, h.firewall(h.handleBgStop))
	s.AddTool(bgLogsTool, h.firewall(h.handleBgLogs))
	s.AddTool(bgCleanTool, h.firewall(h.handleBgClean))
	s.AddTool(bgDetailTool, h.firewall(h.handleBgDetail))
}

// firewall keeps panics out of the transport: a recovered panic becomes a
// plain error block.
func (h *Handlers) firewall(fn server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				h.log.Error("tools", "handler panic", fmt.Sprintf("%v", r))
				result = mcp.NewToolResultError(fmt.Sprintf("error: %v", r))
				err = nil
			}
		}()
		return fn(ctx, request)
	}
}

// textResult assembles an ordered multi-block text response.
func textResult(blocks ...string) *mcp.CallToolResult {
	contents := make([]mcp.Content, 0, len(blocks))
	for _, block := range blocks {
		contents = append(contents, mcp.NewTextContent(block))
	}
	return &mcp.CallToolResult{Content: contents}
}

// errResult renders a domain error as the single "error: ..." block the
// wire contract requires.
func errResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("error: %s", err.Error()))
}
