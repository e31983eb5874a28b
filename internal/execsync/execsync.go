// Package execsync runs one allow-listed command to completion and captures
// its full output. The child is always spawned from the explicit argument
// vector; no shell ever interprets the command.
package execsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shellmcp/shellmcp/internal/applog"
	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/iox"
	"github.com/shellmcp/shellmcp/internal/proc"
	"github.com/shellmcp/shellmcp/internal/validate"
)

// Status classifies how an execution ended.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// graceWindow is how long a timed-out child gets between the terminate
// signal and the forced kill.
const graceWindow = 1 * time.Second

// Request describes one synchronous execution.
type Request struct {
	Command   []string
	Directory string
	Stdin     string
	Timeout   int // seconds; <= 0 is an immediate timeout
	Envs      map[string]string
	Encoding  string // empty means the configured default
}

// Result is the outcome of a synchronous execution.
type Result struct {
	ExitCode      int
	Stdout        string
	Stderr        string
	ExecutionTime float64 // seconds
	Status        Status
}

// Executor validates, spawns, supervises and decodes synchronous commands.
type Executor struct {
	cfg *config.Config
	log *applog.Logger
}

// New returns an Executor bound to the given configuration and log.
func New(cfg *config.Config, log *applog.Logger) *Executor {
	return &Executor{cfg: cfg, log: log}
}

// Execute runs the request to completion. Validation and spawn failures are
// returned as errors; a timed-out or failing child is a normal Result.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if err := validate.Command(req.Command, e.cfg.IsAllowed); err != nil {
		return nil, err
	}
	if err := validate.Directory(req.Directory); err != nil {
		return nil, err
	}
	encName := req.Encoding
	if encName == "" {
		encName = e.cfg.DefaultEncoding
	}
	enc, err := iox.ResolveEncoding(encName)
	if err != nil {
		return nil, err
	}

	traceID := uuid.New().String()
	e.log.Info("exec", fmt.Sprintf("run %s", req.Command[0]),
		fmt.Sprintf("trace=%s argv=%q dir=%s timeout=%ds", traceID, req.Command, req.Directory, req.Timeout))

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Directory
	cmd.Env = ChildEnv(e.cfg, req.Envs)
	proc.SetGroup(cmd)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("Failed to create stdin pipe: %v", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("Failed to create stdout pipe: %v", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("Failed to create stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("Failed to start process: %v", err)
	}
	osPID := cmd.Process.Pid

	go func() {
		if req.Stdin != "" {
			io.WriteString(stdinPipe, req.Stdin)
		}
		stdinPipe.Close()
	}()

	var stdoutBuf, stderrBuf bytes.Buffer
	var drains sync.WaitGroup
	drains.Add(2)
	go func() {
		defer drains.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer drains.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	waitCh := make(chan error, 1)
	go func() {
		drains.Wait()
		waitCh <- cmd.Wait()
	}()

	var timeout time.Duration
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-waitCh:
		return e.finish(start, enc, &stdoutBuf, &stderrBuf, waitErr), nil

	case <-ctx.Done():
		proc.Kill(osPID)
		<-waitCh
		return nil, ctx.Err()

	case <-timer.C:
		e.log.Warn("exec", fmt.Sprintf("timeout after %ds, terminating", req.Timeout),
			fmt.Sprintf("trace=%s os_pid=%d", traceID, osPID))
		proc.Terminate(osPID)
		grace := time.NewTimer(graceWindow)
		defer grace.Stop()
		select {
		case <-waitCh:
		case <-grace.C:
			proc.Kill(osPID)
			<-waitCh
		}
		stderr := enc.Decode(stderrBuf.Bytes())
		if stderr != "" && !strings.HasSuffix(stderr, "\n") {
			stderr += "\n"
		}
		stderr += fmt.Sprintf("Command timed out after %ds", req.Timeout)
		return &Result{
			ExitCode:      -1,
			Stdout:        enc.Decode(stdoutBuf.Bytes()),
			Stderr:        stderr,
			ExecutionTime: time.Since(start).Seconds(),
			Status:        StatusTimeout,
		}, nil
	}
}

func (e *Executor) finish(start time.Time, enc *iox.Encoding, stdoutBuf, stderrBuf *bytes.Buffer, waitErr error) *Result {
	res := &Result{
		Stdout:        enc.Decode(stdoutBuf.Bytes()),
		Stderr:        enc.Decode(stderrBuf.Bytes()),
		ExecutionTime: time.Since(start).Seconds(),
	}
	switch err := waitErr.(type) {
	case nil:
		res.ExitCode = 0
		res.Status = StatusSuccess
	case *exec.ExitError:
		res.ExitCode = err.ExitCode()
		res.Status = StatusFailure
	default:
		res.ExitCode = -1
		res.Status = StatusError
		if res.Stderr != "" && !strings.HasSuffix(res.Stderr, "\n") {
			res.Stderr += "\n"
		}
		res.Stderr += waitErr.Error()
	}
	return res
}

// ChildEnv builds a child environment: the parent environment, the
// configured shell path, then the per-request variables (later entries win).
func ChildEnv(cfg *config.Config, envs map[string]string) []string {
	env := os.Environ()
	if runtime.GOOS == "windows" {
		env = append(env, "COMSPEC="+cfg.ShellPath)
	} else {
		env = append(env, "SHELL="+cfg.ShellPath)
	}
	for k, v := range envs {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
