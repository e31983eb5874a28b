package supervisor

import (
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a background process. Every state other
// than running is terminal.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
)

// Statuses lists every valid status value, for argument validation.
var Statuses = []Status{StatusRunning, StatusCompleted, StatusFailed, StatusTerminated, StatusError}

// ValidStatus reports whether s names a known status.
func ValidStatus(s string) bool {
	for _, known := range Statuses {
		if string(known) == s {
			return true
		}
	}
	return false
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Process is one supervised background process. Mutable fields are guarded
// by mu; the log buffers carry their own locks so slow log reads never hold
// up state transitions.
type Process struct {
	mu sync.RWMutex

	pid         int64
	osPID       int
	traceID     string
	command     []string
	directory   string
	description string
	labels      []string
	envs        map[string]string
	encoding    string
	timeout     int // seconds, 0 = unlimited

	status        Status
	startTime     time.Time
	endTime       *time.Time
	exitCode      *int
	errorMessage  string
	stopRequested bool

	stdout *logBuffer
	stderr *logBuffer

	cmd *exec.Cmd
	// done is closed once the completion goroutine has recorded the
	// terminal state.
	done chan struct{}
}

// Info is an immutable snapshot of a Process, safe to hand to callers and
// to serialize on the admin API.
type Info struct {
	PID          int64      `json:"pid"`
	OSPID        int        `json:"os_pid,omitempty"`
	TraceID      string     `json:"trace_id,omitempty"`
	Command      []string   `json:"command"`
	Directory    string     `json:"directory"`
	Description  string     `json:"description"`
	Labels       []string   `json:"labels"`
	Encoding     string     `json:"encoding"`
	Timeout      int        `json:"timeout,omitempty"`
	Status       Status     `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Info takes a consistent snapshot of the record.
func (p *Process) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info := Info{
		PID:          p.pid,
		OSPID:        p.osPID,
		TraceID:      p.traceID,
		Command:      append([]string(nil), p.command...),
		Directory:    p.directory,
		Description:  p.description,
		Labels:       append([]string(nil), p.labels...),
		Encoding:     p.encoding,
		Timeout:      p.timeout,
		Status:       p.status,
		StartTime:    p.startTime,
		ErrorMessage: p.errorMessage,
	}
	if p.endTime != nil {
		end := *p.endTime
		info.EndTime = &end
	}
	if p.exitCode != nil {
		code := *p.exitCode
		info.ExitCode = &code
	}
	return info
}

// CommandLine renders the argument vector as a display string.
func (i Info) CommandLine() string {
	return strings.Join(i.Command, " ")
}

// Duration is end−start, or now−start while running.
func (i Info) Duration() time.Duration {
	if i.EndTime != nil {
		return i.EndTime.Sub(i.StartTime)
	}
	return time.Since(i.StartTime)
}

// HasLabels reports whether every requested label is present on the record.
func (i Info) HasLabels(labels []string) bool {
	for _, want := range labels {
		found := false
		for _, have := range i.Labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
