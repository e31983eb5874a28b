// Package supervisor owns the registry of background processes: it spawns
// them, tails their output into bounded timestamped buffers, enforces
// per-process timeouts, answers filtered queries, and garbage-collects
// terminal records after the retention window.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shellmcp/shellmcp/internal/applog"
	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/execsync"
	"github.com/shellmcp/shellmcp/internal/iox"
	"github.com/shellmcp/shellmcp/internal/proc"
	"github.com/shellmcp/shellmcp/internal/validate"
)

// DefaultGraceWindow is how long a graceful stop waits before escalating to
// a forced kill.
const DefaultGraceWindow = 5 * time.Second

// StartSpec describes one background process to launch.
type StartSpec struct {
	Command     []string
	Directory   string
	Description string
	Labels      []string
	Stdin       string
	Envs        map[string]string
	Encoding    string // empty means the configured default
	Timeout     int    // seconds; 0 = unlimited
}

// Filter narrows List results. Labels use AND semantics; Status is an exact
// match. Zero values mean "no filter".
type Filter struct {
	Labels []string
	Status Status
}

// OutputQuery selects log lines from a process.
type OutputQuery struct {
	Tail          int // 0 = all
	Since         *time.Time
	Until         *time.Time
	Stdout        bool
	Stderr        bool
	FollowSeconds int
}

// OutputResult carries the record snapshot plus the requested streams.
type OutputResult struct {
	Info   Info
	Stdout []LogLine
	Stderr []LogLine
}

// CleanOutcome classifies what Clean did with one pid.
type CleanOutcome string

const (
	CleanOutcomeCleaned      CleanOutcome = "cleaned"
	CleanOutcomeStillRunning CleanOutcome = "still_running"
	CleanOutcomeNotFound     CleanOutcome = "not_found"
)

// CleanResult is the per-pid outcome of a Clean call.
type CleanResult struct {
	PID     int64
	Outcome CleanOutcome
	Command string
}

// Supervisor is the concurrent registry of background processes. It has an
// explicit lifecycle: created at server start, drained by Shutdown.
type Supervisor struct {
	cfg *config.Config
	log *applog.Logger

	// GraceWindow is the stop-escalation window. Exposed so tests can
	// shorten it.
	GraceWindow time.Duration

	mu      sync.RWMutex
	procs   map[int64]*Process
	lastPID atomic.Int64

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New returns an empty Supervisor. Call StartRetentionSweep to arm the
// garbage collector and Shutdown to drain everything at server exit.
func New(cfg *config.Config, log *applog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		log:         log,
		GraceWindow: DefaultGraceWindow,
		procs:       make(map[int64]*Process),
	}
}

// Start validates the spec, allocates the next pid and launches the child.
// Validation failures return an error and no pid; a spawn failure still
// registers the record (status error) and returns its pid.
func (s *Supervisor) Start(spec StartSpec) (int64, error) {
	if err := validate.Command(spec.Command, s.cfg.IsAllowed); err != nil {
		return 0, err
	}
	if err := validate.Directory(spec.Directory); err != nil {
		return 0, err
	}
	encName := spec.Encoding
	if encName == "" {
		encName = s.cfg.DefaultEncoding
	}
	enc, err := iox.ResolveEncoding(encName)
	if err != nil {
		return 0, err
	}

	pid := s.lastPID.Add(1)
	p := &Process{
		pid:         pid,
		traceID:     uuid.New().String(),
		command:     append([]string(nil), spec.Command...),
		directory:   spec.Directory,
		description: spec.Description,
		labels:      append([]string(nil), spec.Labels...),
		envs:        spec.Envs,
		encoding:    enc.Name(),
		timeout:     spec.Timeout,
		status:      StatusRunning,
		startTime:   time.Now(),
		stdout:      newLogBuffer(s.cfg.MaxLogLines, s.cfg.MaxLogBytes),
		stderr:      newLogBuffer(s.cfg.MaxLogLines, s.cfg.MaxLogBytes),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[pid] = p
	s.mu.Unlock()

	s.log.Info("supervisor", fmt.Sprintf("start pid %d: %s", pid, spec.Command[0]),
		fmt.Sprintf("trace=%s argv=%q dir=%s timeout=%ds", p.traceID, spec.Command, spec.Directory, spec.Timeout))

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Directory
	cmd.Env = execsync.ChildEnv(s.cfg, spec.Envs)
	proc.SetGroup(cmd)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		s.failSpawn(p, err)
		return pid, nil
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		s.failSpawn(p, err)
		return pid, nil
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		s.failSpawn(p, err)
		return pid, nil
	}
	if err := cmd.Start(); err != nil {
		s.failSpawn(p, err)
		return pid, nil
	}

	p.mu.Lock()
	p.cmd = cmd
	p.osPID = cmd.Process.Pid
	p.mu.Unlock()

	go func() {
		if spec.Stdin != "" {
			io.WriteString(stdinPipe, spec.Stdin)
		}
		stdinPipe.Close()
	}()

	var readers sync.WaitGroup
	readers.Add(2)
	go readStream(stdoutPipe, p.stdout, enc, &readers)
	go readStream(stderrPipe, p.stderr, enc, &readers)

	if spec.Timeout > 0 {
		go s.watchdog(p, spec.Timeout)
	}

	go func() {
		readers.Wait()
		s.complete(p, cmd.Wait())
	}()

	return pid, nil
}

// failSpawn records a spawn failure on an already-registered record.
func (s *Supervisor) failSpawn(p *Process, err error) {
	now := time.Now()
	p.mu.Lock()
	p.status = StatusError
	p.errorMessage = err.Error()
	p.endTime = &now
	p.mu.Unlock()
	close(p.done)
	s.log.Error("supervisor", fmt.Sprintf("spawn failed for pid %d", p.pid),
		fmt.Sprintf("trace=%s err=%v", p.traceID, err))
}

// readStream tails one pipe line by line into the buffer, decoding with
// replacement. A partial final line is flushed on EOF.
func readStream(pipe io.ReadCloser, buf *logBuffer, enc *iox.Encoding, readers *sync.WaitGroup) {
	defer readers.Done()
	defer pipe.Close()

	r := bufio.NewReader(pipe)
	for {
		chunk, err := r.ReadString('\n')
		if len(chunk) > 0 {
			buf.append(enc.Decode([]byte(strings.TrimRight(chunk, "\r\n"))))
		}
		if err != nil {
			return
		}
	}
}

// watchdog terminates the process through the stop path once its timeout
// elapses.
func (s *Supervisor) watchdog(p *Process, timeout int) {
	timer := time.NewTimer(time.Duration(timeout) * time.Second)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		select {
		case <-p.done:
			return
		default:
		}
		p.stderr.append(fmt.Sprintf("Process timed out after %d seconds", timeout))
		s.log.Warn("supervisor", fmt.Sprintf("pid %d timed out after %ds", p.pid, timeout),
			fmt.Sprintf("trace=%s", p.traceID))
		s.Stop(p.pid, false)
	}
}

// complete records the terminal state once the child has exited and both
// readers have drained.
func (s *Supervisor) complete(p *Process, waitErr error) {
	now := time.Now()

	p.mu.Lock()
	p.endTime = &now

	exitCode := 0
	switch err := waitErr.(type) {
	case nil:
	case *exec.ExitError:
		exitCode = err.ExitCode()
	default:
		p.status = StatusError
		p.errorMessage = waitErr.Error()
		p.mu.Unlock()
		close(p.done)
		s.log.Error("supervisor", fmt.Sprintf("pid %d wait failed", p.pid),
			fmt.Sprintf("trace=%s err=%v", p.traceID, waitErr))
		return
	}

	p.exitCode = &exitCode
	switch {
	case p.stopRequested:
		p.status = StatusTerminated
	case exitCode == 0:
		p.status = StatusCompleted
	default:
		p.status = StatusFailed
	}
	status := p.status
	p.mu.Unlock()
	close(p.done)

	s.log.Info("supervisor", fmt.Sprintf("pid %d %s (exit %d)", p.pid, status, exitCode),
		fmt.Sprintf("trace=%s", p.traceID))
}

func (s *Supervisor) lookup(pid int64) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[pid]
	return p, ok
}

// Get returns a snapshot of one record.
func (s *Supervisor) Get(pid int64) (Info, bool) {
	p, ok := s.lookup(pid)
	if !ok {
		return Info{}, false
	}
	return p.Info(), true
}

// List returns snapshots matching the filter, ordered by start time
// ascending (pid breaks ties).
func (s *Supervisor) List(f Filter) []Info {
	s.mu.RLock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		info := p.Info()
		if f.Status != "" && info.Status != f.Status {
			continue
		}
		if len(f.Labels) > 0 && !info.HasLabels(f.Labels) {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].PID < out[j].PID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Stop requests termination and returns without waiting. force sends the
// kill signal immediately; otherwise the process gets GraceWindow to exit
// before the supervisor escalates and annotates the record.
func (s *Supervisor) Stop(pid int64, force bool) error {
	p, ok := s.lookup(pid)
	if !ok {
		return fmt.Errorf("Process %d not found", pid)
	}

	p.mu.Lock()
	if p.status != StatusRunning || p.osPID == 0 {
		p.mu.Unlock()
		return errors.New("Process is not running")
	}
	p.stopRequested = true
	osPID := p.osPID
	p.mu.Unlock()

	if force {
		s.log.Info("supervisor", fmt.Sprintf("force kill pid %d", pid), fmt.Sprintf("trace=%s", p.traceID))
		proc.Kill(osPID)
		return nil
	}

	s.log.Info("supervisor", fmt.Sprintf("terminate pid %d", pid), fmt.Sprintf("trace=%s", p.traceID))
	proc.Terminate(osPID)

	go func() {
		grace := time.NewTimer(s.GraceWindow)
		defer grace.Stop()
		select {
		case <-p.done:
		case <-grace.C:
			p.mu.Lock()
			stillRunning := p.status == StatusRunning
			if stillRunning {
				p.errorMessage = "escalated to force kill"
			}
			p.mu.Unlock()
			if stillRunning {
				s.log.Warn("supervisor", fmt.Sprintf("pid %d ignored terminate, escalating", pid),
					fmt.Sprintf("trace=%s", p.traceID))
				proc.Kill(osPID)
			}
		}
	}()
	return nil
}

// Output returns the requested log streams after the time/tail filters.
// With FollowSeconds > 0 on a running process it first waits up to that
// long for any watched stream to grow.
func (s *Supervisor) Output(pid int64, q OutputQuery) (*OutputResult, error) {
	p, ok := s.lookup(pid)
	if !ok {
		return nil, fmt.Errorf("Process %d not found", pid)
	}

	if q.FollowSeconds > 0 && !p.Info().Status.Terminal() {
		s.follow(p, q)
	}

	res := &OutputResult{Info: p.Info()}
	if q.Stdout {
		res.Stdout = filterLines(p.stdout.snapshot(), q)
	}
	if q.Stderr {
		res.Stderr = filterLines(p.stderr.snapshot(), q)
	}
	return res, nil
}

// follow blocks until a watched stream grows, the process exits, or the
// follow window elapses — whichever comes first.
func (s *Supervisor) follow(p *Process, q OutputQuery) {
	deadline := time.NewTimer(time.Duration(q.FollowSeconds) * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	baseStdout := p.stdout.generation()
	baseStderr := p.stderr.generation()

	for {
		select {
		case <-p.done:
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			if q.Stdout && p.stdout.generation() != baseStdout {
				return
			}
			if q.Stderr && p.stderr.generation() != baseStderr {
				return
			}
		}
	}
}

func filterLines(lines []LogLine, q OutputQuery) []LogLine {
	if q.Since != nil || q.Until != nil {
		filtered := lines[:0:0]
		for _, line := range lines {
			if q.Since != nil && line.Timestamp.Before(*q.Since) {
				continue
			}
			if q.Until != nil && line.Timestamp.After(*q.Until) {
				continue
			}
			filtered = append(filtered, line)
		}
		lines = filtered
	}
	if q.Tail > 0 && len(lines) > q.Tail {
		lines = lines[len(lines)-q.Tail:]
	}
	return lines
}

// Clean removes terminal records. Running records are refused, unknown pids
// reported; the caller gets a per-pid classification.
func (s *Supervisor) Clean(pids []int64) []CleanResult {
	results := make([]CleanResult, 0, len(pids))
	for _, pid := range pids {
		s.mu.Lock()
		p, ok := s.procs[pid]
		if !ok {
			s.mu.Unlock()
			results = append(results, CleanResult{PID: pid, Outcome: CleanOutcomeNotFound})
			continue
		}
		info := p.Info()
		if !info.Status.Terminal() {
			s.mu.Unlock()
			results = append(results, CleanResult{PID: pid, Outcome: CleanOutcomeStillRunning, Command: info.CommandLine()})
			continue
		}
		delete(s.procs, pid)
		s.mu.Unlock()
		s.log.Info("supervisor", fmt.Sprintf("cleaned pid %d", pid))
		results = append(results, CleanResult{PID: pid, Outcome: CleanOutcomeCleaned, Command: info.CommandLine()})
	}
	return results
}

// StartRetentionSweep arms the periodic removal of terminal records older
// than the retention window.
func (s *Supervisor) StartRetentionSweep() {
	period := s.cfg.RetentionSeconds
	if period > 60 {
		period = 60
	}
	if period < 1 {
		period = 1
	}

	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(time.Duration(period) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.sweepStop:
				return
			case <-ticker.C:
				s.sweepExpired(time.Now())
			}
		}
	}()
}

// sweepExpired removes terminal records whose end time is older than the
// retention window. The registry lock is held only briefly per record.
func (s *Supervisor) sweepExpired(now time.Time) int {
	retention := time.Duration(s.cfg.RetentionSeconds) * time.Second

	s.mu.RLock()
	candidates := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		candidates = append(candidates, p)
	}
	s.mu.RUnlock()

	removed := 0
	for _, p := range candidates {
		info := p.Info()
		if !info.Status.Terminal() || info.EndTime == nil {
			continue
		}
		if now.Sub(*info.EndTime) <= retention {
			continue
		}
		s.mu.Lock()
		delete(s.procs, info.PID)
		s.mu.Unlock()
		removed++
		s.log.Info("supervisor", fmt.Sprintf("retention removed pid %d", info.PID))
	}
	return removed
}

// Shutdown stops the sweep and drains the registry: running processes get a
// terminate signal, a short grace period, then a forced kill. All
// supervised processes die with the server.
func (s *Supervisor) Shutdown() {
	if s.sweepStop != nil {
		close(s.sweepStop)
		<-s.sweepDone
		s.sweepStop = nil
	}

	s.mu.RLock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	running := procs[:0:0]
	for _, p := range procs {
		p.mu.Lock()
		if p.status == StatusRunning && p.osPID != 0 {
			p.stopRequested = true
			proc.Terminate(p.osPID)
			running = append(running, p)
		}
		p.mu.Unlock()
	}
	if len(running) == 0 {
		return
	}

	deadline := time.Now().Add(s.GraceWindow)
	for time.Now().Before(deadline) {
		allDone := true
		for _, p := range running {
			if !p.Info().Status.Terminal() {
				allDone = false
				break
			}
		}
		if allDone {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, p := range running {
		if !p.Info().Status.Terminal() {
			s.log.Emergency("supervisor", fmt.Sprintf("force killing pid %d at shutdown", p.pid))
			proc.Kill(p.osPID)
		}
	}
}
