// Package supervisor runs one runner subprocess per job, enforces its
// timeout and reaps whatever browser processes it leaves behind.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"listing-batch/internal/events"
	"listing-batch/internal/model"
	"listing-batch/internal/reaper"
	"listing-batch/internal/runstore"
)

// Outcome reasons.
const (
	ReasonCompleted = "completed"
	ReasonTimeout   = "timeout"
	ReasonCrash     = "crash"
	ReasonKilled    = "killed"
)

const (
	// GracePeriod separates the terminate and kill signals.
	GracePeriod = 10 * time.Second
	reapTimeout = 30 * time.Second
	maxKeep     = 8192
)

// Reaper removes account-tagged processes left after a job.
type Reaper interface {
	Reap(ctx context.Context, tag string, rootPID int32) (reaper.Report, error)
}

// ReapError flags a job whose browser processes refused to die.
type ReapError struct {
	Tag       string
	Survivors []int32
	Err       error
}

func (e *ReapError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reap %s: %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("reap %s: %d processes survived kill: %v", e.Tag, len(e.Survivors), e.Survivors)
}

func (e *ReapError) Unwrap() error { return e.Err }

type Outcome struct {
	JobID      string           `json:"job_id"`
	AccountID  string           `json:"account_id"`
	Step       model.StepID     `json:"step"`
	Server     string           `json:"server"`
	Success    bool             `json:"success"`
	ExitCode   int              `json:"exit_code"`
	Reason     string           `json:"reason"`
	PID        int              `json:"pid"`
	Timeout    time.Duration    `json:"timeout"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	LogPath    string           `json:"log_path,omitempty"`
	Result     *model.RunResult `json:"result,omitempty"`
	Reap       reaper.Report    `json:"reap"`
	ReapErr    error            `json:"-"`
	Message    string           `json:"message,omitempty"`
}

// ActiveJob is a runner the supervisor is currently waiting on.
type ActiveJob struct {
	JobID     string       `json:"job_id"`
	AccountID string       `json:"account_id"`
	Step      model.StepID `json:"step"`
	PID       int          `json:"pid"`
	StartedAt time.Time    `json:"started_at"`
}

type Supervisor struct {
	// Command is the runner executable; empty means this binary.
	Command string
	Paths   Paths
	Reaper  Reaper
	Bus     *events.Bus
	RunID   string
	Grace   time.Duration
	// TimeoutFor overrides the workload timeout.
	TimeoutFor func(model.RunJob) time.Duration
	// Stdout, when set, receives runner output as it streams.
	Stdout io.Writer
	Now    func() time.Time

	mu     sync.Mutex
	active map[int]*activeProc
}

type activeProc struct {
	job     ActiveJob
	stopReq chan string
}

func New(paths Paths, bus *events.Bus) *Supervisor {
	return &Supervisor{
		Paths:  paths,
		Reaper: reaper.New(),
		Bus:    bus,
		Grace:  GracePeriod,
	}
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Supervisor) command() (string, error) {
	if strings.TrimSpace(s.Command) != "" {
		return s.Command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve runner executable: %w", err)
	}
	return exe, nil
}

// Run spawns the runner for job and blocks until it has exited and its
// processes have been reaped. It never returns an error; the outcome says
// what happened.
func (s *Supervisor) Run(ctx context.Context, job model.RunJob) Outcome {
	timeout := Timeout(job)
	if s.TimeoutFor != nil {
		timeout = s.TimeoutFor(job)
	}
	out := Outcome{
		JobID:     job.ID,
		AccountID: job.AccountID,
		Step:      job.Step,
		Server:    job.ServerTag,
		ExitCode:  -1,
		Timeout:   timeout,
		StartedAt: s.now(),
	}
	fields := events.Event{RunID: s.RunID, JobID: job.ID, Account: job.AccountID, Step: string(job.Step)}

	if s.busy(job.AccountID) {
		out.Reason = ReasonCrash
		out.Message = "another job for this account is still running"
		out.FinishedAt = s.now()
		return out
	}

	exe, err := s.command()
	if err != nil {
		return s.failStart(out, err)
	}
	cmd := exec.Command(exe, BuildArgs(job, s.Paths)...)
	configureCommand(cmd)
	cmd.WaitDelay = 2 * time.Second

	logW, logPath, err := s.openLog(job)
	if err != nil {
		return s.failStart(out, err)
	}
	if logW != nil {
		defer logW.Close()
	}
	out.LogPath = logPath

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return s.failStart(out, fmt.Errorf("start runner: %w", err))
	}
	pid := cmd.Process.Pid
	out.PID = pid
	stopReq := s.register(pid, job, out.StartedAt)
	defer s.unregister(pid)

	ev := fields
	ev.Kind, ev.PID = events.Spawn, pid
	ev.Fields = map[string]any{"timeout_s": int(timeout / time.Second)}
	s.Bus.Emit(ev)

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		errTail    strings.Builder
		resultLine string
	)
	read := func(stderr bool, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			if logW != nil {
				_, _ = io.WriteString(logW, line+"\n")
			}
			if stderr {
				if strings.HasPrefix(strings.TrimSpace(line), model.ResultLinePrefix) {
					resultLine = line
				} else {
					appendLimited(&errTail, line)
				}
			}
			if s.Stdout != nil {
				_, _ = io.WriteString(s.Stdout, line+"\n")
			}
			mu.Unlock()
		}
		// keep draining so the runner never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
	wg.Add(2)
	go read(false, outR)
	go read(true, errR)

	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = outW.Close()
		_ = errW.Close()
		waitCh <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-waitCh:
		out.Reason = ReasonCompleted
	case <-timer.C:
		out.Reason = ReasonTimeout
		ev := fields
		ev.Kind, ev.PID, ev.Reason = events.Timeout, pid, ReasonTimeout
		ev.Message = fmt.Sprintf("runner exceeded %s", timeout)
		s.Bus.Emit(ev)
		waitErr = s.stop(pid, waitCh, fields)
	case <-ctx.Done():
		out.Reason = ReasonKilled
		waitErr = s.stop(pid, waitCh, fields)
	case why := <-stopReq:
		out.Reason = ReasonKilled
		out.Message = why
		waitErr = s.stop(pid, waitCh, fields)
	}
	wg.Wait()

	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if out.Reason == ReasonCompleted && out.ExitCode != 0 {
		out.Reason = ReasonCrash
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}
	if r, ok := model.ParseResultLine(resultLine); ok {
		out.Result = &r
	}
	out.Success = out.Reason == ReasonCompleted && out.ExitCode == 0
	if out.Message == "" && !out.Success {
		out.Message = s.failureMessage(out, errTail.String(), waitErr)
	}

	s.reap(pid, job, &out, fields)
	out.FinishedAt = s.now()

	ev = fields
	ev.Kind, ev.PID, ev.Reason, ev.ExitCode = events.StepResult, pid, out.Reason, events.Code(out.ExitCode)
	ev.Fields = map[string]any{"success": out.Success, "duration_s": int(out.FinishedAt.Sub(out.StartedAt) / time.Second)}
	if out.Result != nil {
		ev.Fields["processed"] = out.Result.Processed
	}
	ev.Message = out.Message
	s.Bus.Emit(ev)
	return out
}

// stop sends terminate to the runner's group, waits out the grace period,
// then kills. It returns the runner's wait error.
func (s *Supervisor) stop(pid int, waitCh <-chan error, fields events.Event) error {
	_ = signalTerminate(pid)
	grace := s.Grace
	if grace <= 0 {
		grace = GracePeriod
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case err := <-waitCh:
		// the runner is gone; its group may not be
		_ = signalKill(pid)
		return err
	case <-t.C:
	}
	ev := fields
	ev.Kind, ev.PID = events.Kill, pid
	ev.Message = fmt.Sprintf("runner ignored terminate for %s", grace)
	s.Bus.Emit(ev)
	_ = signalKill(pid)
	return <-waitCh
}

func (s *Supervisor) reap(pid int, job model.RunJob, out *Outcome, fields events.Event) {
	// sweep the runner's process group first, then anything tagged outside it
	_ = signalKill(pid)
	if s.Reaper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()
	tag := model.AccountTag(job.AccountID)
	rep, err := s.Reaper.Reap(ctx, tag, int32(pid))
	out.Reap = rep
	if err != nil || len(rep.Survivors) > 0 {
		out.ReapErr = &ReapError{Tag: tag, Survivors: rep.Survivors, Err: err}
	}
	ev := fields
	ev.Kind, ev.PID = events.Reap, pid
	ev.Fields = map[string]any{"tag": tag, "matched": len(rep.Matched), "killed": len(rep.Killed), "survivors": len(rep.Survivors)}
	if out.ReapErr != nil {
		ev.Reason = "reap_failed"
		ev.Message = out.ReapErr.Error()
	}
	s.Bus.Emit(ev)
}

func (s *Supervisor) failureMessage(out Outcome, tail string, waitErr error) string {
	switch {
	case out.Result != nil && len(out.Result.Errors) > 0:
		return out.Result.Errors[len(out.Result.Errors)-1]
	case out.Reason == ReasonTimeout:
		return fmt.Sprintf("timed out after %ds", int(out.Timeout/time.Second))
	}
	lines := strings.Split(strings.TrimSpace(tail), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return last
	}
	if waitErr != nil {
		return waitErr.Error()
	}
	return fmt.Sprintf("runner exited with code %d", out.ExitCode)
}

func (s *Supervisor) failStart(out Outcome, err error) Outcome {
	out.Reason = ReasonCrash
	out.Message = err.Error()
	out.FinishedAt = s.now()
	ev := events.Event{Kind: events.StepResult, RunID: s.RunID, JobID: out.JobID, Account: out.AccountID, Step: string(out.Step), Reason: ReasonCrash, Message: out.Message}
	s.Bus.Emit(ev)
	return out
}

func (s *Supervisor) openLog(job model.RunJob) (io.WriteCloser, string, error) {
	if strings.TrimSpace(s.Paths.ReportDir) == "" {
		return nil, "", nil
	}
	dir := filepath.Join(s.Paths.ReportDir, "logs")
	if err := runstore.Mkdir(dir); err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", runstore.SafeName(job.AccountID), job.Step))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open job log %s: %w", path, err)
	}
	return f, path, nil
}

func (s *Supervisor) busy(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.active {
		if p.job.AccountID == accountID {
			return true
		}
	}
	return false
}

func (s *Supervisor) register(pid int, job model.RunJob, started time.Time) chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		s.active = map[int]*activeProc{}
	}
	p := &activeProc{
		job:     ActiveJob{JobID: job.ID, AccountID: job.AccountID, Step: job.Step, PID: pid, StartedAt: started},
		stopReq: make(chan string, 1),
	}
	s.active[pid] = p
	return p.stopReq
}

func (s *Supervisor) unregister(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, pid)
}

// Active lists the runners currently being waited on.
func (s *Supervisor) Active() []ActiveJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveJob, 0, len(s.active))
	for _, p := range s.active {
		out = append(out, p.job)
	}
	return out
}

// TerminateAll asks every running job to stop. Each Run call performs the
// terminate, kill and reap sequence itself and returns reason killed.
func (s *Supervisor) TerminateAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.active {
		select {
		case p.stopReq <- "stopped by operator":
			n++
		default:
		}
	}
	return n
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(b *strings.Builder, line string) {
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	remain := maxKeep - b.Len()
	if len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}

// IsReapError reports whether err is a ReapError.
func IsReapError(err error) bool {
	var re *ReapError
	return errors.As(err, &re)
}
