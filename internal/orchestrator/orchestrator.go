// Package orchestrator turns a schedule into run jobs and drives them: one
// worker per account, steps in order, a supervised runner per step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"listing-batch/internal/config"
	"listing-batch/internal/events"
	"listing-batch/internal/history"
	"listing-batch/internal/model"
	"listing-batch/internal/progress"
	"listing-batch/internal/report"
	"listing-batch/internal/runstore"
	"listing-batch/internal/supervisor"
)

var ErrAlreadyExecuting = errors.New("a batch is already executing")

// Executor runs one job to completion, reaping included. A supervisor is
// the production executor; each account worker gets its own.
type Executor interface {
	Run(ctx context.Context, job model.RunJob) supervisor.Outcome
	TerminateAll() int
}

// Ledger records finished jobs.
type Ledger interface {
	Record(e history.Entry) error
}

type Orchestrator struct {
	StateDir    string
	ReportsRoot string
	Paths       supervisor.Paths
	// Accounts loads the workbook accounts; called once per run.
	Accounts func() ([]model.Account, error)
	Progress *progress.Store
	Ledger   Ledger
	Bus      *events.Bus
	// NewExecutor builds the executor for one account worker.
	NewExecutor func(runID string, paths supervisor.Paths) Executor
	Now         func() time.Time
	// Unit scales schedule delays; one second unless a test shrinks it.
	Unit time.Duration

	mu        sync.Mutex
	executing bool
	cancel    context.CancelFunc
	executors []Executor
}

type RunOptions struct {
	Schedule config.Schedule
	// Reset deletes the planned accounts' checkpoints before dispatch.
	Reset bool
	// Dashboard receives the live account view when set.
	Dashboard io.Writer
}

// JobRecord is one job's final state as seen by the orchestrator.
type JobRecord struct {
	Job       model.RunJob        `json:"job"`
	Outcome   *supervisor.Outcome `json:"outcome,omitempty"`
	Continued bool                `json:"continued,omitempty"`
}

type Summary struct {
	RunID      string        `json:"run_id"`
	ReportDir  string        `json:"report_dir"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Stopped    bool          `json:"stopped"`
	Degraded   bool          `json:"degraded"`
	Reset      []string      `json:"reset,omitempty"`
	Jobs       []JobRecord   `json:"jobs"`
	Report     report.Report `json:"report"`
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) unit() time.Duration {
	if o.Unit > 0 {
		return o.Unit
	}
	return time.Second
}

// IsExecuting reports whether a Run is in progress.
func (o *Orchestrator) IsExecuting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executing
}

// Stop clears the executing flag: workers exit between steps and running
// runners are terminated and reaped.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	executors := append([]Executor(nil), o.executors...)
	o.executing = false
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, ex := range executors {
		ex.TerminateAll()
	}
}

func (o *Orchestrator) begin(ctx context.Context) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.executing {
		return nil, ErrAlreadyExecuting
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.executing = true
	o.cancel = cancel
	o.executors = nil
	return runCtx, nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.executing = false
	o.cancel = nil
	o.executors = nil
}

func (o *Orchestrator) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return !o.IsExecuting()
}

// Run plans cfg and executes it. Configuration problems fail before any
// job is dispatched; job failures only show up in the summary.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	cfg := opts.Schedule
	if err := config.ValidateSchedule(cfg); err != nil {
		return Summary{}, err
	}
	if o.Accounts == nil {
		return Summary{}, errors.New("orchestrator has no account source")
	}
	accounts, err := o.Accounts()
	if err != nil {
		return Summary{}, err
	}
	jobs, err := Plan(cfg, accounts)
	if err != nil {
		return Summary{}, err
	}

	runCtx, err := o.begin(ctx)
	if err != nil {
		return Summary{}, err
	}
	defer o.end()

	lock, err := runstore.AcquireBatchLock(o.StateDir)
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		_ = lock.Release()
	}()

	start := o.now()
	sum := Summary{RunID: uuid.NewString(), StartedAt: start}
	if opts.Reset {
		sum.Reset, err = o.resetProgress(jobs)
		if err != nil {
			return sum, err
		}
	}
	sum.ReportDir, err = runstore.NewReportDir(o.ReportsRoot, start)
	if err != nil {
		return sum, err
	}

	marker := NewMarker(o.StateDir)
	due62, err := marker.Due(start)
	if err != nil {
		return sum, err
	}

	o.Bus.Emit(events.Event{Kind: events.RunStart, RunID: sum.RunID, Fields: map[string]any{
		"jobs": len(jobs), "report_dir": sum.ReportDir, "reset": opts.Reset,
	}})
	for _, j := range jobs {
		o.Bus.Emit(events.Event{Kind: events.PlanReady, RunID: sum.RunID, Account: j.AccountID, Step: string(j.Step),
			Fields: map[string]any{"server": j.ServerTag, "quantity": j.Quantity, "chunk_size": j.ChunkSize}})
	}

	var dash *dashboard
	if opts.Dashboard != nil {
		dash = newDashboard(opts.Dashboard, o.now, len(jobs))
		dash.Start()
	}

	paths := o.Paths
	paths.ReportDir = sum.ReportDir
	if paths.StateDir == "" {
		paths.StateDir = o.StateDir
	}

	order, byAccount := groupByAccount(jobs)
	results := make(chan JobRecord, len(jobs))
	w := &worker{
		o:       o,
		runID:   sum.RunID,
		dir:     sum.ReportDir,
		start:   start,
		cfg:     cfg,
		marker:  marker,
		due62:   due62,
		results: results,
		dash:    dash,
	}

	var wg sync.WaitGroup
	for i, account := range order {
		if i > 0 && !o.sleep(runCtx, time.Duration(cfg.AccountDelayS)*o.unit()) {
			for _, rest := range order[i:] {
				w.abandon(byAccount[rest], "stopped before account start")
			}
			break
		}
		if o.stopped(runCtx) {
			for _, rest := range order[i:] {
				w.abandon(byAccount[rest], "stopped before account start")
			}
			break
		}
		ex := o.executor(sum.RunID, paths)
		if dash != nil {
			dash.SetAccount(account, len(byAccount[account]))
		}
		wg.Add(1)
		go func(account string, queue []model.RunJob) {
			defer wg.Done()
			w.run(runCtx, ex, account, queue)
		}(account, byAccount[account])
	}
	wg.Wait()
	close(results)

	// drain the aggregation queue only after every worker has joined
	for rec := range results {
		sum.Jobs = append(sum.Jobs, rec)
	}
	sortRecords(sum.Jobs, jobs)
	sum.Stopped = o.stopped(runCtx)

	if dash != nil {
		dash.Stop()
	}

	outcomes := make([]report.JobOutcome, 0, len(sum.Jobs))
	for _, rec := range sum.Jobs {
		outcomes = append(outcomes, toReportOutcome(rec))
		if rec.Outcome != nil && rec.Outcome.ReapErr != nil {
			sum.Degraded = true
		}
	}
	rep, err := report.Generate(sum.ReportDir, sum.RunID, outcomes, o.now())
	sum.Report = rep
	sum.Degraded = sum.Degraded || rep.Degraded
	sum.FinishedAt = o.now()
	o.Bus.Emit(events.Event{Kind: events.RunEnd, RunID: sum.RunID, Fields: map[string]any{
		"successes": rep.Totals.Successes, "failures": rep.Totals.Failures,
		"timeouts_continued": rep.Totals.TimeoutsContinued, "stopped": sum.Stopped, "degraded": sum.Degraded,
	}})
	if err != nil {
		return sum, fmt.Errorf("write run report: %w", err)
	}
	return sum, nil
}

func (o *Orchestrator) executor(runID string, paths supervisor.Paths) Executor {
	var ex Executor
	if o.NewExecutor != nil {
		ex = o.NewExecutor(runID, paths)
	} else {
		s := supervisor.New(paths, o.Bus)
		s.RunID = runID
		ex = s
	}
	o.mu.Lock()
	o.executors = append(o.executors, ex)
	o.mu.Unlock()
	return ex
}

// sleep waits d, returning false if the run was stopped meanwhile.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !o.stopped(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return !o.stopped(ctx)
	}
}

// resetProgress deletes the checkpoints of every planned account on the
// servers its jobs target.
func (o *Orchestrator) resetProgress(jobs []model.RunJob) ([]string, error) {
	if o.Progress == nil {
		return nil, nil
	}
	order, byAccount := groupByAccount(jobs)
	removed := []string{}
	for _, account := range order {
		servers := []string{}
		seen := map[string]bool{}
		for _, j := range byAccount[account] {
			if !seen[j.ServerTag] {
				seen[j.ServerTag] = true
				servers = append(servers, j.ServerTag)
			}
		}
		keys, err := o.Progress.ResetAccount(account, servers)
		if err != nil {
			return removed, err
		}
		for _, k := range keys {
			removed = append(removed, k.String())
		}
	}
	return removed, nil
}

func toReportOutcome(rec JobRecord) report.JobOutcome {
	out := report.JobOutcome{
		JobID:     rec.Job.ID,
		AccountID: rec.Job.AccountID,
		Step:      rec.Job.Step,
		Server:    rec.Job.ServerTag,
		Reason:    rec.Job.Status,
		ExitCode:  -1,
		Skipped:   rec.Job.Status == model.StatusSkipped || rec.Job.Status == model.StatusAborted,
		Continued: rec.Continued,
		Message:   rec.Job.Reason,
	}
	if rec.Outcome != nil {
		out.ExitCode = rec.Outcome.ExitCode
		out.Success = rec.Outcome.Success
		out.Reason = rec.Outcome.Reason
		if rec.Outcome.ReapErr != nil {
			out.Reason = "reap_failed"
		}
		if rec.Outcome.Message != "" {
			out.Message = rec.Outcome.Message
		}
	}
	return out
}

func sortRecords(recs []JobRecord, plan []model.RunJob) {
	pos := make(map[string]int, len(plan))
	for i, j := range plan {
		pos[j.AccountID+"\x00"+string(j.Step)] = i
	}
	for i := 1; i < len(recs); i++ {
		for k := i; k > 0; k-- {
			a := pos[recs[k-1].Job.AccountID+"\x00"+string(recs[k-1].Job.Step)]
			b := pos[recs[k].Job.AccountID+"\x00"+string(recs[k].Job.Step)]
			if a <= b {
				break
			}
			recs[k-1], recs[k] = recs[k], recs[k-1]
		}
	}
}
