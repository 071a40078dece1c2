package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-batch/internal/config"
	"listing-batch/internal/events"
	"listing-batch/internal/history"
	"listing-batch/internal/model"
	"listing-batch/internal/progress"
	"listing-batch/internal/supervisor"
)

type call struct {
	account string
	step    model.StepID
	id      string
	at      time.Time
}

// fleet is the shared state behind every fake executor of one test.
type fleet struct {
	mu         sync.Mutex
	calls      []call
	running    map[string]int
	overlap    bool
	terminated int
	outcome    func(job model.RunJob) supervisor.Outcome
	// hold blocks every Run until closed or the context ends.
	hold chan struct{}
	// started receives each job as it starts.
	started chan model.RunJob
}

func newFleet() *fleet {
	return &fleet{running: map[string]int{}}
}

func (f *fleet) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeExec struct{ f *fleet }

func (e fakeExec) Run(ctx context.Context, job model.RunJob) supervisor.Outcome {
	f := e.f
	f.mu.Lock()
	f.calls = append(f.calls, call{account: job.AccountID, step: job.Step, id: job.ID, at: time.Now()})
	f.running[job.AccountID]++
	if f.running[job.AccountID] > 1 {
		f.overlap = true
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running[job.AccountID]--
		f.mu.Unlock()
	}()
	if f.started != nil {
		f.started <- job
	}

	out := supervisor.Outcome{JobID: job.ID, AccountID: job.AccountID, Step: job.Step, Server: job.ServerTag}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			out.Reason = supervisor.ReasonKilled
			out.ExitCode = -1
			return out
		}
	}
	if f.outcome != nil {
		o := f.outcome(job)
		o.JobID, o.AccountID, o.Step, o.Server = job.ID, job.AccountID, job.Step, job.ServerTag
		return o
	}
	out.Success = true
	out.Reason = supervisor.ReasonCompleted
	return out
}

func (e fakeExec) TerminateAll() int {
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	e.f.terminated++
	return 0
}

type memLedger struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (l *memLedger) Record(e history.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func testAccounts(ids ...string) []model.Account {
	out := make([]model.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Account{AccountID: id, Password: "pw", ServerTag: "server1"})
	}
	return out
}

func newTestOrchestrator(t *testing.T, f *fleet, accounts ...string) (*Orchestrator, *events.Recorder, *memLedger) {
	t.Helper()
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	rec := &events.Recorder{}
	ledger := &memLedger{}
	o := &Orchestrator{
		StateDir:    state,
		ReportsRoot: filepath.Join(dir, "reports"),
		Accounts:    func() ([]model.Account, error) { return testAccounts(accounts...), nil },
		Progress:    progress.NewStore(state),
		Ledger:      ledger,
		Bus:         events.NewBus(events.Discard(), rec),
		NewExecutor: func(string, supervisor.Paths) Executor { return fakeExec{f: f} },
		Unit:        time.Millisecond,
	}
	return o, rec, ledger
}

func testSchedule(steps ...model.StepID) config.Schedule {
	cfg := config.DefaultSchedule()
	cfg.SelectedSteps = steps
	cfg.StepIntervalS = 1
	cfg.AccountDelayS = 40
	return cfg
}

func stepsOf(calls []call, account string) []model.StepID {
	out := []model.StepID{}
	for _, c := range calls {
		if c.account == account {
			out = append(out, c.step)
		}
	}
	return out
}

func firstCall(calls []call, account string) time.Time {
	for _, c := range calls {
		if c.account == account {
			return c.at
		}
	}
	return time.Time{}
}

func TestRunDispatchesStaggeredAccountsInStepOrder(t *testing.T) {
	f := newFleet()
	o, rec, ledger := newTestOrchestrator(t, f, "a@example.com", "b@example.com")
	cfg := testSchedule("1", "21")
	cfg.ChunkSizes = map[string]int{"21": 5}

	sum, err := o.Run(context.Background(), RunOptions{Schedule: cfg})
	require.NoError(t, err)

	calls := f.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, []model.StepID{"1", "21"}, stepsOf(calls, "a@example.com"))
	assert.Equal(t, []model.StepID{"1", "21"}, stepsOf(calls, "b@example.com"))
	assert.GreaterOrEqual(t, firstCall(calls, "b@example.com").Sub(firstCall(calls, "a@example.com")), 30*time.Millisecond)
	assert.False(t, f.overlap)

	ids := map[string]bool{}
	for _, c := range calls {
		require.NotEmpty(t, c.id)
		ids[c.id] = true
	}
	assert.Len(t, ids, 4)

	assert.Equal(t, 4, sum.Report.Totals.Successes)
	assert.Equal(t, []string{"server1"}, sum.Report.Totals.ServersProcessed)
	assert.False(t, o.IsExecuting())
	assert.Len(t, ledger.entries, 4)
	assert.FileExists(t, filepath.Join(sum.ReportDir, "run_report.md"))
	assert.FileExists(t, filepath.Join(sum.ReportDir, "run_summary.json"))
	assert.Contains(t, rec.Kinds(""), events.RunEnd)
}

func TestRunContinuesAfterContinueOnTimeoutStep(t *testing.T) {
	f := newFleet()
	f.outcome = func(job model.RunJob) supervisor.Outcome {
		if job.Step == "21" {
			return supervisor.Outcome{Reason: supervisor.ReasonTimeout, ExitCode: -1}
		}
		return supervisor.Outcome{Success: true, Reason: supervisor.ReasonCompleted}
	}
	o, _, _ := newTestOrchestrator(t, f, "a@example.com")

	sum, err := o.Run(context.Background(), RunOptions{Schedule: testSchedule("21", "1")})
	require.NoError(t, err)

	assert.Equal(t, []model.StepID{"21", "1"}, stepsOf(f.Calls(), "a@example.com"))
	require.Len(t, sum.Jobs, 2)
	assert.Equal(t, model.StatusTimeout, sum.Jobs[0].Job.Status)
	assert.True(t, sum.Jobs[0].Continued)
	assert.Equal(t, 1, sum.Report.Totals.TimeoutsContinued)
	assert.Equal(t, 1, sum.Report.Totals.Successes)
}

func TestRunAbortsAccountAfterOrdinaryStepFails(t *testing.T) {
	f := newFleet()
	f.outcome = func(job model.RunJob) supervisor.Outcome {
		if job.Step == "1" && job.AccountID == "a@example.com" {
			return supervisor.Outcome{Reason: supervisor.ReasonCrash, ExitCode: 1}
		}
		return supervisor.Outcome{Success: true, Reason: supervisor.ReasonCompleted}
	}
	o, rec, ledger := newTestOrchestrator(t, f, "a@example.com", "b@example.com")

	sum, err := o.Run(context.Background(), RunOptions{Schedule: testSchedule("1", "21")})
	require.NoError(t, err)

	calls := f.Calls()
	assert.Equal(t, []model.StepID{"1"}, stepsOf(calls, "a@example.com"))
	assert.Equal(t, []model.StepID{"1", "21"}, stepsOf(calls, "b@example.com"))

	statuses := map[string]string{}
	for _, j := range sum.Jobs {
		statuses[j.Job.AccountID+"/"+string(j.Job.Step)] = j.Job.Status
	}
	assert.Equal(t, model.StatusFailed, statuses["a@example.com/1"])
	assert.Equal(t, model.StatusAborted, statuses["a@example.com/21"])
	assert.Equal(t, model.StatusCompleted, statuses["b@example.com/21"])
	assert.Contains(t, rec.Kinds("a@example.com"), events.AccountAbort)
	assert.Equal(t, 1, sum.Report.Totals.Failures)

	require.Len(t, ledger.entries, 3)
}

func TestRunLoginFailureAbortsEvenContinueSteps(t *testing.T) {
	f := newFleet()
	f.outcome = func(job model.RunJob) supervisor.Outcome {
		return supervisor.Outcome{Reason: supervisor.ReasonCrash, ExitCode: model.ExitLoginFailed}
	}
	o, _, _ := newTestOrchestrator(t, f, "a@example.com")

	_, err := o.Run(context.Background(), RunOptions{Schedule: testSchedule("21", "22")})
	require.NoError(t, err)
	assert.Equal(t, []model.StepID{"21"}, stepsOf(f.Calls(), "a@example.com"))
}

func TestRunResetDeletesSelectedAccountProgress(t *testing.T) {
	f := newFleet()
	o, _, _ := newTestOrchestrator(t, f, "a@example.com", "b@example.com")
	cfg := testSchedule("21")
	cfg.SelectedAccounts = config.AccountSelection{IDs: []string{"a@example.com"}}

	keyA := progress.Key{AccountID: "a@example.com", Step: "21", Server: "server1"}
	keyB := progress.Key{AccountID: "b@example.com", Step: "21", Server: "server1"}
	_, err := o.Progress.MarkChunk(keyA, progress.ChunkResult{Success: true, Completed: []string{"K1"}})
	require.NoError(t, err)
	_, err = o.Progress.MarkChunk(keyB, progress.ChunkResult{Success: true, Completed: []string{"K1"}})
	require.NoError(t, err)

	sum, err := o.Run(context.Background(), RunOptions{Schedule: cfg, Reset: true})
	require.NoError(t, err)

	assert.Equal(t, []string{keyA.String()}, sum.Reset)
	_, statErr := os.Stat(o.Progress.Path(keyA))
	assert.True(t, os.IsNotExist(statErr))
	assert.FileExists(t, o.Progress.Path(keyB))
}

func TestStopBetweenStepsDispatchesNothingMore(t *testing.T) {
	f := newFleet()
	f.started = make(chan model.RunJob, 8)
	o, _, _ := newTestOrchestrator(t, f, "a@example.com")
	cfg := testSchedule("1", "21", "22")
	cfg.StepIntervalS = 200

	done := make(chan Summary, 1)
	go func() {
		sum, err := o.Run(context.Background(), RunOptions{Schedule: cfg})
		assert.NoError(t, err)
		done <- sum
	}()

	<-f.started
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.running["a@example.com"] == 0
	}, time.Second, time.Millisecond)
	o.Stop()

	var sum Summary
	select {
	case sum = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after Stop")
	}
	assert.Equal(t, []model.StepID{"1"}, stepsOf(f.Calls(), "a@example.com"))
	assert.True(t, sum.Stopped)
	require.Len(t, sum.Jobs, 3)
	assert.Equal(t, model.StatusSkipped, sum.Jobs[1].Job.Status)
	assert.Equal(t, model.StatusSkipped, sum.Jobs[2].Job.Status)
}

func TestStopTerminatesRunningJobs(t *testing.T) {
	f := newFleet()
	f.hold = make(chan struct{})
	f.started = make(chan model.RunJob, 8)
	o, _, _ := newTestOrchestrator(t, f, "a@example.com", "b@example.com")
	cfg := testSchedule("1", "21")
	cfg.AccountDelayS = 0

	done := make(chan Summary, 1)
	go func() {
		sum, _ := o.Run(context.Background(), RunOptions{Schedule: cfg})
		done <- sum
	}()
	<-f.started
	<-f.started
	assert.True(t, o.IsExecuting())
	o.Stop()

	sum := <-done
	f.mu.Lock()
	assert.Equal(t, 2, f.terminated)
	f.mu.Unlock()
	assert.Len(t, f.Calls(), 2)
	for _, j := range sum.Jobs {
		if j.Job.Step == "1" {
			assert.Equal(t, model.StatusKilled, j.Job.Status)
		} else {
			assert.Contains(t, []string{model.StatusAborted, model.StatusSkipped}, j.Job.Status)
		}
	}
}

func TestMarkerStepRunsEvery48Hours(t *testing.T) {
	f := newFleet()
	o, rec, _ := newTestOrchestrator(t, f, "a@example.com")
	now := time.Date(2024, 1, 1, 0, 32, 0, 0, time.UTC)
	o.Now = func() time.Time { return now }
	cfg := testSchedule("62")

	_, err := o.Run(context.Background(), RunOptions{Schedule: cfg})
	require.NoError(t, err)
	require.Len(t, f.Calls(), 1)
	last, ok, err := NewMarker(o.StateDir).LastRun()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(now))

	now = now.Add(24 * time.Hour)
	_, err = o.Run(context.Background(), RunOptions{Schedule: cfg})
	require.NoError(t, err)
	assert.Len(t, f.Calls(), 1)
	assert.Contains(t, rec.Kinds("a@example.com"), events.StepSkipped)

	now = now.Add(24 * time.Hour)
	_, err = o.Run(context.Background(), RunOptions{Schedule: cfg})
	require.NoError(t, err)
	assert.Len(t, f.Calls(), 2)
}

func TestMarkerNotRecordedOnFailure(t *testing.T) {
	f := newFleet()
	f.outcome = func(model.RunJob) supervisor.Outcome {
		return supervisor.Outcome{Reason: supervisor.ReasonCrash, ExitCode: 4}
	}
	o, _, _ := newTestOrchestrator(t, f, "a@example.com")

	_, err := o.Run(context.Background(), RunOptions{Schedule: testSchedule("62")})
	require.NoError(t, err)
	_, ok, err := NewMarker(o.StateDir).LastRun()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCrashIsRecordedAsFailure(t *testing.T) {
	f := newFleet()
	f.outcome = func(model.RunJob) supervisor.Outcome {
		return supervisor.Outcome{Reason: supervisor.ReasonCrash, ExitCode: 1, Message: "boom"}
	}
	o, _, ledger := newTestOrchestrator(t, f, "a@example.com")

	sum, err := o.Run(context.Background(), RunOptions{Schedule: testSchedule("4")})
	require.NoError(t, err)
	require.Len(t, sum.Jobs, 1)
	assert.Equal(t, model.StatusFailed, sum.Jobs[0].Job.Status)
	require.Len(t, ledger.entries, 1)
	assert.Equal(t, supervisor.ReasonCrash, ledger.entries[0].Reason)
	assert.Equal(t, model.StatusFailed, ledger.entries[0].Status)
	assert.Equal(t, sum.ReportDir, ledger.entries[0].ReportDir)
	require.Len(t, sum.Report.Rows, 1)
	assert.Equal(t, supervisor.ReasonCrash, sum.Report.Rows[0].Status)
}

func TestReapFailureMarksRunDegraded(t *testing.T) {
	f := newFleet()
	f.outcome = func(model.RunJob) supervisor.Outcome {
		return supervisor.Outcome{Success: true, Reason: supervisor.ReasonCompleted,
			ReapErr: &supervisor.ReapError{Tag: "lbacct-a", Survivors: []int32{42}}}
	}
	o, _, _ := newTestOrchestrator(t, f, "a@example.com")

	sum, err := o.Run(context.Background(), RunOptions{Schedule: testSchedule("4")})
	require.NoError(t, err)
	assert.True(t, sum.Degraded)
	assert.True(t, sum.Report.Degraded)
}

func TestRunRejectsConfigErrorsBeforeDispatch(t *testing.T) {
	f := newFleet()
	o, _, _ := newTestOrchestrator(t, f, "a@example.com")
	cfg := testSchedule("1")
	cfg.SelectedAccounts = config.AccountSelection{IDs: []string{"ghost@example.com"}}

	_, err := o.Run(context.Background(), RunOptions{Schedule: cfg})
	require.Error(t, err)
	assert.True(t, model.IsConfigError(err, model.ConfigUnknownAccount))
	assert.Empty(t, f.Calls())
	assert.False(t, o.IsExecuting())
}

func TestSecondRunIsRejectedWhileExecuting(t *testing.T) {
	f := newFleet()
	f.hold = make(chan struct{})
	f.started = make(chan model.RunJob, 1)
	o, _, _ := newTestOrchestrator(t, f, "a@example.com")
	cfg := testSchedule("4")

	done := make(chan struct{})
	go func() {
		_, _ = o.Run(context.Background(), RunOptions{Schedule: cfg})
		close(done)
	}()
	<-f.started

	_, err := o.Run(context.Background(), RunOptions{Schedule: cfg})
	assert.ErrorIs(t, err, ErrAlreadyExecuting)

	close(f.hold)
	<-done
}
