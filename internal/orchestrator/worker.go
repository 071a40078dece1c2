package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"listing-batch/internal/config"
	"listing-batch/internal/events"
	"listing-batch/internal/history"
	"listing-batch/internal/model"
	"listing-batch/internal/supervisor"
)

// worker holds what every account goroutine of one run shares.
type worker struct {
	o       *Orchestrator
	runID   string
	dir     string
	start   time.Time
	cfg     config.Schedule
	marker  *Marker
	due62   bool
	results chan<- JobRecord
	dash    *dashboard
}

func (w *worker) run(ctx context.Context, ex Executor, account string, queue []model.RunJob) {
	bus := w.o.Bus
	bus.Emit(events.Event{Kind: events.AccountStart, RunID: w.runID, Account: account,
		Fields: map[string]any{"steps": len(queue)}})
	defer func() {
		if w.dash != nil {
			w.dash.AccountFinished(account)
		}
	}()

	for i, job := range queue {
		if i > 0 && !w.o.sleep(ctx, time.Duration(w.cfg.StepIntervalS)*w.o.unit()) {
			w.abandon(queue[i:], "stopped")
			return
		}
		if w.o.stopped(ctx) {
			w.abandon(queue[i:], "stopped")
			return
		}
		if job.Step == MarkerStep && !w.due62 {
			w.skip(job, "last successful run of step 62 is less than 48h old")
			continue
		}

		job.ID = uuid.NewString()
		_ = model.TransitionJobStatus(&job, model.StatusRunning, "")
		if w.dash != nil {
			w.dash.StepStarted(account, job.Step, supervisor.Timeout(job))
		}
		out := ex.Run(ctx, job)
		_ = model.TransitionJobStatus(&job, jobStatus(out), out.Message)
		w.record(job, out)

		if job.Step == MarkerStep && out.Success {
			if err := w.marker.Record(w.start); err != nil {
				bus.Emit(events.Event{Kind: events.StepResult, RunID: w.runID, JobID: job.ID, Account: account,
					Step: string(job.Step), Message: "record step 62 marker: " + err.Error()})
			}
		}

		rec := JobRecord{Job: job, Outcome: &out}
		if !out.Success {
			if reason, abort := abortReason(job, out); abort {
				w.emit(rec)
				bus.Emit(events.Event{Kind: events.AccountAbort, RunID: w.runID, JobID: job.ID, Account: account,
					Step: string(job.Step), Reason: out.Reason, ExitCode: events.Code(out.ExitCode), Message: reason + " after " + describeJob(job)})
				w.abort(queue[i+1:], reason)
				return
			}
			rec.Continued = true
		}
		w.emit(rec)
	}
}

func (w *worker) emit(rec JobRecord) {
	if w.dash != nil {
		w.dash.StepFinished(rec.Job.AccountID, rec.Job.Step, rec.Job.Status)
	}
	w.results <- rec
}

func (w *worker) skip(job model.RunJob, why string) {
	_ = model.TransitionJobStatus(&job, model.StatusSkipped, why)
	w.o.Bus.Emit(events.Event{Kind: events.StepSkipped, RunID: w.runID, Account: job.AccountID,
		Step: string(job.Step), Message: why})
	w.emit(JobRecord{Job: job})
}

// abandon marks jobs never dispatched because the run stopped.
func (w *worker) abandon(jobs []model.RunJob, why string) {
	for _, j := range jobs {
		w.skip(j, why)
	}
}

func (w *worker) abort(jobs []model.RunJob, why string) {
	for _, j := range jobs {
		_ = model.TransitionJobStatus(&j, model.StatusAborted, why)
		w.emit(JobRecord{Job: j})
	}
}

func (w *worker) record(job model.RunJob, out supervisor.Outcome) {
	if w.o.Ledger == nil {
		return
	}
	e := history.Entry{
		JobID:        job.ID,
		RunID:        w.runID,
		AccountID:    job.AccountID,
		Step:         job.Step,
		Server:       job.ServerTag,
		Status:       job.Status,
		Reason:       out.Reason,
		ExitCode:     out.ExitCode,
		Success:      out.Success,
		ReportDir:    w.dir,
		InitialCount: model.CountUnknown,
		FinalCount:   model.CountUnknown,
		StartedAt:    out.StartedAt,
		FinishedAt:   out.FinishedAt,
	}
	if out.Result != nil {
		e.Processed = out.Result.Processed
		e.InitialCount = out.Result.InitialCount
		e.FinalCount = out.Result.FinalCount
	}
	if err := w.o.Ledger.Record(e); err != nil {
		w.o.Bus.Emit(events.Event{Kind: events.StepResult, RunID: w.runID, JobID: job.ID, Account: job.AccountID,
			Step: string(job.Step), Message: "history record failed: " + err.Error()})
	}
}

func jobStatus(out supervisor.Outcome) string {
	switch out.Reason {
	case supervisor.ReasonCompleted:
		if out.Success {
			return model.StatusCompleted
		}
		return model.StatusFailed
	case supervisor.ReasonTimeout:
		return model.StatusTimeout
	case supervisor.ReasonKilled:
		return model.StatusKilled
	default:
		return model.StatusFailed
	}
}

// abortReason decides whether a failed job ends its account's run. Login
// and configuration failures always do; otherwise only steps outside the
// continue-on-timeout set.
func abortReason(job model.RunJob, out supervisor.Outcome) (string, bool) {
	switch out.ExitCode {
	case model.ExitLoginFailed:
		return "login failed", true
	case model.ExitConfigError:
		return "configuration error", true
	}
	if out.Reason == supervisor.ReasonKilled {
		return "stopped", true
	}
	meta, _ := model.LookupStep(job.Step)
	if meta.ContinueOnTimeout {
		return "", false
	}
	return "step " + string(job.Step) + " " + out.Reason, true
}
