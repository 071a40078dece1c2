// Package runner executes one step for one account inside its own process:
// log in, work the pending tasks chunk by chunk, checkpoint, and report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"listing-batch/internal/browser"
	"listing-batch/internal/config"
	"listing-batch/internal/events"
	"listing-batch/internal/model"
	"listing-batch/internal/progress"
	"listing-batch/internal/reaper"
	"listing-batch/internal/report"
	"listing-batch/internal/runstore"
)

const reapTimeout = 30 * time.Second

// Options mirrors the single command's flags.
type Options struct {
	JobID             string
	Step              model.StepID
	AccountID         string
	Quantity          int
	ChunkSize         int
	Step3ProductLimit int
	Step3ImageLimit   int
	Headless          bool
	// GUI leaves the browser running after exit so a shared window survives.
	GUI bool

	Workbook    string
	StateDir    string
	ReportDir   string
	Recipe      string
	Driver      string
	ProfilesDir string
}

type Reaper interface {
	Reap(ctx context.Context, tag string, rootPID int32) (reaper.Report, error)
}

// Deps are the runner's collaborators; zero values select the production ones.
type Deps struct {
	Opener browser.Opener
	Reaper Reaper
	Logger logrus.FieldLogger
	// Stderr receives the RESULT line.
	Stderr io.Writer
	Now    func() time.Time
}

func (d Deps) withDefaults(opts Options) (Deps, error) {
	if d.Logger == nil {
		d.Logger = events.Discard()
	}
	if d.Stderr == nil {
		d.Stderr = os.Stderr
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Reaper == nil {
		d.Reaper = reaper.New()
	}
	if d.Opener == nil {
		op, err := browser.NewOpener(opts.Driver, opts.Recipe)
		if err != nil {
			return d, err
		}
		d.Opener = op
	}
	return d, nil
}

// Run never panics and never returns without printing the RESULT line.
// The int is the process exit code.
func Run(ctx context.Context, opts Options, deps Deps) (result model.RunResult, code int) {
	result = model.NewRunResult(opts.AccountID, opts.Step)
	result.JobID = opts.JobID

	deps, depErr := deps.withDefaults(opts)
	result.StartedAt = deps.Now().UTC().Format(time.RFC3339)
	log := deps.Logger.WithFields(logrus.Fields{"account": opts.AccountID, "step": opts.Step, "job_id": opts.JobID})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("runner panic: %v", r)
			result.Errors = append(result.Errors, fmt.Sprintf("panic: %v", r))
			result.Success = false
			code = model.ExitAutomationError
			result.ExitCode = code
		}
		finish(opts, deps, log, &result)
	}()

	err := depErr
	if err == nil {
		err = execute(ctx, opts, deps, log, &result)
	}
	code = model.ExitCodeFor(err)
	result.ExitCode = code
	result.Success = err == nil
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		log.WithError(err).WithField("exit_code", code).Error("step failed")
	} else {
		log.WithField("processed", result.Processed).Info("step completed")
	}
	return result, code
}

// finish writes the artefacts, reaps and prints the RESULT line last.
func finish(opts Options, deps Deps, log logrus.FieldLogger, result *model.RunResult) {
	result.FinishedAt = deps.Now().UTC().Format(time.RFC3339)
	if opts.ReportDir != "" {
		if err := writeArtefacts(opts.ReportDir, *result); err != nil {
			log.WithError(err).Warn("write result artefacts")
		}
	}
	if !opts.GUI && deps.Reaper != nil && opts.AccountID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
		rep, err := deps.Reaper.Reap(ctx, model.AccountTag(opts.AccountID), int32(os.Getpid()))
		cancel()
		if err != nil {
			log.WithError(err).Warn("reap browser processes")
		} else if len(rep.Matched) > 0 {
			log.WithFields(logrus.Fields{"matched": len(rep.Matched), "killed": len(rep.Killed)}).Info("reaped browser processes")
		}
	}
	fmt.Fprintln(deps.Stderr, model.FormatResultLine(*result))
}

func writeArtefacts(dir string, r model.RunResult) error {
	if err := runstore.WriteJSON(filepath.Join(dir, report.ResultFileName(r.AccountID, r.Step, "json")), r); err != nil {
		return err
	}
	md := report.RenderResultMarkdown(r)
	return runstore.WriteBytes(filepath.Join(dir, report.ResultFileName(r.AccountID, r.Step, "md")), []byte(md))
}

func execute(ctx context.Context, opts Options, deps Deps, log logrus.FieldLogger, result *model.RunResult) error {
	meta, err := model.MustStep(opts.Step)
	if err != nil {
		return err
	}
	if strings.TrimSpace(opts.AccountID) == "" {
		return &model.ConfigError{Kind: model.ConfigParse, Detail: "--accounts is required"}
	}
	if opts.Quantity < 0 || opts.ChunkSize < 0 {
		return &model.ConfigError{Kind: model.ConfigParse, Detail: "quantity and chunk size must be >= 0"}
	}

	wb, err := config.OpenWorkbook(opts.Workbook)
	if err != nil {
		return err
	}
	account, err := wb.Account(opts.AccountID)
	if err != nil {
		return err
	}
	server := model.ServerFor(opts.Step, account)
	result.ServerTag = server

	plan, err := planChunks(opts, meta, wb, account, server)
	if err != nil {
		return err
	}
	if meta.UsesTasks && len(plan.tasks) == 0 {
		log.Info("no pending tasks")
		return nil
	}

	sess, err := deps.Opener.Open(ctx, account, browser.Options{Headless: opts.Headless, ProfilesDir: opts.ProfilesDir})
	if err != nil {
		return &model.StepError{Step: opts.Step, Err: fmt.Errorf("open browser: %w", err)}
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.WithError(cerr).Warn("close browser session")
		}
	}()

	ok, err := sess.Login(ctx)
	if err != nil || !ok {
		return &model.LoginError{AccountID: account.AccountID, Err: err}
	}
	log.Info("logged in")

	counter, canCount := sess.(browser.Counter)
	canCount = canCount && meta.SupportsCount
	if canCount {
		result.InitialCount = count(ctx, counter, opts.Step, log)
	}

	store := progress.NewStore(opts.StateDir)
	key := progress.Key{AccountID: account.AccountID, Step: opts.Step, Server: server}
	failedChunks := 0
	queue := append([]chunk(nil), plan.chunks...)
	for i := 0; i < len(queue); i++ {
		c := queue[i]
		res, runErr := sess.RunStep(ctx, opts.Step, c.tasks, browser.Limits{
			Items:        c.items,
			ProductLimit: opts.Step3ProductLimit,
			ImageLimit:   opts.Step3ImageLimit,
		})
		result.Chunks++
		result.Processed += res.Processed
		result.CompletedKeywords = append(result.CompletedKeywords, res.Completed...)
		result.Errors = append(result.Errors, res.Errors...)

		var rest []model.Task
		if res.RestartRequired && runErr == nil {
			rest = unattempted(c.tasks, res)
			if len(rest) > 0 && c.retry && len(res.Completed)+len(res.Failed) == 0 {
				// a retried chunk that stalls again gives its tasks up
				for _, t := range rest {
					res.Failed = append(res.Failed, t.ProviderCode)
				}
				res.Errors = append(res.Errors, fmt.Sprintf("%d tasks not attempted after restart", len(rest)))
				result.Errors = append(result.Errors, res.Errors[len(res.Errors)-1])
				rest = nil
			}
		}
		result.FailedKeywords = append(result.FailedKeywords, res.Failed...)

		if meta.UsesTasks {
			if _, err := store.MarkChunk(key, progress.ChunkResult{
				Index:     i,
				Success:   res.Success && runErr == nil,
				Processed: res.Processed,
				Completed: res.Completed,
				Failed:    res.Failed,
				Errors:    res.Errors,
			}); err != nil {
				return &model.StepError{Step: opts.Step, Err: fmt.Errorf("checkpoint chunk %d: %w", i+1, err)}
			}
		}
		log.WithFields(logrus.Fields{
			"chunk": fmt.Sprintf("%d/%d", i+1, len(queue)), "processed": res.Processed,
			"completed": len(res.Completed), "failed": len(res.Failed), "requeued": len(rest),
		}).Info("chunk finished")

		if runErr != nil {
			if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
				return &model.StepError{Step: opts.Step, Err: fmt.Errorf("interrupted in chunk %d: %w", i+1, runErr)}
			}
			return &model.StepError{Step: opts.Step, Err: fmt.Errorf("chunk %d: %w", i+1, runErr)}
		}
		if len(rest) > 0 {
			log.WithField("tasks", len(rest)).Warn("session asked for a restart; requeueing unattempted tasks")
			queue = slices.Insert(queue, i+1, chunk{tasks: rest, retry: true})
		}
		if !res.Success && (len(rest) == 0 || len(res.Failed) > 0) {
			failedChunks++
		}
		if i == len(queue)-1 {
			break
		}
		if err := sess.Restart(ctx); err != nil {
			return &model.StepError{Step: opts.Step, Err: fmt.Errorf("restart browser after chunk %d: %w", i+1, err)}
		}
	}

	if canCount {
		result.FinalCount = count(ctx, counter, opts.Step, log)
	}
	if failedChunks > 0 {
		return &model.StepError{Step: opts.Step, Transient: true,
			Err: fmt.Errorf("%d of %d chunks reported failures", failedChunks, len(plan.chunks))}
	}
	return nil
}

// unattempted returns the chunk's tasks the session neither completed nor
// failed, in their original order.
func unattempted(tasks []model.Task, res browser.ChunkResult) []model.Task {
	seen := make(map[string]bool, len(res.Completed)+len(res.Failed))
	for _, k := range res.Completed {
		seen[k] = true
	}
	for _, k := range res.Failed {
		seen[k] = true
	}
	var out []model.Task
	for _, t := range tasks {
		if !seen[t.ProviderCode] {
			out = append(out, t)
		}
	}
	return out
}

func count(ctx context.Context, c browser.Counter, step model.StepID, log logrus.FieldLogger) int {
	n, err := c.CountItems(ctx, step)
	if err != nil {
		log.WithError(err).Warn("count items")
		return model.CountUnknown
	}
	return n
}
