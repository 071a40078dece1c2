package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"listing-batch/internal/config"
	"listing-batch/internal/orchestrator"
	"listing-batch/internal/scheduler"
	"listing-batch/internal/supervisor"
)

// scheduleOverrides are the per-invocation edits run and plan accept on top
// of schedule.json.
type scheduleOverrides struct {
	steps    string
	accounts string
}

func addScheduleOverrides(fs *flag.FlagSet) *scheduleOverrides {
	o := &scheduleOverrides{}
	fs.StringVar(&o.steps, "steps", "", "comma-separated steps for this run only (default: schedule)")
	fs.StringVar(&o.accounts, "accounts", "", "\"all\" or comma-separated accounts for this run only (default: schedule)")
	return o
}

func (o *scheduleOverrides) apply(cfg config.Schedule) (config.Schedule, error) {
	if strings.TrimSpace(o.steps) != "" {
		steps, err := config.ParseSteps(o.steps)
		if err != nil {
			return cfg, err
		}
		cfg.SelectedSteps = steps
	}
	if strings.TrimSpace(o.accounts) != "" {
		cfg.SelectedAccounts = config.ParseAccountSelection(o.accounts)
	}
	return cfg, nil
}

func runBatch(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	common := addCommonFlags(fs)
	overrides := addScheduleOverrides(fs)
	reset := fs.Bool("reset", false, "delete checkpoints of the planned accounts before dispatch")
	progressView := fs.Bool("progress", false, "show the live account dashboard")
	headless := fs.Bool("headless", false, "run browsers headless")
	gui := fs.Bool("gui", false, "leave browser windows open after each step")
	jsonOut := fs.Bool("json", false, "print the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	common.trim()

	cfg, err := config.LoadSchedule(common.schedule)
	if err != nil {
		return err
	}
	if cfg, err = overrides.apply(cfg); err != nil {
		return err
	}

	logger, err := common.logger(os.Stderr)
	if err != nil {
		return err
	}
	bus, closeBus, err := common.bus(logger)
	if err != nil {
		return err
	}
	defer closeBus()
	ledger, err := common.openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	orch := common.orchestrator(bus, ledger, *headless, *gui)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		orch.Stop()
	}()

	opts := orchestrator.RunOptions{Schedule: cfg, Reset: *reset}
	if *progressView && !*jsonOut {
		opts.Dashboard = os.Stdout
	}
	sum, err := orch.Run(ctx, opts)
	if err != nil && sum.RunID == "" {
		return err
	}
	if *jsonOut {
		if perr := printJSON(sum); perr != nil {
			return perr
		}
	} else {
		printSummary(os.Stdout, sum)
	}
	if err != nil {
		return err
	}
	if sum.Report.Totals.Failures > 0 || sum.Stopped {
		return &ExitError{Code: 1}
	}
	return nil
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	common := addCommonFlags(fs)
	now := fs.Bool("now", false, "fire once immediately before waiting for daily_time")
	headless := fs.Bool("headless", true, "run browsers headless")
	if err := fs.Parse(args); err != nil {
		return err
	}
	common.trim()

	// fail fast on a broken schedule; later edits are picked up per fire
	initial, err := config.LoadSchedule(common.schedule)
	if err != nil {
		return err
	}
	if err := config.ValidateSchedule(initial); err != nil {
		return err
	}

	logger, err := common.logger(os.Stderr)
	if err != nil {
		return err
	}
	bus, closeBus, err := common.bus(logger)
	if err != nil {
		return err
	}
	defer closeBus()
	ledger, err := common.openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	orch := common.orchestrator(bus, ledger, *headless, false)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		orch.Stop()
	}()

	sched := &scheduler.Scheduler{
		Bus: bus,
		DailyTime: func() string {
			cfg, err := config.LoadSchedule(common.schedule)
			if err != nil {
				logger.WithError(err).Warn("schedule reload failed; keeping previous daily time")
				return initial.DailyTime
			}
			initial.DailyTime = cfg.DailyTime
			return cfg.DailyTime
		},
		Trigger: func(ctx context.Context) error {
			cfg, err := config.LoadSchedule(common.schedule)
			if err != nil {
				return err
			}
			sum, err := orch.Run(ctx, orchestrator.RunOptions{Schedule: cfg})
			if sum.RunID != "" {
				logger.WithField("run_id", sum.RunID).WithField("report_dir", sum.ReportDir).
					Infof("run finished: %d ok, %d failed, %d continued",
						sum.Report.Totals.Successes, sum.Report.Totals.Failures, sum.Report.Totals.TimeoutsContinued)
			}
			return err
		},
	}

	if *now {
		if err := sched.RunImmediate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("immediate run failed")
		}
	}
	logger.WithField("daily_time", initial.DailyTime).Info("daemon waiting for daily fire")
	return sched.Start(ctx)
}

type plannedJob struct {
	Account  string `json:"account_id"`
	Step     string `json:"step"`
	Server   string `json:"server"`
	Quantity int    `json:"quantity"`
	Chunk    int    `json:"chunk_size"`
	Timeout  string `json:"timeout"`
}

func runPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	common := addCommonFlags(fs)
	overrides := addScheduleOverrides(fs)
	jsonOut := fs.Bool("json", false, "print plan as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	common.trim()

	cfg, err := config.LoadSchedule(common.schedule)
	if err != nil {
		return err
	}
	if cfg, err = overrides.apply(cfg); err != nil {
		return err
	}
	if err := config.ValidateSchedule(cfg); err != nil {
		return err
	}
	accounts, err := common.loadAccounts()
	if err != nil {
		return err
	}
	jobs, err := orchestrator.Plan(cfg, accounts)
	if err != nil {
		return err
	}

	out := make([]plannedJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, plannedJob{
			Account:  j.AccountID,
			Step:     string(j.Step),
			Server:   j.ServerTag,
			Quantity: j.Quantity,
			Chunk:    j.ChunkSize,
			Timeout:  supervisor.Timeout(j).String(),
		})
	}
	if *jsonOut {
		return printJSON(out)
	}
	if len(out) == 0 {
		fmt.Println("no jobs planned")
		return nil
	}
	for _, j := range out {
		fmt.Printf("%s  step %-4s %-8s qty=%d chunk=%d timeout=%s\n", j.Account, j.Step, j.Server, j.Quantity, j.Chunk, j.Timeout)
	}
	fmt.Printf("%d jobs\n", len(out))
	return nil
}

func printSummary(w io.Writer, sum orchestrator.Summary) {
	t := sum.Report.Totals
	fmt.Fprintf(w, "run: %s\n", sum.RunID)
	fmt.Fprintf(w, "report: %s\n", sum.ReportDir)
	fmt.Fprintf(w, "duration: %s\n", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Second))
	if len(sum.Reset) > 0 {
		fmt.Fprintf(w, "reset: %s\n", strings.Join(sum.Reset, ", "))
	}
	for _, row := range sum.Report.Rows {
		fmt.Fprintf(w, "  %-24s step %-4s %-10s processed=%d count=%s->%s %s\n",
			row.AccountID, row.Step, row.Status, row.Processed, formatCount(row.InitialCount), formatCount(row.FinalCount), row.Class)
	}
	fmt.Fprintf(w, "jobs=%d ok=%d failed=%d continued=%d skipped=%d processed=%d\n",
		t.Jobs, t.Successes, t.Failures, t.TimeoutsContinued, t.Skipped, t.Processed)
	if len(t.ServersProcessed) > 0 {
		fmt.Fprintf(w, "servers: %s\n", strings.Join(t.ServersProcessed, ", "))
	}
	if sum.Stopped {
		fmt.Fprintln(w, "stopped before completion")
	}
	if sum.Degraded {
		fmt.Fprintln(w, "warning: some browser processes could not be reaped; see report")
	}
}
