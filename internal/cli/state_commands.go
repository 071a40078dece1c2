package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"listing-batch/internal/history"
	"listing-batch/internal/model"
	"listing-batch/internal/orchestrator"
	"listing-batch/internal/progress"
	"listing-batch/internal/reaper"
	"listing-batch/internal/report"
	"listing-batch/internal/runstore"
)

func runReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	common := addCommonFlags(fs)
	accounts := fs.String("accounts", "", "comma-separated account ids to reset")
	step := fs.String("step", "", "reset only this step (default: every step)")
	server := fs.String("server", "", "reset only this server tag")
	yes := fs.Bool("yes", false, "skip confirmation")
	jsonOut := fs.Bool("json", false, "print removed keys as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	common.trim()

	raw := strings.TrimSpace(*accounts)
	if raw == "" {
		var err error
		raw, err = promptRequired("Accounts to reset (comma-separated)")
		if err != nil {
			return err
		}
	}
	ids := []string{}
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return errors.New("no accounts given")
	}
	if !*yes {
		ok, err := promptConfirm(fmt.Sprintf("Delete checkpoints for %s? [y/N]: ", strings.Join(ids, ", ")))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("aborted")
			return nil
		}
	}

	store := progress.NewStore(common.stateDir)
	var servers []string
	if s := strings.TrimSpace(*server); s != "" {
		servers = []string{s}
	}
	removed := []progress.Key{}
	for _, id := range ids {
		if stepID := model.StepID(strings.TrimSpace(*step)); stepID != "" {
			if _, err := model.MustStep(stepID); err != nil {
				return err
			}
			keys, err := resetStep(store, id, stepID, servers)
			if err != nil {
				return err
			}
			removed = append(removed, keys...)
			continue
		}
		keys, err := store.ResetAccount(id, servers)
		if err != nil {
			return err
		}
		removed = append(removed, keys...)
	}

	if *jsonOut {
		return printJSON(removed)
	}
	if len(removed) == 0 {
		fmt.Println("nothing to reset")
		return nil
	}
	for _, k := range removed {
		fmt.Printf("reset: %s\n", k)
	}
	return nil
}

func resetStep(store *progress.Store, accountID string, step model.StepID, servers []string) ([]progress.Key, error) {
	records, err := store.List()
	if err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	for _, s := range servers {
		allowed[model.NormalizeServer(s)] = true
	}
	removed := []progress.Key{}
	for _, rec := range records {
		if rec.AccountID != accountID || rec.Step != step {
			continue
		}
		if len(allowed) > 0 && !allowed[rec.Server] {
			continue
		}
		if err := store.Reset(rec.Key); err != nil {
			return removed, err
		}
		removed = append(removed, rec.Key)
	}
	return removed, nil
}

type statusView struct {
	StateDir      string            `json:"state_dir"`
	LockHolder    int               `json:"batch_lock_pid,omitempty"`
	MarkerLastRun string            `json:"marker_62_last_run,omitempty"`
	MarkerDue     bool              `json:"marker_62_due"`
	Progress      []progressSummary `json:"progress"`
	Recent        []statusJob       `json:"recent_jobs"`
	LatestReport  string            `json:"latest_report,omitempty"`
	Stray         []reaper.Proc     `json:"stray_browsers,omitempty"`
}

type progressSummary struct {
	Key       string `json:"key"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	UpdatedAt string `json:"updated_at"`
}

type statusJob struct {
	FinishedAt string `json:"finished_at"`
	AccountID  string `json:"account_id"`
	Step       string `json:"step"`
	Status     string `json:"status"`
	Processed  int    `json:"processed"`
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	common := addCommonFlags(fs)
	limit := fs.Int("limit", 20, "recent jobs to show")
	jsonOut := fs.Bool("json", false, "print status as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	common.trim()

	view := statusView{StateDir: common.stateDir, Progress: []progressSummary{}, Recent: []statusJob{}}
	view.LockHolder = runstore.BatchLockHolder(common.stateDir)

	marker := orchestrator.NewMarker(common.stateDir)
	last, ok, err := marker.LastRun()
	if err != nil {
		return err
	}
	if ok {
		view.MarkerLastRun = last.Format(time.RFC3339)
	}
	if view.MarkerDue, err = marker.Due(time.Now()); err != nil {
		return err
	}

	records, err := progress.NewStore(common.stateDir).List()
	if err != nil {
		return err
	}
	for _, rec := range records {
		view.Progress = append(view.Progress, progressSummary{
			Key:       rec.Key.String(),
			Completed: len(rec.CompletedKeywords),
			Failed:    len(rec.FailedKeywords),
			UpdatedAt: rec.UpdatedAt,
		})
	}

	if runstore.Exists(filepath.Join(common.stateDir, history.DefaultFile)) {
		ledger, err := common.openLedger()
		if err != nil {
			return err
		}
		defer ledger.Close()
		entries, err := ledger.Recent(*limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			view.Recent = append(view.Recent, statusJob{
				FinishedAt: e.FinishedAt.Format(time.RFC3339),
				AccountID:  e.AccountID,
				Step:       string(e.Step),
				Status:     e.Status,
				Processed:  e.Processed,
			})
		}
	}

	if dir, err := runstore.LatestReportDir(common.reportsDir); err == nil {
		view.LatestReport = dir
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stray, err := reaper.ListByPrefix(ctx, reaper.System{}, model.AccountTagPrefix); err == nil {
		view.Stray = stray
	}

	if *jsonOut {
		return printJSON(view)
	}
	fmt.Printf("state: %s\n", view.StateDir)
	if view.LockHolder > 0 {
		fmt.Printf("batch running: yes (pid %d)\n", view.LockHolder)
	} else {
		fmt.Println("batch running: no")
	}
	fmt.Printf("step 62 last run: %s (due: %s)\n", defaultIfEmpty(view.MarkerLastRun, "never"), yesNo(view.MarkerDue))
	if view.LatestReport != "" {
		fmt.Printf("latest report: %s\n", view.LatestReport)
	}
	fmt.Printf("checkpoints: %d\n", len(view.Progress))
	for _, p := range view.Progress {
		fmt.Printf("  %-40s completed=%d failed=%d updated=%s\n", p.Key, p.Completed, p.Failed, p.UpdatedAt)
	}
	fmt.Printf("recent jobs: %d\n", len(view.Recent))
	for _, j := range view.Recent {
		fmt.Printf("  %s  %-24s step %-4s %-10s processed=%d\n", j.FinishedAt, j.AccountID, j.Step, j.Status, j.Processed)
	}
	if len(view.Stray) > 0 {
		fmt.Printf("stray browser processes: %d (a run reaps them per account)\n", len(view.Stray))
	}
	return nil
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	common := addCommonFlags(fs)
	dir := fs.String("dir", "", "report directory")
	latest := fs.Bool("latest", false, "use the newest report directory under --reports-dir")
	rebuild := fs.Bool("rebuild", false, "regenerate markdown/xlsx/json from result artefacts")
	jsonOut := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	common.trim()

	target := strings.TrimSpace(*dir)
	if target == "" {
		if !*latest {
			return errors.New("report requires --dir or --latest")
		}
		found, err := runstore.LatestReportDir(common.reportsDir)
		if err != nil {
			return err
		}
		target = found
	}
	if _, err := os.Stat(target); err != nil {
		return err
	}

	summaryPath := filepath.Join(target, report.SummaryFile)
	var rep report.Report
	var err error
	if !*rebuild && runstore.Exists(summaryPath) {
		rep, err = report.LoadRunJSON(summaryPath)
	} else {
		// outcomes are only known to the run that produced the dir
		rep, err = report.Generate(target, "", nil, time.Now())
	}
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(rep)
	}
	fmt.Print(report.RenderMarkdown(rep))
	return nil
}
