package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"listing-batch/internal/config"
	"listing-batch/internal/model"
	"listing-batch/internal/progress"
	"listing-batch/internal/report"
	"listing-batch/internal/runstore"
)

// childEnv makes the test binary act as the listing-batch executable, so
// the supervisor can spawn it as the runner.
const childEnv = "LISTING_BATCH_TEST_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		if err := Run(os.Args[1:]); err != nil {
			var exitErr *ExitError
			if errors.As(err, &exitErr) {
				os.Exit(exitErr.Code)
			}
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type workspace struct {
	workbook string
	schedule string
	state    string
	reports  string
}

func (w workspace) flags() []string {
	return []string{
		"--workbook", w.workbook,
		"--schedule", w.schedule,
		"--state-dir", w.state,
		"--reports-dir", w.reports,
		"--driver", "dryrun",
		"--log-level", "error",
	}
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	tmp := t.TempDir()
	w := workspace{
		workbook: filepath.Join(tmp, "accounts.xlsx"),
		schedule: filepath.Join(tmp, "schedule.json"),
		state:    filepath.Join(tmp, "state"),
		reports:  filepath.Join(tmp, "reports"),
	}

	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()
	sheets := map[string][][]any{
		"login_id": {
			{"email", "password", "server", "sheet_nickname"},
			{"a@example.com", "secret", "1", "shop-a"},
			{"nopw@example.com", "", "1", "shop-a"},
		},
		"shop-a": {
			{"provider_code", "final_group", "step", "server"},
			{"K1", "G1", "2", "server1"},
			{"K2", "G1", "2", "server1"},
			{"K3", "G2", "2", "server1"},
		},
	}
	for name, rows := range sheets {
		if _, err := f.NewSheet(name); err != nil {
			t.Fatal(err)
		}
		for i, row := range rows {
			addr, err := excelize.CoordinatesToCellName(1, i+1)
			if err != nil {
				t.Fatal(err)
			}
			r := row
			if err := f.SetSheetRow(name, addr, &r); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := f.SaveAs(w.workbook); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestHarnessScheduleSetAndShow(t *testing.T) {
	w := newWorkspace(t)

	if err := Run([]string{"schedule", "set", "--schedule", w.schedule,
		"--daily-time", "03:45", "--steps", "21,1", "--accounts", "a@example.com",
		"--other-quantity", "7", "--chunk-sizes", "21=2"}); err != nil {
		t.Fatalf("schedule set failed: %v", err)
	}
	cfg, err := config.LoadSchedule(w.schedule)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DailyTime != "03:45" || joinSteps(cfg.SelectedSteps) != "21,1" {
		t.Fatalf("unexpected schedule: %+v", cfg)
	}
	if cfg.OtherQuantity != 7 || cfg.Step1Quantity != config.DefaultQuantity {
		t.Fatalf("-1 flags must keep current values: %+v", cfg)
	}
	if cfg.ChunkSizes["21"] != 2 {
		t.Fatalf("expected chunk size 2 for 21, got %v", cfg.ChunkSizes)
	}

	if err := Run([]string{"schedule", "set", "--schedule", w.schedule, "--chunk-sizes", "21=0"}); err != nil {
		t.Fatalf("schedule set failed: %v", err)
	}
	cfg, err = config.LoadSchedule(w.schedule)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.ChunkSizes["21"]; ok {
		t.Fatal("chunk size 0 should remove the override")
	}

	if err := Run([]string{"schedule", "set", "--schedule", w.schedule}); err == nil {
		t.Fatal("expected error when no changes are requested")
	}
	if err := Run([]string{"schedule", "set", "--schedule", w.schedule, "--steps", "77"}); err == nil {
		t.Fatal("expected unknown step to be rejected")
	}
	if err := Run([]string{"schedule", "show", "--schedule", w.schedule, "--json"}); err != nil {
		t.Fatalf("schedule show failed: %v", err)
	}
}

func TestHarnessSingleDryRun(t *testing.T) {
	w := newWorkspace(t)
	reportDir := filepath.Join(w.reports, "manual")

	args := append([]string{"single", "--step", "21", "--accounts", "a@example.com",
		"--quantity", "10", "--chunk-size", "2", "--job-id", "job-1", "--report-dir", reportDir}, w.flags()...)
	if err := Run(args); err != nil {
		t.Fatalf("single failed: %v", err)
	}

	var res model.RunResult
	if err := runstore.ReadJSON(filepath.Join(reportDir, report.ResultFileName("a@example.com", "21", "json")), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Processed != 3 || res.JobID != "job-1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec, err := progress.NewStore(w.state).Read(progress.Key{AccountID: "a@example.com", Step: "21", Server: "server1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.CompletedKeywords) != 3 {
		t.Fatalf("expected 3 completed keywords, got %v", rec.CompletedKeywords)
	}
}

func TestHarnessSingleLoginFailureExitCode(t *testing.T) {
	w := newWorkspace(t)
	args := append([]string{"single", "--step", "21", "--accounts", "nopw@example.com",
		"--quantity", "10", "--report-dir", filepath.Join(w.reports, "manual")}, w.flags()...)
	err := Run(args)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != model.ExitLoginFailed {
		t.Fatalf("expected exit %d, got %v", model.ExitLoginFailed, err)
	}
}

func TestHarnessSingleSetupFailuresPrintResultLine(t *testing.T) {
	w := newWorkspace(t)
	cases := map[string][]string{
		"two accounts":  {"--step", "21", "--accounts", "a@example.com,b@example.com", "--quantity", "1"},
		"bad quantity":  {"--step", "21", "--accounts", "a@example.com", "--quantity", "abc"},
		"bad log level": {"--step", "21", "--accounts", "a@example.com", "--log-level", "loud"},
	}
	for name, extra := range cases {
		var stderr bytes.Buffer
		err := single(append(w.flags(), extra...), &stderr)
		var exitErr *ExitError
		if !errors.As(err, &exitErr) || exitErr.Code != model.ExitConfigError {
			t.Fatalf("%s: expected exit %d, got %v", name, model.ExitConfigError, err)
		}
		lines := strings.Split(strings.TrimSpace(stderr.String()), "\n")
		res, ok := model.ParseResultLine(lines[len(lines)-1])
		if !ok {
			t.Fatalf("%s: last stderr line is not a RESULT line: %q", name, stderr.String())
		}
		if res.Success || res.ExitCode != model.ExitConfigError || len(res.Errors) == 0 {
			t.Fatalf("%s: unexpected result %+v", name, res)
		}
	}
}

func TestHarnessRunDispatchesRunnerSubprocess(t *testing.T) {
	w := newWorkspace(t)
	t.Setenv(childEnv, "1")

	cfg := config.DefaultSchedule()
	cfg.SelectedSteps = []model.StepID{"21"}
	cfg.SelectedAccounts = config.AccountSelection{IDs: []string{"a@example.com"}}
	cfg.StepIntervalS = 0
	cfg.AccountDelayS = 0
	if err := config.SaveSchedule(w.schedule, cfg); err != nil {
		t.Fatal(err)
	}

	if err := Run(append([]string{"plan", "--json"}, w.flags()...)); err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if err := Run(append([]string{"run", "--json"}, w.flags()...)); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	dir, err := runstore.LatestReportDir(w.reports)
	if err != nil {
		t.Fatal(err)
	}
	rep, err := report.LoadRunJSON(filepath.Join(dir, report.SummaryFile))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Totals.Jobs != 1 || rep.Totals.Successes != 1 || rep.Totals.Processed != 3 {
		t.Fatalf("unexpected totals: %+v", rep.Totals)
	}
	if !runstore.Exists(filepath.Join(dir, report.MarkdownFile)) || !runstore.Exists(filepath.Join(dir, report.WorkbookFile)) {
		t.Fatal("expected markdown and workbook reports")
	}
	if !runstore.Exists(filepath.Join(w.state, "history.db")) {
		t.Fatal("expected the run ledger to be written")
	}

	if err := Run(append([]string{"report", "--latest"}, w.flags()...)); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if err := Run(append([]string{"status", "--json"}, w.flags()...)); err != nil {
		t.Fatalf("status failed: %v", err)
	}

	if err := Run(append([]string{"reset", "--accounts", "a@example.com", "--step", "21", "--yes"}, w.flags()...)); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	records, err := progress.NewStore(w.state).List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("expected checkpoints removed, got %d", len(records))
	}
}

func TestHarnessRunRejectsBadSchedule(t *testing.T) {
	w := newWorkspace(t)
	if err := os.WriteFile(w.schedule, []byte(`{"daily_time":"7pm"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Run(append([]string{"run"}, w.flags()...)); err == nil {
		t.Fatal("expected invalid schedule to fail before dispatch")
	}
}

func TestHarnessInitCreatesWorkspaceFiles(t *testing.T) {
	w := newWorkspace(t)
	recipe := filepath.Join(filepath.Dir(w.schedule), "recipe.yml")
	args := append([]string{"init", "--recipe", recipe, "--json"}, w.flags()...)
	// the dry-run driver needs no browser, so doctor passes in a bare sandbox
	if err := Run(args); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, err := config.LoadSchedule(w.schedule); err != nil {
		t.Fatalf("init wrote an unreadable schedule: %v", err)
	}
	if !runstore.Exists(recipe) || !runstore.Exists(w.reports) {
		t.Fatal("expected recipe and reports dir")
	}
}
