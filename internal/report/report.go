// Package report aggregates per-job result artefacts into run reports.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"listing-batch/internal/model"
	"listing-batch/internal/runstore"
)

const (
	MarkdownFile = "run_report.md"
	WorkbookFile = "run_report.xlsx"
	SummaryFile  = "run_summary.json"
	resultPrefix = "result_"
)

// JobOutcome is the supervisor's view of one job, which may exist without a
// result artefact (a job that timed out before writing one).
type JobOutcome struct {
	JobID     string       `json:"job_id"`
	AccountID string       `json:"account_id"`
	Step      model.StepID `json:"step"`
	Server    string       `json:"server"`
	Reason    string       `json:"reason"`
	ExitCode  int          `json:"exit_code"`
	Success   bool         `json:"success"`
	Skipped   bool         `json:"skipped,omitempty"`
	Continued bool         `json:"continued,omitempty"`
	Message   string       `json:"message,omitempty"`
}

type Row struct {
	AccountID    string         `json:"account_id"`
	Step         model.StepID   `json:"step"`
	Server       string         `json:"server,omitempty"`
	Status       string         `json:"status"`
	Success      bool           `json:"success"`
	ExitCode     int            `json:"exit_code"`
	Processed    int            `json:"processed"`
	InitialCount int            `json:"initial_count"`
	FinalCount   int            `json:"final_count"`
	Class        Classification `json:"classification"`
	Explanation  string         `json:"explanation"`
	Chunks       int            `json:"chunks"`
	Completed    int            `json:"completed_keywords"`
	Failed       []string       `json:"failed_keywords"`
	Errors       []string       `json:"errors"`
	Continued    bool           `json:"continued,omitempty"`
}

type Totals struct {
	Jobs              int      `json:"jobs"`
	Successes         int      `json:"successes"`
	Failures          int      `json:"failures"`
	TimeoutsContinued int      `json:"timeouts_continued"`
	Skipped           int      `json:"skipped"`
	Processed         int      `json:"processed"`
	Exact             int      `json:"exact"`
	Over              int      `json:"over_consumption"`
	Under             int      `json:"under_consumption"`
	Unknown           int      `json:"unknown"`
	ServersProcessed  []string `json:"servers_processed"`
}

type AccountTotals struct {
	AccountID string `json:"account_id"`
	Totals
}

type Report struct {
	RunID       string          `json:"run_id,omitempty"`
	Dir         string          `json:"dir"`
	GeneratedAt time.Time       `json:"generated_at"`
	Degraded    bool            `json:"degraded,omitempty"`
	Rows        []Row           `json:"rows"`
	Accounts    []AccountTotals `json:"accounts"`
	Totals      Totals          `json:"totals"`
}

// ResultFileName is result_{account}_{step}.json in the report dir.
func ResultFileName(accountID string, step model.StepID, ext string) string {
	return fmt.Sprintf("%s%s_%s.%s", resultPrefix, runstore.SafeName(accountID), step, ext)
}

// Collect reads every result artefact in dir.
func Collect(dir string) ([]model.RunResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []model.RunResult{}, nil
		}
		return nil, fmt.Errorf("read report dir %s: %w", dir, err)
	}
	out := []model.RunResult{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, resultPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		var res model.RunResult
		if err := runstore.ReadJSON(filepath.Join(dir, name), &res); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Step < out[j].Step
	})
	return out, nil
}

// Build joins result artefacts with supervisor outcomes. Outcomes decide
// status when present; results without an outcome come from runs whose
// outcome list was lost (manual single runs) and are taken at face value.
func Build(results []model.RunResult, outcomes []JobOutcome) Report {
	type key struct {
		account string
		step    model.StepID
	}
	byKey := map[key]model.RunResult{}
	for _, r := range results {
		byKey[key{r.AccountID, r.Step}] = r
	}

	rows := []Row{}
	seen := map[key]bool{}
	degraded := false
	for _, o := range outcomes {
		k := key{o.AccountID, o.Step}
		seen[k] = true
		res, ok := byKey[k]
		if !ok {
			res = model.NewRunResult(o.AccountID, o.Step)
			res.ServerTag = o.Server
			res.ExitCode = o.ExitCode
			if o.Message != "" {
				res.Errors = append(res.Errors, o.Message)
			}
		}
		row := rowFrom(res)
		row.Server = firstNonEmpty(o.Server, res.ServerTag)
		row.Success = o.Success
		row.ExitCode = o.ExitCode
		row.Status = statusFor(o)
		row.Continued = o.Continued
		if o.Reason == "reap_failed" {
			degraded = true
		}
		rows = append(rows, row)
	}
	for _, r := range results {
		if seen[key{r.AccountID, r.Step}] {
			continue
		}
		row := rowFrom(r)
		row.Status = "completed"
		if !r.Success {
			row.Status = "failed"
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].AccountID < rows[j].AccountID
	})

	rep := Report{Rows: rows, Degraded: degraded}
	perAccount := map[string]*Totals{}
	accountOrder := []string{}
	for _, r := range rows {
		if _, ok := perAccount[r.AccountID]; !ok {
			perAccount[r.AccountID] = &Totals{ServersProcessed: []string{}}
			accountOrder = append(accountOrder, r.AccountID)
		}
		addRow(perAccount[r.AccountID], r)
		addRow(&rep.Totals, r)
	}
	for _, id := range accountOrder {
		rep.Accounts = append(rep.Accounts, AccountTotals{AccountID: id, Totals: *perAccount[id]})
	}
	if rep.Totals.ServersProcessed == nil {
		rep.Totals.ServersProcessed = []string{}
	}
	if rep.Accounts == nil {
		rep.Accounts = []AccountTotals{}
	}
	return rep
}

func rowFrom(r model.RunResult) Row {
	class, why := Classify(r.InitialCount, r.FinalCount, r.Processed)
	failed := r.FailedKeywords
	if failed == nil {
		failed = []string{}
	}
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	return Row{
		AccountID:    r.AccountID,
		Step:         r.Step,
		Server:       r.ServerTag,
		Success:      r.Success,
		ExitCode:     r.ExitCode,
		Processed:    r.Processed,
		InitialCount: r.InitialCount,
		FinalCount:   r.FinalCount,
		Class:        class,
		Explanation:  why,
		Chunks:       r.Chunks,
		Completed:    len(r.CompletedKeywords),
		Failed:       failed,
		Errors:       errs,
	}
}

func statusFor(o JobOutcome) string {
	switch {
	case o.Skipped && o.Reason == model.StatusAborted:
		return model.StatusAborted
	case o.Skipped:
		return model.StatusSkipped
	case o.Success:
		return "completed"
	case o.Reason != "":
		return o.Reason
	default:
		return "failed"
	}
}

func addRow(t *Totals, r Row) {
	t.Jobs++
	switch {
	case r.Status == model.StatusSkipped, r.Status == model.StatusAborted:
		t.Skipped++
		return
	case r.Success:
		t.Successes++
		if meta, ok := model.LookupStep(r.Step); ok && meta.Family == model.FamilyGroup && r.Server != "" {
			if !contains(t.ServersProcessed, r.Server) {
				t.ServersProcessed = append(t.ServersProcessed, r.Server)
				sort.Strings(t.ServersProcessed)
			}
		}
	default:
		t.Failures++
		if r.Continued {
			t.TimeoutsContinued++
		}
	}
	t.Processed += r.Processed
	switch r.Class {
	case ClassExact:
		t.Exact++
	case ClassOver:
		t.Over++
	case ClassUnder:
		t.Under++
	default:
		t.Unknown++
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Generate collects dir, builds the report and writes every artefact.
func Generate(dir, runID string, outcomes []JobOutcome, now time.Time) (Report, error) {
	results, err := Collect(dir)
	if err != nil {
		return Report{}, err
	}
	rep := Build(results, outcomes)
	rep.RunID = runID
	rep.Dir = dir
	rep.GeneratedAt = now
	if err := WriteMarkdown(filepath.Join(dir, MarkdownFile), rep); err != nil {
		return rep, err
	}
	if err := WriteWorkbook(filepath.Join(dir, WorkbookFile), rep); err != nil {
		return rep, err
	}
	if err := WriteRunJSON(filepath.Join(dir, SummaryFile), rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func WriteRunJSON(path string, rep Report) error {
	return runstore.WriteJSON(path, rep)
}

// LoadRunJSON reads a run_summary.json written by WriteRunJSON.
func LoadRunJSON(path string) (Report, error) {
	var rep Report
	if err := runstore.ReadJSON(path, &rep); err != nil {
		return Report{}, err
	}
	return rep, nil
}
