package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"listing-batch/internal/runstore"
)

const (
	jobsSheet     = "jobs"
	accountsSheet = "accounts"
)

// WriteWorkbook writes the report as run_report.xlsx with one sheet of job
// rows and one of account totals.
func WriteWorkbook(path string, rep Report) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	if err := f.SetSheetName("Sheet1", jobsSheet); err != nil {
		return fmt.Errorf("prepare workbook: %w", err)
	}
	jobRows := [][]any{{"account", "step", "server", "status", "exit_code", "processed", "initial_count", "final_count", "classification", "explanation", "failed_keywords"}}
	for _, r := range rep.Rows {
		jobRows = append(jobRows, []any{
			r.AccountID, string(r.Step), r.Server, r.Status, r.ExitCode, r.Processed,
			countCell(r.InitialCount), countCell(r.FinalCount), string(r.Class), r.Explanation, len(r.Failed),
		})
	}
	if err := writeRows(f, jobsSheet, jobRows); err != nil {
		return err
	}

	if _, err := f.NewSheet(accountsSheet); err != nil {
		return fmt.Errorf("add accounts sheet: %w", err)
	}
	acctRows := [][]any{{"account", "jobs", "successes", "failures", "timeouts_continued", "skipped", "processed"}}
	for _, a := range rep.Accounts {
		acctRows = append(acctRows, []any{a.AccountID, a.Jobs, a.Successes, a.Failures, a.TimeoutsContinued, a.Skipped, a.Processed})
	}
	t := rep.Totals
	acctRows = append(acctRows, []any{"TOTAL", t.Jobs, t.Successes, t.Failures, t.TimeoutsContinued, t.Skipped, t.Processed})
	if err := writeRows(f, accountsSheet, acctRows); err != nil {
		return err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("encode workbook %s: %w", path, err)
	}
	return runstore.WriteBytes(path, buf.Bytes())
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		addr, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		r := row
		if err := f.SetSheetRow(sheet, addr, &r); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func countCell(n int) any {
	if n < 0 {
		return ""
	}
	return n
}
