package report

import (
	"fmt"
	"strings"

	"listing-batch/internal/model"
	"listing-batch/internal/runstore"
)

func RenderMarkdown(rep Report) string {
	var b strings.Builder
	b.WriteString("# Run report\n\n")
	if rep.RunID != "" {
		fmt.Fprintf(&b, "- Run: `%s`\n", rep.RunID)
	}
	if !rep.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "- Generated: %s\n", rep.GeneratedAt.Format("2006-01-02 15:04:05"))
	}
	t := rep.Totals
	fmt.Fprintf(&b, "- Jobs: %d (succeeded %d, failed %d, continued after failure %d, skipped %d)\n",
		t.Jobs, t.Successes, t.Failures, t.TimeoutsContinued, t.Skipped)
	fmt.Fprintf(&b, "- Items processed: %d\n", t.Processed)
	if len(t.ServersProcessed) > 0 {
		fmt.Fprintf(&b, "- Servers processed: %s\n", strings.Join(t.ServersProcessed, ", "))
	}
	if rep.Degraded {
		b.WriteString("- **Degraded:** some browser or driver processes could not be reaped\n")
	}
	b.WriteString("\n")

	b.WriteString("## Accounts\n\n")
	b.WriteString("| Account | Jobs | OK | Failed | Continued | Skipped | Processed |\n")
	b.WriteString("|---|---:|---:|---:|---:|---:|---:|\n")
	for _, a := range rep.Accounts {
		fmt.Fprintf(&b, "| %s | %d | %d | %d | %d | %d | %d |\n",
			mdEscape(a.AccountID), a.Jobs, a.Successes, a.Failures, a.TimeoutsContinued, a.Skipped, a.Processed)
	}
	b.WriteString("\n## Steps\n\n")
	b.WriteString("| Account | Step | Server | Status | Processed | Initial | Final | Check |\n")
	b.WriteString("|---|---|---|---|---:|---:|---:|---|\n")
	for _, r := range rep.Rows {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %s | %s | %s |\n",
			mdEscape(r.AccountID), r.Step, r.Server, r.Status, r.Processed,
			countText(r.InitialCount), countText(r.FinalCount), r.Class)
	}

	notes := false
	for _, r := range rep.Rows {
		if r.Class == ClassUnknown && len(r.Errors) == 0 && len(r.Failed) == 0 {
			continue
		}
		if !notes {
			b.WriteString("\n## Details\n")
			notes = true
		}
		fmt.Fprintf(&b, "\n### %s step %s\n\n", mdEscape(r.AccountID), r.Step)
		fmt.Fprintf(&b, "- %s: %s\n", r.Class, r.Explanation)
		if len(r.Failed) > 0 {
			fmt.Fprintf(&b, "- Failed keywords: %s\n", strings.Join(r.Failed, ", "))
		}
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "- Error: %s\n", e)
		}
	}
	return b.String()
}

func WriteMarkdown(path string, rep Report) error {
	return runstore.WriteBytes(path, []byte(RenderMarkdown(rep)))
}

// RenderResultMarkdown is the per-job markdown artefact the runner writes
// next to its JSON result.
func RenderResultMarkdown(r model.RunResult) string {
	class, why := Classify(r.InitialCount, r.FinalCount, r.Processed)
	var b strings.Builder
	fmt.Fprintf(&b, "# Step %s for %s\n\n", r.Step, r.AccountID)
	status := "failed"
	if r.Success {
		status = "succeeded"
	}
	fmt.Fprintf(&b, "- Result: %s (exit %d)\n", status, r.ExitCode)
	if r.ServerTag != "" {
		fmt.Fprintf(&b, "- Server: %s\n", r.ServerTag)
	}
	fmt.Fprintf(&b, "- Chunks: %d\n", r.Chunks)
	fmt.Fprintf(&b, "- Processed: %d\n", r.Processed)
	fmt.Fprintf(&b, "- Item count: %s -> %s\n", countText(r.InitialCount), countText(r.FinalCount))
	fmt.Fprintf(&b, "- Check: %s, %s\n", class, why)
	if len(r.CompletedKeywords) > 0 {
		fmt.Fprintf(&b, "- Completed keywords: %s\n", strings.Join(r.CompletedKeywords, ", "))
	}
	if len(r.FailedKeywords) > 0 {
		fmt.Fprintf(&b, "- Failed keywords: %s\n", strings.Join(r.FailedKeywords, ", "))
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "- Error: %s\n", e)
	}
	return b.String()
}

func countText(n int) string {
	if n < 0 {
		return "?"
	}
	return fmt.Sprintf("%d", n)
}

func mdEscape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
