package model

// Account is one seller identity read from the accounts workbook.
type Account struct {
	AccountID string `json:"account_id"`
	Password  string `json:"-"`
	Nickname  string `json:"nickname"`
	Operator  string `json:"operator,omitempty"`
	ServerTag string `json:"server_tag"`
	SheetName string `json:"sheet_name"`
}

// Task is one (keyword, destination group) pair consumed by a step.
type Task struct {
	ProviderCode string `json:"provider_code"`
	TargetGroup  string `json:"target_group"`
	Step         StepID `json:"step"`
	ServerTag    string `json:"server_tag"`
}

// RunJob is one runner subprocess invocation: one step for one account.
type RunJob struct {
	ID                string `json:"id"`
	AccountID         string `json:"account_id"`
	Step              StepID `json:"step"`
	ServerTag         string `json:"server_tag"`
	Quantity          int    `json:"quantity"`
	ChunkSize         int    `json:"chunk_size"`
	Step3ProductLimit int    `json:"step3_product_limit,omitempty"`
	Step3ImageLimit   int    `json:"step3_image_limit,omitempty"`
	Status            string `json:"status"`
	Reason            string `json:"reason,omitempty"`
}

// CountUnknown marks an item count the step could not measure.
const CountUnknown = -1

// RunResult is what the runner reports for a RunJob, both in the RESULT
// line and in the per-job result artefact.
type RunResult struct {
	JobID             string   `json:"job_id,omitempty"`
	AccountID         string   `json:"account_id"`
	Step              StepID   `json:"step"`
	ServerTag         string   `json:"server_tag,omitempty"`
	Success           bool     `json:"success"`
	ExitCode          int      `json:"exit_code"`
	Processed         int      `json:"processed"`
	InitialCount      int      `json:"initial_count"`
	FinalCount        int      `json:"final_count"`
	Chunks            int      `json:"chunks"`
	Errors            []string `json:"errors"`
	CompletedKeywords []string `json:"completed_keywords"`
	FailedKeywords    []string `json:"failed_keywords"`
	StartedAt         string   `json:"started_at,omitempty"`
	FinishedAt        string   `json:"finished_at,omitempty"`
}

// Runner exit codes.
const (
	ExitOK              = 0
	ExitStepFailed      = 1
	ExitLoginFailed     = 2
	ExitConfigError     = 3
	ExitAutomationError = 4
)

// NewRunResult returns an empty result with unknown counts and non-nil slices
// so the RESULT line always carries arrays.
func NewRunResult(accountID string, step StepID) RunResult {
	return RunResult{
		AccountID:         accountID,
		Step:              step,
		InitialCount:      CountUnknown,
		FinalCount:        CountUnknown,
		Errors:            []string{},
		CompletedKeywords: []string{},
		FailedKeywords:    []string{},
	}
}
