package model

import "fmt"

const (
	StatusPlanned   = "planned"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusKilled    = "killed"
	StatusSkipped   = "skipped"
	StatusAborted   = "aborted"
)

var allowedTransitions = map[string]map[string]bool{
	"": {
		StatusPlanned: true,
	},
	StatusPlanned: {
		StatusRunning: true,
		StatusSkipped: true, // 48h rule or stop flag
		StatusAborted: true, // an earlier step of the account failed
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimeout:   true,
		StatusKilled:    true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusTimeout:   {},
	StatusKilled:    {},
	StatusSkipped:   {},
	StatusAborted:   {},
}

func IsKnownStatus(status string) bool {
	_, ok := allowedTransitions[status]
	return ok
}

func IsTerminalStatus(status string) bool {
	next, ok := allowedTransitions[status]
	return ok && len(next) == 0
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionJobStatus(job *RunJob, toStatus string, reason string) error {
	from := job.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("invalid job status transition: %q -> %q (job_id=%s account=%s step=%s)", from, toStatus, job.ID, job.AccountID, job.Step)
	}
	job.Status = toStatus
	job.Reason = reason
	return nil
}
