package supervisor

import (
	"time"

	"listing-batch/internal/model"
)

const (
	MinTimeoutSeconds   = 20 * 60
	MaxTimeoutSeconds   = 72 * 3600
	ChunkRestartSeconds = 300
)

// TimeoutSeconds is the wall-clock budget for job:
// max(20m, min(72h, N*per_item + chunks*300s)). Market steps use their
// fixed budget instead of the workload term.
func TimeoutSeconds(job model.RunJob) int {
	meta, ok := model.LookupStep(job.Step)
	if !ok {
		return MinTimeoutSeconds
	}
	var secs int
	if meta.FixedTimeoutSeconds > 0 {
		secs = meta.FixedTimeoutSeconds
	} else {
		n := job.Quantity
		if n < 0 {
			n = 0
		}
		chunks := 1
		if meta.UsesChunking && job.ChunkSize > 0 && n > 0 {
			chunks = (n + job.ChunkSize - 1) / job.ChunkSize
		}
		secs = n*meta.PerItemSeconds + chunks*ChunkRestartSeconds
	}
	if secs > MaxTimeoutSeconds {
		secs = MaxTimeoutSeconds
	}
	if secs < MinTimeoutSeconds {
		secs = MinTimeoutSeconds
	}
	return secs
}

func Timeout(job model.RunJob) time.Duration {
	return time.Duration(TimeoutSeconds(job)) * time.Second
}
