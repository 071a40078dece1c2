package runner

import (
	"listing-batch/internal/config"
	"listing-batch/internal/model"
	"listing-batch/internal/progress"
)

type chunk struct {
	tasks []model.Task
	items int
	// retry marks tasks requeued after a restart the session asked for.
	retry bool
}

type chunkPlan struct {
	tasks  []model.Task
	chunks []chunk
}

// planChunks splits the step's work. Task-driven steps take the pending
// tasks (capped at quantity when positive); the others split quantity into
// item counts. The market family always runs as a single chunk.
func planChunks(opts Options, meta model.StepMeta, wb *config.Workbook, account model.Account, server string) (chunkPlan, error) {
	size := opts.ChunkSize
	if !meta.UsesChunking || meta.Family == model.FamilyMarket {
		size = 0
	}

	if !meta.UsesTasks {
		return chunkPlan{chunks: splitItems(opts.Quantity, size)}, nil
	}

	all, err := wb.LoadTasks(account.AccountID, opts.Step, server)
	if err != nil {
		return chunkPlan{}, err
	}
	pending, err := progress.NewStore(opts.StateDir).ListPending(account.AccountID, opts.Step, server, all)
	if err != nil {
		return chunkPlan{}, err
	}
	if opts.Quantity > 0 && len(pending) > opts.Quantity {
		pending = pending[:opts.Quantity]
	}
	return chunkPlan{tasks: pending, chunks: splitTasks(pending, size)}, nil
}

func splitTasks(tasks []model.Task, size int) []chunk {
	if len(tasks) == 0 {
		return nil
	}
	if size <= 0 {
		return []chunk{{tasks: tasks}}
	}
	out := make([]chunk, 0, (len(tasks)+size-1)/size)
	for start := 0; start < len(tasks); start += size {
		end := start + size
		if end > len(tasks) {
			end = len(tasks)
		}
		out = append(out, chunk{tasks: tasks[start:end]})
	}
	return out
}

func splitItems(total, size int) []chunk {
	if size <= 0 || total <= size {
		return []chunk{{items: total}}
	}
	out := make([]chunk, 0, (total+size-1)/size)
	for left := total; left > 0; left -= size {
		n := size
		if left < size {
			n = left
		}
		out = append(out, chunk{items: n})
	}
	return out
}
