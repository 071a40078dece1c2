package browser

import (
	"context"
	"errors"
	"strings"

	"listing-batch/internal/model"
)

// DryRunDriver never starts a browser. It completes every task it is given
// and reports item counts as if each processed item was consumed.
type DryRunDriver struct {
	// InitialCount is the item count reported before any work; 0 means 100.
	InitialCount int
	// FailKeywords are reported as failed instead of completed.
	FailKeywords []string
}

func (d *DryRunDriver) Open(ctx context.Context, account model.Account, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	initial := d.InitialCount
	if initial <= 0 {
		initial = 100
	}
	fail := map[string]bool{}
	for _, k := range d.FailKeywords {
		fail[k] = true
	}
	return &dryRunSession{account: account, remaining: initial, fail: fail}, nil
}

type dryRunSession struct {
	account   model.Account
	remaining int
	fail      map[string]bool
	closed    bool
	restarts  int
}

func (s *dryRunSession) Login(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return strings.TrimSpace(s.account.Password) != "", nil
}

func (s *dryRunSession) RunStep(ctx context.Context, step model.StepID, tasks []model.Task, limits Limits) (ChunkResult, error) {
	res := ChunkResult{Completed: []string{}, Failed: []string{}, Errors: []string{}}
	if s.closed {
		return res, errors.New("browser session is closed")
	}
	if len(tasks) > 0 {
		for _, t := range tasks {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if s.fail[t.ProviderCode] {
				res.Failed = append(res.Failed, t.ProviderCode)
				res.Errors = append(res.Errors, t.ProviderCode+": no matching products")
				continue
			}
			res.Completed = append(res.Completed, t.ProviderCode)
			res.Processed++
		}
	} else {
		res.Processed = limits.Items
	}
	s.remaining -= res.Processed
	if s.remaining < 0 {
		s.remaining = 0
	}
	res.Success = len(res.Failed) == 0
	return res, nil
}

func (s *dryRunSession) CountItems(ctx context.Context, step model.StepID) (int, error) {
	return s.remaining, ctx.Err()
}

func (s *dryRunSession) Restart(ctx context.Context) error {
	s.restarts++
	s.closed = false
	return ctx.Err()
}

func (s *dryRunSession) Close() error {
	s.closed = true
	return nil
}
