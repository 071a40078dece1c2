package orchestrator

import (
	"fmt"

	"listing-batch/internal/config"
	"listing-batch/internal/model"
)

// Plan expands cfg into run jobs: accounts in workbook order (or the
// selection order), each with the selected steps in order. It is pure; job
// ids are assigned at dispatch.
func Plan(cfg config.Schedule, accounts []model.Account) ([]model.RunJob, error) {
	selected, err := SelectAccounts(cfg.SelectedAccounts, accounts)
	if err != nil {
		return nil, err
	}
	steps, err := orderedSteps(cfg.SelectedSteps)
	if err != nil {
		return nil, err
	}

	jobs := make([]model.RunJob, 0, len(selected)*len(steps))
	for _, acct := range selected {
		for _, step := range steps {
			meta, _ := model.LookupStep(step)
			job := model.RunJob{
				AccountID: acct.AccountID,
				Step:      step,
				ServerTag: model.ServerFor(step, acct),
				Quantity:  cfg.QuantityFor(step),
				ChunkSize: cfg.ChunkSizeFor(step),
				Status:    model.StatusPlanned,
			}
			if meta.Step3Limits {
				job.Step3ProductLimit = cfg.Step3ProductLimit
				job.Step3ImageLimit = cfg.Step3ImageLimit
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// SelectAccounts resolves the selection against the workbook accounts.
// "all" is expanded here so new workbook rows take effect on the next run.
func SelectAccounts(sel config.AccountSelection, accounts []model.Account) ([]model.Account, error) {
	if sel.All {
		return append([]model.Account(nil), accounts...), nil
	}
	byID := make(map[string]model.Account, len(accounts))
	for _, a := range accounts {
		byID[a.AccountID] = a
	}
	out := make([]model.Account, 0, len(sel.IDs))
	seen := map[string]bool{}
	for _, id := range sel.IDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, ok := byID[id]
		if !ok {
			return nil, &model.ConfigError{Kind: model.ConfigUnknownAccount, Detail: id}
		}
		out = append(out, a)
	}
	return out, nil
}

func orderedSteps(raw []model.StepID) ([]model.StepID, error) {
	out := make([]model.StepID, 0, len(raw))
	seen := map[model.StepID]bool{}
	for _, s := range raw {
		if _, err := model.MustStep(s); err != nil {
			return nil, err
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, &model.ConfigError{Kind: model.ConfigParse, Detail: "no steps selected"}
	}
	return out, nil
}

// groupByAccount splits jobs into per-account queues, keeping plan order.
func groupByAccount(jobs []model.RunJob) ([]string, map[string][]model.RunJob) {
	order := []string{}
	by := map[string][]model.RunJob{}
	for _, j := range jobs {
		if _, ok := by[j.AccountID]; !ok {
			order = append(order, j.AccountID)
		}
		by[j.AccountID] = append(by[j.AccountID], j)
	}
	return order, by
}

func describeJob(j model.RunJob) string {
	return fmt.Sprintf("%s step %s (%s)", j.AccountID, j.Step, j.ServerTag)
}
