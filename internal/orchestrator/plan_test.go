package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-batch/internal/config"
	"listing-batch/internal/model"
)

func TestPlanProducesJobsPerAccountAndStep(t *testing.T) {
	cfg := config.DefaultSchedule()
	cfg.SelectedSteps = []model.StepID{"1", "21"}
	cfg.ChunkSizes = map[string]int{"21": 5}
	accounts := testAccounts("a@example.com", "b@example.com")
	accounts[1].ServerTag = "2"

	jobs, err := Plan(cfg, accounts)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	assert.Equal(t, model.RunJob{AccountID: "a@example.com", Step: "1", ServerTag: "server1", Quantity: 100, ChunkSize: 10, Status: model.StatusPlanned}, jobs[0])
	assert.Equal(t, model.RunJob{AccountID: "a@example.com", Step: "21", ServerTag: "server1", Quantity: 100, ChunkSize: 5, Status: model.StatusPlanned}, jobs[1])
	assert.Equal(t, "server2", jobs[2].ServerTag)
	assert.Equal(t, "server1", jobs[3].ServerTag)
}

func TestPlanIsDeterministic(t *testing.T) {
	cfg := config.DefaultSchedule()
	cfg.SelectedSteps = []model.StepID{"31", "1", "31", "62"}
	cfg.Step3ProductLimit = 7
	accounts := testAccounts("a@example.com", "b@example.com", "c@example.com")

	first, err := Plan(cfg, accounts)
	require.NoError(t, err)
	second, err := Plan(cfg, accounts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first, 9)
	assert.Equal(t, model.StepID("31"), first[0].Step)
	assert.Equal(t, 7, first[0].Step3ProductLimit)
	assert.Equal(t, 0, first[1].Step3ProductLimit)
	assert.Equal(t, 1, first[2].ChunkSize)
}

func TestPlanSelectionOrderAndErrors(t *testing.T) {
	cfg := config.DefaultSchedule()
	cfg.SelectedSteps = []model.StepID{"4"}
	cfg.SelectedAccounts = config.AccountSelection{IDs: []string{"b@example.com", "a@example.com"}}
	accounts := testAccounts("a@example.com", "b@example.com")

	jobs, err := Plan(cfg, accounts)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b@example.com", jobs[0].AccountID)

	cfg.SelectedSteps = nil
	_, err = Plan(cfg, accounts)
	assert.True(t, model.IsConfigError(err, model.ConfigParse))

	cfg.SelectedSteps = []model.StepID{"99"}
	_, err = Plan(cfg, accounts)
	assert.True(t, model.IsConfigError(err, model.ConfigUnknownStep))
}
