package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-batch/internal/model"
)

func TestLoadScheduleMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadSchedule(filepath.Join(t.TempDir(), "schedule.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule(), cfg)
	assert.True(t, cfg.SelectedAccounts.All)
}

func TestLoadScheduleMergesDefaultsAndIgnoresUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	raw := `{"daily_time":"00:32","selected_steps":["1","21"],"selected_accounts":"all",
"other_quantity":100,"chunk_sizes":{"21":5},"gui_theme":"dark"}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := LoadSchedule(path)
	require.NoError(t, err)
	assert.Equal(t, []model.StepID{"1", "21"}, cfg.SelectedSteps)
	assert.Equal(t, DefaultAccountDelay, cfg.AccountDelayS)
	assert.Equal(t, DefaultStepInterval, cfg.StepIntervalS)
	assert.Equal(t, 5, cfg.ChunkSizeFor("21"))
	assert.Equal(t, 10, cfg.ChunkSizeFor("1"))
	assert.Equal(t, 0, cfg.ChunkSizeFor("4"))
	assert.Equal(t, 1, cfg.ChunkSizeFor("62"))
}

func TestLoadScheduleMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"daily_time":`), 0o644))

	_, err := LoadSchedule(path)
	assert.True(t, model.IsConfigError(err, model.ConfigParse))
}

func TestLoadScheduleUnknownStep(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"selected_steps":["21","77"]}`), 0o644))

	_, err := LoadSchedule(path)
	assert.True(t, model.IsConfigError(err, model.ConfigUnknownStep))
}

func TestScheduleRoundTripWithAccountList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	cfg := DefaultSchedule()
	cfg.DailyTime = "23:05"
	cfg.SelectedAccounts = ParseAccountSelection("b@example.com, a@example.com,b@example.com")
	cfg.SelectedSteps = []model.StepID{"62"}
	require.NoError(t, SaveSchedule(path, cfg))

	got, err := LoadSchedule(path)
	require.NoError(t, err)
	assert.False(t, got.SelectedAccounts.All)
	assert.Equal(t, []string{"b@example.com", "a@example.com"}, got.SelectedAccounts.IDs)
	assert.Equal(t, "23:05", got.DailyTime)
}

func TestValidateScheduleRejectsBadTime(t *testing.T) {
	cfg := DefaultSchedule()
	cfg.DailyTime = "24:00"
	assert.True(t, model.IsConfigError(ValidateSchedule(cfg), model.ConfigParse))
}
