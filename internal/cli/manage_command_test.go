package cli

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"listing-batch/internal/config"
	"listing-batch/internal/model"
)

func TestManageBoolFieldSupportsYN(t *testing.T) {
	m := manageModel{
		mode: manageModeForm,
		form: newScheduleForm(config.DefaultSchedule(), 80),
	}
	m.form.Index = findFieldIndexByKey(m.form, "run_after_save")
	if m.form.Index < 0 {
		t.Fatal("run_after_save field not found")
	}

	updated, _ := m.updateForm(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'y'}})
	m2 := updated.(manageModel)
	if got := m2.form.currentField().Value; got != "y" {
		t.Fatalf("expected y after 'y', got %q", got)
	}

	updated, _ = m2.updateForm(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'n'}})
	m3 := updated.(manageModel)
	if got := m3.form.currentField().Value; got != "n" {
		t.Fatalf("expected n after 'n', got %q", got)
	}

	updated, _ = m3.updateForm(tea.KeyMsg{Type: tea.KeySpace})
	m4 := updated.(manageModel)
	if got := m4.form.currentField().Value; got != "y" {
		t.Fatalf("expected y after space, got %q", got)
	}
}

func TestManageFormTypingCommitsOnTab(t *testing.T) {
	m := manageModel{
		mode: manageModeForm,
		form: newScheduleForm(config.DefaultSchedule(), 80),
	}
	m.form.Index = findFieldIndexByKey(m.form, "steps")
	m.form.loadFieldIntoInput()

	updated, _ := m.updateForm(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("21")})
	updated, _ = updated.(manageModel).updateForm(tea.KeyMsg{Type: tea.KeyTab})
	m2 := updated.(manageModel)

	stepsIdx := findFieldIndexByKey(m2.form, "steps")
	if m2.form.Index != stepsIdx+1 {
		t.Fatalf("expected tab to move past steps, index=%d", m2.form.Index)
	}
	if got := m2.form.Fields[stepsIdx].Value; got != "21" {
		t.Fatalf("expected typed steps to be kept, got %q", got)
	}
}

func TestManageSelectFieldCyclesBothWays(t *testing.T) {
	m := manageModel{
		mode: manageModeForm,
		form: newScheduleForm(config.DefaultSchedule(), 80),
	}
	m.form.Index = findFieldIndexByKey(m.form, "account_scope")
	if got := m.form.currentField().Value; got != scopeAll {
		t.Fatalf("expected default scope all, got %q", got)
	}

	updated, _ := m.updateForm(tea.KeyMsg{Type: tea.KeyRight})
	m2 := updated.(manageModel)
	if got := m2.form.currentField().Value; got != scopeSelected {
		t.Fatalf("expected selected after right, got %q", got)
	}
	updated, _ = m2.updateForm(tea.KeyMsg{Type: tea.KeyLeft})
	m3 := updated.(manageModel)
	if got := m3.form.currentField().Value; got != scopeAll {
		t.Fatalf("expected all after left, got %q", got)
	}
}

func TestManageFormBuildsSchedule(t *testing.T) {
	base := config.DefaultSchedule()
	base.SelectedAccounts = config.AccountSelection{IDs: []string{"a@example.com"}}
	f := newScheduleForm(base, 80)
	set := func(key, value string) {
		f.Fields[findFieldIndexByKey(f, key)].Value = value
	}
	set("daily_time", "06:15")
	set("steps", "1, 21.0,62")
	set("account_scope", scopeSelected)
	set("other_quantity", "40")
	set("chunk_sizes", "21=4")

	cfg, runAfter, err := f.toSchedule(base)
	if err != nil {
		t.Fatalf("toSchedule: %v", err)
	}
	if runAfter {
		t.Fatal("run after save should default to no")
	}
	if cfg.DailyTime != "06:15" || joinSteps(cfg.SelectedSteps) != "1,21,62" {
		t.Fatalf("unexpected schedule: %+v", cfg)
	}
	if cfg.SelectedAccounts.All || len(cfg.SelectedAccounts.IDs) != 1 {
		t.Fatalf("selected scope should keep the explicit list, got %v", cfg.SelectedAccounts)
	}
	if cfg.OtherQuantity != 40 || cfg.ChunkSizes["21"] != 4 {
		t.Fatalf("unexpected quantities: %+v", cfg)
	}

	set("daily_time", "25:00")
	if _, _, err := f.toSchedule(base); err == nil {
		t.Fatal("expected invalid daily time to fail")
	}
	set("daily_time", "06:15")
	set("steps", "99")
	if _, _, err := f.toSchedule(base); err == nil {
		t.Fatal("expected unknown step to fail")
	}
}

func TestManageBrowseRunNowNeedsSteps(t *testing.T) {
	m := manageModel{
		mode:   manageModeBrowse,
		cursor: manageActionRunNow, // no accounts: actions start at row 0
	}
	updated, _ := m.updateBrowse(tea.KeyMsg{Type: tea.KeyEnter})
	m2 := updated.(manageModel)
	if m2.launchRun {
		t.Fatal("run must not launch with no steps selected")
	}

	m2.schedule.SelectedSteps = []model.StepID{"1"}
	updated, _ = m2.updateBrowse(tea.KeyMsg{Type: tea.KeyEnter})
	m3 := updated.(manageModel)
	if !m3.launchRun {
		t.Fatal("expected launchRun=true")
	}
	if m3.statusMessage == "" {
		t.Fatal("expected non-empty status message")
	}
}

func TestToggleAccountLeavesAndReturnsToAll(t *testing.T) {
	accounts := []model.Account{{AccountID: "a"}, {AccountID: "b"}, {AccountID: "c"}}
	cfg := config.DefaultSchedule()

	cfg = toggleAccount(cfg, accounts, "b")
	if cfg.SelectedAccounts.All {
		t.Fatal("deselecting from all should give an explicit list")
	}
	if got := cfg.SelectedAccounts.String(); got != "a,c" {
		t.Fatalf("expected a,c, got %q", got)
	}

	cfg = toggleAccount(cfg, accounts, "b")
	if !cfg.SelectedAccounts.All {
		t.Fatalf("reselecting every account should give all, got %v", cfg.SelectedAccounts)
	}
}

func TestManageResetConfirmCancel(t *testing.T) {
	m := manageModel{
		mode:     manageModeBrowse,
		accounts: []model.Account{{AccountID: "a@example.com"}},
	}
	updated, _ := m.updateBrowse(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})
	m2 := updated.(manageModel)
	if m2.mode != manageModeResetConfirm || m2.confirmResetID != "a@example.com" {
		t.Fatalf("expected reset confirm for a@example.com, got mode=%d id=%q", m2.mode, m2.confirmResetID)
	}
	updated, _ = m2.updateResetConfirm(tea.KeyMsg{Type: tea.KeyEsc})
	m3 := updated.(manageModel)
	if m3.mode != manageModeBrowse || m3.confirmResetID != "" {
		t.Fatal("esc should cancel the reset")
	}
}

func findFieldIndexByKey(f *manageForm, key string) int {
	if f == nil {
		return -1
	}
	for i, field := range f.Fields {
		if field.Key == key {
			return i
		}
	}
	return -1
}
