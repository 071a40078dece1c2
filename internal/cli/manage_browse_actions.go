package cli

import (
	"strings"

	"listing-batch/internal/config"
	"listing-batch/internal/model"
)

const (
	manageActionEditSchedule = iota
	manageActionRunNow
)

var manageActions = []string{
	"Edit Schedule",
	"Run Now",
}

func (m manageModel) renderActionsPanel(width int) string {
	lines := make([]string, 0, len(manageActions)+2)
	lines = append(lines, "Actions")
	lines = append(lines, "")
	for i, action := range manageActions {
		row := "[>] " + action
		if m.isActionCursor() && m.selectedActionIndex() == i {
			row = theme.selected.Width(max(width-4, 6)).Render(truncateRunes(row, max(width-6, 10)))
			lines = append(lines, row)
			continue
		}
		lines = append(lines, truncateRunes(row, max(width-6, 10)))
	}
	return theme.panel.Width(width).Render(strings.Join(lines, "\n"))
}

// toggleAccount flips one account in the selection. Deselecting from "all"
// turns the selection into an explicit list of the others; selecting the
// last missing account turns it back into "all".
func toggleAccount(cfg config.Schedule, accounts []model.Account, id string) config.Schedule {
	next := cfg
	ids := []string{}
	selected := accountSelected(cfg.SelectedAccounts, id)
	for _, a := range accounts {
		on := accountSelected(cfg.SelectedAccounts, a.AccountID)
		if a.AccountID == id {
			on = !selected
		}
		if on {
			ids = append(ids, a.AccountID)
		}
	}
	if len(ids) == len(accounts) && len(accounts) > 0 {
		next.SelectedAccounts = config.AllAccounts()
		return next
	}
	next.SelectedAccounts = config.AccountSelection{IDs: ids}
	return next
}

func accountSelected(sel config.AccountSelection, id string) bool {
	if sel.All {
		return true
	}
	for _, v := range sel.IDs {
		if v == id {
			return true
		}
	}
	return false
}

func (m manageModel) totalBrowseRows() int {
	return len(m.accounts) + len(manageActions)
}

func (m manageModel) isActionCursor() bool {
	return m.cursor >= len(m.accounts)
}

func (m manageModel) selectedActionIndex() int {
	idx := m.cursor - len(m.accounts)
	if idx < 0 {
		return 0
	}
	if idx >= len(manageActions) {
		return len(manageActions) - 1
	}
	return idx
}
