package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"listing-batch/internal/model"
)

// AccountsSheet is the worksheet listing accounts.
const AccountsSheet = "login_id"

// Column alias tables, highest precedence first.
var (
	accountIDAliases       = []string{"id", "ID", "account_id", "email"}
	accountPasswordAliases = []string{"password", "pw"}
	accountNicknameAliases = []string{"nickname", "name"}
	accountServerAliases   = []string{"server", "Server"}
	accountSheetAliases    = []string{"sheet_nickname", "sheet_name", "sheet"}
	accountOperatorAliases = []string{"operator"}

	taskCodeAliases   = []string{"provider_code", "keyword", "code"}
	taskGroupAliases  = []string{"final_group", "target_group", "group"}
	taskStepAliases   = []string{"step", "Step", "step2_or_step3"}
	taskServerAliases = []string{"server", "Server"}
)

// Workbook is an in-memory snapshot of the accounts workbook. The file is
// read once and closed; nothing is ever written back.
type Workbook struct {
	Path   string
	sheets map[string][][]string
	order  []string
}

func OpenWorkbook(path string) (*Workbook, error) {
	target := strings.TrimSpace(path)
	if target == "" {
		return nil, &model.ConfigError{Kind: model.ConfigMissingFile, Detail: "workbook path is required"}
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &model.ConfigError{Kind: model.ConfigMissingFile, Detail: target}
		}
		return nil, fmt.Errorf("stat workbook %s: %w", target, err)
	}

	f, err := excelize.OpenFile(target)
	if err != nil {
		return nil, &model.ConfigError{Kind: model.ConfigParse, Detail: target, Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	wb := &Workbook{Path: target, sheets: map[string][][]string{}}
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, &model.ConfigError{Kind: model.ConfigParse, Detail: fmt.Sprintf("%s sheet %q", target, name), Err: err}
		}
		wb.sheets[name] = rows
		wb.order = append(wb.order, name)
	}
	return wb, nil
}

// SheetNames lists worksheets in workbook order.
func (w *Workbook) SheetNames() []string {
	return append([]string(nil), w.order...)
}

func (w *Workbook) LoadAccounts() ([]model.Account, error) {
	rows, ok := w.sheets[AccountsSheet]
	if !ok {
		return nil, &model.ConfigError{Kind: model.ConfigMissingSheet, Detail: AccountsSheet}
	}
	if len(rows) == 0 {
		return nil, &model.ConfigError{Kind: model.ConfigMissingColumn, Detail: AccountsSheet + ": header row is empty"}
	}

	header := rows[0]
	idCol := resolveColumn(header, accountIDAliases)
	if idCol < 0 {
		return nil, &model.ConfigError{Kind: model.ConfigMissingColumn, Detail: AccountsSheet + ": id"}
	}
	pwCol := resolveColumn(header, accountPasswordAliases)
	if pwCol < 0 {
		return nil, &model.ConfigError{Kind: model.ConfigMissingColumn, Detail: AccountsSheet + ": password"}
	}
	nickCol := resolveColumn(header, accountNicknameAliases)
	serverCol := resolveColumn(header, accountServerAliases)
	sheetCol := resolveColumn(header, accountSheetAliases)
	opCol := resolveColumn(header, accountOperatorAliases)

	out := make([]model.Account, 0, len(rows)-1)
	seen := map[string]bool{}
	for _, row := range rows[1:] {
		id := cell(row, idCol)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		acct := model.Account{
			AccountID: id,
			Password:  cell(row, pwCol),
			Nickname:  cell(row, nickCol),
			Operator:  cell(row, opCol),
			ServerTag: model.NormalizeServer(cell(row, serverCol)),
			SheetName: cell(row, sheetCol),
		}
		if acct.Nickname == "" {
			acct.Nickname = fmt.Sprintf("Account %d", len(out)+1)
		}
		if acct.SheetName == "" {
			acct.SheetName = acct.Nickname
		}
		out = append(out, acct)
	}
	return out, nil
}

// Account looks up one account by id.
func (w *Workbook) Account(accountID string) (model.Account, error) {
	accounts, err := w.LoadAccounts()
	if err != nil {
		return model.Account{}, err
	}
	want := strings.TrimSpace(accountID)
	for _, a := range accounts {
		if a.AccountID == want {
			return a, nil
		}
	}
	return model.Account{}, &model.ConfigError{Kind: model.ConfigUnknownAccount, Detail: want}
}

// LoadTasks returns the account's tasks for step on server, in row order,
// first occurrence of each provider code only.
func (w *Workbook) LoadTasks(accountID string, step model.StepID, server string) ([]model.Task, error) {
	if _, err := model.MustStep(step); err != nil {
		return nil, err
	}
	acct, err := w.Account(accountID)
	if err != nil {
		return nil, err
	}
	rows, ok := w.sheets[acct.SheetName]
	if !ok {
		return nil, &model.ConfigError{Kind: model.ConfigMissingSheet, Detail: fmt.Sprintf("%s (tasks for %s)", acct.SheetName, acct.AccountID)}
	}
	if len(rows) == 0 {
		return []model.Task{}, nil
	}

	header := rows[0]
	codeCol := resolveColumn(header, taskCodeAliases)
	if codeCol < 0 {
		return nil, &model.ConfigError{Kind: model.ConfigMissingColumn, Detail: acct.SheetName + ": provider_code"}
	}
	groupCol := resolveColumn(header, taskGroupAliases)
	stepCol := resolveColumn(header, taskStepAliases)
	serverCol := resolveColumn(header, taskServerAliases)
	wantServer := model.NormalizeServer(server)

	out := []model.Task{}
	seen := map[string]bool{}
	for i, row := range rows[1:] {
		code := cell(row, codeCol)
		if code == "" {
			continue
		}
		if stepCol >= 0 {
			raw := model.NormalizeStep(cell(row, stepCol))
			if raw == "" {
				continue
			}
			match, err := stepCellMatches(raw, step)
			if err != nil {
				return nil, &model.ConfigError{
					Kind:   model.ConfigUnknownStep,
					Detail: fmt.Sprintf("%s row %d: %q", acct.SheetName, i+2, raw),
				}
			}
			if !match {
				continue
			}
		}
		rowServer := model.DefaultServer
		if serverCol >= 0 {
			rowServer = model.NormalizeServer(cell(row, serverCol))
		}
		if rowServer != wantServer {
			continue
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, model.Task{
			ProviderCode: code,
			TargetGroup:  cell(row, groupCol),
			Step:         step,
			ServerTag:    rowServer,
		})
	}
	return out, nil
}

// stepCellMatches decides whether a task row addresses step. A bare family
// digit addresses the whole family; a 3x row also feeds its 3xy sub-steps.
func stepCellMatches(raw string, step model.StepID) (bool, error) {
	if model.IsFamilyDigit(raw) {
		meta, _ := model.LookupStep(step)
		return meta.Family == raw, nil
	}
	if _, ok := model.LookupStep(model.StepID(raw)); !ok {
		return false, fmt.Errorf("unknown step %q", raw)
	}
	if model.StepID(raw) == step {
		return true, nil
	}
	s := string(step)
	return len(s) == 3 && s[0] == '3' && raw == s[:2], nil
}

// resolveColumn returns the index of the first alias present in header.
// Exact matches win over case-insensitive ones.
func resolveColumn(header []string, aliases []string) int {
	for _, alias := range aliases {
		for i, h := range header {
			if strings.TrimSpace(h) == alias {
				return i
			}
		}
	}
	for _, alias := range aliases {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), alias) {
				return i
			}
		}
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
