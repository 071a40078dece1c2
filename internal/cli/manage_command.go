package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"listing-batch/internal/config"
	"listing-batch/internal/model"
	"listing-batch/internal/progress"
)

var errNeedTTY = errors.New("manage requires an interactive terminal (TTY)")

type manageMode int

const (
	manageModeBrowse manageMode = iota
	manageModeForm
	manageModeResetConfirm
)

type manageFieldKind int

const (
	manageFieldString manageFieldKind = iota
	manageFieldInt
	manageFieldBool
	manageFieldSelect
)

type manageFormField struct {
	Key      string
	Label    string
	Help     string
	Kind     manageFieldKind
	Value    string
	Options  []string
	Required bool
}

// toggles reports whether the field is edited with keys rather than typing.
func (f manageFormField) toggles() bool {
	return f.Kind == manageFieldBool || f.Kind == manageFieldSelect
}

type manageForm struct {
	Title  string
	Fields []manageFormField
	Index  int
	Input  textinput.Model
	Error  string
	Saving bool
}

type manageModel struct {
	common   *commonFlags
	accounts []model.Account
	schedule config.Schedule
	cursor   int
	width    int
	height   int
	mode     manageMode
	form     *manageForm

	confirmResetID string
	statusMessage  string
	launchRun      bool
	fatalErr       error
}

type manageLoadedMsg struct {
	accounts []model.Account
	schedule config.Schedule
	err      error
}

type manageSaveMsg struct {
	message   string
	launchRun bool
	err       error
}

type manageResetMsg struct {
	message string
	err     error
}

type browseKeyMap struct {
	Up, Down, Toggle, All, Open, Reset, Refresh, Quit key.Binding
}

func (k browseKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Toggle, k.All, k.Open, k.Reset, k.Refresh, k.Quit}
}

func (k browseKeyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

type formKeyMap struct {
	Prev, Next, Forward, Back, Yes, No, Submit, Save, Cancel key.Binding
}

func (k formKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Prev, k.Next, k.Forward, k.Yes, k.No, k.Submit, k.Save, k.Cancel}
}

func (k formKeyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var browseKeys = browseKeyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Toggle:  key.NewBinding(key.WithKeys(" ", "space"), key.WithHelp("space", "toggle account")),
	All:     key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "all accounts")),
	Open:    key.NewBinding(key.WithKeys("enter", "e"), key.WithHelp("enter", "edit/run")),
	Reset:   key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "reset checkpoints")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reload")),
	Quit:    key.NewBinding(key.WithKeys("ctrl+c", "q"), key.WithHelp("q", "quit")),
}

var formKeys = formKeyMap{
	Prev:    key.NewBinding(key.WithKeys("up", "shift+tab"), key.WithHelp("shift+tab", "previous")),
	Next:    key.NewBinding(key.WithKeys("down", "tab"), key.WithHelp("tab", "next")),
	Forward: key.NewBinding(key.WithKeys(" ", "space", "right", "l"), key.WithHelp("space/→", "cycle")),
	Back:    key.NewBinding(key.WithKeys("left", "h")),
	Yes:     key.NewBinding(key.WithKeys("y", "Y"), key.WithHelp("y", "yes")),
	No:      key.NewBinding(key.WithKeys("n", "N"), key.WithHelp("n", "no")),
	Submit:  key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "next/save")),
	Save:    key.NewBinding(key.WithKeys("ctrl+s"), key.WithHelp("ctrl+s", "save")),
	Cancel:  key.NewBinding(key.WithKeys("ctrl+c", "esc"), key.WithHelp("esc", "cancel")),
}

var confirmKeys = struct{ Yes, No key.Binding }{
	Yes: key.NewBinding(key.WithKeys("y", "enter")),
	No:  key.NewBinding(key.WithKeys("n", "esc", "ctrl+c")),
}

type manageTheme struct {
	title, muted, failure, success, panel, selected lipgloss.Style
}

var theme = manageTheme{
	title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
	muted:    lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	failure:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	success:  lipgloss.NewStyle().Foreground(lipgloss.Color("35")).Bold(true),
	panel:    lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1),
	selected: lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Background(lipgloss.Color("25")),
}

func runManage(args []string) error {
	fs := flag.NewFlagSet("manage", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	common.trim()
	if !stdinIsTTY() {
		return errNeedTTY
	}

	final, err := tea.NewProgram(manageModel{common: common}, tea.WithAltScreen()).Run()
	switch {
	case err != nil && strings.Contains(strings.ToLower(err.Error()), "tty"):
		return errNeedTTY
	case err != nil:
		return err
	}
	fm, ok := final.(manageModel)
	if !ok {
		return nil
	}
	if fm.fatalErr != nil {
		return fm.fatalErr
	}
	if fm.launchRun {
		fmt.Println("run now: dispatching the saved schedule...")
		return runBatch(append(common.args(), "--progress"))
	}
	return nil
}

func (m manageModel) Init() tea.Cmd {
	return loadManageCmd(m.common)
}

func (m manageModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		if m.form != nil {
			m.form.Input.Width = clampInt(m.width-8, 20, 120)
		}
	case manageLoadedMsg:
		return m.applyLoaded(msg)
	case manageSaveMsg:
		return m.applySaved(msg)
	case manageResetMsg:
		m.mode = manageModeBrowse
		m.confirmResetID = ""
		m.statusMessage = msg.message
		if msg.err != nil {
			m.statusMessage = "error: " + msg.err.Error()
		}
	case tea.KeyMsg:
		switch m.mode {
		case manageModeForm:
			return m.updateForm(msg)
		case manageModeResetConfirm:
			return m.updateResetConfirm(msg)
		default:
			return m.updateBrowse(msg)
		}
	}
	return m, nil
}

func (m manageModel) applyLoaded(msg manageLoadedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.fatalErr = msg.err
		return m, tea.Quit
	}
	m.accounts, m.schedule = msg.accounts, msg.schedule
	if last := m.totalBrowseRows() - 1; m.cursor > last {
		m.cursor = max(last, 0)
	}
	return m, nil
}

func (m manageModel) applySaved(msg manageSaveMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		if m.form == nil {
			m.statusMessage = "error: " + msg.err.Error()
			return m, nil
		}
		m.form.Error, m.form.Saving = msg.err.Error(), false
		return m, nil
	}
	m.mode, m.form = manageModeBrowse, nil
	m.statusMessage = msg.message
	if msg.launchRun {
		m.launchRun = true
		return m, tea.Quit
	}
	return m, loadManageCmd(m.common)
}

func (m manageModel) openForm() manageModel {
	m.mode = manageModeForm
	m.form = newScheduleForm(m.schedule, m.width)
	m.statusMessage = ""
	return m
}

func (m manageModel) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, browseKeys.Quit):
		return m, tea.Quit
	case key.Matches(msg, browseKeys.Up):
		m.cursor = max(m.cursor-1, 0)
	case key.Matches(msg, browseKeys.Down):
		m.cursor = min(m.cursor+1, m.totalBrowseRows()-1)
	case key.Matches(msg, browseKeys.Toggle):
		if m.isActionCursor() {
			break
		}
		next := toggleAccount(m.schedule, m.accounts, m.accounts[m.cursor].AccountID)
		return m, saveScheduleCmd(m.common.schedule, next, scheduleSaveMessage(next), false)
	case key.Matches(msg, browseKeys.All):
		next := m.schedule
		next.SelectedAccounts = config.AllAccounts()
		return m, saveScheduleCmd(m.common.schedule, next, "selected accounts: all", false)
	case key.Matches(msg, browseKeys.Refresh):
		return m, loadManageCmd(m.common)
	case key.Matches(msg, browseKeys.Reset):
		if m.isActionCursor() {
			m.statusMessage = "select an account to reset"
			break
		}
		m.mode = manageModeResetConfirm
		m.confirmResetID = m.accounts[m.cursor].AccountID
	case key.Matches(msg, browseKeys.Open):
		if !m.isActionCursor() || m.selectedActionIndex() == manageActionEditSchedule {
			return m.openForm(), nil
		}
		if len(m.schedule.SelectedSteps) == 0 {
			m.statusMessage = "error: no steps selected; edit the schedule first"
			break
		}
		m.statusMessage = "run now: launching batch..."
		m.launchRun = true
		return m, tea.Quit
	}
	return m, nil
}

func (m manageModel) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	f := m.form
	if f == nil {
		m.mode = manageModeBrowse
		return m, nil
	}
	if f.Saving {
		return m, nil
	}
	field := f.currentField()

	switch {
	case key.Matches(msg, formKeys.Cancel):
		m.mode, m.form = manageModeBrowse, nil
		m.statusMessage = "edit cancelled"
		return m, nil
	case key.Matches(msg, formKeys.Prev):
		f.move(-1)
		return m, nil
	case key.Matches(msg, formKeys.Next):
		f.move(1)
		return m, nil
	case field.toggles() && key.Matches(msg, formKeys.Forward):
		f.cycle(1)
		return m, nil
	case field.toggles() && key.Matches(msg, formKeys.Back):
		f.cycle(-1)
		return m, nil
	case field.Kind == manageFieldBool && key.Matches(msg, formKeys.Yes):
		f.setBoolField(true)
		return m, nil
	case field.Kind == manageFieldBool && key.Matches(msg, formKeys.No):
		f.setBoolField(false)
		return m, nil
	case key.Matches(msg, formKeys.Submit, formKeys.Save):
		f.commitInput()
		if !key.Matches(msg, formKeys.Save) && f.Index < len(f.Fields)-1 {
			f.move(1)
			return m, nil
		}
		next, runAfter, err := f.toSchedule(m.schedule)
		if err != nil {
			f.Error = err.Error()
			return m, nil
		}
		f.Error, f.Saving = "", true
		return m, saveScheduleCmd(m.common.schedule, next, scheduleSaveMessage(next), runAfter)
	}

	if field.toggles() {
		return m, nil
	}
	var cmd tea.Cmd
	f.Input, cmd = f.Input.Update(msg)
	f.Fields[f.Index].Value = f.Input.Value()
	return m, cmd
}

func (m manageModel) updateResetConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	id := strings.TrimSpace(m.confirmResetID)
	switch {
	case key.Matches(msg, confirmKeys.Yes) && id != "":
		return m, resetAccountCmd(m.common.stateDir, id)
	case key.Matches(msg, confirmKeys.Yes), key.Matches(msg, confirmKeys.No):
		m.mode = manageModeBrowse
		m.confirmResetID = ""
		m.statusMessage = "reset cancelled"
	}
	return m, nil
}

func (m manageModel) View() string {
	if m.fatalErr != nil {
		return theme.failure.Render("fatal: " + m.fatalErr.Error())
	}
	if m.width <= 0 {
		m.width = 100
	}
	if m.height <= 0 {
		m.height = 30
	}
	switch m.mode {
	case manageModeForm:
		return m.viewForm()
	case manageModeResetConfirm:
		return m.viewResetConfirm()
	}
	return m.viewBrowse()
}

func (m manageModel) helpLine(keys help.KeyMap) string {
	h := help.New()
	h.Width = m.width
	return h.View(keys)
}

func (m manageModel) viewBrowse() string {
	header := theme.title.Render("listing-batch · schedule") + "\n" + m.helpLine(browseKeys)
	var body string
	if m.width < 90 {
		body = lipgloss.JoinVertical(lipgloss.Left,
			m.accountsPanel(m.width), m.renderActionsPanel(m.width), m.detailsPanel(m.width))
	} else {
		leftW := clampInt(m.width/2, 34, 56)
		left := lipgloss.JoinVertical(lipgloss.Left, m.accountsPanel(leftW), m.renderActionsPanel(leftW))
		body = lipgloss.JoinHorizontal(lipgloss.Top, left, m.detailsPanel(m.width-leftW-1))
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.statusLine(m.width))
}

func (m manageModel) accountsPanel(width int) string {
	n := len(m.accounts)
	rows := clampInt(m.height-14, 4, 18)
	if n == 0 {
		return theme.panel.Width(width).Render(theme.muted.Render(
			"No accounts in " + m.common.workbook + ".\nAdd rows to the login_id sheet and press r."))
	}
	start, end := listWindow(n, clampInt(m.cursor, 0, n-1), rows)

	var b strings.Builder
	if start > 0 {
		b.WriteString(theme.muted.Render("↑ more") + "\n")
	}
	for i, a := range m.accounts[start:end] {
		box := "[ ]"
		if accountSelected(m.schedule.SelectedAccounts, a.AccountID) {
			box = "[x]"
		}
		row := truncateRunes(box+" "+a.AccountID+"  "+model.NormalizeServer(a.ServerTag), max(width-6, 10))
		if start+i == m.cursor {
			row = theme.selected.Width(max(width-4, 6)).Render(row)
		}
		b.WriteString(row + "\n")
	}
	if end < n {
		b.WriteString(theme.muted.Render("↓ more"))
	}
	return theme.panel.Width(width).Render(strings.TrimRight(b.String(), "\n"))
}

func (m manageModel) detailsPanel(width int) string {
	var lines []string
	switch {
	case m.isActionCursor() && m.selectedActionIndex() == manageActionRunNow:
		lines = []string{
			"Run Now", "",
			"Runs the saved schedule once with the live dashboard.",
			kv("steps", defaultIfEmpty(joinSteps(m.schedule.SelectedSteps), "(none)")),
			kv("accounts", m.schedule.SelectedAccounts.String()),
		}
	case m.isActionCursor():
		lines = append([]string{"Schedule", ""}, scheduleLines(m.schedule)...)
		lines = append(lines, "", "Press Enter to edit.")
	default:
		a := m.accounts[m.cursor]
		lines = []string{
			"Account", "",
			kv("account_id", a.AccountID),
			kv("nickname", defaultIfEmpty(a.Nickname, "-")),
			kv("operator", defaultIfEmpty(a.Operator, "-")),
			kv("server", model.NormalizeServer(a.ServerTag)),
			kv("task_sheet", defaultIfEmpty(a.SheetName, "-")),
			kv("password", yesNo(a.Password != "")),
			kv("selected", yesNo(accountSelected(m.schedule.SelectedAccounts, a.AccountID))),
		}
	}
	for i := range lines {
		lines[i] = wrapOrTrim(lines[i], max(width-6, 12))
	}
	return theme.panel.Width(width).Render(strings.Join(lines, "\n"))
}

func (m manageModel) statusLine(width int) string {
	text := strings.TrimSpace(m.statusMessage)
	style := theme.muted
	switch lower := strings.ToLower(text); {
	case text == "":
		text = "space toggles an account; the Actions rows edit the schedule or run it now."
	case strings.HasPrefix(lower, "error:"):
		style = theme.failure
	case strings.HasPrefix(lower, "saved"), strings.HasPrefix(lower, "selected"), strings.HasPrefix(lower, "reset "):
		style = theme.success
	}
	return style.Width(width).Render(truncateRunes(text, max(width-2, 10)))
}

func (m manageModel) viewForm() string {
	f := m.form
	if f == nil {
		return ""
	}
	var b strings.Builder
	for i, field := range f.Fields {
		marker := "  "
		if i == f.Index {
			marker = "▸ "
		}
		b.WriteString(wrapOrTrim(marker+field.Label+": "+fieldDisplay(field), max(m.width-6, 20)) + "\n")
	}

	curr := f.currentField()
	b.WriteString("\n" + curr.Label + "\n")
	if h := strings.TrimSpace(curr.Help); h != "" {
		b.WriteString(theme.muted.Render(h) + "\n")
	}
	b.WriteString(f.Input.View())
	switch {
	case strings.TrimSpace(f.Error) != "":
		b.WriteString("\n" + theme.failure.Render(f.Error))
	case f.Saving:
		b.WriteString("\n" + theme.muted.Render("Saving..."))
	}

	panel := theme.panel.Width(max(m.width, 40)).Render(b.String())
	return lipgloss.JoinVertical(lipgloss.Left, theme.title.Render(f.Title), m.helpLine(formKeys), panel)
}

func fieldDisplay(field manageFormField) string {
	v := strings.TrimSpace(field.Value)
	switch field.Kind {
	case manageFieldBool:
		b, _ := parseBool(v)
		return yesNo(b)
	case manageFieldSelect:
		return "<" + v + ">"
	}
	if v == "" {
		return theme.muted.Render("(empty)")
	}
	return v
}

func (m manageModel) viewResetConfirm() string {
	text := "Reset checkpoints for " + m.confirmResetID + "?\n\n" +
		"Every step's completed keywords are forgotten and the\nnext run starts its task lists from the top.\n\n" +
		theme.muted.Render("y/enter: confirm   n/esc: cancel")
	box := theme.panel.Width(clampInt(m.width-8, 36, 80)).Height(clampInt(m.height-6, 9, 14)).Render(text)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func loadManageCmd(c *commonFlags) tea.Cmd {
	return func() tea.Msg {
		cfg, err := config.LoadSchedule(c.schedule)
		if err != nil {
			return manageLoadedMsg{err: err}
		}
		accounts, err := c.loadAccounts()
		return manageLoadedMsg{accounts: accounts, schedule: cfg, err: err}
	}
}

func saveScheduleCmd(path string, cfg config.Schedule, message string, launchRun bool) tea.Cmd {
	return func() tea.Msg {
		if err := config.SaveSchedule(path, cfg); err != nil {
			return manageSaveMsg{err: err}
		}
		return manageSaveMsg{message: message, launchRun: launchRun}
	}
}

func resetAccountCmd(stateDir, accountID string) tea.Cmd {
	return func() tea.Msg {
		keys, err := progress.NewStore(stateDir).ResetAccount(accountID, nil)
		if err != nil {
			return manageResetMsg{err: err}
		}
		return manageResetMsg{message: fmt.Sprintf("reset %s: %d checkpoints removed", accountID, len(keys))}
	}
}

func scheduleSaveMessage(cfg config.Schedule) string {
	return fmt.Sprintf("saved schedule: daily %s steps=[%s] accounts=%s",
		cfg.DailyTime, joinSteps(cfg.SelectedSteps), cfg.SelectedAccounts)
}

func scheduleLines(cfg config.Schedule) []string {
	return []string{
		kv("daily_time", cfg.DailyTime),
		kv("steps", defaultIfEmpty(joinSteps(cfg.SelectedSteps), "(none)")),
		kv("accounts", cfg.SelectedAccounts.String()),
		kv("step1_quantity", fmt.Sprint(cfg.Step1Quantity)),
		kv("other_quantity", fmt.Sprint(cfg.OtherQuantity)),
		kv("step3_limits", fmt.Sprintf("%d products / %d images", cfg.Step3ProductLimit, cfg.Step3ImageLimit)),
		kv("step_interval_s", fmt.Sprint(cfg.StepIntervalS)),
		kv("account_delay_s", fmt.Sprint(cfg.AccountDelayS)),
		kv("chunk_sizes", defaultIfEmpty(formatChunkSizes(cfg.ChunkSizes), "(step defaults)")),
	}
}
