package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"

	"listing-batch/internal/config"
)

const (
	scopeAll      = "all"
	scopeSelected = "selected"
)

func newScheduleForm(cfg config.Schedule, width int) *manageForm {
	scope := scopeSelected
	if cfg.SelectedAccounts.All {
		scope = scopeAll
	}
	f := &manageForm{
		Title: "Edit Schedule",
		Fields: []manageFormField{
			{Key: "daily_time", Label: "Daily Time", Help: "HH:MM, 24h, local time", Kind: manageFieldString, Required: true, Value: cfg.DailyTime},
			{Key: "steps", Label: "Steps", Help: "Comma-separated step ids in run order, e.g. 1,21,31", Kind: manageFieldString, Value: joinSteps(cfg.SelectedSteps)},
			{Key: "account_scope", Label: "Accounts", Help: "all follows the workbook; selected keeps the list toggled in the browser", Kind: manageFieldSelect, Value: scope, Options: []string{scopeAll, scopeSelected}},
			{Key: "step1_quantity", Label: "Step 1 Quantity", Help: "Items collected by step 1", Kind: manageFieldInt, Value: strconv.Itoa(cfg.Step1Quantity)},
			{Key: "other_quantity", Label: "Other Quantity", Help: "Items or tasks for every other step", Kind: manageFieldInt, Value: strconv.Itoa(cfg.OtherQuantity)},
			{Key: "step3_product_limit", Label: "Step 3 Product Limit", Help: "Per-task product limit for detail steps", Kind: manageFieldInt, Value: strconv.Itoa(cfg.Step3ProductLimit)},
			{Key: "step3_image_limit", Label: "Step 3 Image Limit", Help: "Per-task image limit for detail steps", Kind: manageFieldInt, Value: strconv.Itoa(cfg.Step3ImageLimit)},
			{Key: "step_interval_s", Label: "Step Interval (s)", Help: "Pause between steps of one account", Kind: manageFieldInt, Value: strconv.Itoa(cfg.StepIntervalS)},
			{Key: "account_delay_s", Label: "Account Delay (s)", Help: "Stagger between account starts", Kind: manageFieldInt, Value: strconv.Itoa(cfg.AccountDelayS)},
			{Key: "chunk_sizes", Label: "Chunk Sizes", Help: "Overrides like 21=5,1=10; empty uses step defaults", Kind: manageFieldString, Value: formatChunkSizes(cfg.ChunkSizes)},
			{Key: "run_after_save", Label: "Run After Save", Help: "Leave the editor and run the schedule once", Kind: manageFieldBool, Value: "n"},
		},
	}

	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 512
	input.Width = clampInt(width-8, 20, 120)
	f.Input = input
	f.loadFieldIntoInput()
	f.Input.Focus()
	return f
}

// toSchedule validates the form over base. The bool reports whether the
// user asked for a run after saving.
func (f *manageForm) toSchedule(base config.Schedule) (config.Schedule, bool, error) {
	if f == nil {
		return base, false, fmt.Errorf("internal form error")
	}
	vals := make(map[string]string, len(f.Fields))
	ints := map[string]int{}
	for _, field := range f.Fields {
		v := strings.TrimSpace(field.Value)
		if field.Required && v == "" {
			return base, false, fmt.Errorf("%s is required", strings.ToLower(field.Label))
		}
		switch field.Kind {
		case manageFieldInt:
			n, err := strconv.Atoi(defaultIfEmpty(v, "0"))
			if err != nil || n < 0 {
				return base, false, fmt.Errorf("%s must be an integer >= 0", strings.ToLower(field.Label))
			}
			ints[field.Key] = n
		case manageFieldBool:
			if _, ok := parseBool(v); !ok {
				return base, false, fmt.Errorf("%s must be y or n", strings.ToLower(field.Label))
			}
		case manageFieldSelect:
			matched := false
			for _, opt := range field.Options {
				if strings.EqualFold(opt, v) {
					v = opt
					matched = true
					break
				}
			}
			if !matched {
				return base, false, fmt.Errorf("%s has invalid value", strings.ToLower(field.Label))
			}
		}
		vals[field.Key] = v
	}

	next := base
	next.DailyTime = vals["daily_time"]
	steps, err := config.ParseSteps(vals["steps"])
	if err != nil {
		return base, false, err
	}
	next.SelectedSteps = steps
	if vals["account_scope"] == scopeAll {
		next.SelectedAccounts = config.AllAccounts()
	}
	next.Step1Quantity = ints["step1_quantity"]
	next.OtherQuantity = ints["other_quantity"]
	next.Step3ProductLimit = ints["step3_product_limit"]
	next.Step3ImageLimit = ints["step3_image_limit"]
	next.StepIntervalS = ints["step_interval_s"]
	next.AccountDelayS = ints["account_delay_s"]
	sizes, err := parseChunkSizes(vals["chunk_sizes"])
	if err != nil {
		return base, false, err
	}
	next.ChunkSizes = map[string]int{}
	for k, v := range sizes {
		if v > 0 {
			next.ChunkSizes[k] = v
		}
	}
	if err := config.ValidateSchedule(next); err != nil {
		return base, false, err
	}
	runAfter, _ := parseBool(vals["run_after_save"])
	if runAfter && len(next.SelectedSteps) == 0 {
		return base, false, fmt.Errorf("run after save needs at least one step")
	}
	return next, runAfter, nil
}

func (f *manageForm) currentField() manageFormField {
	if len(f.Fields) == 0 {
		return manageFormField{}
	}
	if f.Index < 0 {
		f.Index = 0
	}
	if f.Index >= len(f.Fields) {
		f.Index = len(f.Fields) - 1
	}
	return f.Fields[f.Index]
}

func (f *manageForm) commitInput() {
	if f == nil || len(f.Fields) == 0 {
		return
	}
	if f.Fields[f.Index].toggles() {
		return
	}
	f.Fields[f.Index].Value = strings.TrimSpace(f.Input.Value())
}

func (f *manageForm) loadFieldIntoInput() {
	if f == nil || len(f.Fields) == 0 {
		return
	}
	f.Input.SetValue(f.Fields[f.Index].Value)
	f.Input.CursorEnd()
}

// move commits the typed value and steps to another field.
func (f *manageForm) move(delta int) {
	f.commitInput()
	f.Index = clampInt(f.Index+delta, 0, len(f.Fields)-1)
	f.loadFieldIntoInput()
}

func (f *manageForm) setBoolField(v bool) {
	if f == nil || len(f.Fields) == 0 || f.Fields[f.Index].Kind != manageFieldBool {
		return
	}
	f.Fields[f.Index].Value = boolToYN(v)
	f.loadFieldIntoInput()
}

// cycle flips a bool field or moves a select field by delta, wrapping around.
func (f *manageForm) cycle(delta int) {
	if f == nil || len(f.Fields) == 0 {
		return
	}
	curr := f.Fields[f.Index]
	if curr.Kind == manageFieldBool {
		v, _ := parseBool(curr.Value)
		f.setBoolField(!v)
		return
	}
	if curr.Kind != manageFieldSelect || len(curr.Options) == 0 {
		return
	}
	pos := 0
	for i, opt := range curr.Options {
		if strings.EqualFold(opt, strings.TrimSpace(curr.Value)) {
			pos = i
			break
		}
	}
	n := len(curr.Options)
	pos = ((pos+delta)%n + n) % n
	f.Fields[f.Index].Value = curr.Options[pos]
	f.loadFieldIntoInput()
}
