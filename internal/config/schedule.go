package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"listing-batch/internal/model"
	"listing-batch/internal/runstore"
)

const (
	DefaultScheduleFile  = "schedule.json"
	DefaultDailyTime     = "00:32"
	DefaultQuantity      = 100
	DefaultStepInterval  = 60
	DefaultAccountDelay  = 5
	selectAllAccounts    = "all"
	selectDynamicAccount = "dynamic"
)

// AccountSelection is either every account in the workbook (expanded at
// plan time) or an explicit list.
type AccountSelection struct {
	All bool
	IDs []string
}

func AllAccounts() AccountSelection {
	return AccountSelection{All: true}
}

func (s AccountSelection) MarshalJSON() ([]byte, error) {
	if s.All {
		return json.Marshal(selectAllAccounts)
	}
	ids := s.IDs
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

func (s *AccountSelection) UnmarshalJSON(data []byte) error {
	var word string
	if err := json.Unmarshal(data, &word); err == nil {
		switch strings.ToLower(strings.TrimSpace(word)) {
		case selectAllAccounts, selectDynamicAccount, "":
			*s = AllAccounts()
			return nil
		}
		*s = AccountSelection{IDs: []string{strings.TrimSpace(word)}}
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("selected_accounts must be %q or a list of ids", selectAllAccounts)
	}
	*s = AccountSelection{IDs: normalizeIDs(ids)}
	return nil
}

func (s AccountSelection) String() string {
	if s.All {
		return selectAllAccounts
	}
	return strings.Join(s.IDs, ",")
}

// ParseAccountSelection reads the CLI form: "all" or a comma list.
func ParseAccountSelection(raw string) AccountSelection {
	v := strings.TrimSpace(raw)
	if v == "" || strings.EqualFold(v, selectAllAccounts) || strings.EqualFold(v, selectDynamicAccount) {
		return AllAccounts()
	}
	return AccountSelection{IDs: normalizeIDs(strings.Split(v, ","))}
}

type Schedule struct {
	DailyTime         string           `json:"daily_time"`
	SelectedSteps     []model.StepID   `json:"selected_steps"`
	SelectedAccounts  AccountSelection `json:"selected_accounts"`
	Step1Quantity     int              `json:"step1_quantity"`
	OtherQuantity     int              `json:"other_quantity"`
	Step3ProductLimit int              `json:"step3_product_limit"`
	Step3ImageLimit   int              `json:"step3_image_limit"`
	StepIntervalS     int              `json:"step_interval_s"`
	AccountDelayS     int              `json:"account_delay_s"`
	ChunkSizes        map[string]int   `json:"chunk_sizes"`
}

func DefaultSchedule() Schedule {
	return Schedule{
		DailyTime:        DefaultDailyTime,
		SelectedSteps:    []model.StepID{},
		SelectedAccounts: AllAccounts(),
		Step1Quantity:    DefaultQuantity,
		OtherQuantity:    DefaultQuantity,
		StepIntervalS:    DefaultStepInterval,
		AccountDelayS:    DefaultAccountDelay,
		ChunkSizes:       map[string]int{},
	}
}

// LoadSchedule reads path over the defaults: missing file gives defaults,
// missing keys keep theirs, unknown keys are ignored.
func LoadSchedule(path string) (Schedule, error) {
	cfg := DefaultSchedule()
	target := strings.TrimSpace(path)
	if target == "" {
		target = DefaultScheduleFile
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Schedule{}, fmt.Errorf("stat schedule %s: %w", target, err)
	}
	if err := runstore.ReadJSON(target, &cfg); err != nil {
		return Schedule{}, &model.ConfigError{Kind: model.ConfigParse, Detail: target, Err: err}
	}
	cfg = normalizeSchedule(cfg)
	if err := ValidateSchedule(cfg); err != nil {
		return Schedule{}, err
	}
	return cfg, nil
}

func SaveSchedule(path string, cfg Schedule) error {
	target := strings.TrimSpace(path)
	if target == "" {
		target = DefaultScheduleFile
	}
	cfg = normalizeSchedule(cfg)
	if err := ValidateSchedule(cfg); err != nil {
		return err
	}
	return runstore.WriteJSON(target, cfg)
}

var dailyTimePattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func ValidateSchedule(cfg Schedule) error {
	if !dailyTimePattern.MatchString(cfg.DailyTime) {
		return &model.ConfigError{Kind: model.ConfigParse, Detail: fmt.Sprintf("daily_time %q must be HH:MM (24h)", cfg.DailyTime)}
	}
	for _, step := range cfg.SelectedSteps {
		if _, err := model.MustStep(step); err != nil {
			return err
		}
	}
	for step, size := range cfg.ChunkSizes {
		if _, err := model.MustStep(model.StepID(step)); err != nil {
			return err
		}
		if size < 0 {
			return &model.ConfigError{Kind: model.ConfigParse, Detail: fmt.Sprintf("chunk_sizes[%s] must be >= 0", step)}
		}
	}
	checks := []struct {
		name  string
		value int
	}{
		{"step1_quantity", cfg.Step1Quantity},
		{"other_quantity", cfg.OtherQuantity},
		{"step3_product_limit", cfg.Step3ProductLimit},
		{"step3_image_limit", cfg.Step3ImageLimit},
		{"step_interval_s", cfg.StepIntervalS},
		{"account_delay_s", cfg.AccountDelayS},
	}
	for _, c := range checks {
		if c.value < 0 {
			return &model.ConfigError{Kind: model.ConfigParse, Detail: fmt.Sprintf("%s must be >= 0", c.name)}
		}
	}
	return nil
}

// QuantityFor is step1_quantity for step 1 and other_quantity otherwise.
func (s Schedule) QuantityFor(step model.StepID) int {
	if step == "1" {
		return s.Step1Quantity
	}
	return s.OtherQuantity
}

// ChunkSizeFor returns the configured chunk size, the step default when
// unset, 0 for unchunked steps and 1 for the market family.
func (s Schedule) ChunkSizeFor(step model.StepID) int {
	meta, ok := model.LookupStep(step)
	if !ok || !meta.UsesChunking {
		return 0
	}
	if meta.Family == model.FamilyMarket {
		return 1
	}
	if v, ok := s.ChunkSizes[string(step)]; ok && v > 0 {
		return v
	}
	return meta.DefaultChunkSize
}

// ChunkSizeKeys returns configured chunk size steps sorted.
func (s Schedule) ChunkSizeKeys() []string {
	keys := make([]string, 0, len(s.ChunkSizes))
	for k := range s.ChunkSizes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizeSchedule(raw Schedule) Schedule {
	norm := raw
	norm.DailyTime = strings.TrimSpace(norm.DailyTime)
	if norm.DailyTime == "" {
		norm.DailyTime = DefaultDailyTime
	}
	steps := make([]model.StepID, 0, len(raw.SelectedSteps))
	for _, s := range raw.SelectedSteps {
		v := model.NormalizeStep(string(s))
		if v == "" {
			continue
		}
		steps = append(steps, model.StepID(v))
	}
	norm.SelectedSteps = steps
	if norm.ChunkSizes == nil {
		norm.ChunkSizes = map[string]int{}
	}
	if !norm.SelectedAccounts.All && len(norm.SelectedAccounts.IDs) == 0 {
		norm.SelectedAccounts = AllAccounts()
	}
	return norm
}

// ParseSteps reads a comma list of step ids, rejecting unknown ones.
func ParseSteps(raw string) ([]model.StepID, error) {
	out := []model.StepID{}
	for _, part := range strings.Split(raw, ",") {
		v := model.NormalizeStep(part)
		if v == "" {
			continue
		}
		step := model.StepID(v)
		if _, err := model.MustStep(step); err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, nil
}

func normalizeIDs(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, id := range raw {
		v := strings.TrimSpace(id)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
