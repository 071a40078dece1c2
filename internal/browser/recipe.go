package browser

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"listing-batch/internal/model"
)

const DefaultRecipeFile = "recipe.yml"

// Recipe is the site-specific part of the chrome driver: where to go and
// what to click. Step keys are step ids or family digits.
type Recipe struct {
	BaseURL string                `yaml:"base_url"`
	Login   LoginRecipe           `yaml:"login"`
	Steps   map[string]StepRecipe `yaml:"steps"`
	// MaxTaskFailures consecutive task failures ask the runner for a restart.
	MaxTaskFailures int `yaml:"max_task_failures"`
}

type LoginRecipe struct {
	URL             string   `yaml:"url"`
	Actions         []Action `yaml:"actions"`
	SuccessSelector string   `yaml:"success_selector"`
	TimeoutSeconds  int      `yaml:"timeout_s"`
}

type StepRecipe struct {
	URL           string   `yaml:"url"`
	Setup         []Action `yaml:"setup"`
	PerTask       []Action `yaml:"per_task"`
	PerItem       []Action `yaml:"per_item"`
	CountSelector string   `yaml:"count_selector"`
}

type Action struct {
	Action   string `yaml:"action"`
	Selector string `yaml:"selector"`
	XPath    bool   `yaml:"xpath"`
	Value    string `yaml:"value"`
	Millis   int    `yaml:"ms"`
}

const (
	ActionNavigate    = "navigate"
	ActionClick       = "click"
	ActionType        = "type"
	ActionWaitVisible = "wait_visible"
	ActionSleep       = "sleep"
)

func LoadRecipe(path string) (Recipe, error) {
	target := strings.TrimSpace(path)
	if target == "" {
		target = DefaultRecipeFile
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Recipe{}, &model.ConfigError{Kind: model.ConfigMissingFile, Detail: target}
		}
		return Recipe{}, fmt.Errorf("read recipe %s: %w", target, err)
	}
	return ParseRecipe(data)
}

func ParseRecipe(data []byte) (Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Recipe{}, &model.ConfigError{Kind: model.ConfigParse, Detail: "recipe", Err: err}
	}
	if r.Steps == nil {
		r.Steps = map[string]StepRecipe{}
	}
	if r.MaxTaskFailures <= 0 {
		r.MaxTaskFailures = 3
	}
	if r.Login.TimeoutSeconds <= 0 {
		r.Login.TimeoutSeconds = 60
	}
	for key, step := range r.Steps {
		if !model.IsFamilyDigit(key) {
			if _, err := model.MustStep(model.StepID(key)); err != nil {
				return Recipe{}, err
			}
		}
		for _, list := range [][]Action{step.Setup, step.PerTask, step.PerItem} {
			if err := validateActions(list); err != nil {
				return Recipe{}, fmt.Errorf("recipe step %s: %w", key, err)
			}
		}
	}
	if err := validateActions(r.Login.Actions); err != nil {
		return Recipe{}, fmt.Errorf("recipe login: %w", err)
	}
	return r, nil
}

// StepFor picks the exact step entry, then the 3x parent of a 3xy step,
// then the family digit.
func (r Recipe) StepFor(step model.StepID) (StepRecipe, bool) {
	if sr, ok := r.Steps[string(step)]; ok {
		return sr, true
	}
	s := string(step)
	if len(s) == 3 && s[0] == '3' {
		if sr, ok := r.Steps[s[:2]]; ok {
			return sr, true
		}
	}
	if meta, ok := model.LookupStep(step); ok {
		if sr, ok := r.Steps[meta.Family]; ok {
			return sr, true
		}
	}
	return StepRecipe{}, false
}

func validateActions(actions []Action) error {
	for i, a := range actions {
		switch a.Action {
		case ActionNavigate:
			if a.Value == "" {
				return fmt.Errorf("action %d: navigate needs value", i)
			}
		case ActionClick, ActionWaitVisible:
			if a.Selector == "" {
				return fmt.Errorf("action %d: %s needs selector", i, a.Action)
			}
		case ActionType:
			if a.Selector == "" {
				return fmt.Errorf("action %d: type needs selector", i)
			}
		case ActionSleep:
			if a.Millis <= 0 {
				return fmt.Errorf("action %d: sleep needs ms", i)
			}
		default:
			return fmt.Errorf("action %d: unknown action %q", i, a.Action)
		}
	}
	return nil
}

func (a Action) SleepDuration() time.Duration {
	return time.Duration(a.Millis) * time.Millisecond
}

// Vars are the placeholder values substituted into action fields.
type Vars map[string]string

func taskVars(account model.Account, task model.Task, limits Limits) Vars {
	v := accountVars(account, limits)
	v["keyword"] = task.ProviderCode
	v["group"] = task.TargetGroup
	v["server"] = task.ServerTag
	return v
}

func accountVars(account model.Account, limits Limits) Vars {
	return Vars{
		"email":         account.AccountID,
		"password":      account.Password,
		"nickname":      account.Nickname,
		"server":        account.ServerTag,
		"product_limit": strconv.Itoa(limits.ProductLimit),
		"image_limit":   strconv.Itoa(limits.ImageLimit),
	}
}

func (v Vars) Expand(s string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	pairs := make([]string, 0, 2*len(v))
	for k, val := range v {
		pairs = append(pairs, "{"+k+"}", val)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
