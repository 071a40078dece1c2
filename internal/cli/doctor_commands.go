package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"listing-batch/internal/browser"
	"listing-batch/internal/config"
	"listing-batch/internal/model"
	"listing-batch/internal/reaper"
	"listing-batch/internal/runstore"
)

type doctorResult struct {
	OK     bool          `json:"ok"`
	Checks []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type initResult struct {
	StateDir        string       `json:"state_dir"`
	ReportsDir      string       `json:"reports_dir"`
	SchedulePath    string       `json:"schedule_path"`
	RecipePath      string       `json:"recipe_path"`
	CreatedSchedule bool         `json:"created_schedule"`
	CreatedRecipe   bool         `json:"created_recipe"`
	Doctor          doctorResult `json:"doctor"`
}

const sampleRecipe = `# Seller console recipe. Placeholders: {email} {password} {nickname} {server}
# {keyword} {group} {product_limit} {image_limit}
base_url: https://seller.example.com
max_task_failures: 3
login:
  url: https://seller.example.com/login
  actions:
    - {action: type, selector: "#email", value: "{email}"}
    - {action: type, selector: "#password", value: "{password}"}
    - {action: click, selector: "button[type=submit]"}
  success_selector: ".dashboard"
steps:
  "1":
    url: https://seller.example.com/collect
    per_item:
      - {action: click, selector: "#collect-next"}
    count_selector: ".item-count"
  "2":
    url: https://seller.example.com/group
    per_task:
      - {action: type, selector: "#search", value: "{keyword}"}
      - {action: type, selector: "#group", value: "{group}"}
      - {action: click, selector: "#group-apply"}
    count_selector: ".item-count"
`

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	common := addCommonFlags(fs)
	jsonOut := fs.Bool("json", false, "print JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	common.trim()

	res := initResult{
		StateDir:     common.stateDir,
		ReportsDir:   common.reportsDir,
		SchedulePath: common.schedule,
		RecipePath:   common.recipe,
	}
	for _, dir := range []string{common.stateDir, common.reportsDir, common.profilesDir} {
		if err := runstore.Mkdir(dir); err != nil {
			return err
		}
	}
	if !runstore.Exists(common.schedule) {
		if err := config.SaveSchedule(common.schedule, config.DefaultSchedule()); err != nil {
			return err
		}
		res.CreatedSchedule = true
	}
	if !runstore.Exists(common.recipe) {
		if err := runstore.WriteBytes(common.recipe, []byte(sampleRecipe)); err != nil {
			return err
		}
		res.CreatedRecipe = true
	}
	res.Doctor = doctor(common)

	if *jsonOut {
		return printJSON(res)
	}
	fmt.Println("workspace initialized")
	fmt.Printf("state_dir: %s\n", res.StateDir)
	fmt.Printf("reports_dir: %s\n", res.ReportsDir)
	fmt.Printf("schedule: %s (created: %t)\n", res.SchedulePath, res.CreatedSchedule)
	fmt.Printf("recipe: %s (created: %t)\n", res.RecipePath, res.CreatedRecipe)
	fmt.Println("checks:")
	printChecks("  ", res.Doctor)
	if !res.Doctor.OK {
		return errors.New("doctor checks failed")
	}
	fmt.Println("next: listing-batch schedule set --steps 1 --accounts all")
	return nil
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	common := addCommonFlags(fs)
	jsonOut := fs.Bool("json", false, "print JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	common.trim()

	res := doctor(common)
	if *jsonOut {
		return printJSON(res)
	}
	printChecks("", res)
	if !res.OK {
		return errors.New("doctor checks failed")
	}
	fmt.Println("doctor: all checks passed")
	return nil
}

func printChecks(indent string, res doctorResult) {
	for _, c := range res.Checks {
		status := "ok"
		if !c.OK {
			status = "fail"
		}
		fmt.Printf("%s%s: %s (%s)\n", indent, c.Name, status, c.Message)
	}
}

func doctor(c *commonFlags) doctorResult {
	checks := make([]doctorCheck, 0, 8)

	if c.driver == browser.DriverDryRun {
		checks = append(checks, doctorCheck{Name: "dependency:browser", OK: true, Message: "dry-run driver needs no browser"})
	} else {
		path, found := browser.FindBrowser()
		checks = append(checks, doctorCheck{Name: "dependency:browser", OK: found, Message: dependencyMessage(found, path, "chrome/chromium")})
	}

	checks = append(checks, checkWorkbook(c.workbook))
	checks = append(checks, checkSchedule(c.schedule))
	checks = append(checks, checkRecipe(c))

	for _, dir := range []struct{ name, path string }{
		{"directory:state", c.stateDir},
		{"directory:reports", c.reportsDir},
		{"directory:profiles", c.profilesDir},
	} {
		ok, msg := ensureWritableDir(dir.path)
		checks = append(checks, doctorCheck{Name: dir.name, OK: ok, Message: msg})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stray, err := reaper.ListByPrefix(ctx, reaper.System{}, model.AccountTagPrefix)
	switch {
	case err != nil:
		checks = append(checks, doctorCheck{Name: "processes:stray", OK: true, Message: "process table unavailable: " + err.Error()})
	case len(stray) > 0 && runstore.BatchLockHolder(c.stateDir) == 0:
		checks = append(checks, doctorCheck{Name: "processes:stray", OK: false,
			Message: fmt.Sprintf("%d account browsers running with no batch active", len(stray))})
	default:
		checks = append(checks, doctorCheck{Name: "processes:stray", OK: true, Message: fmt.Sprintf("%d account browsers", len(stray))})
	}

	ok := true
	for _, ch := range checks {
		if !ch.OK {
			ok = false
			break
		}
	}
	return doctorResult{OK: ok, Checks: checks}
}

func checkWorkbook(path string) doctorCheck {
	wb, err := config.OpenWorkbook(path)
	if err != nil {
		return doctorCheck{Name: "config:workbook", OK: false, Message: err.Error()}
	}
	accounts, err := wb.LoadAccounts()
	if err != nil {
		return doctorCheck{Name: "config:workbook", OK: false, Message: err.Error()}
	}
	missing := 0
	for _, a := range accounts {
		if !containsString(wb.SheetNames(), a.SheetName) {
			missing++
		}
	}
	msg := fmt.Sprintf("%d accounts", len(accounts))
	if missing > 0 {
		msg += fmt.Sprintf(", %d without a task sheet", missing)
	}
	return doctorCheck{Name: "config:workbook", OK: len(accounts) > 0, Message: msg}
}

func checkSchedule(path string) doctorCheck {
	if !runstore.Exists(path) {
		return doctorCheck{Name: "config:schedule", OK: true, Message: "not found; defaults apply"}
	}
	cfg, err := config.LoadSchedule(path)
	if err != nil {
		return doctorCheck{Name: "config:schedule", OK: false, Message: err.Error()}
	}
	msg := fmt.Sprintf("daily %s, steps [%s], accounts %s", cfg.DailyTime, joinSteps(cfg.SelectedSteps), cfg.SelectedAccounts)
	return doctorCheck{Name: "config:schedule", OK: true, Message: msg}
}

func checkRecipe(c *commonFlags) doctorCheck {
	if c.driver == browser.DriverDryRun {
		return doctorCheck{Name: "config:recipe", OK: true, Message: "not used by dry-run driver"}
	}
	rec, err := browser.LoadRecipe(c.recipe)
	if err != nil {
		return doctorCheck{Name: "config:recipe", OK: false, Message: err.Error()}
	}
	return doctorCheck{Name: "config:recipe", OK: true, Message: fmt.Sprintf("%d steps defined", len(rec.Steps))}
}

func dependencyMessage(ok bool, path, name string) string {
	if ok {
		return name + " found at " + path
	}
	return name + " not found on PATH"
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := runstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "listing-batch-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, "writable " + filepath.Clean(path)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
