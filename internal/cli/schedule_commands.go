package cli

import (
	"errors"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"listing-batch/internal/config"
	"listing-batch/internal/model"
)

func runSchedule(args []string) error {
	if len(args) == 0 {
		printScheduleUsage()
		return nil
	}
	switch args[0] {
	case "show":
		return runScheduleShow(args[1:])
	case "set":
		return runScheduleSet(args[1:])
	case "help", "-h", "--help":
		printScheduleUsage()
		return nil
	default:
		printScheduleUsage()
		return fmt.Errorf("unknown schedule subcommand %q", args[0])
	}
}

func printScheduleUsage() {
	fmt.Println("schedule commands:")
	fmt.Println("  listing-batch schedule show [--json]")
	fmt.Println("  listing-batch schedule set [--daily-time HH:MM] [--steps 1,21] [--accounts all|a,b]")
	fmt.Println("                             [--step1-quantity N] [--other-quantity N]")
	fmt.Println("                             [--step3-product-limit N] [--step3-image-limit N]")
	fmt.Println("                             [--step-interval S] [--account-delay S] [--chunk-sizes 21=5,1=10]")
}

func runScheduleShow(args []string) error {
	fs := flag.NewFlagSet("schedule show", flag.ContinueOnError)
	path := fs.String("schedule", config.DefaultScheduleFile, "schedule config path")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadSchedule(strings.TrimSpace(*path))
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(map[string]any{
			"schedule_path": strings.TrimSpace(*path),
			"schedule":      cfg,
		})
	}
	printSchedule(strings.TrimSpace(*path), cfg)
	return nil
}

func printSchedule(path string, cfg config.Schedule) {
	fmt.Printf("schedule: %s\n", path)
	fmt.Printf("daily_time: %s\n", cfg.DailyTime)
	fmt.Printf("selected_steps: %s\n", defaultIfEmpty(joinSteps(cfg.SelectedSteps), "(none)"))
	fmt.Printf("selected_accounts: %s\n", cfg.SelectedAccounts)
	fmt.Printf("step1_quantity: %d\n", cfg.Step1Quantity)
	fmt.Printf("other_quantity: %d\n", cfg.OtherQuantity)
	fmt.Printf("step3_product_limit: %d\n", cfg.Step3ProductLimit)
	fmt.Printf("step3_image_limit: %d\n", cfg.Step3ImageLimit)
	fmt.Printf("step_interval_s: %d\n", cfg.StepIntervalS)
	fmt.Printf("account_delay_s: %d\n", cfg.AccountDelayS)
	fmt.Printf("chunk_sizes: %s\n", defaultIfEmpty(formatChunkSizes(cfg.ChunkSizes), "(step defaults)"))
}

func runScheduleSet(args []string) error {
	fs := flag.NewFlagSet("schedule set", flag.ContinueOnError)
	path := fs.String("schedule", config.DefaultScheduleFile, "schedule config path")
	dailyTime := fs.String("daily-time", "", "HH:MM fire time (empty keeps current)")
	steps := fs.String("steps", "", "comma-separated steps, \"none\" clears (empty keeps current)")
	accounts := fs.String("accounts", "", "\"all\" or comma-separated account ids (empty keeps current)")
	step1Qty := fs.Int("step1-quantity", -1, "items for step 1 (-1 keeps current)")
	otherQty := fs.Int("other-quantity", -1, "items/tasks for other steps (-1 keeps current)")
	productLimit := fs.Int("step3-product-limit", -1, "detail step product limit (-1 keeps current)")
	imageLimit := fs.Int("step3-image-limit", -1, "detail step image limit (-1 keeps current)")
	stepInterval := fs.Int("step-interval", -1, "seconds between steps of one account (-1 keeps current)")
	accountDelay := fs.Int("account-delay", -1, "seconds between account starts (-1 keeps current)")
	chunkSizes := fs.String("chunk-sizes", "", "per-step chunk sizes like 21=5,1=10; 0 removes an entry")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := strings.TrimSpace(*path)
	cfg, err := config.LoadSchedule(target)
	if err != nil {
		return err
	}
	changed := false

	if v := strings.TrimSpace(*dailyTime); v != "" {
		cfg.DailyTime = v
		changed = true
	}
	if v := strings.TrimSpace(*steps); v != "" {
		if strings.EqualFold(v, "none") {
			cfg.SelectedSteps = []model.StepID{}
		} else {
			parsed, err := config.ParseSteps(v)
			if err != nil {
				return err
			}
			cfg.SelectedSteps = parsed
		}
		changed = true
	}
	if v := strings.TrimSpace(*accounts); v != "" {
		cfg.SelectedAccounts = config.ParseAccountSelection(v)
		changed = true
	}
	ints := []struct {
		flag  *int
		field *int
	}{
		{step1Qty, &cfg.Step1Quantity},
		{otherQty, &cfg.OtherQuantity},
		{productLimit, &cfg.Step3ProductLimit},
		{imageLimit, &cfg.Step3ImageLimit},
		{stepInterval, &cfg.StepIntervalS},
		{accountDelay, &cfg.AccountDelayS},
	}
	for _, it := range ints {
		if *it.flag >= 0 {
			*it.field = *it.flag
			changed = true
		}
	}
	if v := strings.TrimSpace(*chunkSizes); v != "" {
		updates, err := parseChunkSizes(v)
		if err != nil {
			return err
		}
		if cfg.ChunkSizes == nil {
			cfg.ChunkSizes = map[string]int{}
		}
		for step, size := range updates {
			if size == 0 {
				delete(cfg.ChunkSizes, step)
				continue
			}
			cfg.ChunkSizes[step] = size
		}
		changed = true
	}
	if !changed {
		return errors.New("no changes requested")
	}

	if err := config.SaveSchedule(target, cfg); err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(map[string]any{
			"schedule_path": target,
			"schedule":      cfg,
		})
	}
	fmt.Println("schedule updated")
	printSchedule(target, cfg)
	return nil
}

// parseChunkSizes reads "21=5,1=10".
func parseChunkSizes(raw string) (map[string]int, error) {
	out := map[string]int{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		step, size, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid chunk size %q (want step=size)", part)
		}
		step = model.NormalizeStep(step)
		if _, err := model.MustStep(model.StepID(step)); err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(size))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid chunk size for step %s: %q", step, size)
		}
		out[step] = n
	}
	return out, nil
}

func formatChunkSizes(sizes map[string]int) string {
	keys := make([]string, 0, len(sizes))
	for k := range sizes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, sizes[k]))
	}
	return strings.Join(parts, ",")
}

func joinSteps(steps []model.StepID) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ",")
}
