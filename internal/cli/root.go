package cli

import "fmt"

// ExitError carries a process exit status out of Run.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "single":
		return runSingle(args[1:])
	case "run":
		return runBatch(args[1:])
	case "daemon":
		return runDaemon(args[1:])
	case "plan":
		return runPlan(args[1:])
	case "reset":
		return runReset(args[1:])
	case "status":
		return runStatus(args[1:])
	case "report":
		return runReport(args[1:])
	case "schedule":
		return runSchedule(args[1:])
	case "manage":
		return runManage(args[1:])
	case "init":
		return runInit(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("listing-batch: batch orchestrator for seller-console browser automation")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  listing-batch init")
	fmt.Println("  listing-batch schedule set --steps 1,21 --accounts all")
	fmt.Println("  listing-batch run --progress")
	fmt.Println("  listing-batch daemon")
	fmt.Println()
	fmt.Println("Batch Commands:")
	fmt.Println("  run       plan and execute the schedule once")
	fmt.Println("  daemon    fire the schedule every day at daily_time")
	fmt.Println("  plan      print the jobs a run would dispatch")
	fmt.Println("  report    print or rebuild a run report")
	fmt.Println("  status    recent jobs, checkpoints and the step 62 marker")
	fmt.Println("  reset     delete checkpoints for an account")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  init      create state dirs, schedule.json and a sample recipe")
	fmt.Println("  doctor    check browser, workbook, recipe and directories")
	fmt.Println("  schedule  show/update schedule.json")
	fmt.Println("  manage    interactive schedule editor")
	fmt.Println()
	fmt.Println("Advanced:")
	fmt.Println("  single    run one step for one account in this process (what run spawns)")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Use --json on commands for machine-readable output")
	fmt.Println("  - Shared flags: --workbook --schedule --state-dir --reports-dir --recipe --driver --log-level --log-format --nats-url")
}
