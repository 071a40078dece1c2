package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"listing-batch/internal/model"
	"listing-batch/internal/runner"
	"listing-batch/internal/runstore"
)

// runSingle is the runner entrypoint the supervisor spawns. It always ends
// with the RESULT line on stderr and exits with the runner's code.
func runSingle(args []string) error {
	return single(args, os.Stderr)
}

func single(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("single", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	common := addCommonFlags(fs)
	step := fs.String("step", "", "step id")
	account := fs.String("accounts", "", "account id")
	quantity := fs.Int("quantity", 0, "maximum items or tasks to process")
	chunkSize := fs.Int("chunk-size", 0, "items per chunk (default: step default)")
	productLimit := fs.Int("step3-product-limit", 0, "per-task product limit for detail steps")
	imageLimit := fs.Int("step3-image-limit", 0, "per-task image limit for detail steps")
	headless := fs.Bool("headless", false, "run the browser headless")
	gui := fs.Bool("gui", false, "leave the browser window open after exit")
	jobID := fs.String("job-id", "", "job id recorded in the result")
	reportDir := fs.String("report-dir", "", "directory for result artefacts (default: new dir under --reports-dir)")
	// setup failures never reach the runner, so they report here
	setupFailed := func(err error) error {
		res := model.NewRunResult(strings.TrimSpace(*account), model.StepID(strings.TrimSpace(*step)))
		res.JobID = strings.TrimSpace(*jobID)
		res.ExitCode = model.ExitConfigError
		res.Errors = append(res.Errors, err.Error())
		fmt.Fprintln(stderr, "single:", err)
		fmt.Fprintln(stderr, model.FormatResultLine(res))
		return &ExitError{Code: model.ExitConfigError}
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return setupFailed(err)
	}
	common.trim()

	logger, err := common.logger(os.Stdout)
	if err != nil {
		return setupFailed(err)
	}
	if strings.Contains(*account, ",") {
		return setupFailed(errors.New("single runs exactly one account"))
	}

	dir := strings.TrimSpace(*reportDir)
	if dir == "" {
		dir, err = runstore.NewReportDir(common.reportsDir, time.Now())
		if err != nil {
			return setupFailed(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := runner.Options{
		JobID:             strings.TrimSpace(*jobID),
		Step:              model.StepID(strings.TrimSpace(*step)),
		AccountID:         strings.TrimSpace(*account),
		Quantity:          *quantity,
		ChunkSize:         *chunkSize,
		Step3ProductLimit: *productLimit,
		Step3ImageLimit:   *imageLimit,
		Headless:          *headless,
		GUI:               *gui,
		Workbook:          common.workbook,
		StateDir:          common.stateDir,
		ReportDir:         dir,
		Recipe:            common.recipe,
		Driver:            common.driver,
		ProfilesDir:       common.profilesDir,
	}
	_, code := runner.Run(ctx, opts, runner.Deps{Logger: logger, Stderr: stderr})
	if code != model.ExitOK {
		return &ExitError{Code: code}
	}
	return nil
}
