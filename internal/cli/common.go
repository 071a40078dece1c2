package cli

import (
	"flag"
	"io"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"listing-batch/internal/browser"
	"listing-batch/internal/config"
	"listing-batch/internal/events"
	"listing-batch/internal/history"
	"listing-batch/internal/model"
	"listing-batch/internal/orchestrator"
	"listing-batch/internal/progress"
	"listing-batch/internal/supervisor"
)

const (
	defaultWorkbook   = "accounts.xlsx"
	defaultStateDir   = "state"
	defaultReportsDir = "reports"
)

// commonFlags are the path and logging flags every command accepts.
type commonFlags struct {
	workbook    string
	schedule    string
	stateDir    string
	reportsDir  string
	recipe      string
	driver      string
	profilesDir string
	logLevel    string
	logFormat   string
	natsURL     string
	natsSubject string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.workbook, "workbook", defaultWorkbook, "accounts workbook (.xlsx)")
	fs.StringVar(&c.schedule, "schedule", config.DefaultScheduleFile, "schedule config path")
	fs.StringVar(&c.stateDir, "state-dir", defaultStateDir, "progress, marker, lock and history directory")
	fs.StringVar(&c.reportsDir, "reports-dir", defaultReportsDir, "root directory for run reports")
	fs.StringVar(&c.recipe, "recipe", browser.DefaultRecipeFile, "browser recipe (YAML)")
	fs.StringVar(&c.driver, "driver", browser.DriverChrome, "browser driver: chrome|dryrun")
	fs.StringVar(&c.profilesDir, "profiles-dir", "", "browser profile root (default: <state-dir>/profiles)")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	fs.StringVar(&c.logFormat, "log-format", "text", "log format: text|json")
	fs.StringVar(&c.natsURL, "nats-url", "", "publish lifecycle events to this NATS server")
	fs.StringVar(&c.natsSubject, "nats-subject", events.DefaultSubject, "NATS subject for lifecycle events")
	return c
}

func (c *commonFlags) trim() {
	for _, p := range []*string{&c.workbook, &c.schedule, &c.stateDir, &c.reportsDir, &c.recipe, &c.driver, &c.profilesDir, &c.natsURL, &c.natsSubject} {
		*p = strings.TrimSpace(*p)
	}
	if c.profilesDir == "" {
		c.profilesDir = filepath.Join(c.stateDir, "profiles")
	}
}

func (c *commonFlags) logger(out io.Writer) (*logrus.Logger, error) {
	return events.NewLogger(c.logLevel, c.logFormat, out)
}

// bus builds the event bus, attaching the NATS sink when configured. The
// returned func releases the connection.
func (c *commonFlags) bus(logger logrus.FieldLogger) (*events.Bus, func(), error) {
	b := events.NewBus(logger)
	if c.natsURL == "" {
		return b, func() {}, nil
	}
	sink, err := events.NewNATSSink(events.NATSConfig{URL: c.natsURL, Subject: c.natsSubject})
	if err != nil {
		return nil, nil, err
	}
	b.AddSink(sink)
	return b, sink.Close, nil
}

func (c *commonFlags) loadAccounts() ([]model.Account, error) {
	wb, err := config.OpenWorkbook(c.workbook)
	if err != nil {
		return nil, err
	}
	return wb.LoadAccounts()
}

func (c *commonFlags) openLedger() (*history.Ledger, error) {
	return history.Open(filepath.Join(c.stateDir, history.DefaultFile))
}

func (c *commonFlags) paths(headless, gui bool) supervisor.Paths {
	return supervisor.Paths{
		Workbook:    absPath(c.workbook),
		StateDir:    absPath(c.stateDir),
		Recipe:      absPath(c.recipe),
		Driver:      c.driver,
		ProfilesDir: absPath(c.profilesDir),
		LogLevel:    c.logLevel,
		Headless:    headless,
		GUI:         gui,
	}
}

func (c *commonFlags) orchestrator(bus *events.Bus, ledger orchestrator.Ledger, headless, gui bool) *orchestrator.Orchestrator {
	return &orchestrator.Orchestrator{
		StateDir:    c.stateDir,
		ReportsRoot: c.reportsDir,
		Paths:       c.paths(headless, gui),
		Accounts:    c.loadAccounts,
		Progress:    progress.NewStore(c.stateDir),
		Ledger:      ledger,
		Bus:         bus,
	}
}

// absPath keeps runner paths valid whatever the child's working directory.
func absPath(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// args renders the flags back into a command line, for commands that hand
// off to another command.
func (c *commonFlags) args() []string {
	out := []string{
		"--workbook", c.workbook,
		"--schedule", c.schedule,
		"--state-dir", c.stateDir,
		"--reports-dir", c.reportsDir,
		"--recipe", c.recipe,
		"--driver", c.driver,
		"--profiles-dir", c.profilesDir,
		"--log-level", c.logLevel,
		"--log-format", c.logFormat,
	}
	if c.natsURL != "" {
		out = append(out, "--nats-url", c.natsURL, "--nats-subject", c.natsSubject)
	}
	return out
}
