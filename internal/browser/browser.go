// Package browser defines the browser-automation collaborator the step
// runner drives, plus the drivers that implement it.
package browser

import (
	"context"
	"fmt"
	"strings"

	"listing-batch/internal/model"
)

const (
	DriverChrome = "chrome"
	DriverDryRun = "dryrun"
)

type Options struct {
	Headless    bool
	ProfilesDir string
}

// Limits bounds one RunStep call. Items is used by steps that are not
// driven by a task list.
type Limits struct {
	Items        int
	ProductLimit int
	ImageLimit   int
}

type ChunkResult struct {
	Success         bool
	Processed       int
	Completed       []string
	Failed          []string
	Errors          []string
	RestartRequired bool
}

type Session interface {
	Login(ctx context.Context) (bool, error)
	RunStep(ctx context.Context, step model.StepID, tasks []model.Task, limits Limits) (ChunkResult, error)
	// Restart brings the session back to an equivalent logged-in state.
	Restart(ctx context.Context) error
	Close() error
}

// Counter is implemented by sessions able to measure a step's item count.
type Counter interface {
	CountItems(ctx context.Context, step model.StepID) (int, error)
}

type Opener interface {
	Open(ctx context.Context, account model.Account, opts Options) (Session, error)
}

// NewOpener returns the driver registered under name.
func NewOpener(name string, recipePath string) (Opener, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DriverChrome:
		recipe, err := LoadRecipe(recipePath)
		if err != nil {
			return nil, err
		}
		return &ChromeDriver{Recipe: recipe}, nil
	case DriverDryRun:
		return &DryRunDriver{}, nil
	default:
		return nil, &model.ConfigError{Kind: model.ConfigParse, Detail: fmt.Sprintf("unknown driver %q (use %s or %s)", name, DriverChrome, DriverDryRun)}
	}
}
