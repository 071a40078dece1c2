package model

import (
	"errors"
	"fmt"
)

// ConfigError kinds.
const (
	ConfigMissingFile    = "missing_file"
	ConfigMissingSheet   = "missing_sheet"
	ConfigMissingColumn  = "missing_column"
	ConfigUnknownStep    = "unknown_step"
	ConfigUnknownAccount = "unknown_account"
	ConfigParse          = "parse"
)

// ConfigError reports missing or malformed configuration. It is fatal at
// orchestrator start and maps to runner exit code 3.
type ConfigError struct {
	Kind   string
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "config error (" + e.Kind + ")"
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err carries a ConfigError, optionally of kind.
func IsConfigError(err error, kind string) bool {
	var ce *ConfigError
	if !errors.As(err, &ce) {
		return false
	}
	return kind == "" || ce.Kind == kind
}

// LoginError means the remote site rejected the account credentials.
type LoginError struct {
	AccountID string
	Err       error
}

func (e *LoginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login failed for %s: %v", e.AccountID, e.Err)
	}
	return "login failed for " + e.AccountID
}

func (e *LoginError) Unwrap() error { return e.Err }

// StepError is a step-level failure. Transient errors come from a chunk the
// collaborator reported as failed; the rest are unrecoverable automation errors.
type StepError struct {
	Step      StepID
	Transient bool
	Err       error
}

func (e *StepError) Error() string {
	kind := "automation error"
	if e.Transient {
		kind = "transient step error"
	}
	return fmt.Sprintf("step %s: %s: %v", e.Step, kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ExitCodeFor maps an error onto the runner's exit code contract.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ExitConfigError
	}
	var le *LoginError
	if errors.As(err, &le) {
		return ExitLoginFailed
	}
	var se *StepError
	if errors.As(err, &se) && se.Transient {
		return ExitStepFailed
	}
	return ExitAutomationError
}
