package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Lifecycle event kinds.
const (
	RunStart      = "run_start"
	PlanReady     = "plan"
	AccountStart  = "account_start"
	Spawn         = "spawn"
	Timeout       = "timeout"
	Kill          = "kill"
	Reap          = "reap"
	StepResult    = "step_result"
	StepSkipped   = "step_skipped"
	AccountAbort  = "account_abort"
	RunEnd        = "run_end"
	SchedulerFire = "scheduler_fire"
	SchedulerSkip = "scheduler_skip"
)

type Event struct {
	Time     time.Time      `json:"time"`
	Kind     string         `json:"kind"`
	RunID    string         `json:"run_id,omitempty"`
	JobID    string         `json:"job_id,omitempty"`
	Account  string         `json:"account,omitempty"`
	Step     string         `json:"step,omitempty"`
	PID      int            `json:"pid,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	ExitCode *int           `json:"exit_code,omitempty"`
	Message  string         `json:"message,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Sink receives every emitted event. Publish errors are logged by the bus.
type Sink interface {
	Publish(ev Event) error
}

type Bus struct {
	Logger logrus.FieldLogger

	mu    sync.Mutex
	sinks []Sink
}

func NewBus(logger logrus.FieldLogger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = Discard()
	}
	return &Bus{Logger: logger, sinks: sinks}
}

func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit logs ev as one structured line and forwards it to every sink.
// A nil bus drops the event.
func (b *Bus) Emit(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	fields := logrus.Fields{"event": ev.Kind}
	for k, v := range map[string]string{
		"run_id": ev.RunID, "job_id": ev.JobID, "account": ev.Account, "step": ev.Step, "reason": ev.Reason,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	if ev.PID > 0 {
		fields["pid"] = ev.PID
	}
	if ev.ExitCode != nil {
		fields["exit_code"] = *ev.ExitCode
	}
	for k, v := range ev.Fields {
		fields[k] = v
	}
	msg := ev.Message
	if msg == "" {
		msg = ev.Kind
	}
	entry := b.Logger.WithFields(fields)
	switch ev.Kind {
	case Timeout, Kill, AccountAbort:
		entry.Warn(msg)
	case SchedulerSkip, StepSkipped:
		entry.Info(msg)
	default:
		if ev.Reason == "crash" {
			entry.Warn(msg)
		} else {
			entry.Info(msg)
		}
	}

	b.mu.Lock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()
	for _, s := range sinks {
		if err := s.Publish(ev); err != nil {
			b.Logger.WithError(err).WithField("event", ev.Kind).Warn("event sink publish failed")
		}
	}
}

// Code returns a pointer for Event.ExitCode.
func Code(c int) *int {
	return &c
}

// Recorder is an in-memory sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds lists recorded kinds, optionally only those for account.
func (r *Recorder) Kinds(account string) []string {
	out := []string{}
	for _, ev := range r.Events() {
		if account == "" || ev.Account == account {
			out = append(out, ev.Kind)
		}
	}
	return out
}
