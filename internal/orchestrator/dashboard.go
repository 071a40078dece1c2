package orchestrator

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"listing-batch/internal/model"
)

// dashboard redraws one line per account while a batch runs.
type dashboard struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time

	accounts map[string]*accountLine
	events   []string

	total     int
	done      int
	failed    int
	skipped   int
	startedAt time.Time

	stop chan struct{}
}

type accountLine struct {
	step      model.StepID
	since     time.Time
	budget    time.Duration
	done      int
	total     int
	finished  bool
	lastState string
}

func newDashboard(out io.Writer, now func() time.Time, total int) *dashboard {
	return &dashboard{
		out:       out,
		now:       now,
		accounts:  make(map[string]*accountLine),
		events:    make([]string, 0, 8),
		total:     total,
		startedAt: now(),
		stop:      make(chan struct{}),
	}
}

func (d *dashboard) Start() {
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-t.C:
				d.render()
			}
		}
	}()
}

func (d *dashboard) Stop() {
	close(d.stop)
	d.render()
}

func (d *dashboard) SetAccount(account string, total int) {
	d.mu.Lock()
	d.accounts[account] = &accountLine{total: total}
	d.mu.Unlock()
}

func (d *dashboard) StepStarted(account string, step model.StepID, budget time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.line(account)
	a.step = step
	a.since = d.now()
	a.budget = budget
	a.lastState = "running"
}

func (d *dashboard) StepFinished(account string, step model.StepID, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.line(account)
	a.done++
	a.lastState = status
	switch status {
	case model.StatusCompleted:
		d.done++
	case model.StatusSkipped, model.StatusAborted:
		d.skipped++
	default:
		d.failed++
	}
	d.pushEvent(fmt.Sprintf("%s %s step %s: %s", d.now().Format("15:04:05"), account, step, status))
}

func (d *dashboard) AccountFinished(account string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.line(account).finished = true
}

func (d *dashboard) line(account string) *accountLine {
	a, ok := d.accounts[account]
	if !ok {
		a = &accountLine{}
		d.accounts[account] = a
	}
	return a
}

func (d *dashboard) pushEvent(e string) {
	d.events = append([]string{e}, d.events...)
	if len(d.events) > 8 {
		d.events = d.events[:8]
	}
}

func (d *dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.accounts))
	active := 0
	for id, a := range d.accounts {
		ids = append(ids, id)
		if !a.finished {
			active++
		}
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("\033[H\033[2J")
	b.WriteString(fmt.Sprintf("listing-batch live | accounts %d/%d active | jobs %d/%d | failed %d | skipped %d | elapsed %s\n",
		active, len(ids), d.done+d.failed+d.skipped, d.total, d.failed, d.skipped, formatDuration(d.now().Sub(d.startedAt).Seconds())))
	b.WriteString(strings.Repeat("-", 100) + "\n")

	for _, id := range ids {
		b.WriteString(d.accounts[id].render(id, d.now()) + "\n")
	}

	if len(d.events) > 0 {
		b.WriteString(strings.Repeat("-", 100) + "\n")
		for _, e := range d.events {
			b.WriteString(e + "\n")
		}
	}
	_, _ = io.WriteString(d.out, b.String())
}

func (a *accountLine) render(id string, now time.Time) string {
	if a.finished {
		return fmt.Sprintf("%-32s done %d/%d (last: %s)", id, a.done, a.total, a.lastState)
	}
	if a.step == "" {
		return fmt.Sprintf("%-32s waiting", id)
	}
	elapsed := now.Sub(a.since).Seconds()
	left := formatDuration(a.budget.Seconds() - elapsed)
	if left == "" {
		left = "overdue"
	}
	return fmt.Sprintf("%-32s step %-4s %d/%d | %s elapsed | timeout in %s", id, a.step, a.done+1, a.total, formatDuration(elapsed), left)
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	secs := int64(math.Round(seconds))
	if secs < 60 {
		return "<1m"
	}
	minutes := secs / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	remMinutes := minutes % 60
	if hours < 24 {
		if remMinutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh %dm", hours, remMinutes)
	}
	days := hours / 24
	remHours := hours % 24
	if remHours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd %dh", days, remHours)
}
