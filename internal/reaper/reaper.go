// Package reaper finds and terminates the browser and driver processes a
// runner left behind for one account.
package reaper

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultWait is how long a terminated process gets before it is killed.
const DefaultWait = 5 * time.Second

const (
	flagDebugPort   = "--remote-debugging-port"
	flagUserDataDir = "--user-data-dir"
)

type Proc struct {
	PID     int32    `json:"pid"`
	PPID    int32    `json:"ppid"`
	Name    string   `json:"name"`
	Cmdline []string `json:"cmdline"`
}

// Controller signals processes. The default uses gopsutil.
type Controller interface {
	List(ctx context.Context) ([]Proc, error)
	Terminate(ctx context.Context, pid int32) error
	Kill(ctx context.Context, pid int32) error
	Alive(ctx context.Context, pid int32) bool
}

type Report struct {
	Tag        string  `json:"tag"`
	Matched    []int32 `json:"matched"`
	Terminated []int32 `json:"terminated"`
	Killed     []int32 `json:"killed"`
	Survivors  []int32 `json:"survivors"`
}

type Reaper struct {
	Ctl  Controller
	Wait time.Duration
	Poll time.Duration
}

func New() *Reaper {
	return &Reaper{Ctl: System{}, Wait: DefaultWait, Poll: 100 * time.Millisecond}
}

// Reap terminates every process Match selects, waits, then kills the rest.
func (r *Reaper) Reap(ctx context.Context, tag string, rootPID int32) (Report, error) {
	rep := Report{Tag: tag, Matched: []int32{}, Terminated: []int32{}, Killed: []int32{}, Survivors: []int32{}}
	procs, err := r.Ctl.List(ctx)
	if err != nil {
		return rep, err
	}
	targets := Match(procs, tag, rootPID)
	if len(targets) == 0 {
		return rep, nil
	}
	for _, p := range targets {
		rep.Matched = append(rep.Matched, p.PID)
		if err := r.Ctl.Terminate(ctx, p.PID); err == nil {
			rep.Terminated = append(rep.Terminated, p.PID)
		}
	}

	pending := r.waitGone(ctx, rep.Matched)
	for _, pid := range pending {
		if err := r.Ctl.Kill(ctx, pid); err == nil {
			rep.Killed = append(rep.Killed, pid)
		}
	}
	if len(pending) > 0 {
		rep.Survivors = r.waitGone(ctx, pending)
	}
	return rep, nil
}

func (r *Reaper) waitGone(ctx context.Context, pids []int32) []int32 {
	wait := r.Wait
	if wait <= 0 {
		wait = DefaultWait
	}
	poll := r.Poll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	deadline := time.Now().Add(wait)
	for {
		alive := make([]int32, 0, len(pids))
		for _, pid := range pids {
			if r.Ctl.Alive(ctx, pid) {
				alive = append(alive, pid)
			}
		}
		if len(alive) == 0 || time.Now().After(deadline) || ctx.Err() != nil {
			return alive
		}
		time.Sleep(poll)
	}
}

// Match selects processes to reap for tag. A browser qualifies only when its
// profile directory is named exactly tag and it is debuggable or a helper of
// such a browser. A driver qualifies when it descends from rootPID or names
// tag on its command line. The caller's own process is never selected.
func Match(procs []Proc, tag string, rootPID int32) []Proc {
	if strings.TrimSpace(tag) == "" {
		return nil
	}
	desc := Descendants(procs, rootPID)
	self := int32(os.Getpid())
	out := []Proc{}
	for _, p := range procs {
		if p.PID == self || p.PID == rootPID || p.PID <= 0 {
			continue
		}
		switch {
		case isDriver(p):
			if desc[p.PID] || containsTag(p.Cmdline, tag) {
				out = append(out, p)
			}
		case profileBase(p.Cmdline) == tag:
			if hasFlag(p.Cmdline, flagDebugPort) || hasFlag(p.Cmdline, "--type") {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Descendants returns every pid below root.
func Descendants(procs []Proc, root int32) map[int32]bool {
	out := map[int32]bool{}
	if root <= 0 {
		return out
	}
	children := map[int32][]int32{}
	for _, p := range procs {
		children[p.PPID] = append(children[p.PPID], p.PID)
	}
	queue := []int32{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if out[c] || c == root {
				continue
			}
			out[c] = true
			queue = append(queue, c)
		}
	}
	return out
}

func isDriver(p Proc) bool {
	name := strings.ToLower(p.Name)
	if name == "" && len(p.Cmdline) > 0 {
		name = strings.ToLower(filepath.Base(p.Cmdline[0]))
	}
	return strings.Contains(name, "chromedriver")
}

func hasFlag(cmdline []string, flag string) bool {
	for _, arg := range cmdline {
		if arg == flag || strings.HasPrefix(arg, flag+"=") {
			return true
		}
	}
	return false
}

func profileBase(cmdline []string) string {
	for i, arg := range cmdline {
		var dir string
		switch {
		case strings.HasPrefix(arg, flagUserDataDir+"="):
			dir = strings.TrimPrefix(arg, flagUserDataDir+"=")
		case arg == flagUserDataDir && i+1 < len(cmdline):
			dir = cmdline[i+1]
		default:
			continue
		}
		dir = strings.Trim(dir, `"'`)
		dir = strings.TrimRight(dir, `/\`)
		if k := strings.LastIndexAny(dir, `/\`); k >= 0 {
			dir = dir[k+1:]
		}
		return dir
	}
	return ""
}

func containsTag(cmdline []string, tag string) bool {
	for _, arg := range cmdline {
		if strings.Contains(arg, tag) {
			return true
		}
	}
	return false
}

// System is the Controller backed by the real process table.
type System struct{}

func (System) List(ctx context.Context) ([]Proc, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		// processes can vanish mid-scan; keep whatever fields were readable
		ppid, _ := p.PpidWithContext(ctx)
		name, _ := p.NameWithContext(ctx)
		cmd, _ := p.CmdlineSliceWithContext(ctx)
		out = append(out, Proc{PID: p.Pid, PPID: ppid, Name: name, Cmdline: cmd})
	}
	return out, nil
}

func (System) Terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

func (System) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

func (System) Alive(ctx context.Context, pid int32) bool {
	ok, err := process.PidExistsWithContext(ctx, pid)
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	// a reaped-but-unwaited child shows up as a zombie
	status, err := p.StatusWithContext(ctx)
	if err == nil {
		for _, s := range status {
			if s == process.Zombie {
				return false
			}
		}
	}
	return true
}

// ListTagged returns the processes a Reap for tag would select, for status
// and doctor output.
func ListTagged(ctx context.Context, ctl Controller, tag string) ([]Proc, error) {
	procs, err := ctl.List(ctx)
	if err != nil {
		return nil, err
	}
	return Match(procs, tag, 0), nil
}

// ListByPrefix returns debuggable browsers whose profile directory starts
// with prefix, whatever account they belong to.
func ListByPrefix(ctx context.Context, ctl Controller, prefix string) ([]Proc, error) {
	procs, err := ctl.List(ctx)
	if err != nil {
		return nil, err
	}
	out := []Proc{}
	for _, p := range procs {
		if strings.HasPrefix(profileBase(p.Cmdline), prefix) && hasFlag(p.Cmdline, flagDebugPort) {
			out = append(out, p)
		}
	}
	return out, nil
}
