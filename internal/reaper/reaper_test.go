package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tag = "lbacct-a_example_com"

func sampleProcs() []Proc {
	return []Proc{
		{PID: 100, PPID: 1, Name: "listing-batch", Cmdline: []string{"listing-batch", "single", "--accounts", "a@example.com"}},
		{PID: 101, PPID: 100, Name: "chrome", Cmdline: []string{"chrome", "--remote-debugging-port=0", "--user-data-dir=/tmp/profiles/" + tag}},
		{PID: 102, PPID: 101, Name: "chrome", Cmdline: []string{"chrome", "--type=renderer", "--user-data-dir=/tmp/profiles/" + tag}},
		{PID: 103, PPID: 100, Name: "chromedriver", Cmdline: []string{"chromedriver", "--port=9515"}},
		{PID: 200, PPID: 1, Name: "chrome", Cmdline: []string{"chrome", "--user-data-dir=/home/me/.config/chrome"}},
		{PID: 201, PPID: 1, Name: "chrome", Cmdline: []string{"chrome", "--remote-debugging-port=9222", "--user-data-dir", "/tmp/profiles/" + tag + "_other"}},
		{PID: 202, PPID: 1, Name: "chromedriver", Cmdline: []string{"chromedriver", "--port=9516"}},
		{PID: 203, PPID: 1, Name: "chrome", Cmdline: []string{"chrome", "--remote-debugging-port=9223", "--user-data-dir", `C:\profiles\` + tag + `\`}},
	}
}

func pids(procs []Proc) []int32 {
	out := make([]int32, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.PID)
	}
	return out
}

func TestMatchSelectsOnlyTaggedBrowsersAndOwnedDrivers(t *testing.T) {
	got := Match(sampleProcs(), tag, 100)
	assert.Equal(t, []int32{101, 102, 103, 203}, pids(got))
}

func TestMatchWithoutRootIgnoresUntaggedDrivers(t *testing.T) {
	got := Match(sampleProcs(), tag, 0)
	assert.Equal(t, []int32{101, 102, 203}, pids(got))
}

func TestMatchEmptyTag(t *testing.T) {
	assert.Empty(t, Match(sampleProcs(), "", 100))
}

func TestDescendants(t *testing.T) {
	d := Descendants(sampleProcs(), 100)
	assert.True(t, d[101])
	assert.True(t, d[102])
	assert.True(t, d[103])
	assert.False(t, d[200])
}

type fakeCtl struct {
	mu        sync.Mutex
	procs     []Proc
	alive     map[int32]bool
	stubborn  map[int32]bool
	terminate []int32
	kill      []int32
}

func newFakeCtl(procs []Proc, stubborn ...int32) *fakeCtl {
	f := &fakeCtl{procs: procs, alive: map[int32]bool{}, stubborn: map[int32]bool{}}
	for _, p := range procs {
		f.alive[p.PID] = true
	}
	for _, pid := range stubborn {
		f.stubborn[pid] = true
	}
	return f
}

func (f *fakeCtl) List(ctx context.Context) ([]Proc, error) { return f.procs, nil }

func (f *fakeCtl) Terminate(ctx context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminate = append(f.terminate, pid)
	if !f.stubborn[pid] {
		f.alive[pid] = false
	}
	return nil
}

func (f *fakeCtl) Kill(ctx context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kill = append(f.kill, pid)
	f.alive[pid] = false
	return nil
}

func (f *fakeCtl) Alive(ctx context.Context, pid int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func TestReapTerminatesThenKillsStubborn(t *testing.T) {
	ctl := newFakeCtl(sampleProcs(), 101)
	r := &Reaper{Ctl: ctl, Wait: 50 * time.Millisecond, Poll: 5 * time.Millisecond}

	rep, err := r.Reap(context.Background(), tag, 100)
	require.NoError(t, err)
	assert.Equal(t, []int32{101, 102, 103, 203}, rep.Matched)
	assert.Equal(t, []int32{101}, rep.Killed)
	assert.Empty(t, rep.Survivors)
	assert.True(t, ctl.alive[200], "hand-started browser untouched")
	assert.True(t, ctl.alive[201], "other account's browser untouched")
	assert.True(t, ctl.alive[202], "unrelated chromedriver untouched")
}

func TestReapNothingToDo(t *testing.T) {
	ctl := newFakeCtl([]Proc{{PID: 5, PPID: 1, Name: "bash"}})
	r := &Reaper{Ctl: ctl, Wait: 10 * time.Millisecond}
	rep, err := r.Reap(context.Background(), tag, 0)
	require.NoError(t, err)
	assert.Empty(t, rep.Matched)
	assert.Empty(t, ctl.terminate)
}
