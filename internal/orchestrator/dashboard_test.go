package orchestrator

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		seconds float64
		want    string
	}{
		{0, ""},
		{-5, ""},
		{30, "<1m"},
		{125, "2m"},
		{3600, "1h"},
		{33000, "9h 10m"},
		{240000, "2d 18h"},
		{172800, "2d"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.seconds); got != tc.want {
			t.Fatalf("formatDuration(%v) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}

func TestDashboardRendersAccountLines(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 32, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	var out bytes.Buffer
	d := newDashboard(&out, clock, 3)
	d.SetAccount("a@example.com", 2)
	d.SetAccount("b@example.com", 1)
	d.StepStarted("a@example.com", "21", 33000*time.Second)
	now = now.Add(10 * time.Minute)
	d.StepFinished("b@example.com", "1", "completed")
	d.AccountFinished("b@example.com")
	d.render()

	got := out.String()
	if !strings.Contains(got, "jobs 1/3") {
		t.Fatalf("missing totals in %q", got)
	}
	if !strings.Contains(got, "step 21") || !strings.Contains(got, "10m elapsed") {
		t.Fatalf("missing running line in %q", got)
	}
	if !strings.Contains(got, "done 1/1 (last: completed)") {
		t.Fatalf("missing finished line in %q", got)
	}
}
