package model

import "testing"

func TestCanTransition_AllowsExpectedPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{"", StatusPlanned},
		{StatusPlanned, StatusRunning},
		{StatusPlanned, StatusSkipped},
		{StatusPlanned, StatusAborted},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusTimeout},
		{StatusRunning, StatusKilled},
	}

	for _, tc := range cases {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectsInvalidPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{StatusPlanned, StatusCompleted},
		{StatusCompleted, StatusRunning},
		{StatusSkipped, StatusRunning},
		{StatusTimeout, StatusCompleted},
		{"not_a_state", StatusPlanned},
	}

	for _, tc := range cases {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestTransitionJobStatus_BlocksIllegalTransition(t *testing.T) {
	job := RunJob{
		ID:        "job-1",
		AccountID: "a@example.com",
		Step:      "21",
		Status:    StatusPlanned,
	}

	if err := TransitionJobStatus(&job, StatusCompleted, ""); err == nil {
		t.Fatalf("expected illegal transition error")
	}
	if err := TransitionJobStatus(&job, StatusRunning, ""); err != nil {
		t.Fatalf("planned -> running: %v", err)
	}
	if err := TransitionJobStatus(&job, StatusTimeout, "timeout"); err != nil {
		t.Fatalf("running -> timeout: %v", err)
	}
	if !IsTerminalStatus(job.Status) {
		t.Fatalf("expected %q to be terminal", job.Status)
	}
}
