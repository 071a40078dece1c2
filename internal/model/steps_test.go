package model

import (
	"errors"
	"strings"
	"testing"
)

func TestStepTableFamilies(t *testing.T) {
	cases := []struct {
		id         StepID
		family     string
		server     string
		continueOn bool
		perItem    int
	}{
		{"1", FamilyCollect, "", false, 195},
		{"21", FamilyGroup, "server1", true, 270},
		{"23", FamilyGroup, "server3", true, 270},
		{"32", FamilyDetail, "server2", true, 540},
		{"321", FamilyDetail, "server2", true, 540},
		{"4", FamilyAudit, "", false, 135},
		{"51", FamilyPublish, "", false, 285},
		{"53", FamilyPublish, "", false, 345},
		{"62", FamilyMarket, "", false, MarketPassSecs},
	}
	for _, tc := range cases {
		meta, ok := LookupStep(tc.id)
		if !ok {
			t.Fatalf("step %s missing from table", tc.id)
		}
		if meta.Family != tc.family || meta.Server != tc.server || meta.ContinueOnTimeout != tc.continueOn || meta.PerItemSeconds != tc.perItem {
			t.Fatalf("step %s metadata mismatch: %+v", tc.id, meta)
		}
	}
	if len(Steps()) != 24 {
		t.Fatalf("expected 24 steps, got %d", len(Steps()))
	}
}

func TestMustStepUnknown(t *testing.T) {
	_, err := MustStep("99")
	if err == nil {
		t.Fatal("expected unknown step error")
	}
	if !IsConfigError(err, ConfigUnknownStep) {
		t.Fatalf("expected unknown_step config error, got %v", err)
	}
	if ExitCodeFor(err) != ExitConfigError {
		t.Fatalf("expected config exit code, got %d", ExitCodeFor(err))
	}
}

func TestServerFor(t *testing.T) {
	acct := Account{AccountID: "a@example.com", ServerTag: "server2"}
	if got := ServerFor("22", acct); got != "server2" {
		t.Fatalf("22 -> %s", got)
	}
	if got := ServerFor("31", acct); got != "server1" {
		t.Fatalf("31 -> %s", got)
	}
	if got := ServerFor("1", acct); got != "server2" {
		t.Fatalf("1 -> %s", got)
	}
	if got := ServerFor("4", Account{}); got != DefaultServer {
		t.Fatalf("4 with empty server -> %s", got)
	}
}

func TestNormalizeStepAndServer(t *testing.T) {
	if NormalizeStep(" 21.0 ") != "21" {
		t.Fatalf("numeric cell not normalised")
	}
	if NormalizeServer("3") != "server3" || NormalizeServer("Server 2") != "server2" {
		t.Fatalf("server normalisation mismatch")
	}
}

func TestAccountTagIsStable(t *testing.T) {
	if got := AccountTag("Shop.Owner+1@Example.com"); got != "lbacct-shop_owner_1_example_com-4d6ddaaa" {
		t.Fatalf("unexpected tag %q", got)
	}
	if AccountTag(" Shop.Owner+1@example.com ") != AccountTag("shop.owner+1@EXAMPLE.com") {
		t.Fatal("case and surrounding space must not change the tag")
	}
}

func TestAccountTagKeepsDistinctAccountsApart(t *testing.T) {
	pairs := [][2]string{
		{"a@x.com", "aa@x.com"},
		{"john.doe@x.com", "john_doe@x.com"},
		{"shop-1@x.com", "shop+1@x.com"},
	}
	for _, p := range pairs {
		if AccountTag(p[0]) == AccountTag(p[1]) {
			t.Fatalf("%s and %s share tag %s", p[0], p[1], AccountTag(p[0]))
		}
		if !strings.HasPrefix(AccountTag(p[0]), AccountTagPrefix) {
			t.Fatalf("tag %s lacks prefix", AccountTag(p[0]))
		}
	}
}

func TestExitCodeFor(t *testing.T) {
	if ExitCodeFor(&LoginError{AccountID: "a"}) != ExitLoginFailed {
		t.Fatal("login error should map to exit 2")
	}
	if ExitCodeFor(&StepError{Step: "21", Transient: true, Err: errors.New("x")}) != ExitStepFailed {
		t.Fatal("transient step error should map to exit 1")
	}
	if ExitCodeFor(errors.New("boom")) != ExitAutomationError {
		t.Fatal("unknown error should map to exit 4")
	}
}

func TestResultLineRoundTrip(t *testing.T) {
	r := NewRunResult("a@example.com", "21")
	r.Success = true
	r.Processed = 3
	line := FormatResultLine(r)
	if !strings.HasPrefix(line, "RESULT {") {
		t.Fatalf("unexpected line %q", line)
	}
	got, ok := ParseResultLine(line + "\r")
	if !ok {
		t.Fatalf("line did not parse: %q", line)
	}
	if got.Processed != 3 || !got.Success || got.InitialCount != CountUnknown {
		t.Fatalf("unexpected result: %+v", got)
	}
	if _, ok := ParseResultLine("RESULT not-json"); ok {
		t.Fatal("expected malformed line to be rejected")
	}
}
