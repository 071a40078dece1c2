package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// StepID names one automation workflow.
type StepID string

// Step families.
const (
	FamilyCollect = "1"
	FamilyGroup   = "2"
	FamilyDetail  = "3"
	FamilyAudit   = "4"
	FamilyPublish = "5"
	FamilyMarket  = "6"
)

const (
	DefaultServer = "server1"
	// MarketPassSecs is the base time of one market-configuration pass (6x).
	MarketPassSecs = 12000
	// MaxMarketPass caps how many market configurations one 6x run may walk.
	MaxMarketPass = 20
)

// StepMeta is the static description of a step.
type StepMeta struct {
	ID                StepID
	Family            string
	PerItemSeconds    int
	UsesChunking      bool
	DefaultChunkSize  int
	ContinueOnTimeout bool
	UsesTasks         bool
	SupportsCount     bool
	Step3Limits       bool
	// FixedTimeoutSeconds replaces the per-item formula when set.
	FixedTimeoutSeconds int
	// Server is the server tag the step targets; empty means the account's own.
	Server string
}

var stepTable = buildStepTable()

var stepOrder = []StepID{
	"1",
	"21", "22", "23",
	"31", "32", "33",
	"311", "312", "313", "321", "322", "323", "331", "332", "333",
	"4",
	"51", "52", "53",
	"6", "61", "62", "63",
}

func buildStepTable() map[StepID]StepMeta {
	t := make(map[StepID]StepMeta, 24)
	t["1"] = StepMeta{ID: "1", Family: FamilyCollect, PerItemSeconds: 195, UsesChunking: true, DefaultChunkSize: 10, SupportsCount: true}
	for _, x := range []string{"1", "2", "3"} {
		id := StepID("2" + x)
		t[id] = StepMeta{ID: id, Family: FamilyGroup, PerItemSeconds: 270, UsesChunking: true, DefaultChunkSize: 5, ContinueOnTimeout: true, UsesTasks: true, SupportsCount: true, Server: "server" + x}
		id = StepID("3" + x)
		t[id] = StepMeta{ID: id, Family: FamilyDetail, PerItemSeconds: 540, UsesChunking: true, DefaultChunkSize: 5, ContinueOnTimeout: true, UsesTasks: true, SupportsCount: true, Step3Limits: true, Server: "server" + x}
		for _, y := range []string{"1", "2", "3"} {
			id := StepID("3" + x + y)
			t[id] = StepMeta{ID: id, Family: FamilyDetail, PerItemSeconds: 540, UsesChunking: true, DefaultChunkSize: 5, ContinueOnTimeout: true, UsesTasks: true, SupportsCount: true, Step3Limits: true, Server: "server" + x}
		}
	}
	t["4"] = StepMeta{ID: "4", Family: FamilyAudit, PerItemSeconds: 135}
	for i, x := range []string{"1", "2", "3"} {
		id := StepID("5" + x)
		t[id] = StepMeta{ID: id, Family: FamilyPublish, PerItemSeconds: 285 + 30*i, UsesChunking: true, DefaultChunkSize: 5}
	}
	for _, id := range []StepID{"6", "61", "62", "63"} {
		t[id] = StepMeta{ID: id, Family: FamilyMarket, PerItemSeconds: MarketPassSecs, UsesChunking: true, DefaultChunkSize: 1, FixedTimeoutSeconds: MarketPassSecs * MaxMarketPass}
	}
	return t
}

// Steps returns every known step in canonical order.
func Steps() []StepMeta {
	out := make([]StepMeta, 0, len(stepOrder))
	for _, id := range stepOrder {
		out = append(out, stepTable[id])
	}
	return out
}

// LookupStep returns the metadata for id.
func LookupStep(id StepID) (StepMeta, bool) {
	meta, ok := stepTable[id]
	return meta, ok
}

// MustStep returns the metadata for id or an unknown_step ConfigError.
func MustStep(id StepID) (StepMeta, error) {
	meta, ok := stepTable[id]
	if !ok {
		return StepMeta{}, &ConfigError{Kind: ConfigUnknownStep, Detail: fmt.Sprintf("unknown step %q", string(id))}
	}
	return meta, nil
}

// IsFamilyDigit reports whether raw is a bare family digit that task sheets
// use to address every step of a family ("2" for 21/22/23).
func IsFamilyDigit(raw string) bool {
	switch raw {
	case FamilyGroup, FamilyDetail, FamilyPublish, FamilyMarket:
		return true
	}
	return false
}

var numericCell = regexp.MustCompile(`^([0-9]+)\.0+$`)

// NormalizeStep trims a raw step cell ("21.0", " 21 ") into a step string.
func NormalizeStep(raw string) string {
	s := strings.TrimSpace(raw)
	if m := numericCell.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return s
}

// ServerFor resolves the server tag a step runs against for an account.
func ServerFor(step StepID, account Account) string {
	if meta, ok := stepTable[step]; ok && meta.Server != "" {
		return meta.Server
	}
	return NormalizeServer(account.ServerTag)
}

// NormalizeServer maps "", "1", "Server 1" and friends onto serverN.
func NormalizeServer(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return DefaultServer
	}
	if len(s) == 1 && s[0] >= '0' && s[0] <= '9' {
		return "server" + s
	}
	return s
}

var nonTagChars = regexp.MustCompile(`[^a-z0-9]+`)

// AccountTagPrefix starts every tag AccountTag returns.
const AccountTagPrefix = "lbacct-"

// AccountTag is the identifier embedded in browser profile directories.
// Reaping only touches browsers whose profile directory is exactly this name.
// The readable part is lossy, so a short hash of the id keeps tags unique.
func AccountTag(accountID string) string {
	id := strings.ToLower(strings.TrimSpace(accountID))
	s := strings.Trim(nonTagChars.ReplaceAllString(id, "_"), "_")
	if s == "" {
		s = "unknown"
	}
	sum := sha256.Sum256([]byte(id))
	return AccountTagPrefix + s + "-" + hex.EncodeToString(sum[:4])
}
