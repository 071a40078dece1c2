package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResultLinePrefix starts the machine-readable last line of runner stderr.
const ResultLinePrefix = "RESULT "

func FormatResultLine(r RunResult) string {
	data, err := json.Marshal(r)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"success":false,"exit_code":%d,"errors":[%q]}`, r.ExitCode, err.Error()))
	}
	return ResultLinePrefix + string(data)
}

// ParseResultLine decodes a RESULT line; ok is false for any other line.
func ParseResultLine(line string) (RunResult, bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, ResultLinePrefix) {
		return RunResult{}, false
	}
	var r RunResult
	if err := json.Unmarshal([]byte(strings.TrimPrefix(s, ResultLinePrefix)), &r); err != nil {
		return RunResult{}, false
	}
	return r, true
}
