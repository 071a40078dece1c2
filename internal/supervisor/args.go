package supervisor

import (
	"strconv"

	"listing-batch/internal/model"
)

// Paths are the runner flags shared by every job of a batch.
type Paths struct {
	Workbook    string
	StateDir    string
	ReportDir   string
	Recipe      string
	Driver      string
	ProfilesDir string
	LogLevel    string
	Headless    bool
	GUI         bool
}

// BuildArgs renders the runner command line for job.
func BuildArgs(job model.RunJob, p Paths) []string {
	args := []string{
		"single",
		"--step", string(job.Step),
		"--accounts", job.AccountID,
		"--quantity", strconv.Itoa(job.Quantity),
	}
	meta, _ := model.LookupStep(job.Step)
	if meta.UsesChunking && job.ChunkSize > 0 {
		args = append(args, "--chunk-size", strconv.Itoa(job.ChunkSize))
	}
	if meta.Step3Limits {
		if job.Step3ProductLimit > 0 {
			args = append(args, "--step3-product-limit", strconv.Itoa(job.Step3ProductLimit))
		}
		if job.Step3ImageLimit > 0 {
			args = append(args, "--step3-image-limit", strconv.Itoa(job.Step3ImageLimit))
		}
	}
	if p.Headless {
		args = append(args, "--headless")
	}
	if p.GUI {
		args = append(args, "--gui")
	}
	for _, kv := range [][2]string{
		{"--job-id", job.ID},
		{"--workbook", p.Workbook},
		{"--state-dir", p.StateDir},
		{"--report-dir", p.ReportDir},
		{"--recipe", p.Recipe},
		{"--driver", p.Driver},
		{"--profiles-dir", p.ProfilesDir},
		{"--log-level", p.LogLevel},
	} {
		if kv[1] != "" {
			args = append(args, kv[0], kv[1])
		}
	}
	return args
}
