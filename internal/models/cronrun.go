package models

import "time"

type CronStatus string

const (
	CronRunning CronStatus = "running"
	CronSuccess CronStatus = "success"
	CronFailed  CronStatus = "failed"
)

// CronRun is the observability record of the last run of a named task.
type CronRun struct {
	JobName     string     `json:"job_name"`
	Status      CronStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	LastError   string     `json:"last_error,omitempty"`
	Processed   int        `json:"processed"`
	FailedCount int        `json:"failed_count"`
	RunCount    int        `json:"run_count"`
	ErrorCount  int        `json:"error_count"`
}
