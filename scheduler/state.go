package scheduler

import "time"

// Status is a connector's position in the run state machine
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusBackoff Status = "backoff"
)

// Trigger says why a run started
type Trigger string

const (
	TriggerCadence  Trigger = "cadence"
	TriggerManual   Trigger = "manual"
	TriggerAll      Trigger = "all"
	TriggerBus      Trigger = "bus"
	TriggerSchedule Trigger = "schedule" // calendar schedule
)

// Run statuses, matching the connector_runs CHECK constraint
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled" // interrupted by shutdown
)

// RunState is the bookkeeping owned by the orchestrator for one connector
type RunState struct {
	Connector           string    `json:"connector"`
	Status              Status    `json:"status"`
	IntervalSeconds     int64     `json:"interval_seconds"` // 0 = manual only
	LastRunAt           time.Time `json:"last_run_at,omitzero"`
	LastSuccessAt       time.Time `json:"last_success_at,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextEligibleAt      time.Time `json:"next_eligible_at,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	CurrentRunID        string    `json:"current_run_id,omitempty"`
}

// Run is one execution of a connector
type Run struct {
	ID         string    `json:"id"`
	Connector  string    `json:"connector"`
	Trigger    Trigger   `json:"trigger"`
	Full       bool      `json:"full"`
	Status     string    `json:"status"`
	Since      time.Time `json:"since,omitzero"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Items      int       `json:"items"`
	Admitted   int       `json:"admitted"`
	Duplicates int       `json:"duplicates"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
}
