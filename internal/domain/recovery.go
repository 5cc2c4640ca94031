package domain

import (
	"encoding/json"
	"time"
)

// RunState is the coordinator's view of the current process run.
type RunState string

const (
	RunColdStart     RunState = "cold_start"
	RunCleanStart    RunState = "clean_start"
	RunCrashDetected RunState = "crash_detected"
	RunRecovering    RunState = "recovering"
	RunRecovered     RunState = "recovered"
	RunOperational   RunState = "operational"
	RunShuttingDown  RunState = "shutting_down"
	RunStopped       RunState = "stopped"
)

// Forced recovery may start from cold_start, and shutdown is reachable from
// every state before stopped.
var runTransitions = map[RunState][]RunState{
	RunColdStart:     {RunCleanStart, RunCrashDetected, RunRecovering, RunShuttingDown},
	RunCleanStart:    {RunOperational, RunRecovering, RunShuttingDown},
	RunCrashDetected: {RunRecovering, RunShuttingDown},
	RunRecovering:    {RunRecovered, RunShuttingDown},
	RunRecovered:     {RunOperational, RunShuttingDown},
	RunOperational:   {RunShuttingDown, RunRecovering},
	RunShuttingDown:  {RunStopped},
}

// CanAdvance reports whether a run may move from s to next.
func (s RunState) CanAdvance(next RunState) bool {
	for _, n := range runTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Recovery event types.
const (
	RecoveryCrash       = "crash_recovery"
	RecoveryForced      = "forced_recovery"
	RecoveryTaskResume  = "task_resume"
	RecoveryQuarantine  = "task_quarantine"
	RecoverySessionLoss = "session_cleanup"
)

// RecoveryEventStatus is the audit status of a recovery event.
type RecoveryEventStatus string

const (
	EventStarted   RecoveryEventStatus = "started"
	EventCompleted RecoveryEventStatus = "completed"
	EventFailed    RecoveryEventStatus = "failed"
)

// RecoveryEvent is an append-only audit record.
type RecoveryEvent struct {
	ID        int64               `json:"id"`
	Type      string              `json:"recovery_type"`
	TaskID    string              `json:"task_id,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Status    RecoveryEventStatus `json:"status"`
	Details   json.RawMessage     `json:"details,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// RecoveryEventCount is one row of the grouped event aggregation.
type RecoveryEventCount struct {
	Type   string
	Status RecoveryEventStatus
	Count  int
}

// ProcessIdentity identifies one run of the process. It is written to the
// process marker and to every lock marker the run holds.
type ProcessIdentity struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// Same reports whether two identities describe the same run.
func (p ProcessIdentity) Same(o ProcessIdentity) bool {
	return p.PID == o.PID && p.Hostname == o.Hostname && p.RunID == o.RunID
}

// ResourceLock is a held advisory lock.
type ResourceLock struct {
	Name       string          `json:"name"`
	Owner      ProcessIdentity `json:"owner"`
	AcquiredAt time.Time       `json:"acquired_at"`
}
