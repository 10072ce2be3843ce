package runner

import (
	"sync"
	"time"

	"github.com/pace-run/pacerun/internal/identity"
)

// Status is the lifecycle state of a job. Transitions are monotonic:
// Created → AcquiringCapability → Running → one terminal state, never out.
type Status string

// Job lifecycle states.
const (
	StatusCreated             Status = "created"
	StatusAcquiringCapability Status = "acquiring_capability"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusStopped             Status = "stopped"
)

// Terminal reports whether the status is final.
func (status Status) Terminal() bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Request describes one submitted job. Immutable once created. The credential
// is used solely to acquire the capability token and is never retained on the
// job record.
type Request struct {
	Identity       identity.Key
	Credential     string
	Target         string
	RequestedCount int
	Pace           time.Duration
	Unbounded      bool
	BatchSize      int
}

// Record is a read-only snapshot of one job's state.
type Record struct {
	JobID        string       `json:"job_id"`
	Identity     identity.Key `json:"identity"`
	Target       string       `json:"target"`
	Status       Status       `json:"status"`
	Total        int          `json:"total"`
	CurrentIndex int          `json:"current_index"`
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      time.Time    `json:"ended_at,omitzero"`
	LastError    string       `json:"last_error,omitempty"`
}

// jobState is the live, mutable form of a job. Only the owning run goroutine
// mutates the record after submission; every other component reads snapshots.
type jobState struct {
	mutex         sync.Mutex
	record        Record
	stopRequested bool
}

func (state *jobState) snapshot() Record {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.record
}

func (state *jobState) setStatus(status Status) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	if state.record.Status.Terminal() {
		return
	}
	state.record.Status = status
}

func (state *jobState) requestStop() {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.stopRequested = true
}

func (state *jobState) stopWasRequested() bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.stopRequested
}
