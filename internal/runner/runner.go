// Package runner orchestrates quota-checked, paced batch jobs against the
// capability and action boundaries, reporting progress and recording history.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pace-run/pacerun/internal/action"
	"github.com/pace-run/pacerun/internal/capability"
	"github.com/pace-run/pacerun/internal/history"
	"github.com/pace-run/pacerun/internal/identity"
	"github.com/pace-run/pacerun/internal/progress"
	"github.com/pace-run/pacerun/internal/quota"
	"github.com/pace-run/pacerun/internal/runlog"
)

const (
	defaultHardCeiling = 50
	// The unbounded ceiling becomes the submission's total, so it must stay
	// within the default per-request quota limit or unbounded jobs are never
	// admitted.
	defaultUnboundedCeiling    = 50
	defaultFailureThreshold    = 3
	defaultCapabilityTimeout   = 10 * time.Second
	defaultActionTimeout       = 15 * time.Second
	defaultRetentionDelay      = time.Minute
	defaultProgressCadence     = 1
	defaultMaxBatchSize        = 10
	errMessageEmptyTarget      = "target cannot be empty"
	errMessageCountOutOfRange  = "requested count is out of range"
	errMessageJobsStillActive  = "identity has active jobs"
	reasonCapabilityFailed     = "capability acquisition failed"
	reasonConsecutiveFailures  = "too many consecutive failures"
	reasonInternalError        = "internal error"
	reasonStopRequested        = "stop requested"
	logMessageJobSubmitted     = "job submitted"
	logMessageJobFinished      = "job finished"
	logMessageJobPanicked      = "job orchestration panicked"
	logFieldJobID              = "job_id"
	logFieldIdentity           = "identity"
	logFieldStatus             = "status"
	logFieldTotal              = "total"
	logFieldSuccessCount       = "success_count"
	logFieldFailureCount       = "failure_count"
	activityStartFormat        = "starting job for %d actions"
	activityCapability         = "acquiring capability token"
	activityCapabilityOK       = "capability token acquired"
	activityActionOKFormat     = "action %d succeeded"
	activityActionFailedFormat = "action %d failed: %s"
	activityFinishedFormat     = "job finished: %d succeeded, %d failed"
)

var (
	// ErrEmptyTarget rejects submissions without a target resource.
	ErrEmptyTarget = errors.New(errMessageEmptyTarget)
	// ErrCountOutOfRange rejects bounded submissions outside [1, hard ceiling].
	ErrCountOutOfRange = errors.New(errMessageCountOutOfRange)
	// ErrNotFound indicates no live job carries the supplied id.
	ErrNotFound = errors.New("job not found")
	// ErrJobsStillActive refuses destructive identity operations while jobs run.
	ErrJobsStillActive = errors.New(errMessageJobsStillActive)
)

// QuotaDeniedError carries the violated admission rule back to the caller.
type QuotaDeniedError struct {
	Reason quota.DenyReason
}

// Error satisfies the error interface.
func (denied *QuotaDeniedError) Error() string {
	return string(denied.Reason)
}

// Policy collects every tunable the runner consults. Zero values fall back to
// defaults so a zero Policy is usable.
type Policy struct {
	// HardCeiling bounds RequestedCount for bounded jobs.
	HardCeiling int
	// UnboundedCeiling is the implied total for unbounded jobs.
	UnboundedCeiling int
	// ConsecutiveFailureThreshold aborts a job after this many back-to-back
	// non-terminal failures.
	ConsecutiveFailureThreshold int
	// CapabilityTimeout bounds the token acquisition call.
	CapabilityTimeout time.Duration
	// ActionTimeout bounds each action call.
	ActionTimeout time.Duration
	// RetentionDelay keeps terminal job records queryable before eviction.
	RetentionDelay time.Duration
	// ProgressEveryN publishes a tick every N iterations; the final iteration
	// always publishes.
	ProgressEveryN int
	// MaxBatchSize caps the per-job batched execution mode.
	MaxBatchSize int
}

func (policy Policy) withDefaults() Policy {
	if policy.HardCeiling <= 0 {
		policy.HardCeiling = defaultHardCeiling
	}
	if policy.UnboundedCeiling <= 0 {
		policy.UnboundedCeiling = defaultUnboundedCeiling
	}
	if policy.ConsecutiveFailureThreshold <= 0 {
		policy.ConsecutiveFailureThreshold = defaultFailureThreshold
	}
	if policy.CapabilityTimeout <= 0 {
		policy.CapabilityTimeout = defaultCapabilityTimeout
	}
	if policy.ActionTimeout <= 0 {
		policy.ActionTimeout = defaultActionTimeout
	}
	if policy.RetentionDelay <= 0 {
		policy.RetentionDelay = defaultRetentionDelay
	}
	if policy.ProgressEveryN <= 0 {
		policy.ProgressEveryN = defaultProgressCadence
	}
	if policy.MaxBatchSize <= 0 {
		policy.MaxBatchSize = defaultMaxBatchSize
	}
	return policy
}

// Config wires a Runner's collaborators.
type Config struct {
	Quota       *quota.Tracker
	Capability  capability.Provider
	Executor    action.Executor
	Progress    *progress.Publisher
	History     *history.Store
	ActivityLog *runlog.Log
	Logger      *zap.Logger
	Clock       clock.Clock
	Policy      Policy
}

// Runner owns the live job table and executes each admitted job on its own
// goroutine.
type Runner struct {
	quota       *quota.Tracker
	capability  capability.Provider
	executor    action.Executor
	progress    *progress.Publisher
	history     *history.Store
	activityLog *runlog.Log
	logger      *zap.Logger
	clock       clock.Clock
	policy      Policy

	jobs jobTable
}

// NewRunner constructs a Runner from configuration values.
func NewRunner(configuration Config) *Runner {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runnerClock := configuration.Clock
	if runnerClock == nil {
		runnerClock = clock.New()
	}
	return &Runner{
		quota:       configuration.Quota,
		capability:  configuration.Capability,
		executor:    configuration.Executor,
		progress:    configuration.Progress,
		history:     configuration.History,
		activityLog: configuration.ActivityLog,
		logger:      logger,
		clock:       runnerClock,
		policy:      configuration.Policy.withDefaults(),
	}
}

// Policy returns the effective (defaulted) policy.
func (runner *Runner) Policy() Policy {
	return runner.policy
}

// Submit validates and admits the request. On admission it returns the new
// job id immediately and continues asynchronously; on denial it returns an
// error and performs no further work.
func (runner *Runner) Submit(request Request) (string, error) {
	if strings.TrimSpace(request.Target) == "" {
		return "", ErrEmptyTarget
	}

	total := request.RequestedCount
	if request.Unbounded {
		total = runner.policy.UnboundedCeiling
	} else if total < 1 || total > runner.policy.HardCeiling {
		return "", ErrCountOutOfRange
	}

	decision := runner.quota.CheckAndReserve(request.Identity, total)
	if !decision.Allowed {
		return "", &QuotaDeniedError{Reason: decision.Reason}
	}

	batchSize := request.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	if batchSize > runner.policy.MaxBatchSize {
		batchSize = runner.policy.MaxBatchSize
	}

	jobID := uuid.NewString()
	state := &jobState{record: Record{
		JobID:     jobID,
		Identity:  request.Identity,
		Target:    request.Target,
		Status:    StatusCreated,
		Total:     total,
		StartedAt: runner.clock.Now().UTC(),
	}}
	runner.jobs.put(jobID, state)

	runner.logger.Info(logMessageJobSubmitted,
		zap.String(logFieldJobID, jobID),
		zap.String(logFieldIdentity, string(request.Identity)),
		zap.Int(logFieldTotal, total),
	)
	runner.logActivity(jobID, runlog.LevelStart, fmt.Sprintf(activityStartFormat, total))

	go runner.run(state, request, total, batchSize)
	return jobID, nil
}

// Status returns a snapshot of the live job, or ErrNotFound once evicted.
func (runner *Runner) Status(jobID string) (Record, error) {
	state, exists := runner.jobs.get(jobID)
	if !exists {
		return Record{}, ErrNotFound
	}
	return state.snapshot(), nil
}

// Stop requests a cooperative stop. The in-flight action finishes; no further
// actions start.
func (runner *Runner) Stop(jobID string) error {
	state, exists := runner.jobs.get(jobID)
	if !exists {
		return ErrNotFound
	}
	state.requestStop()
	return nil
}

// ActiveJobs lists non-terminal jobs for the identity.
func (runner *Runner) ActiveJobs(key identity.Key) []Record {
	return runner.jobs.snapshots(func(record Record) bool {
		return record.Identity == key && !record.Status.Terminal()
	})
}

// LiveJobCount reports how many job records are retained, terminal or not.
func (runner *Runner) LiveJobCount() int {
	return len(runner.jobs.snapshots(func(Record) bool { return true }))
}

// ActiveJobCount reports how many jobs are currently non-terminal.
func (runner *Runner) ActiveJobCount() int {
	return len(runner.jobs.snapshots(func(record Record) bool { return !record.Status.Terminal() }))
}

// ForgetIdentity evicts the identity's terminal job records and their
// activity logs. It refuses while any of the identity's jobs is still
// running.
func (runner *Runner) ForgetIdentity(key identity.Key) error {
	if len(runner.ActiveJobs(key)) > 0 {
		return ErrJobsStillActive
	}
	for _, record := range runner.jobs.snapshots(func(record Record) bool { return record.Identity == key }) {
		runner.evict(record.JobID)
	}
	return nil
}

func (runner *Runner) run(state *jobState, request Request, total int, batchSize int) {
	jobID := state.record.JobID
	defer func() {
		if recovered := recover(); recovered != nil {
			runner.logger.Error(logMessageJobPanicked,
				zap.String(logFieldJobID, jobID),
				zap.Any("panic", recovered),
			)
			runner.finalize(state, StatusFailed, reasonInternalError)
		}
	}()

	state.setStatus(StatusAcquiringCapability)
	runner.logActivity(jobID, runlog.LevelInfo, activityCapability)

	token, acquireErr := runner.acquireCapability(request.Credential)
	if acquireErr != nil || strings.TrimSpace(token) == "" {
		runner.logActivity(jobID, runlog.LevelError, reasonCapabilityFailed)
		runner.finalize(state, StatusFailed, reasonCapabilityFailed)
		return
	}
	runner.logActivity(jobID, runlog.LevelSuccess, activityCapabilityOK)

	state.setStatus(StatusRunning)
	runner.quota.Commit(request.Identity, total)
	runner.publish(state, progress.EventStarted, "")

	consecutiveFailures := 0
	for index := 0; index < total; {
		if state.stopWasRequested() {
			runner.finalize(state, StatusStopped, reasonStopRequested)
			return
		}

		if request.Pace > 0 && index > 0 {
			runner.waitPace(request.Pace)
			if state.stopWasRequested() {
				runner.finalize(state, StatusStopped, reasonStopRequested)
				return
			}
		}

		batchCount := batchSize
		if remaining := total - index; batchCount > remaining {
			batchCount = remaining
		}
		outcomes := runner.performBatch(token, request.Target, batchCount)

		var terminalOutcome *action.Outcome
		for batchIndex := range outcomes {
			outcome := outcomes[batchIndex]
			index++
			runner.applyOutcome(state, index, total, outcome)
			if outcome.Success {
				consecutiveFailures = 0
				continue
			}
			consecutiveFailures++
			if outcome.ErrorKind.Terminal() && terminalOutcome == nil {
				terminalOutcome = &outcome
			}
		}

		if terminalOutcome != nil {
			runner.finalize(state, StatusFailed, terminalOutcome.ErrorMessage)
			return
		}
		if consecutiveFailures >= runner.policy.ConsecutiveFailureThreshold {
			runner.finalize(state, StatusFailed, reasonConsecutiveFailures)
			return
		}
		if index%runner.policy.ProgressEveryN == 0 || index == total {
			runner.publish(state, progress.EventTick, "")
		}
	}

	runner.finalize(state, StatusCompleted, "")
}

func (runner *Runner) acquireCapability(credential string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), runner.policy.CapabilityTimeout)
	defer cancel()
	return runner.capability.Acquire(ctx, credential)
}

// performBatch executes batchCount actions. A batch of one runs inline; a
// larger batch issues its actions concurrently and settles them all before
// the breaker is evaluated, so cumulative outcomes stay well-defined.
func (runner *Runner) performBatch(token string, target string, batchCount int) []action.Outcome {
	if batchCount == 1 {
		return []action.Outcome{runner.performOne(token, target)}
	}

	outcomes := make([]action.Outcome, batchCount)
	var group errgroup.Group
	for batchIndex := 0; batchIndex < batchCount; batchIndex++ {
		batchIndex := batchIndex
		group.Go(func() error {
			outcomes[batchIndex] = runner.performOne(token, target)
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

func (runner *Runner) performOne(token string, target string) action.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), runner.policy.ActionTimeout)
	defer cancel()
	return runner.executor.Perform(ctx, token, target)
}

// applyOutcome folds one settled action into the record, quota lifetime
// counters, activity log, and progress stream.
func (runner *Runner) applyOutcome(state *jobState, index int, total int, outcome action.Outcome) {
	state.mutex.Lock()
	state.record.CurrentIndex = index
	if outcome.Success {
		state.record.SuccessCount++
	} else {
		state.record.FailureCount++
		state.record.LastError = outcome.ErrorMessage
	}
	state.mutex.Unlock()

	runner.quota.RecordOutcome(state.record.Identity, outcome.Success)

	if outcome.Success {
		runner.logActivity(state.record.JobID, runlog.LevelSuccess, fmt.Sprintf(activityActionOKFormat, index))
		runner.publish(state, progress.EventActionSucceeded, outcome.ResultID)
		return
	}
	runner.logActivity(state.record.JobID, runlog.LevelError, fmt.Sprintf(activityActionFailedFormat, index, outcome.ErrorMessage))
	runner.publish(state, progress.EventActionFailed, outcome.ErrorMessage)
}

func (runner *Runner) waitPace(pace time.Duration) {
	timer := runner.clock.Timer(pace)
	defer timer.Stop()
	<-timer.C
}

// finalize moves the job to its terminal state exactly once, publishes the
// final event, snapshots the record into history, and schedules eviction
// after the retention delay.
func (runner *Runner) finalize(state *jobState, status Status, lastError string) {
	state.mutex.Lock()
	if state.record.Status.Terminal() {
		state.mutex.Unlock()
		return
	}
	state.record.Status = status
	state.record.EndedAt = runner.clock.Now().UTC()
	if lastError != "" {
		state.record.LastError = lastError
	}
	record := state.record
	state.mutex.Unlock()

	finalKind := progress.EventAborted
	if status == StatusCompleted {
		finalKind = progress.EventCompleted
	}
	runner.publish(state, finalKind, record.LastError)
	runner.logActivity(record.JobID, runlog.LevelComplete,
		fmt.Sprintf(activityFinishedFormat, record.SuccessCount, record.FailureCount))

	runner.history.Append(record.Identity, history.Entry{
		JobID:        record.JobID,
		Target:       record.Target,
		Status:       string(record.Status),
		Total:        record.Total,
		SuccessCount: record.SuccessCount,
		FailureCount: record.FailureCount,
		StartedAt:    record.StartedAt,
		EndedAt:      record.EndedAt,
		Duration:     record.EndedAt.Sub(record.StartedAt),
		LastError:    record.LastError,
	})

	runner.logger.Info(logMessageJobFinished,
		zap.String(logFieldJobID, record.JobID),
		zap.String(logFieldStatus, string(record.Status)),
		zap.Int(logFieldSuccessCount, record.SuccessCount),
		zap.Int(logFieldFailureCount, record.FailureCount),
	)

	// Late status polls still succeed during the retention window.
	runner.clock.AfterFunc(runner.policy.RetentionDelay, func() {
		runner.evict(record.JobID)
	})
}

func (runner *Runner) evict(jobID string) {
	runner.jobs.remove(jobID)
	if runner.progress != nil {
		runner.progress.CloseJob(jobID)
	}
	if runner.activityLog != nil {
		runner.activityLog.Remove(jobID)
	}
}

func (runner *Runner) publish(state *jobState, kind progress.EventKind, message string) {
	if runner.progress == nil {
		return
	}
	record := state.snapshot()
	runner.progress.Publish(progress.Event{
		JobID:        record.JobID,
		Kind:         kind,
		At:           runner.clock.Now().UTC(),
		CurrentIndex: record.CurrentIndex,
		Total:        record.Total,
		SuccessCount: record.SuccessCount,
		FailureCount: record.FailureCount,
		Message:      message,
	})
}

func (runner *Runner) logActivity(jobID string, level runlog.Level, message string) {
	if runner.activityLog == nil {
		return
	}
	runner.activityLog.Append(jobID, level, message)
}
