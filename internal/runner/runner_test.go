package runner_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pace-run/pacerun/internal/action"
	"github.com/pace-run/pacerun/internal/capability"
	"github.com/pace-run/pacerun/internal/history"
	"github.com/pace-run/pacerun/internal/identity"
	"github.com/pace-run/pacerun/internal/progress"
	"github.com/pace-run/pacerun/internal/quota"
	"github.com/pace-run/pacerun/internal/runlog"
	"github.com/pace-run/pacerun/internal/runner"
)

const (
	testIdentity       = identity.Key("runner-test-identity")
	testCredential     = "runner-test-credential"
	testTarget         = "https://example.com/post/42"
	testToken          = "runner-test-token"
	terminalWaitBudget = 5 * time.Second
	terminalPollDelay  = 2 * time.Millisecond
)

// sequencedExecutor returns outcomes by zero-based call index.
type sequencedExecutor struct {
	mutex    sync.Mutex
	outcome  func(callIndex int) action.Outcome
	calls    int
	released chan struct{}
	gate     chan struct{}
}

func (executor *sequencedExecutor) Perform(context.Context, string, string) action.Outcome {
	executor.mutex.Lock()
	callIndex := executor.calls
	executor.calls++
	gate := executor.gate
	executor.mutex.Unlock()

	if executor.released != nil {
		executor.released <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return executor.outcome(callIndex)
}

func (executor *sequencedExecutor) callCount() int {
	executor.mutex.Lock()
	defer executor.mutex.Unlock()
	return executor.calls
}

func alwaysSucceed(int) action.Outcome {
	return action.Outcome{Success: true, ResultID: "ok"}
}

type testHarness struct {
	runner  *runner.Runner
	quota   *quota.Tracker
	history *history.Store
	log     *runlog.Log
	publish *progress.Publisher
	clock   *clock.Mock
}

type harnessOptions struct {
	executor   action.Executor
	provider   capability.Provider
	policy     runner.Policy
	limits     quota.Limits
	useMock    bool
	historyCap int
}

func newHarness(options harnessOptions) *testHarness {
	if options.provider == nil {
		options.provider = capability.StaticProvider{Token: testToken}
	}
	if options.historyCap == 0 {
		options.historyCap = 20
	}

	var runnerClock clock.Clock
	var mockClock *clock.Mock
	if options.useMock {
		mockClock = clock.NewMock()
		runnerClock = mockClock
	}

	quotaTracker := quota.NewTracker(options.limits, runnerClock)
	historyStore := history.NewStore(options.historyCap)
	activityLog := runlog.NewLog(100, runnerClock)
	publisher := progress.NewPublisher(256)

	jobRunner := runner.NewRunner(runner.Config{
		Quota:       quotaTracker,
		Capability:  options.provider,
		Executor:    options.executor,
		Progress:    publisher,
		History:     historyStore,
		ActivityLog: activityLog,
		Clock:       runnerClock,
		Policy:      options.policy,
	})
	return &testHarness{
		runner:  jobRunner,
		quota:   quotaTracker,
		history: historyStore,
		log:     activityLog,
		publish: publisher,
		clock:   mockClock,
	}
}

func submitRequest(t *testing.T, harness *testHarness, request runner.Request) string {
	t.Helper()
	jobID, err := harness.runner.Submit(request)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	return jobID
}

func waitForTerminal(t *testing.T, harness *testHarness, jobID string) runner.Record {
	t.Helper()
	deadline := time.Now().Add(terminalWaitBudget)
	for time.Now().Before(deadline) {
		record, err := harness.runner.Status(jobID)
		if err != nil {
			t.Fatalf("job %s disappeared before reaching a terminal state", jobID)
		}
		if record.Status.Terminal() {
			return record
		}
		time.Sleep(terminalPollDelay)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return runner.Record{}
}

func defaultRequest(count int) runner.Request {
	return runner.Request{
		Identity:       testIdentity,
		Credential:     testCredential,
		Target:         testTarget,
		RequestedCount: count,
	}
}

func TestAllSuccessfulJobCompletes(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{outcome: alwaysSucceed}
	harness := newHarness(harnessOptions{executor: executor})

	jobID := submitRequest(t, harness, defaultRequest(5))
	record := waitForTerminal(t, harness, jobID)

	if record.Status != runner.StatusCompleted {
		t.Fatalf("expected completed, got %q (%s)", record.Status, record.LastError)
	}
	if record.SuccessCount != 5 || record.CurrentIndex != 5 || record.FailureCount != 0 {
		t.Fatalf("unexpected counts: %+v", record)
	}
	if record.SuccessCount+record.FailureCount != record.CurrentIndex {
		t.Fatalf("count invariant violated: %+v", record)
	}

	snapshot := harness.quota.SnapshotFor(testIdentity)
	if snapshot.UsedToday != 5 {
		t.Fatalf("expected 5 committed against quota, got %d", snapshot.UsedToday)
	}
	if snapshot.SuccessLifetime != 5 {
		t.Fatalf("expected 5 lifetime successes, got %d", snapshot.SuccessLifetime)
	}
}

func TestNonConsecutiveFailuresDoNotAbort(t *testing.T) {
	t.Parallel()

	// Calls 1,2,4,5 succeed; call 3 fails non-terminally. Threshold 3 is
	// never reached because the failures are not consecutive.
	executor := &sequencedExecutor{outcome: func(callIndex int) action.Outcome {
		if callIndex == 2 {
			return action.Outcome{ErrorKind: action.KindTransientNetwork, ErrorMessage: "transient"}
		}
		return action.Outcome{Success: true}
	}}
	harness := newHarness(harnessOptions{executor: executor, policy: runner.Policy{ConsecutiveFailureThreshold: 3}})

	jobID := submitRequest(t, harness, defaultRequest(5))
	record := waitForTerminal(t, harness, jobID)

	if record.Status != runner.StatusCompleted {
		t.Fatalf("expected completed, got %q", record.Status)
	}
	if record.SuccessCount != 4 || record.FailureCount != 1 || record.CurrentIndex != 5 {
		t.Fatalf("expected {4,1,5}, got %+v", record)
	}
}

func TestConsecutiveFailuresAbortAtThreshold(t *testing.T) {
	t.Parallel()

	// Call 1 succeeds; calls 2,3,4 fail non-terminally with threshold 3.
	executor := &sequencedExecutor{outcome: func(callIndex int) action.Outcome {
		if callIndex == 0 {
			return action.Outcome{Success: true}
		}
		return action.Outcome{ErrorKind: action.KindUnknown, ErrorMessage: "flaky"}
	}}
	harness := newHarness(harnessOptions{executor: executor, policy: runner.Policy{ConsecutiveFailureThreshold: 3}})

	jobID := submitRequest(t, harness, defaultRequest(5))
	record := waitForTerminal(t, harness, jobID)

	if record.Status != runner.StatusFailed {
		t.Fatalf("expected failed, got %q", record.Status)
	}
	if record.SuccessCount != 1 || record.FailureCount != 3 || record.CurrentIndex != 4 {
		t.Fatalf("expected {1,3,4}, got %+v", record)
	}
	if executor.callCount() != 4 {
		t.Fatalf("expected 4 actions performed, got %d", executor.callCount())
	}
}

func TestOnlyNonTerminalFailuresEndAfterThreshold(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{outcome: func(int) action.Outcome {
		return action.Outcome{ErrorKind: action.KindTransientNetwork, ErrorMessage: "down"}
	}}
	harness := newHarness(harnessOptions{executor: executor, policy: runner.Policy{ConsecutiveFailureThreshold: 3}})

	jobID := submitRequest(t, harness, defaultRequest(10))
	record := waitForTerminal(t, harness, jobID)

	if record.Status != runner.StatusFailed {
		t.Fatalf("expected failed, got %q", record.Status)
	}
	if record.FailureCount != 3 || executor.callCount() != 3 {
		t.Fatalf("expected exactly threshold failures, got count=%d calls=%d", record.FailureCount, executor.callCount())
	}
}

func TestTerminalFailureAbortsImmediately(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{outcome: func(int) action.Outcome {
		return action.Outcome{ErrorKind: action.KindAuthExpired, ErrorMessage: "capability expired"}
	}}
	harness := newHarness(harnessOptions{executor: executor, policy: runner.Policy{ConsecutiveFailureThreshold: 5}})

	jobID := submitRequest(t, harness, defaultRequest(10))
	record := waitForTerminal(t, harness, jobID)

	if record.Status != runner.StatusFailed {
		t.Fatalf("expected failed, got %q", record.Status)
	}
	if executor.callCount() != 1 || record.FailureCount != 1 {
		t.Fatalf("expected a single action before aborting, got calls=%d count=%d", executor.callCount(), record.FailureCount)
	}
	if record.LastError != "capability expired" {
		t.Fatalf("expected terminal reason preserved, got %q", record.LastError)
	}
}

func TestCapabilityFailureEndsJobWithoutActions(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{outcome: alwaysSucceed}
	failingProvider := capability.ProviderFunc(func(context.Context, string) (string, error) {
		return "", errors.New("boom")
	})
	harness := newHarness(harnessOptions{executor: executor, provider: failingProvider})

	jobID := submitRequest(t, harness, defaultRequest(5))
	record := waitForTerminal(t, harness, jobID)

	if record.Status != runner.StatusFailed {
		t.Fatalf("expected failed, got %q", record.Status)
	}
	if executor.callCount() != 0 {
		t.Fatalf("expected no actions attempted, got %d", executor.callCount())
	}
	if record.LastError != "capability acquisition failed" {
		t.Fatalf("unexpected reason %q", record.LastError)
	}
	// Reserved quota is never committed for a job that cannot start.
	if snapshot := harness.quota.SnapshotFor(testIdentity); snapshot.UsedToday != 0 {
		t.Fatalf("expected no quota committed, got %d", snapshot.UsedToday)
	}
	if harness.history.SessionCount(testIdentity) != 1 {
		t.Fatalf("expected one history entry, got %d", harness.history.SessionCount(testIdentity))
	}
}

func TestEmptyCapabilityTokenIsFailure(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{outcome: alwaysSucceed}
	emptyProvider := capability.ProviderFunc(func(context.Context, string) (string, error) {
		return "   ", nil
	})
	harness := newHarness(harnessOptions{executor: executor, provider: emptyProvider})

	jobID := submitRequest(t, harness, defaultRequest(3))
	record := waitForTerminal(t, harness, jobID)

	if record.Status != runner.StatusFailed || executor.callCount() != 0 {
		t.Fatalf("expected failure without actions, got %+v calls=%d", record, executor.callCount())
	}
}

func TestStopPreventsFurtherActions(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{
		outcome:  alwaysSucceed,
		released: make(chan struct{}),
		gate:     make(chan struct{}),
	}
	harness := newHarness(harnessOptions{executor: executor})

	jobID := submitRequest(t, harness, defaultRequest(10))

	// Allow two actions to start and finish, then request a stop while the
	// third is in flight; it completes, and no fourth action starts.
	for actionIndex := 0; actionIndex < 2; actionIndex++ {
		<-executor.released
		executor.gate <- struct{}{}
	}
	<-executor.released
	if err := harness.runner.Stop(jobID); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	executor.gate <- struct{}{}

	record := waitForTerminal(t, harness, jobID)
	if record.Status != runner.StatusStopped {
		t.Fatalf("expected stopped, got %q", record.Status)
	}
	if record.CurrentIndex >= record.Total {
		t.Fatalf("expected partial progress, got %d/%d", record.CurrentIndex, record.Total)
	}
	if executor.callCount() != 3 {
		t.Fatalf("expected the in-flight action to finish and no more, got %d calls", executor.callCount())
	}
	if record.SuccessCount+record.FailureCount != record.CurrentIndex {
		t.Fatalf("count invariant violated: %+v", record)
	}
}

func TestStopUnknownJob(t *testing.T) {
	t.Parallel()

	harness := newHarness(harnessOptions{executor: &sequencedExecutor{outcome: alwaysSucceed}})
	if err := harness.runner.Stop("missing"); !errors.Is(err, runner.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	harness := newHarness(harnessOptions{
		executor: &sequencedExecutor{outcome: alwaysSucceed},
		policy:   runner.Policy{HardCeiling: 50},
	})

	testCases := []struct {
		name        string
		request     runner.Request
		expectedErr error
	}{
		{name: "empty target", request: runner.Request{Identity: testIdentity, Credential: testCredential, RequestedCount: 5}, expectedErr: runner.ErrEmptyTarget},
		{name: "zero count", request: defaultRequest(0), expectedErr: runner.ErrCountOutOfRange},
		{name: "negative count", request: defaultRequest(-2), expectedErr: runner.ErrCountOutOfRange},
		{name: "count above hard ceiling", request: defaultRequest(51), expectedErr: runner.ErrCountOutOfRange},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := harness.runner.Submit(testCase.request); !errors.Is(err, testCase.expectedErr) {
				t.Fatalf("expected %v, got %v", testCase.expectedErr, err)
			}
		})
	}
}

func TestSubmitQuotaDenied(t *testing.T) {
	t.Parallel()

	harness := newHarness(harnessOptions{
		executor: &sequencedExecutor{outcome: alwaysSucceed},
		limits:   quota.Limits{MaxPerRequest: 50, MaxPerHour: 3, MaxPerDay: 100},
	})

	_, err := harness.runner.Submit(defaultRequest(5))
	var denied *runner.QuotaDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected quota denial, got %v", err)
	}
	if denied.Reason != quota.DenyHourlyLimit {
		t.Fatalf("expected hourly denial, got %q", denied.Reason)
	}
	if harness.runner.LiveJobCount() != 0 {
		t.Fatal("denied submission must not create a job")
	}
}

func TestUnboundedJobUsesConfiguredCeiling(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{outcome: alwaysSucceed}
	harness := newHarness(harnessOptions{
		executor: executor,
		policy:   runner.Policy{UnboundedCeiling: 7},
	})

	request := defaultRequest(0)
	request.Unbounded = true
	jobID := submitRequest(t, harness, request)
	record := waitForTerminal(t, harness, jobID)

	if record.Status != runner.StatusCompleted || record.Total != 7 || record.SuccessCount != 7 {
		t.Fatalf("expected 7 actions under the ceiling, got %+v", record)
	}
}

func TestUnboundedJobAdmittedUnderDefaultPolicyAndLimits(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{outcome: alwaysSucceed}
	harness := newHarness(harnessOptions{executor: executor})

	request := defaultRequest(0)
	request.Unbounded = true
	jobID, submitErr := harness.runner.Submit(request)
	if submitErr != nil {
		t.Fatalf("expected an unbounded submission to be admitted with defaults, got %v", submitErr)
	}

	ceiling := harness.runner.Policy().UnboundedCeiling
	if perRequest := harness.quota.Limits().MaxPerRequest; ceiling > perRequest {
		t.Fatalf("default ceiling %d exceeds the default per-request limit %d", ceiling, perRequest)
	}

	record := waitForTerminal(t, harness, jobID)
	if record.Status != runner.StatusCompleted || record.Total != ceiling || record.SuccessCount != ceiling {
		t.Fatalf("expected %d actions under the default ceiling, got %+v", ceiling, record)
	}
}

func TestBatchedModeCompletes(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{outcome: alwaysSucceed}
	harness := newHarness(harnessOptions{executor: executor})

	request := defaultRequest(7)
	request.BatchSize = 3
	jobID := submitRequest(t, harness, request)
	record := waitForTerminal(t, harness, jobID)

	if record.Status != runner.StatusCompleted || record.SuccessCount != 7 || record.CurrentIndex != 7 {
		t.Fatalf("expected batched completion, got %+v", record)
	}
}

func TestBatchedModeTerminalFailureSettlesBatchFirst(t *testing.T) {
	t.Parallel()

	// One terminal failure inside the first batch of three: the batch
	// settles, then the job fails without issuing the next batch.
	executor := &sequencedExecutor{outcome: func(callIndex int) action.Outcome {
		if callIndex == 1 {
			return action.Outcome{ErrorKind: action.KindPermissionDenied, ErrorMessage: "denied"}
		}
		return action.Outcome{Success: true}
	}}
	harness := newHarness(harnessOptions{executor: executor})

	request := defaultRequest(9)
	request.BatchSize = 3
	jobID := submitRequest(t, harness, request)
	record := waitForTerminal(t, harness, jobID)

	if record.Status != runner.StatusFailed {
		t.Fatalf("expected failed, got %q", record.Status)
	}
	if record.CurrentIndex != 3 || executor.callCount() != 3 {
		t.Fatalf("expected exactly one settled batch, got index=%d calls=%d", record.CurrentIndex, executor.callCount())
	}
	if record.SuccessCount != 2 || record.FailureCount != 1 {
		t.Fatalf("expected {2,1}, got %+v", record)
	}
}

func TestProgressEventsArriveInOrderAndTerminate(t *testing.T) {
	t.Parallel()

	subscribed := make(chan struct{})
	gatedProvider := capability.ProviderFunc(func(context.Context, string) (string, error) {
		<-subscribed
		return testToken, nil
	})
	executor := &sequencedExecutor{outcome: alwaysSucceed}
	harness := newHarness(harnessOptions{executor: executor, provider: gatedProvider})

	jobID := submitRequest(t, harness, defaultRequest(4))
	events, cancel := harness.publish.Subscribe(jobID)
	defer cancel()
	close(subscribed)

	var observedKinds []progress.EventKind
	lastIndex := 0
	for event := range events {
		observedKinds = append(observedKinds, event.Kind)
		if event.CurrentIndex < lastIndex {
			t.Fatalf("progress went backwards: %d after %d", event.CurrentIndex, lastIndex)
		}
		lastIndex = event.CurrentIndex
	}

	if len(observedKinds) == 0 {
		t.Fatal("expected progress events")
	}
	if observedKinds[0] != progress.EventStarted {
		t.Fatalf("expected started first, got %q", observedKinds[0])
	}
	if finalKind := observedKinds[len(observedKinds)-1]; finalKind != progress.EventCompleted {
		t.Fatalf("expected completed last, got %q", finalKind)
	}
	if lastIndex != 4 {
		t.Fatalf("expected final index 4, got %d", lastIndex)
	}
}

func TestTerminalRecordEvictedAfterRetention(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{outcome: alwaysSucceed}
	harness := newHarness(harnessOptions{
		executor: executor,
		policy:   runner.Policy{RetentionDelay: time.Minute},
		useMock:  true,
	})

	jobID := submitRequest(t, harness, defaultRequest(2))
	record := waitForTerminal(t, harness, jobID)
	if record.Status != runner.StatusCompleted {
		t.Fatalf("expected completed, got %q", record.Status)
	}

	// Still queryable inside the retention window.
	if _, err := harness.runner.Status(jobID); err != nil {
		t.Fatalf("expected record retained, got %v", err)
	}

	harness.clock.Add(2 * time.Minute)

	if _, err := harness.runner.Status(jobID); !errors.Is(err, runner.ErrNotFound) {
		t.Fatalf("expected eviction after retention, got %v", err)
	}
	if harness.log.JobCount() != 0 {
		t.Fatal("expected activity log removed on eviction")
	}
	// History survives eviction.
	if harness.history.SessionCount(testIdentity) != 1 {
		t.Fatalf("expected history retained, got %d", harness.history.SessionCount(testIdentity))
	}
}

func TestForgetIdentityRefusesWhileActive(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{
		outcome:  alwaysSucceed,
		released: make(chan struct{}),
		gate:     make(chan struct{}),
	}
	harness := newHarness(harnessOptions{executor: executor})

	jobID := submitRequest(t, harness, defaultRequest(3))
	<-executor.released

	if err := harness.runner.ForgetIdentity(testIdentity); !errors.Is(err, runner.ErrJobsStillActive) {
		t.Fatalf("expected refusal while active, got %v", err)
	}

	_ = harness.runner.Stop(jobID)
	executor.gate <- struct{}{}
	waitForTerminal(t, harness, jobID)

	if err := harness.runner.ForgetIdentity(testIdentity); err != nil {
		t.Fatalf("expected forget to succeed after terminal, got %v", err)
	}
	if harness.runner.LiveJobCount() != 0 {
		t.Fatalf("expected no live records, got %d", harness.runner.LiveJobCount())
	}
}

func TestActiveJobsListsOnlyNonTerminal(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{
		outcome:  alwaysSucceed,
		released: make(chan struct{}),
		gate:     make(chan struct{}),
	}
	harness := newHarness(harnessOptions{executor: executor})

	jobID := submitRequest(t, harness, defaultRequest(2))
	<-executor.released

	active := harness.runner.ActiveJobs(testIdentity)
	if len(active) != 1 || active[0].JobID != jobID {
		t.Fatalf("expected one active job %s, got %+v", jobID, active)
	}
	if others := harness.runner.ActiveJobs(identity.Key("someone-else")); len(others) != 0 {
		t.Fatalf("expected no active jobs for another identity, got %d", len(others))
	}

	executor.gate <- struct{}{}
	<-executor.released
	executor.gate <- struct{}{}
	record := waitForTerminal(t, harness, jobID)
	if record.Status != runner.StatusCompleted {
		t.Fatalf("expected completed, got %q", record.Status)
	}
	if stillActive := harness.runner.ActiveJobs(testIdentity); len(stillActive) != 0 {
		t.Fatalf("expected no active jobs after completion, got %d", len(stillActive))
	}
}

func TestHistoryEntryMatchesTerminalRecord(t *testing.T) {
	t.Parallel()

	executor := &sequencedExecutor{outcome: func(callIndex int) action.Outcome {
		if callIndex%2 == 1 {
			return action.Outcome{ErrorKind: action.KindUnknown, ErrorMessage: fmt.Sprintf("failure %d", callIndex)}
		}
		return action.Outcome{Success: true}
	}}
	harness := newHarness(harnessOptions{executor: executor, policy: runner.Policy{ConsecutiveFailureThreshold: 5}})

	jobID := submitRequest(t, harness, defaultRequest(4))
	record := waitForTerminal(t, harness, jobID)

	entries := harness.history.List(testIdentity, 1)
	if len(entries) != 1 {
		t.Fatalf("expected one history entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.JobID != jobID || entry.Status != string(record.Status) {
		t.Fatalf("history entry does not match record: %+v vs %+v", entry, record)
	}
	if entry.SuccessCount != record.SuccessCount || entry.FailureCount != record.FailureCount {
		t.Fatalf("history counts do not match record: %+v vs %+v", entry, record)
	}
}
