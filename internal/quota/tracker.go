// Package quota enforces per-identity admission limits over sliding hour and
// day windows and accumulates lifetime outcome counters.
package quota

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pace-run/pacerun/internal/identity"
)

const (
	defaultMaxPerRequest = 50
	defaultMaxPerHour    = 200
	defaultMaxPerDay     = 1000
	hourWindowLength     = time.Hour
	dayWindowLength      = 24 * time.Hour
)

// DenyReason identifies the first violated admission rule.
type DenyReason string

// Deny reasons, in the order rules are evaluated.
const (
	DenyNone        DenyReason = ""
	DenyPerRequest  DenyReason = "max actions per request exceeded"
	DenyHourlyLimit DenyReason = "hourly limit reached"
	DenyDailyLimit  DenyReason = "daily limit reached"
)

// Limits configures the admission policy. Zero values fall back to defaults.
type Limits struct {
	MaxPerRequest int
	MaxPerHour    int
	MaxPerDay     int
}

func (limits Limits) withDefaults() Limits {
	if limits.MaxPerRequest <= 0 {
		limits.MaxPerRequest = defaultMaxPerRequest
	}
	if limits.MaxPerHour <= 0 {
		limits.MaxPerHour = defaultMaxPerHour
	}
	if limits.MaxPerDay <= 0 {
		limits.MaxPerDay = defaultMaxPerDay
	}
	return limits
}

// Decision reports the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

// Snapshot is a read-only copy of one identity's quota state.
type Snapshot struct {
	UsedThisHour    int
	UsedToday       int
	RemainingHour   int
	RemainingToday  int
	MaxPerRequest   int
	MaxPerHour      int
	MaxPerDay       int
	TotalLifetime   int
	SuccessLifetime int
	FailureLifetime int
}

type record struct {
	mutex           sync.Mutex
	countThisHour   int
	countToday      int
	totalLifetime   int
	successLifetime int
	failureLifetime int
	hourWindowStart time.Time
	dayWindowStart  time.Time
}

// Tracker owns all per-identity quota records. Records are created lazily and
// mutated only under their own lock; the tracker-level lock guards the map.
type Tracker struct {
	limits Limits
	clock  clock.Clock

	mutex   sync.RWMutex
	records map[identity.Key]*record
}

// NewTracker constructs a Tracker with the supplied policy. A nil clock uses
// wall time.
func NewTracker(limits Limits, trackerClock clock.Clock) *Tracker {
	if trackerClock == nil {
		trackerClock = clock.New()
	}
	return &Tracker{
		limits:  limits.withDefaults(),
		clock:   trackerClock,
		records: make(map[identity.Key]*record),
	}
}

// Limits returns the configured admission policy.
func (tracker *Tracker) Limits() Limits {
	return tracker.limits
}

// CheckAndReserve evaluates whether requestedCount actions may be admitted for
// the identity. It does not mutate counters beyond window resets; Commit
// applies the reservation once the job actually starts.
func (tracker *Tracker) CheckAndReserve(key identity.Key, requestedCount int) Decision {
	quotaRecord := tracker.recordFor(key)
	quotaRecord.mutex.Lock()
	defer quotaRecord.mutex.Unlock()

	tracker.rollWindowsLocked(quotaRecord)

	if requestedCount > tracker.limits.MaxPerRequest {
		return Decision{Reason: DenyPerRequest}
	}
	if quotaRecord.countThisHour+requestedCount > tracker.limits.MaxPerHour {
		return Decision{Reason: DenyHourlyLimit}
	}
	if quotaRecord.countToday+requestedCount > tracker.limits.MaxPerDay {
		return Decision{Reason: DenyDailyLimit}
	}
	return Decision{Allowed: true}
}

// Commit applies an admitted reservation to the window and lifetime counters.
func (tracker *Tracker) Commit(key identity.Key, requestedCount int) {
	if requestedCount <= 0 {
		return
	}
	quotaRecord := tracker.recordFor(key)
	quotaRecord.mutex.Lock()
	defer quotaRecord.mutex.Unlock()

	tracker.rollWindowsLocked(quotaRecord)
	quotaRecord.countThisHour += requestedCount
	quotaRecord.countToday += requestedCount
	quotaRecord.totalLifetime += requestedCount
}

// RecordOutcome updates the lifetime success or failure counter for one
// completed action.
func (tracker *Tracker) RecordOutcome(key identity.Key, success bool) {
	quotaRecord := tracker.recordFor(key)
	quotaRecord.mutex.Lock()
	defer quotaRecord.mutex.Unlock()

	if success {
		quotaRecord.successLifetime++
		return
	}
	quotaRecord.failureLifetime++
}

// SnapshotFor returns a copy of the identity's current quota state, rolling
// windows forward first so remaining capacity is accurate.
func (tracker *Tracker) SnapshotFor(key identity.Key) Snapshot {
	quotaRecord := tracker.recordFor(key)
	quotaRecord.mutex.Lock()
	defer quotaRecord.mutex.Unlock()

	tracker.rollWindowsLocked(quotaRecord)
	return Snapshot{
		UsedThisHour:    quotaRecord.countThisHour,
		UsedToday:       quotaRecord.countToday,
		RemainingHour:   tracker.limits.MaxPerHour - quotaRecord.countThisHour,
		RemainingToday:  tracker.limits.MaxPerDay - quotaRecord.countToday,
		MaxPerRequest:   tracker.limits.MaxPerRequest,
		MaxPerHour:      tracker.limits.MaxPerHour,
		MaxPerDay:       tracker.limits.MaxPerDay,
		TotalLifetime:   quotaRecord.totalLifetime,
		SuccessLifetime: quotaRecord.successLifetime,
		FailureLifetime: quotaRecord.failureLifetime,
	}
}

// Forget removes the identity's quota record entirely.
func (tracker *Tracker) Forget(key identity.Key) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	delete(tracker.records, key)
}

// TrackedIdentityCount reports how many identities currently hold records.
func (tracker *Tracker) TrackedIdentityCount() int {
	tracker.mutex.RLock()
	defer tracker.mutex.RUnlock()
	return len(tracker.records)
}

func (tracker *Tracker) recordFor(key identity.Key) *record {
	tracker.mutex.RLock()
	existing, exists := tracker.records[key]
	tracker.mutex.RUnlock()
	if exists {
		return existing
	}

	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if existing, exists = tracker.records[key]; exists {
		return existing
	}
	now := tracker.clock.Now()
	created := &record{hourWindowStart: now, dayWindowStart: now}
	tracker.records[key] = created
	return created
}

// rollWindowsLocked zeroes a window counter once its period has fully
// elapsed. Each window resets independently and at most once per period.
func (tracker *Tracker) rollWindowsLocked(quotaRecord *record) {
	now := tracker.clock.Now()
	if now.Sub(quotaRecord.hourWindowStart) >= hourWindowLength {
		quotaRecord.countThisHour = 0
		quotaRecord.hourWindowStart = now
	}
	if now.Sub(quotaRecord.dayWindowStart) >= dayWindowLength {
		quotaRecord.countToday = 0
		quotaRecord.dayWindowStart = now
	}
}
