// Package runlog keeps a bounded in-memory activity log per job.
package runlog

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	defaultEntryCap = 100
	defaultTailSize = 20
)

// Level labels a log entry.
type Level string

// Entry levels, mirroring the lifecycle steps a job reports.
const (
	LevelInfo       Level = "info"
	LevelStart      Level = "start"
	LevelProcessing Level = "processing"
	LevelSuccess    Level = "success"
	LevelError      Level = "error"
	LevelComplete   Level = "complete"
)

// Entry is one recorded activity line.
type Entry struct {
	At      time.Time `json:"at"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// Log stores bounded per-job entry lists. When a job's list exceeds the cap
// the oldest entry is discarded.
type Log struct {
	entryCap int
	clock    clock.Clock

	mutex   sync.RWMutex
	entries map[string][]Entry
}

// NewLog constructs a Log. A non-positive cap uses the default; a nil clock
// uses the wall clock.
func NewLog(entryCap int, logClock clock.Clock) *Log {
	if entryCap <= 0 {
		entryCap = defaultEntryCap
	}
	if logClock == nil {
		logClock = clock.New()
	}
	return &Log{
		entryCap: entryCap,
		clock:    logClock,
		entries:  make(map[string][]Entry),
	}
}

// Append records one entry for the job.
func (log *Log) Append(jobID string, level Level, message string) {
	log.mutex.Lock()
	defer log.mutex.Unlock()

	jobEntries := append(log.entries[jobID], Entry{At: log.clock.Now().UTC(), Level: level, Message: message})
	if len(jobEntries) > log.entryCap {
		jobEntries = jobEntries[len(jobEntries)-log.entryCap:]
	}
	log.entries[jobID] = jobEntries
}

// Tail returns up to limit of the job's most recent entries in append order.
// A non-positive limit uses the default tail size.
func (log *Log) Tail(jobID string, limit int) []Entry {
	if limit <= 0 {
		limit = defaultTailSize
	}

	log.mutex.RLock()
	defer log.mutex.RUnlock()

	jobEntries := log.entries[jobID]
	if len(jobEntries) > limit {
		jobEntries = jobEntries[len(jobEntries)-limit:]
	}
	copied := make([]Entry, len(jobEntries))
	copy(copied, jobEntries)
	return copied
}

// EntryCount reports how many entries the job currently holds.
func (log *Log) EntryCount(jobID string) int {
	log.mutex.RLock()
	defer log.mutex.RUnlock()
	return len(log.entries[jobID])
}

// Remove discards the job's entries.
func (log *Log) Remove(jobID string) {
	log.mutex.Lock()
	defer log.mutex.Unlock()
	delete(log.entries, jobID)
}

// JobCount reports how many jobs currently hold entries.
func (log *Log) JobCount() int {
	log.mutex.RLock()
	defer log.mutex.RUnlock()
	return len(log.entries)
}
