// Package history retains bounded per-identity logs of completed jobs.
package history

import (
	"sync"
	"time"

	"github.com/pace-run/pacerun/internal/identity"
)

const defaultEntryCap = 20

// Entry is an immutable snapshot of one terminal job.
type Entry struct {
	JobID        string        `json:"job_id"`
	Target       string        `json:"target"`
	Status       string        `json:"status"`
	Total        int           `json:"total"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
	Duration     time.Duration `json:"duration_ns"`
	LastError    string        `json:"last_error,omitempty"`
}

// Store holds completed-job entries per identity, evicting the oldest entry
// once an identity's list exceeds the cap.
type Store struct {
	entryCap int

	mutex   sync.RWMutex
	entries map[identity.Key][]Entry
}

// NewStore constructs a Store. A non-positive cap uses the default.
func NewStore(entryCap int) *Store {
	if entryCap <= 0 {
		entryCap = defaultEntryCap
	}
	return &Store{
		entryCap: entryCap,
		entries:  make(map[identity.Key][]Entry),
	}
}

// Append records a terminal job snapshot for the identity in completion
// order.
func (store *Store) Append(key identity.Key, entry Entry) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	identityEntries := append(store.entries[key], entry)
	if len(identityEntries) > store.entryCap {
		identityEntries = identityEntries[len(identityEntries)-store.entryCap:]
	}
	store.entries[key] = identityEntries
}

// List returns up to limit entries for the identity, most recent first. A
// non-positive limit returns every retained entry.
func (store *Store) List(key identity.Key, limit int) []Entry {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	identityEntries := store.entries[key]
	count := len(identityEntries)
	if limit > 0 && limit < count {
		count = limit
	}

	listed := make([]Entry, 0, count)
	for index := len(identityEntries) - 1; index >= 0 && len(listed) < count; index-- {
		listed = append(listed, identityEntries[index])
	}
	return listed
}

// SessionCount reports how many entries the identity currently retains.
func (store *Store) SessionCount(key identity.Key) int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return len(store.entries[key])
}

// Clear discards the identity's entries.
func (store *Store) Clear(key identity.Key) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, key)
}
