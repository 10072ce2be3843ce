package runner

import "sync"

// jobTable is the runner's live-job map. Records stay queryable until evicted
// after their retention delay.
type jobTable struct {
	mutex  sync.RWMutex
	states map[string]*jobState
}

func (table *jobTable) put(jobID string, state *jobState) {
	table.mutex.Lock()
	defer table.mutex.Unlock()
	if table.states == nil {
		table.states = make(map[string]*jobState)
	}
	table.states[jobID] = state
}

func (table *jobTable) get(jobID string) (*jobState, bool) {
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	state, exists := table.states[jobID]
	return state, exists
}

func (table *jobTable) remove(jobID string) {
	table.mutex.Lock()
	defer table.mutex.Unlock()
	delete(table.states, jobID)
}

func (table *jobTable) snapshots(keep func(Record) bool) []Record {
	table.mutex.RLock()
	states := make([]*jobState, 0, len(table.states))
	for _, state := range table.states {
		states = append(states, state)
	}
	table.mutex.RUnlock()

	records := make([]Record, 0, len(states))
	for _, state := range states {
		record := state.snapshot()
		if keep(record) {
			records = append(records, record)
		}
	}
	return records
}
