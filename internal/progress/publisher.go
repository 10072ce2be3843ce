// Package progress fans job progress events out to in-process subscribers.
//
// Delivery is best-effort: a slow subscriber never blocks the publishing job.
// When a subscriber's buffer is full the oldest buffered event is dropped to
// make room for the newest.
package progress

import (
	"sync"
	"time"
)

const defaultSubscriberBuffer = 64

// EventKind labels a progress event.
type EventKind string

// Event kinds published over a job's lifetime. Completed and Aborted are
// terminal; each subscriber's channel closes after one is delivered.
const (
	EventStarted         EventKind = "started"
	EventTick            EventKind = "tick"
	EventActionSucceeded EventKind = "action_succeeded"
	EventActionFailed    EventKind = "action_failed"
	EventCompleted       EventKind = "completed"
	EventAborted         EventKind = "aborted"
)

// Terminal reports whether the kind ends the event stream.
func (kind EventKind) Terminal() bool {
	return kind == EventCompleted || kind == EventAborted
}

// Event is one progress observation for a job.
type Event struct {
	JobID        string    `json:"job_id"`
	Kind         EventKind `json:"kind"`
	At           time.Time `json:"at"`
	CurrentIndex int       `json:"current_index"`
	Total        int       `json:"total"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	Message      string    `json:"message,omitempty"`
}

type subscriber struct {
	events chan Event
	closed bool
}

type jobStream struct {
	subscribers map[*subscriber]struct{}
	terminated  bool
}

// Publisher routes events to the subscribers of each job.
type Publisher struct {
	bufferSize int

	mutex   sync.Mutex
	streams map[string]*jobStream
}

// NewPublisher constructs a Publisher. A non-positive bufferSize uses the
// default per-subscriber buffer.
func NewPublisher(bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Publisher{
		bufferSize: bufferSize,
		streams:    make(map[string]*jobStream),
	}
}

// Subscribe registers for every event published to the job from now on. The
// returned cancel function detaches the subscriber and closes its channel; it
// is safe to call more than once. Subscribing to an already-terminated job
// yields an immediately closed channel.
func (publisher *Publisher) Subscribe(jobID string) (<-chan Event, func()) {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()

	stream, exists := publisher.streams[jobID]
	if !exists {
		stream = &jobStream{subscribers: make(map[*subscriber]struct{})}
		publisher.streams[jobID] = stream
	}

	newSubscriber := &subscriber{events: make(chan Event, publisher.bufferSize)}
	if stream.terminated {
		close(newSubscriber.events)
		newSubscriber.closed = true
		return newSubscriber.events, func() {}
	}
	stream.subscribers[newSubscriber] = struct{}{}

	cancel := func() {
		publisher.mutex.Lock()
		defer publisher.mutex.Unlock()
		if _, stillPresent := stream.subscribers[newSubscriber]; !stillPresent {
			return
		}
		delete(stream.subscribers, newSubscriber)
		if !newSubscriber.closed {
			close(newSubscriber.events)
			newSubscriber.closed = true
		}
	}
	return newSubscriber.events, cancel
}

// Publish delivers the event to every current subscriber of the job without
// blocking. A terminal event closes all subscriber channels.
func (publisher *Publisher) Publish(event Event) {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()

	stream, exists := publisher.streams[event.JobID]
	if !exists {
		// A terminal event still marks the job terminated so a subscriber
		// arriving later gets an immediately closed channel instead of a
		// silent stream.
		if event.Kind.Terminal() {
			publisher.streams[event.JobID] = &jobStream{
				subscribers: make(map[*subscriber]struct{}),
				terminated:  true,
			}
		}
		return
	}
	if stream.terminated {
		return
	}

	for currentSubscriber := range stream.subscribers {
		deliverDroppingOldest(currentSubscriber.events, event)
	}

	if event.Kind.Terminal() {
		for currentSubscriber := range stream.subscribers {
			if !currentSubscriber.closed {
				close(currentSubscriber.events)
				currentSubscriber.closed = true
			}
		}
		stream.subscribers = make(map[*subscriber]struct{})
		stream.terminated = true
	}
}

// CloseJob tears down the job's stream, closing any remaining subscriber
// channels. Called when the live job record is evicted.
func (publisher *Publisher) CloseJob(jobID string) {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()

	stream, exists := publisher.streams[jobID]
	if exists {
		for currentSubscriber := range stream.subscribers {
			if !currentSubscriber.closed {
				close(currentSubscriber.events)
				currentSubscriber.closed = true
			}
		}
		delete(publisher.streams, jobID)
	}
}

// deliverDroppingOldest enqueues the event, evicting the oldest buffered
// event when the channel is full. Progress is advisory; dropping is preferred
// to blocking the job.
func deliverDroppingOldest(events chan Event, event Event) {
	for {
		select {
		case events <- event:
			return
		default:
		}
		select {
		case <-events:
		default:
		}
	}
}
