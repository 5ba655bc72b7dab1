// Package progress fans job progress events out to subscribers.
//
// The engine publishes ticks as it moves bytes; API handlers subscribe to
// stream them to clients. Delivery is at-most-once per tick: a subscriber
// whose buffer is full simply misses that tick and catches up on the next
// one. Nothing a subscriber does can stall the engine.
package progress

import (
	"sync"

	"github.com/patchpanel/remotefs/pkg/jobs"
)

// Event is one progress tick or terminal notification for a job.
type Event struct {
	JobID    string        `json:"jobId"`
	Status   jobs.Status   `json:"status"`
	Progress jobs.Progress `json:"progress"`
	Error    string        `json:"error,omitempty"`
}

// Terminal reports whether this is the job's final event.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 16

type subscriber struct {
	ch     chan Event
	closed bool
}

// Publisher routes events to per-job subscriber sets.
//
// Thread Safety: safe for concurrent use.
type Publisher struct {
	mu      sync.Mutex
	subs    map[string]map[int]*subscriber // jobID -> subscriber set
	nextID  int
	bufSize int
	closed  bool
}

// New creates a publisher. bufferSize <= 0 selects DefaultBufferSize.
func New(bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Publisher{
		subs:    make(map[string]map[int]*subscriber),
		bufSize: bufferSize,
	}
}

// Subscribe registers interest in one job's events. The returned channel
// is closed when the job reaches a terminal state, when the cancel
// function is called, or when the publisher shuts down. The cancel
// function is idempotent and must be called when the caller stops
// listening.
func (p *Publisher) Subscribe(jobID string) (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, p.bufSize)}
	if p.closed {
		sub.closed = true
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := p.nextID
	p.nextID++

	set, ok := p.subs[jobID]
	if !ok {
		set = make(map[int]*subscriber)
		p.subs[jobID] = set
	}
	set[id] = sub

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.removeLocked(jobID, id)
	}
	return sub.ch, cancel
}

// removeLocked detaches and closes one subscriber. Caller holds p.mu.
func (p *Publisher) removeLocked(jobID string, id int) {
	set, ok := p.subs[jobID]
	if !ok {
		return
	}
	sub, ok := set[id]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(p.subs, jobID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish delivers an event to every subscriber of its job. Full buffers
// drop the tick. A terminal event is delivered (best effort) and then
// closes every subscription for the job.
func (p *Publisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	set := p.subs[e.JobID]
	for _, sub := range set {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Subscriber is behind; it misses this tick.
		}
	}

	if e.Terminal() {
		for id := range set {
			p.removeLocked(e.JobID, id)
		}
	}
}

// SubscriberCount reports the number of active subscribers for a job.
func (p *Publisher) SubscriberCount(jobID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[jobID])
}

// Close shuts the publisher down and closes every subscription.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for jobID, set := range p.subs {
		for id := range set {
			p.removeLocked(jobID, id)
		}
	}
}
