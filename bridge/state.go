package bridge

import (
	"sync"
	"time"
)

// ProcessingState is the bridge lifecycle as seen by subscribers.
//
// idle -> initializing -> ready -> processing -> {completed|error} -> ready
// (automatic, after a fixed delay) -> idle (explicit dispose only).
type ProcessingState string

const (
	StateIdle         ProcessingState = "idle"
	StateInitializing ProcessingState = "initializing"
	StateReady        ProcessingState = "ready"
	StateProcessing   ProcessingState = "processing"
	StateCompleted    ProcessingState = "completed"
	StateError        ProcessingState = "error"
)

// Snapshot is one broadcast lifecycle observation.
type Snapshot struct {
	Progress float64
	Message  string
	State    ProcessingState
}

// DefaultReadyDelay is how long completed and error snapshots linger before
// the publisher returns to ready.
const DefaultReadyDelay = 2 * time.Second

// StatePublisher broadcasts lifecycle snapshots to any number of
// subscribers. Slow subscribers drop intermediate snapshots rather than
// block the publisher.
type StatePublisher struct {
	mu   sync.Mutex
	subs map[int]chan Snapshot
	next int
	last Snapshot

	readyDelay time.Duration
}

// PublisherOption configures a StatePublisher.
type PublisherOption func(*StatePublisher)

// WithReadyDelay overrides the delay before a terminal snapshot returns to
// ready.
func WithReadyDelay(d time.Duration) PublisherOption {
	return func(p *StatePublisher) {
		p.readyDelay = d
	}
}

func NewStatePublisher(opts ...PublisherOption) *StatePublisher {
	p := &StatePublisher{
		subs:       make(map[int]chan Snapshot),
		last:       Snapshot{State: StateIdle},
		readyDelay: DefaultReadyDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers a snapshot channel. The returned cancel function
// unregisters and closes it.
func (p *StatePublisher) Subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.next
	p.next++
	ch := make(chan Snapshot, 8)
	p.subs[id] = ch

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Current returns the most recent snapshot.
func (p *StatePublisher) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *StatePublisher) publish(state ProcessingState, progress float64, message string) {
	s := Snapshot{State: state, Progress: progress, Message: message}

	p.mu.Lock()
	p.last = s
	for _, ch := range p.subs {
		select {
		case ch <- s:
		default:
		}
	}
	p.mu.Unlock()

	// Terminal states return to ready after a fixed delay. This is a UX
	// convenience, not a correctness guarantee, and it is not cancellable:
	// the ready snapshot fires even if the bridge has moved on.
	if state == StateCompleted || state == StateError {
		time.AfterFunc(p.readyDelay, func() {
			p.publish(StateReady, 1, "ready")
		})
	}
}
