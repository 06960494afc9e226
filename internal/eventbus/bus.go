// Package eventbus provides non-blocking fan-out of session status events to
// multiple observers (MQTT emitter, metrics, logs, tests).
//
// Publish never blocks: an observer whose channel is full has the event
// dropped and counted against it, so a stalled external consumer can never
// stall the recording pipelines. Observers that need every event size their
// channel accordingly and drain promptly.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nav9/multi-recorder/internal/types"
)

// EventKind identifies what happened.
type EventKind string

const (
	EventStateChanged  EventKind = "state_changed"
	EventSourceLive    EventKind = "source_live"
	EventSourceLost    EventKind = "source_lost"
	EventSegmentClosed EventKind = "segment_closed"
	EventPipelineError EventKind = "pipeline_error"
	EventGapRecorded   EventKind = "gap_recorded"
)

// Event is one status observation. Exactly one of the optional fields is set
// depending on Kind.
type Event struct {
	Kind      EventKind            `json:"kind"`
	Timestamp time.Time            `json:"timestamp"`
	SessionID string               `json:"session_id,omitempty"`
	SourceID  string               `json:"source_id,omitempty"`
	State     types.RecordingState `json:"state,omitempty"`
	Segment   *types.Segment       `json:"segment,omitempty"`
	Gap       *types.Gap           `json:"gap,omitempty"`
	ErrorKind types.ErrorKind      `json:"error_kind,omitempty"`
	Error     string               `json:"error,omitempty"`
	// Halts reports whether the failure stops the pipeline/session or the
	// recording continues without the failed source.
	Halts bool `json:"halts,omitempty"`
}

var (
	// ErrObserverExists is returned when Subscribe is called with a duplicate id.
	ErrObserverExists = errors.New("observer id already exists")

	// ErrObserverNotFound is returned when Unsubscribe is called with unknown id.
	ErrObserverNotFound = errors.New("observer id not found")

	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("bus is closed")

	errNilChannel = errors.New("observer channel cannot be nil")
)

// ObserverStats tracks delivery metrics for a single observer.
type ObserverStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats contains global and per-observer metrics.
type Stats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Observers      map[string]ObserverStats
}

type observerCounters struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus fans events out to observers. All methods are safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	observers map[string]chan<- Event
	counters  map[string]*observerCounters
	closed    bool

	totalPublished atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		observers: make(map[string]chan<- Event),
		counters:  make(map[string]*observerCounters),
	}
}

// Subscribe registers a channel to receive events.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	if ch == nil {
		return errNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.observers[id]; exists {
		return ErrObserverExists
	}

	b.observers[id] = ch
	b.counters[id] = &observerCounters{}
	return nil
}

// Unsubscribe removes an observer by id.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.observers[id]; !exists {
		return ErrObserverNotFound
	}

	delete(b.observers, id)
	delete(b.counters, id)
	return nil
}

// Publish sends the event to every observer without blocking. Events for
// observers with full channels are dropped and counted. Publishing on a
// closed bus is a no-op so late pipeline goroutines cannot panic during
// shutdown.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.totalPublished.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for id, ch := range b.observers {
		select {
		case ch <- ev:
			b.counters[id].sent.Add(1)
		default:
			b.counters[id].dropped.Add(1)
		}
	}
}

// Stats returns a snapshot of delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := Stats{
		TotalPublished: b.totalPublished.Load(),
		Observers:      make(map[string]ObserverStats),
	}

	for id, c := range b.counters {
		sent := c.sent.Load()
		dropped := c.dropped.Load()
		result.TotalSent += sent
		result.TotalDropped += dropped
		result.Observers[id] = ObserverStats{Sent: sent, Dropped: dropped}
	}

	return result
}

// Close stops the bus. Close does NOT close observer channels; each observer
// owns its channel lifecycle. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
