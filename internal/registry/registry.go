// Package registry maintains the live set of capturable sources and a stable
// source-id space on top of an external hotplug notifier.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nav9/multi-recorder/internal/types"
)

// SourceEvent is delivered to registry subscribers on add/remove.
type SourceEvent struct {
	Type   EventType
	Source types.Source
}

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrRegistryClosed is returned after Close.
	ErrRegistryClosed = errors.New("registry is closed")
)

// subscriber owns an ordered queue so delivery is at-least-once and in
// arrival order without letting one slow consumer stall the dispatch of
// events to the others.
type subscriber struct {
	ch     chan SourceEvent
	queue  []SourceEvent
	mu     sync.Mutex
	wake   chan struct{}
	closed chan struct{}
}

func (s *subscriber) push(ev SourceEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.closed:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.closed:
			return
		}
	}
}

// Registry maintains known sources. A source id, once issued, is never
// reassigned to a different physical device within the process lifetime, so
// a paused session can never silently resume on the wrong camera.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sources  map[string]*types.Source // by source id
	byKey    map[DeviceKey]string     // device key -> issued source id
	subs     map[string]*subscriber
	degraded bool
	closed   bool

	wg sync.WaitGroup
}

// New creates an empty registry.
func New(log *slog.Logger) *Registry {
	return &Registry{
		log:     log,
		sources: make(map[string]*types.Source),
		byKey:   make(map[DeviceKey]string),
		subs:    make(map[string]*subscriber),
	}
}

// Bootstrap seeds the registry from a point-in-time enumeration.
func (r *Registry) Bootstrap(ctx context.Context, enums ...Enumerator) error {
	for _, e := range enums {
		devices, err := e.Enumerate(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			r.observeAdd(d)
		}
	}
	return nil
}

// Run consumes the notifier's event stream until the context is cancelled or
// the notifier fails. Notifier failure flips the registry into degraded
// state: previously known sources stay visible with Live=false so in-flight
// sessions detect the loss explicitly instead of crashing on a missing id.
func (r *Registry) Run(ctx context.Context, n Notifier) {
	events := n.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				r.markDegraded()
				return
			}
			switch ev.Type {
			case DeviceAdded:
				r.observeAdd(ev.Device)
			case DeviceRemoved:
				r.observeRemove(ev.Device.Key)
			}
		}
	}
}

// List returns a point-in-time snapshot of all known sources, live and lost,
// ordered by kind then name for stable presentation.
func (r *Registry) List() []types.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns the source with the given id.
func (r *Registry) Get(id string) (types.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sources[id]
	if !ok {
		return types.Source{}, types.ErrSourceNotFound
	}
	return *s, nil
}

// Subscribe registers ch for add/remove events. Delivery is asynchronous,
// at-least-once, and in arrival order; a subscriber that stops draining only
// delays its own queue.
func (r *Registry) Subscribe(id string, ch chan SourceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.subs[id]; exists {
		return ErrSubscriberExists
	}

	sub := &subscriber{
		ch:     ch,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	r.subs[id] = sub
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sub.drain()
	}()
	return nil
}

// Unsubscribe removes a subscriber and stops its delivery goroutine.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[id]; ok {
		close(sub.closed)
		delete(r.subs, id)
	}
}

// Degraded reports whether the notifier has failed. Known sources remain
// listed in degraded state, with liveness frozen at its last known value.
func (r *Registry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Close stops all subscriber delivery.
func (r *Registry) Close() {
	r.mu.Lock()
	for id, sub := range r.subs {
		close(sub.closed)
		delete(r.subs, id)
	}
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) observeAdd(d DeviceInfo) {
	r.mu.Lock()

	id, known := r.byKey[d.Key]
	var src *types.Source
	if known {
		// Same physical device returning: same id, liveness restored.
		src = r.sources[id]
		src.Live = true
		src.Name = d.Name
		src.Capability = d.Capability
		src.Device = d.Device
	} else {
		id = uuid.New().String()
		src = &types.Source{
			ID:         id,
			Kind:       d.Kind,
			Name:       d.Name,
			Capability: d.Capability,
			Live:       true,
			Device:     d.Device,
		}
		r.byKey[d.Key] = id
		r.sources[id] = src
	}
	ev := SourceEvent{Type: DeviceAdded, Source: *src}
	r.dispatchLocked(ev)
	r.mu.Unlock()

	r.log.Info("source available",
		"source_id", id,
		"kind", string(d.Kind),
		"name", d.Name,
		"rediscovered", known,
	)
}

func (r *Registry) observeRemove(key DeviceKey) {
	r.mu.Lock()
	id, ok := r.byKey[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	src := r.sources[id]
	src.Live = false
	ev := SourceEvent{Type: DeviceRemoved, Source: *src}
	r.dispatchLocked(ev)
	r.mu.Unlock()

	r.log.Warn("source lost",
		"source_id", id,
		"kind", string(src.Kind),
		"name", src.Name,
	)
}

func (r *Registry) markDegraded() {
	r.mu.Lock()
	r.degraded = true
	known := len(r.sources)
	r.mu.Unlock()

	r.log.Error("device notifier failed, registry degraded",
		"known_sources", known,
	)
}

// dispatchLocked appends the event to every subscriber queue.
// Caller must hold r.mu.
func (r *Registry) dispatchLocked(ev SourceEvent) {
	for _, sub := range r.subs {
		sub.push(ev)
	}
}
