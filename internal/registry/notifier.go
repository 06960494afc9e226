package registry

import (
	"context"
	"errors"
	"time"

	"github.com/nav9/multi-recorder/internal/types"
)

// DeviceKey is the stable physical identity of a device as reported by the
// OS layer (e.g. a udev path or an API device id). The registry maps each
// key to exactly one source id for the process lifetime.
type DeviceKey string

// DeviceInfo is what the OS notification layer knows about a device.
type DeviceInfo struct {
	Key        DeviceKey
	Kind       types.SourceKind
	Name       string
	Capability types.Capability

	// Device is the OS-level address the capture backend opens.
	Device string
}

// EventType distinguishes connect from disconnect notifications.
type EventType string

const (
	DeviceAdded   EventType = "added"
	DeviceRemoved EventType = "removed"
)

// DeviceEvent is one hotplug notification.
type DeviceEvent struct {
	Type   EventType
	Device DeviceInfo
}

// Notifier is the external OS-notification collaborator. The registry only
// consumes its event stream; driver-level hotplug mechanics stay outside the
// core. A notifier signals its own failure by closing the events channel;
// the registry then degrades rather than discarding known sources.
type Notifier interface {
	// Events returns the hotplug event stream. The channel is closed when
	// the notifier can no longer observe the system (permissions revoked,
	// driver crash).
	Events() <-chan DeviceEvent
}

// PollNotifier adapts an Enumerator into a Notifier for platforms without a
// native hotplug API: it re-enumerates on an interval and emits the diff
// against the previous snapshot. Repeated enumeration failure closes the
// event stream, which the registry treats as notifier failure.
type PollNotifier struct {
	enum     Enumerator
	interval time.Duration
	events   chan DeviceEvent
}

// NewPollNotifier creates a polling notifier. interval <= 0 defaults to 5s.
func NewPollNotifier(e Enumerator, interval time.Duration) *PollNotifier {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollNotifier{
		enum:     e,
		interval: interval,
		events:   make(chan DeviceEvent, 16),
	}
}

// Events implements Notifier.
func (p *PollNotifier) Events() <-chan DeviceEvent { return p.events }

// Start launches the polling goroutine. It runs until the context is
// cancelled or enumeration keeps failing.
func (p *PollNotifier) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *PollNotifier) run(ctx context.Context) {
	const maxConsecutiveFailures = 3

	seen := make(map[DeviceKey]DeviceInfo)
	if devices, err := p.enum.Enumerate(ctx); err == nil {
		for _, d := range devices {
			seen[d.Key] = d
		}
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices, err := p.enum.Enumerate(ctx)
			if err != nil {
				failures++
				if failures >= maxConsecutiveFailures {
					close(p.events)
					return
				}
				continue
			}
			failures = 0

			current := make(map[DeviceKey]DeviceInfo, len(devices))
			for _, d := range devices {
				current[d.Key] = d
				if _, ok := seen[d.Key]; !ok {
					p.send(ctx, DeviceEvent{Type: DeviceAdded, Device: d})
				}
			}
			for key, d := range seen {
				if _, ok := current[key]; !ok {
					p.send(ctx, DeviceEvent{Type: DeviceRemoved, Device: d})
				}
			}
			seen = current
		}
	}
}

func (p *PollNotifier) send(ctx context.Context, ev DeviceEvent) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}

// ErrEndOfEnumeration is the explicit end signal a probing enumerator
// returns when the next index has no device. It is normal control flow, not
// an error to log.
var ErrEndOfEnumeration = errors.New("end of enumeration")

// Enumerator produces the point-in-time device set at startup. Platforms
// with a single enumerate-capable API implement this directly; ProbeEnumerator
// is the documented fallback for APIs that only support indexed open attempts.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
}

// ProbeFunc opens the device at index i and describes it, or returns
// ErrEndOfEnumeration when the index is past the last device.
type ProbeFunc func(ctx context.Context, index int) (DeviceInfo, error)

// ProbeEnumerator enumerates by sequential probing. It exists only as a
// fallback where no enumerate-capable API is available; the end-of-range
// condition is the ErrEndOfEnumeration signal, never an expected failure
// that leaks into logs.
type ProbeEnumerator struct {
	Probe    ProbeFunc
	MaxProbe int // hard bound on probe attempts (default 10)
}

// Enumerate implements Enumerator.
func (p *ProbeEnumerator) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	max := p.MaxProbe
	if max <= 0 {
		max = 10
	}

	var devices []DeviceInfo
	for i := 0; i < max; i++ {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		info, err := p.Probe(ctx, i)
		if errors.Is(err, ErrEndOfEnumeration) {
			break
		}
		if err != nil {
			// A device can be present but busy; report it, keep probing.
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}
