package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nav9/multi-recorder/internal/types"
)

// PushAdapter turns a push-style producer (audio callbacks firing from a
// device thread) into the pull Read contract every pipeline expects. The
// producer calls Deliver from its callback; Read drains the bounded queue.
//
// Audio must never be dropped silently, so Deliver blocks the producer when
// the queue is full instead of discarding.
type PushAdapter struct {
	id   string
	kind types.SourceKind
	clk  *types.Clock

	queue  chan types.Frame
	stopCh chan struct{}
	eosCh  chan struct{}

	mu        sync.Mutex
	seq       uint64
	isRunning bool
	eos       bool
}

// NewPushAdapter creates an adapter with the given queue depth.
func NewPushAdapter(id string, kind types.SourceKind, clk *types.Clock, depth int) *PushAdapter {
	if depth <= 0 {
		depth = 16
	}
	return &PushAdapter{
		id:     id,
		kind:   kind,
		clk:    clk,
		queue:  make(chan types.Frame, depth),
		stopCh: make(chan struct{}),
		eosCh:  make(chan struct{}),
	}
}

func (a *PushAdapter) ID() string             { return a.id }
func (a *PushAdapter) Kind() types.SourceKind { return a.kind }

// Start marks the adapter live. The format is accepted as requested; real
// backends negotiate before constructing the adapter.
func (a *PushAdapter) Start(ctx context.Context, req types.FormatRequest) (types.AcceptedFormat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isRunning {
		return types.AcceptedFormat{}, ErrAlreadyStarted
	}
	a.isRunning = true
	return types.AcceptedFormat{
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
	}, nil
}

// Deliver places one sample block on the queue, stamping sequence and PTS.
// It blocks while the queue is full and returns false after Stop/EndStream.
func (a *PushAdapter) Deliver(data []byte) bool {
	a.mu.Lock()
	if !a.isRunning || a.eos {
		a.mu.Unlock()
		return false
	}
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	frame := types.Frame{
		SourceID: a.id,
		Seq:      seq,
		PTS:      a.clk.Now(),
		Media:    a.kind.Media(),
		Data:     data,
		TraceID:  uuid.New().String(),
	}

	select {
	case a.queue <- frame:
		return true
	case <-a.eosCh:
		return false
	case <-a.stopCh:
		return false
	}
}

// EndStream signals clean termination; queued frames still drain, then Read
// reports ErrEndOfStream. The queue itself is never closed, so a producer
// blocked in Deliver is released with a refusal instead of a send panic.
func (a *PushAdapter) EndStream() {
	a.mu.Lock()
	if !a.eos {
		a.eos = true
		close(a.eosCh)
	}
	a.mu.Unlock()
}

// Read implements Source. The bounded wait comes from the caller's context;
// an expired wait surfaces as a timeout error, never an indefinite hang.
func (a *PushAdapter) Read(ctx context.Context) (types.Frame, error) {
	a.mu.Lock()
	running := a.isRunning || a.eos
	a.mu.Unlock()
	if !running {
		return types.Frame{}, ErrNotStarted
	}

	// Queued frames drain first, even after EndStream.
	select {
	case frame := <-a.queue:
		return frame, nil
	default:
	}

	select {
	case <-ctx.Done():
		return types.Frame{}, types.NewSourceError(a.id, types.ErrorTimeout,
			fmt.Errorf("waiting for sample: %w", ctx.Err()))
	case frame := <-a.queue:
		return frame, nil
	case <-a.eosCh:
		select {
		case frame := <-a.queue:
			return frame, nil
		default:
			return types.Frame{}, types.ErrEndOfStream
		}
	}
}

// Stop releases any blocked producer and marks the adapter stopped.
func (a *PushAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isRunning {
		return nil
	}
	a.isRunning = false
	close(a.stopCh)
	return nil
}

// SyntheticAudio drives a PushAdapter from a ticker, emulating a microphone
// callback cadence: one block of samples per interval.
type SyntheticAudio struct {
	*PushAdapter

	blockMS int
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewSyntheticAudio creates a synthetic microphone source delivering sample
// blocks of blockMS milliseconds.
func NewSyntheticAudio(id string, clk *types.Clock, blockMS int) *SyntheticAudio {
	if blockMS <= 0 {
		blockMS = 20
	}
	return &SyntheticAudio{
		PushAdapter: NewPushAdapter(id, types.KindMicrophone, clk, 16),
		blockMS:     blockMS,
	}
}

// Start begins sample delivery.
func (s *SyntheticAudio) Start(ctx context.Context, req types.FormatRequest) (types.AcceptedFormat, error) {
	if req.SampleRate <= 0 {
		req.SampleRate = 48000
	}
	if req.Channels <= 0 {
		req.Channels = 2
	}

	format, err := s.PushAdapter.Start(ctx, req)
	if err != nil {
		return types.AcceptedFormat{}, err
	}

	// Block size in bytes for 16-bit samples.
	blockBytes := req.SampleRate * req.Channels * 2 * s.blockMS / 1000

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Duration(s.blockMS) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if !s.Deliver(make([]byte, blockBytes)) {
					return
				}
			}
		}
	}()

	return format, nil
}

// Stop halts delivery and releases the producer goroutine.
func (s *SyntheticAudio) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.PushAdapter.Stop()
	s.wg.Wait()
	return err
}
