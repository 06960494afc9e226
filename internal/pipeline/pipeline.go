package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nav9/multi-recorder/internal/capture"
	"github.com/nav9/multi-recorder/internal/types"
)

// EventType identifies pipeline notifications to the session controller.
type EventType string

const (
	// EventSegment reports a closed segment.
	EventSegment EventType = "segment"
	// EventGap reports frames lost to queue overrun.
	EventGap EventType = "gap"
	// EventFailed reports a pipeline that stopped on an unrecoverable error.
	EventFailed EventType = "failed"
	// EventStopped acknowledges a clean shutdown, final segment closed.
	EventStopped EventType = "stopped"
)

// Event is one pipeline notification. Segment, Gap and Err are set according
// to Type.
type Event struct {
	Type     EventType
	SourceID string
	Segment  *types.Segment
	Gap      *types.Gap
	Err      error
}

// Options tunes one pipeline.
type Options struct {
	// SegmentLength is the target duration per segment file.
	SegmentLength time.Duration

	// QueueDepth bounds the frame queue between capture and encode.
	QueueDepth int

	// DropTolerance is the number of consecutive video frame drops absorbed
	// silently before an overrun gap is recorded. Ignored for audio, which
	// never drops.
	DropTolerance int
}

func (o *Options) defaults() {
	if o.SegmentLength <= 0 {
		o.SegmentLength = 60 * time.Second
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 32
	}
	if o.DropTolerance <= 0 {
		o.DropTolerance = 8
	}
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	FramesIn      uint64
	FramesDropped uint64
	BytesWritten  int64
}

// Pipeline moves frames from one started capture source through an encoder
// into segment files. Backpressure policy is per media kind: video drops the
// oldest queued frame when the queue is full, audio blocks the producer so
// samples are never lost silently.
//
// Encoder faults are retried once with a fresh encoder; a second fault fails
// the pipeline. Failure is isolated: the controller decides what happens to
// the session, sibling pipelines keep running.
type Pipeline struct {
	log     *slog.Logger
	src     capture.Source
	media   types.MediaKind
	factory Factory
	writer  *SegmentWriter
	opts    Options
	events  chan<- Event

	enc    Encoder
	format types.AcceptedFormat

	queue    chan types.Frame
	paused   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	framesIn      atomic.Uint64
	framesDropped atomic.Uint64
	bytesWritten  atomic.Int64

	mu      sync.Mutex
	failure error
}

// New creates a pipeline for an already started source. Events flow to the
// controller through events; the channel must be drained for the lifetime of
// the pipeline.
func New(log *slog.Logger, src capture.Source, factory Factory, writer *SegmentWriter, opts Options, events chan<- Event) *Pipeline {
	opts.defaults()
	return &Pipeline{
		log:     log.With("source_id", src.ID()),
		src:     src,
		media:   src.Kind().Media(),
		factory: factory,
		writer:  writer,
		opts:    opts,
		events:  events,
		queue:   make(chan types.Frame, opts.QueueDepth),
		stopCh:  make(chan struct{}),
	}
}

// Start creates the encoder and launches the capture and encode loops.
// Encoder construction failure is fatal to this pipeline and reported to the
// caller, not through the event channel.
func (p *Pipeline) Start(ctx context.Context, format types.AcceptedFormat) error {
	enc, err := p.factory(p.media, format)
	if err != nil {
		return types.NewSourceError(p.src.ID(), types.ErrorEncode,
			fmt.Errorf("encoder init failed: %w", err))
	}
	p.enc = enc
	p.format = format

	readCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.readLoop(readCtx)
	go p.encodeLoop()
	return nil
}

// Pause makes the pipeline discard incoming frames without closing the open
// segment. The controller records the timeline gap.
func (p *Pipeline) Pause() { p.paused.Store(true) }

// Resume re-enables encoding after Pause.
func (p *Pipeline) Resume() { p.paused.Store(false) }

// Stop initiates a clean shutdown: capture ends, queued frames are encoded,
// the encoder is flushed and the final segment closed, then EventStopped is
// emitted. Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.cancel != nil {
			p.cancel()
		}
		if err := p.src.Stop(); err != nil {
			p.log.Warn("capture stop failed", "error", err)
		}
	})
}

// Wait blocks until both loops have exited.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesIn:      p.framesIn.Load(),
		FramesDropped: p.framesDropped.Load(),
		BytesWritten:  p.bytesWritten.Load(),
	}
}

// readLoop pulls frames from the source into the bounded queue until the
// stream ends, the pipeline stops, or capture fails repeatedly.
func (p *Pipeline) readLoop(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.queue)

	const maxConsecutiveReadFaults = 3

	var (
		faults   int
		dropRun  int
		gapStart time.Duration
		gapEnd   time.Duration
	)

	// A drop run normally surfaces as a gap on the next successful enqueue.
	// When the stream ends mid-run the gap must still be recorded.
	defer func() {
		if dropRun > p.opts.DropTolerance {
			p.emit(Event{
				Type:     EventGap,
				SourceID: p.src.ID(),
				Gap:      &types.Gap{Start: gapStart, End: gapEnd, Reason: "overrun"},
			})
		}
	}()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		frame, err := p.src.Read(ctx)
		if err != nil {
			if errors.Is(err, types.ErrEndOfStream) {
				p.log.Info("source ended stream")
				return
			}
			select {
			case <-p.stopCh:
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}

			faults++
			p.log.Warn("capture read fault", "error", err, "consecutive", faults)
			if faults >= maxConsecutiveReadFaults {
				p.setFailure(types.NewSourceError(p.src.ID(), types.ErrorCapture,
					fmt.Errorf("%d consecutive read faults, last: %w", faults, err)))
				return
			}
			continue
		}
		faults = 0
		p.framesIn.Add(1)

		if p.media == types.MediaAudio {
			// Audio blocks rather than drops.
			select {
			case p.queue <- frame:
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case p.queue <- frame:
			if dropRun > p.opts.DropTolerance {
				p.emit(Event{
					Type:     EventGap,
					SourceID: p.src.ID(),
					Gap:      &types.Gap{Start: gapStart, End: frame.PTS, Reason: "overrun"},
				})
			}
			dropRun = 0
		default:
			// Queue full: evict the oldest frame to make room.
			select {
			case old := <-p.queue:
				if dropRun == 0 {
					gapStart = old.PTS
				}
				dropRun++
				gapEnd = frame.PTS
				p.framesDropped.Add(1)
			default:
			}
			select {
			case p.queue <- frame:
			default:
				if dropRun == 0 {
					gapStart = frame.PTS
				}
				dropRun++
				gapEnd = frame.PTS
				p.framesDropped.Add(1)
			}
		}
	}
}

// encodeLoop drains the queue through the encoder into segment files.
func (p *Pipeline) encodeLoop() {
	defer p.wg.Done()

	var lastPTS time.Duration

	for frame := range p.queue {
		lastPTS = frame.PTS
		if p.paused.Load() {
			continue
		}

		if !p.writer.Opened() {
			if err := p.writer.Open(frame.PTS); err != nil {
				p.failAndClose(err, lastPTS)
				return
			}
		}

		out, err := p.enc.Encode(frame)
		if err != nil {
			out, err = p.replaceEncoder(frame, err)
			if err != nil {
				p.failAndClose(err, lastPTS)
				return
			}
		}
		if len(out) > 0 {
			if err := p.write(out); err != nil {
				p.failAndClose(err, lastPTS)
				return
			}
		}

		if frame.PTS-p.writer.SegmentStart() >= p.opts.SegmentLength {
			if err := p.rollSegment(frame.PTS); err != nil {
				p.failAndClose(err, lastPTS)
				return
			}
		}
	}

	// Queue closed: either a clean stop or a capture failure upstream.
	if ferr := p.getFailure(); ferr != nil {
		p.failAndClose(ferr, lastPTS)
		return
	}

	if out, err := p.enc.Flush(); err == nil && len(out) > 0 {
		if werr := p.write(out); werr != nil {
			p.failAndClose(werr, lastPTS)
			return
		}
	}
	p.enc.Close()

	seg, err := p.writer.Close(lastPTS, false)
	if err != nil {
		p.emit(Event{Type: EventFailed, SourceID: p.src.ID(), Err: err})
		return
	}
	if seg != nil {
		p.emit(Event{Type: EventSegment, SourceID: p.src.ID(), Segment: seg})
	}
	p.emit(Event{Type: EventStopped, SourceID: p.src.ID()})
	p.log.Info("pipeline stopped",
		"frames", p.framesIn.Load(),
		"dropped", p.framesDropped.Load(),
		"bytes", p.bytesWritten.Load(),
	)
}

// replaceEncoder handles one mid-stream encoder fault: the faulty encoder is
// discarded, a fresh one built, and the frame retried exactly once. Frames
// buffered inside the faulty encoder are lost.
func (p *Pipeline) replaceEncoder(frame types.Frame, cause error) ([]byte, error) {
	p.log.Warn("encoder fault, replacing encoder", "error", cause)
	p.enc.Close()

	enc, err := p.factory(p.media, p.format)
	if err != nil {
		return nil, types.NewSourceError(p.src.ID(), types.ErrorEncode,
			fmt.Errorf("encoder replacement failed: %w", err))
	}
	p.enc = enc

	out, err := p.enc.Encode(frame)
	if err != nil {
		return nil, types.NewSourceError(p.src.ID(), types.ErrorEncode,
			fmt.Errorf("encode failed after encoder replacement: %w", err))
	}
	return out, nil
}

// rollSegment flushes the encoder and closes the segment at a boundary, so
// no byte encoded for this segment lands in the next file.
func (p *Pipeline) rollSegment(end time.Duration) error {
	out, err := p.enc.Flush()
	if err != nil {
		return types.NewSourceError(p.src.ID(), types.ErrorEncode,
			fmt.Errorf("flush at segment boundary failed: %w", err))
	}
	if len(out) > 0 {
		if err := p.write(out); err != nil {
			return err
		}
	}

	seg, err := p.writer.Roll(end)
	if err != nil {
		return err
	}
	p.emit(Event{Type: EventSegment, SourceID: p.src.ID(), Segment: &seg})
	p.log.Debug("segment closed",
		"index", seg.Index,
		"duration", seg.Duration(),
		"bytes", seg.Bytes,
	)
	return nil
}

func (p *Pipeline) write(data []byte) error {
	if err := p.writer.Write(data); err != nil {
		return err
	}
	p.bytesWritten.Add(int64(len(data)))
	return nil
}

// failAndClose finalizes after an unrecoverable error. The open segment is
// closed and marked truncated so its partial tail stays inspectable.
func (p *Pipeline) failAndClose(cause error, end time.Duration) {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.cancel != nil {
			p.cancel()
		}
		p.src.Stop()
	})
	p.enc.Close()

	if seg, err := p.writer.Close(end, true); err == nil && seg != nil {
		p.emit(Event{Type: EventSegment, SourceID: p.src.ID(), Segment: seg})
	}

	p.log.Error("pipeline failed", "error", cause)
	p.emit(Event{Type: EventFailed, SourceID: p.src.ID(), Err: cause})
}

func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-time.After(5 * time.Second):
		p.log.Error("event channel stalled, dropping event", "type", string(ev.Type))
	}
}

func (p *Pipeline) setFailure(err error) {
	p.mu.Lock()
	if p.failure == nil {
		p.failure = err
	}
	p.mu.Unlock()
}

func (p *Pipeline) getFailure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}
