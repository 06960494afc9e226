package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nav9/multi-recorder/internal/types"
)

// SyntheticVideo generates video frames at a target rate. It backs the
// synthetic capture backend and every pipeline test: same contract as a real
// grabber, no device required.
type SyntheticVideo struct {
	id    string
	kind  types.SourceKind
	clk   *types.Clock
	width int
	height int
	fps   float64

	// MaxFrames ends the stream cleanly after N frames when > 0,
	// simulating a captured window closing.
	MaxFrames uint64
	// FailAt makes Read return a transient capture error at that sequence
	// number when > 0. Used to exercise pipeline retry paths.
	FailAt uint64

	framesCh chan types.Frame
	stopCh   chan struct{}
	closeCh  chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	seq       uint64
	isRunning bool
	failed    map[uint64]bool
}

// NewSyntheticVideo creates a synthetic monitor/window/webcam source.
func NewSyntheticVideo(id string, kind types.SourceKind, clk *types.Clock) *SyntheticVideo {
	return &SyntheticVideo{
		id:      id,
		kind:    kind,
		clk:     clk,
		stopCh:  make(chan struct{}),
		closeCh: make(chan struct{}),
		failed:  make(map[uint64]bool),
	}
}

func (s *SyntheticVideo) ID() string             { return s.id }
func (s *SyntheticVideo) Kind() types.SourceKind { return s.kind }

// Start begins frame generation at the requested rate.
func (s *SyntheticVideo) Start(ctx context.Context, req types.FormatRequest) (types.AcceptedFormat, error) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return types.AcceptedFormat{}, ErrAlreadyStarted
	}

	s.width = req.Width
	s.height = req.Height
	s.fps = req.FPS
	if s.width <= 0 || s.height <= 0 {
		s.width, s.height = 640, 360
	}
	if s.fps <= 0 {
		s.fps = 30
	}
	if s.fps > 240 {
		s.mu.Unlock()
		return types.AcceptedFormat{}, types.NewSourceError(s.id, types.ErrorFormat,
			fmt.Errorf("unsupported frame rate %.1f", req.FPS))
	}

	s.framesCh = make(chan types.Frame, 4)
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.generate()

	slog.Debug("synthetic video started",
		"source_id", s.id,
		"resolution", fmt.Sprintf("%dx%d", s.width, s.height),
		"fps", s.fps,
	)

	return types.AcceptedFormat{Width: s.width, Height: s.height, FPS: s.fps}, nil
}

// Read returns the next frame, ErrEndOfStream on clean termination, or a
// capture error at a configured failure point.
func (s *SyntheticVideo) Read(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	ch := s.framesCh
	s.mu.Unlock()
	if ch == nil {
		return types.Frame{}, ErrNotStarted
	}

	select {
	case <-ctx.Done():
		return types.Frame{}, types.NewSourceError(s.id, types.ErrorTimeout, ctx.Err())
	case frame, ok := <-ch:
		if !ok {
			return types.Frame{}, types.ErrEndOfStream
		}
		if s.FailAt > 0 && frame.Seq == s.FailAt && s.markFailOnce(frame.Seq) {
			return types.Frame{}, types.NewSourceError(s.id, types.ErrorCapture,
				fmt.Errorf("simulated read fault at seq %d", frame.Seq))
		}
		return frame, nil
	}
}

// CloseStream simulates the captured window closing mid-session: generation
// ends and Read drains to ErrEndOfStream.
func (s *SyntheticVideo) CloseStream() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
}

// Stop halts generation. Idempotent.
func (s *SyntheticVideo) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *SyntheticVideo) markFailOnce(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed[seq] {
		return false
	}
	s.failed[seq] = true
	return true
}

func (s *SyntheticVideo) generate() {
	defer s.wg.Done()
	defer close(s.framesCh)

	interval := time.Duration(float64(time.Second) / s.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Tiny deterministic payload; the pipeline treats it as opaque bytes.
	payload := make([]byte, 64)

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.seq++
			seq := s.seq
			if s.MaxFrames > 0 && seq > s.MaxFrames {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()

			data := make([]byte, len(payload))
			copy(data, payload)
			data[0] = byte(seq)

			frame := types.Frame{
				SourceID: s.id,
				Seq:      seq,
				PTS:      s.clk.Now(),
				Media:    types.MediaVideo,
				Data:     data,
				TraceID:  uuid.New().String(),
			}

			select {
			case s.framesCh <- frame:
			case <-s.stopCh:
				return
			case <-s.closeCh:
				return
			}
		}
	}
}
