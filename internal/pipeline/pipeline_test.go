package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nav9/multi-recorder/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// scriptedSource replays a fixed frame list, then blocks until Stop.
type scriptedSource struct {
	id     string
	kind   types.SourceKind
	frames []types.Frame

	mu     sync.Mutex
	pos    int
	stopCh chan struct{}
}

func newScriptedSource(id string, n int, step time.Duration) *scriptedSource {
	s := &scriptedSource{
		id:     id,
		kind:   types.KindMonitor,
		stopCh: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		s.frames = append(s.frames, types.Frame{
			SourceID: id,
			Seq:      uint64(i + 1),
			PTS:      time.Duration(i) * step,
			Media:    types.MediaVideo,
			Data:     []byte{1, 2, 3, 4, 5, 6, 7, 8},
		})
	}
	return s
}

func (s *scriptedSource) ID() string             { return s.id }
func (s *scriptedSource) Kind() types.SourceKind { return s.kind }

func (s *scriptedSource) Start(ctx context.Context, req types.FormatRequest) (types.AcceptedFormat, error) {
	return types.AcceptedFormat{Width: 640, Height: 360, FPS: 30}, nil
}

func (s *scriptedSource) Read(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	if s.pos < len(s.frames) {
		f := s.frames[s.pos]
		s.pos++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	select {
	case <-s.stopCh:
		return types.Frame{}, types.ErrEndOfStream
	case <-ctx.Done():
		return types.Frame{}, types.ErrEndOfStream
	}
}

func (s *scriptedSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	return nil
}

// collect drains pipeline events until a terminal one arrives.
func collect(t *testing.T, events chan Event) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
			if ev.Type == EventStopped || ev.Type == EventFailed {
				return out
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timeout waiting for terminal event, got %d events", len(out))
		}
	}
}

func segmentsOf(events []Event) []types.Segment {
	var segs []types.Segment
	for _, ev := range events {
		if ev.Type == EventSegment {
			segs = append(segs, *ev.Segment)
		}
	}
	return segs
}

const recordSize = chunkHeaderSize + 8 // test frames carry 8-byte payloads

// TestSegmentRollover verifies timed rollover and that every encoded byte
// lands in the segment it belongs to.
func TestSegmentRollover(t *testing.T) {
	dir := t.TempDir()
	src := newScriptedSource("cam", 100, 100*time.Millisecond)
	events := make(chan Event, 256)

	writer := NewSegmentWriter(dir, "cam", "cam", types.EncoderParams{Codec: "rawchunk", Container: "mrc"})
	p := New(testLogger(), src, NewChunkFactory(4), writer, Options{
		SegmentLength: 1 * time.Second,
		QueueDepth:    128,
	}, events)

	if err := p.Start(context.Background(), types.AcceptedFormat{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The source ends on its own; give it a moment then stop for the drain.
	go func() {
		time.Sleep(100 * time.Millisecond)
		p.Stop()
	}()

	got := collect(t, events)
	p.Wait()

	if got[len(got)-1].Type != EventStopped {
		t.Fatalf("Expected clean stop, got %s", got[len(got)-1].Type)
	}

	segs := segmentsOf(got)
	if len(segs) < 2 {
		t.Fatalf("Expected multiple segments, got %d", len(segs))
	}

	var total int64
	for i, seg := range segs {
		if seg.Index != i {
			t.Errorf("Segment %d: expected index %d, got %d", i, i, seg.Index)
		}
		if seg.Truncated {
			t.Errorf("Segment %d unexpectedly truncated", i)
		}
		if seg.Bytes%recordSize != 0 {
			t.Errorf("Segment %d: %d bytes is not a whole number of records", i, seg.Bytes)
		}
		if seg.End < seg.Start {
			t.Errorf("Segment %d: end %v before start %v", i, seg.End, seg.Start)
		}
		info, err := os.Stat(seg.Path)
		if err != nil {
			t.Fatalf("Segment %d file missing: %v", i, err)
		}
		if info.Size() != seg.Bytes {
			t.Errorf("Segment %d: file size %d != recorded %d", i, info.Size(), seg.Bytes)
		}
		total += seg.Bytes
	}
	if total != 100*recordSize {
		t.Errorf("Expected %d total bytes across segments, got %d", 100*recordSize, total)
	}

	// Timed segments should cover about one second each.
	first := segs[0]
	if d := first.Duration(); d < 900*time.Millisecond || d > 1200*time.Millisecond {
		t.Errorf("Expected roughly 1s first segment, got %v", d)
	}
}

// flakyEncoder fails one Encode call, then behaves.
type flakyEncoder struct {
	Encoder
	failAt  int
	calls   int
	tripped *bool
}

func (f *flakyEncoder) Encode(frame types.Frame) ([]byte, error) {
	f.calls++
	if !*f.tripped && f.calls == f.failAt {
		*f.tripped = true
		return nil, errors.New("transient encoder fault")
	}
	return f.Encoder.Encode(frame)
}

// TestEncoderFaultRetriedOnce verifies one mid-stream encoder fault is
// absorbed by a fresh encoder and the pipeline finishes cleanly.
func TestEncoderFaultRetriedOnce(t *testing.T) {
	dir := t.TempDir()
	src := newScriptedSource("cam", 10, 10*time.Millisecond)
	events := make(chan Event, 64)

	tripped := false
	factory := func(media types.MediaKind, format types.AcceptedFormat) (Encoder, error) {
		return &flakyEncoder{
			Encoder: NewChunkEncoder(media, format, 1),
			failAt:  3,
			tripped: &tripped,
		}, nil
	}

	writer := NewSegmentWriter(dir, "cam", "cam", types.EncoderParams{Container: "mrc"})
	p := New(testLogger(), src, factory, writer, Options{
		SegmentLength: time.Hour,
		QueueDepth:    64,
	}, events)

	if err := p.Start(context.Background(), types.AcceptedFormat{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Stop()
	}()

	got := collect(t, events)
	p.Wait()

	if got[len(got)-1].Type != EventStopped {
		t.Fatalf("Expected clean stop after retry, got %s", got[len(got)-1].Type)
	}
	if !tripped {
		t.Fatal("Fault never fired")
	}

	segs := segmentsOf(got)
	if len(segs) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segs))
	}
	if segs[0].Truncated {
		t.Error("Expected non-truncated segment after recovered fault")
	}
	if segs[0].Bytes != 10*recordSize {
		t.Errorf("Expected all 10 frames written, got %d bytes", segs[0].Bytes)
	}
}

// brokenEncoder fails every Encode.
type brokenEncoder struct{ Encoder }

func (b *brokenEncoder) Encode(frame types.Frame) ([]byte, error) {
	return nil, errors.New("persistent encoder fault")
}

// TestEncoderFaultTwiceFailsPipeline verifies the retry is bounded: a second
// fault fails the pipeline and the open segment is marked truncated.
func TestEncoderFaultTwiceFailsPipeline(t *testing.T) {
	dir := t.TempDir()
	src := newScriptedSource("cam", 5, 10*time.Millisecond)
	events := make(chan Event, 64)

	factory := func(media types.MediaKind, format types.AcceptedFormat) (Encoder, error) {
		return &brokenEncoder{NewChunkEncoder(media, format, 1)}, nil
	}

	writer := NewSegmentWriter(dir, "cam", "cam", types.EncoderParams{Container: "mrc"})
	p := New(testLogger(), src, factory, writer, Options{QueueDepth: 16}, events)

	if err := p.Start(context.Background(), types.AcceptedFormat{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := collect(t, events)
	p.Wait()

	last := got[len(got)-1]
	if last.Type != EventFailed {
		t.Fatalf("Expected pipeline failure, got %s", last.Type)
	}
	if types.KindOf(last.Err) != types.ErrorEncode {
		t.Errorf("Expected encode error kind, got %v", last.Err)
	}

	for _, seg := range segmentsOf(got) {
		if !seg.Truncated {
			t.Errorf("Expected truncated segment on failure, got %+v", seg)
		}
	}
}

// TestEncoderInitFailureIsFatal verifies Start reports factory errors
// directly instead of through the event channel.
func TestEncoderInitFailureIsFatal(t *testing.T) {
	src := newScriptedSource("cam", 1, time.Millisecond)
	events := make(chan Event, 4)

	factory := func(media types.MediaKind, format types.AcceptedFormat) (Encoder, error) {
		return nil, errors.New("no such codec")
	}

	writer := NewSegmentWriter(t.TempDir(), "cam", "cam", types.EncoderParams{})
	p := New(testLogger(), src, factory, writer, Options{}, events)

	err := p.Start(context.Background(), types.AcceptedFormat{})
	if types.KindOf(err) != types.ErrorEncode {
		t.Fatalf("Expected encode error from Start, got %v", err)
	}
}

// TestStopDrainsQueuedFrames verifies a stop broadcast flushes everything
// already captured before the final segment closes.
func TestStopDrainsQueuedFrames(t *testing.T) {
	dir := t.TempDir()
	src := newScriptedSource("cam", 20, time.Millisecond)
	events := make(chan Event, 64)

	writer := NewSegmentWriter(dir, "cam", "cam", types.EncoderParams{Container: "mrc"})
	p := New(testLogger(), src, NewChunkFactory(8), writer, Options{
		SegmentLength: time.Hour,
		QueueDepth:    64,
	}, events)

	if err := p.Start(context.Background(), types.AcceptedFormat{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Stop()
	}()

	got := collect(t, events)
	p.Wait()

	segs := segmentsOf(got)
	if len(segs) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segs))
	}
	if segs[0].Bytes != 20*recordSize {
		t.Errorf("Expected all 20 frames flushed on stop, got %d bytes", segs[0].Bytes)
	}

	stats := p.Stats()
	if stats.FramesIn != 20 {
		t.Errorf("Expected 20 frames in, got %d", stats.FramesIn)
	}
	if stats.BytesWritten != 20*recordSize {
		t.Errorf("Expected %d bytes written, got %d", 20*recordSize, stats.BytesWritten)
	}
}

// gatedEncoder blocks every Encode until the gate is closed, keeping the
// frame queue backed up.
type gatedEncoder struct {
	Encoder
	gate chan struct{}
}

func (g *gatedEncoder) Encode(frame types.Frame) ([]byte, error) {
	<-g.gate
	return g.Encoder.Encode(frame)
}

// TestOverrunGapRecordedAtStreamEnd verifies a drop run still in progress
// when capture ends is recorded as an overrun gap instead of vanishing.
func TestOverrunGapRecordedAtStreamEnd(t *testing.T) {
	dir := t.TempDir()
	src := newScriptedSource("cam", 6, 10*time.Millisecond)
	events := make(chan Event, 64)

	gate := make(chan struct{})
	factory := func(media types.MediaKind, format types.AcceptedFormat) (Encoder, error) {
		return &gatedEncoder{Encoder: NewChunkEncoder(media, format, 1), gate: gate}, nil
	}

	writer := NewSegmentWriter(dir, "cam", "cam", types.EncoderParams{Container: "mrc"})
	p := New(testLogger(), src, factory, writer, Options{
		SegmentLength: time.Hour,
		QueueDepth:    1,
		DropTolerance: 1,
	}, events)

	if err := p.Start(context.Background(), types.AcceptedFormat{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// With the encoder gated shut, the 1-deep queue overflows and frames
	// drop until every scripted frame has been read.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := p.Stats()
		if s.FramesIn == 6 && s.FramesDropped > 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := p.Stats(); s.FramesDropped <= 1 {
		t.Fatalf("Expected an active drop run, got %d drops", s.FramesDropped)
	}

	p.Stop()
	close(gate)

	got := collect(t, events)
	p.Wait()

	if got[len(got)-1].Type != EventStopped {
		t.Fatalf("Expected clean stop, got %s", got[len(got)-1].Type)
	}

	var gap *types.Gap
	for _, ev := range got {
		if ev.Type == EventGap {
			gap = ev.Gap
			break
		}
	}
	if gap == nil {
		t.Fatal("Expected an overrun gap for the unfinished drop run")
	}
	if gap.Reason != "overrun" {
		t.Errorf("Expected overrun reason, got %q", gap.Reason)
	}
	if gap.End <= gap.Start {
		t.Errorf("Expected positive gap, got [%v, %v]", gap.Start, gap.End)
	}
}

// TestSegmentFileNaming verifies per-source numbered file names.
func TestSegmentFileNaming(t *testing.T) {
	dir := t.TempDir()
	w := NewSegmentWriter(dir, "monitor_primary", "src-1", types.EncoderParams{Container: "mrc"})

	if err := w.Open(0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := w.Write([]byte("abc")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	seg, err := w.Roll(time.Second)
	if err != nil {
		t.Fatalf("Roll failed: %v", err)
	}

	want := filepath.Join(dir, "monitor_primary_000.mrc")
	if seg.Path != want {
		t.Errorf("Expected path %s, got %s", want, seg.Path)
	}
	if seg.Bytes != 3 {
		t.Errorf("Expected 3 bytes, got %d", seg.Bytes)
	}

	if err := w.Open(2 * time.Second); err != nil {
		t.Fatalf("Second open failed: %v", err)
	}
	seg2, err := w.Roll(3 * time.Second)
	if err != nil {
		t.Fatalf("Second roll failed: %v", err)
	}
	if seg2.Index != 1 {
		t.Errorf("Expected index 1, got %d", seg2.Index)
	}
	if filepath.Base(seg2.Path) != "monitor_primary_001.mrc" {
		t.Errorf("Unexpected second path %s", seg2.Path)
	}
}

func TestWriterCloseWithoutOpen(t *testing.T) {
	w := NewSegmentWriter(t.TempDir(), "x", "x", types.EncoderParams{})
	seg, err := w.Close(0, false)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if seg != nil {
		t.Errorf("Expected nil segment, got %+v", seg)
	}
	if err := w.Write([]byte("x")); !errors.Is(err, ErrSegmentNotOpen) {
		t.Errorf("Expected ErrSegmentNotOpen, got %v", err)
	}
}

func TestSegmentDuration(t *testing.T) {
	seg := types.Segment{Start: 2 * time.Second, End: 5 * time.Second}
	if seg.Duration() != 3*time.Second {
		t.Errorf("Expected 3s, got %v", seg.Duration())
	}
}

func ExampleNewChunkEncoder() {
	enc := NewChunkEncoder(types.MediaVideo, types.AcceptedFormat{Width: 640, Height: 360, FPS: 30}, 1)
	fmt.Println(enc.Params().Codec)
	// Output: rawchunk
}
