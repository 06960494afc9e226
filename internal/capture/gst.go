package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/nav9/multi-recorder/internal/types"
)

// GstOpener returns an OpenFunc backed by GStreamer capture elements:
// ximagesrc for monitors/windows, v4l2src for webcams, pulsesrc for
// microphones. This is the production backend on Linux.
func GstOpener() OpenFunc {
	return func(src types.Source, clk *types.Clock) (Source, error) {
		switch src.Kind {
		case types.KindMonitor, types.KindWindow, types.KindWebcam, types.KindMicrophone:
			return newGstSource(src, clk), nil
		default:
			return nil, fmt.Errorf("unknown source kind %q", src.Kind)
		}
	}
}

// gstSource captures one device through a GStreamer pipeline ending in an
// appsink. Frames are forwarded with a non-blocking send: if the consumer
// lags, frames drop here rather than backing up into the device.
type gstSource struct {
	src types.Source
	clk *types.Clock

	pipeline *gst.Pipeline
	appsink  *app.Sink

	frames chan types.Frame
	mu     sync.Mutex

	seq           uint64
	framesDropped uint64
	isRunning     bool
	eosSeen       atomic.Bool
}

func newGstSource(src types.Source, clk *types.Clock) *gstSource {
	return &gstSource{
		src:    src,
		clk:    clk,
		frames: make(chan types.Frame, 8),
	}
}

func (g *gstSource) ID() string             { return g.src.ID }
func (g *gstSource) Kind() types.SourceKind { return g.src.Kind }

// Start builds and starts the capture pipeline for this source kind.
func (g *gstSource) Start(ctx context.Context, req types.FormatRequest) (types.AcceptedFormat, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.isRunning {
		return types.AcceptedFormat{}, ErrAlreadyStarted
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to create pipeline: %w", err)
	}

	appsink, err := app.NewAppSink()
	if err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 2)
	appsink.SetProperty("drop", true)

	accepted, err := g.buildChain(pipeline, appsink, req)
	if err != nil {
		return types.AcceptedFormat{}, types.NewSourceError(g.src.ID, types.ErrorFormat, err)
	}

	media := g.src.Kind.Media()
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return g.onNewSample(sink, media)
		},
		EOSFunc: func(sink *app.Sink) {
			g.onEOS()
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return types.AcceptedFormat{}, types.NewSourceError(g.src.ID, types.ErrorDevice,
			fmt.Errorf("failed to start pipeline: %w", err))
	}

	g.pipeline = pipeline
	g.appsink = appsink
	g.isRunning = true

	slog.Info("gst capture started",
		"source_id", g.src.ID,
		"kind", string(g.src.Kind),
		"device", g.src.Device,
	)

	return accepted, nil
}

// buildChain creates the per-kind element chain and links it to the appsink.
func (g *gstSource) buildChain(pipeline *gst.Pipeline, appsink *app.Sink, req types.FormatRequest) (types.AcceptedFormat, error) {
	switch g.src.Kind {
	case types.KindMicrophone:
		return g.buildAudioChain(pipeline, appsink, req)
	default:
		return g.buildVideoChain(pipeline, appsink, req)
	}
}

func (g *gstSource) buildVideoChain(pipeline *gst.Pipeline, appsink *app.Sink, req types.FormatRequest) (types.AcceptedFormat, error) {
	width, height := req.Width, req.Height
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}
	fps := req.FPS
	if fps <= 0 {
		fps = 30
	}

	var src *gst.Element
	var err error
	switch g.src.Kind {
	case types.KindWebcam:
		src, err = gst.NewElement("v4l2src")
		if err != nil {
			return types.AcceptedFormat{}, fmt.Errorf("failed to create v4l2src: %w", err)
		}
		if g.src.Device != "" {
			src.SetProperty("device", g.src.Device)
		}
	default:
		// Monitors and windows share ximagesrc; a window source tracks its
		// target xid and the pipeline sends EOS when the window goes away.
		src, err = gst.NewElement("ximagesrc")
		if err != nil {
			return types.AcceptedFormat{}, fmt.Errorf("failed to create ximagesrc: %w", err)
		}
		src.SetProperty("use-damage", false)
		if region := req.Region; region != nil {
			src.SetProperty("startx", region.X)
			src.SetProperty("starty", region.Y)
			src.SetProperty("endx", region.X+region.Width-1)
			src.SetProperty("endy", region.Y+region.Height-1)
		}
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
		width, height, int(fps),
	)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	pipeline.AddMany(src, converter, scaler, videorate, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to link video pipeline: %w", err)
	}

	return types.AcceptedFormat{Width: width, Height: height, FPS: fps}, nil
}

func (g *gstSource) buildAudioChain(pipeline *gst.Pipeline, appsink *app.Sink, req types.FormatRequest) (types.AcceptedFormat, error) {
	rate := req.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	channels := req.Channels
	if channels <= 0 {
		channels = 2
	}

	src, err := gst.NewElement("pulsesrc")
	if err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to create pulsesrc: %w", err)
	}
	if g.src.Device != "" {
		src.SetProperty("device", g.src.Device)
	}

	converter, err := gst.NewElement("audioconvert")
	if err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to create audioconvert: %w", err)
	}

	resample, err := gst.NewElement("audioresample")
	if err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to create audioresample: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf(
		"audio/x-raw,format=S16LE,rate=%d,channels=%d",
		rate, channels,
	)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	pipeline.AddMany(src, converter, resample, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, resample, capsfilter, appsink.Element); err != nil {
		return types.AcceptedFormat{}, fmt.Errorf("failed to link audio pipeline: %w", err)
	}

	return types.AcceptedFormat{SampleRate: rate, Channels: channels}, nil
}

// onNewSample pulls a sample from the appsink, copies the buffer (GStreamer
// reuses it), and forwards the frame without blocking.
func (g *gstSource) onNewSample(sink *app.Sink, media types.MediaKind) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// A single corrupted sample should not kill the stream.
		slog.Warn("gst: failed to pull sample, skipping frame", "source_id", g.src.ID)
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gst: sample without buffer, skipping frame", "source_id", g.src.ID)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(&g.seq, 1)
	frame := types.Frame{
		SourceID: g.src.ID,
		Seq:      seq,
		PTS:      g.clk.Now(),
		Media:    media,
		Data:     frameData,
		TraceID:  uuid.New().String(),
	}

	select {
	case g.frames <- frame:
	default:
		atomic.AddUint64(&g.framesDropped, 1)
	}

	return gst.FlowOK
}

func (g *gstSource) onEOS() {
	if g.eosSeen.CompareAndSwap(false, true) {
		close(g.frames)
		slog.Info("gst capture reached end of stream", "source_id", g.src.ID)
	}
}

// Read returns the next captured frame. A closed window surfaces as
// ErrEndOfStream once the pipeline delivers EOS.
func (g *gstSource) Read(ctx context.Context) (types.Frame, error) {
	g.mu.Lock()
	running := g.isRunning
	g.mu.Unlock()
	if !running && !g.eosSeen.Load() {
		return types.Frame{}, ErrNotStarted
	}

	select {
	case <-ctx.Done():
		return types.Frame{}, types.NewSourceError(g.src.ID, types.ErrorTimeout, ctx.Err())
	case frame, ok := <-g.frames:
		if !ok {
			return types.Frame{}, types.ErrEndOfStream
		}
		return frame, nil
	}
}

// Stop tears down the pipeline. Idempotent.
func (g *gstSource) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.isRunning {
		return nil
	}
	g.isRunning = false

	if err := g.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}

	slog.Info("gst capture stopped",
		"source_id", g.src.ID,
		"frames", atomic.LoadUint64(&g.seq),
		"dropped_at_sink", atomic.LoadUint64(&g.framesDropped),
	)
	return nil
}
