// Package session implements the recording session controller: one state
// machine commanding every capture pipeline, and the single writer of the
// session manifest.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nav9/multi-recorder/internal/capture"
	"github.com/nav9/multi-recorder/internal/eventbus"
	"github.com/nav9/multi-recorder/internal/manifest"
	"github.com/nav9/multi-recorder/internal/pipeline"
	"github.com/nav9/multi-recorder/internal/registry"
	"github.com/nav9/multi-recorder/internal/types"
)

// SourceSpec selects one source and the format to request from it.
type SourceSpec struct {
	SourceID string              `json:"source_id"`
	Format   types.FormatRequest `json:"format"`
}

// Options tunes the controller.
type Options struct {
	InstanceID    string
	BaseDir       string
	DirPrefix     string
	SegmentLength time.Duration
	StartTimeout  time.Duration
	StopGrace     time.Duration
	DropTolerance int
	QueueDepth    int
	EncodeBatch   int

	// VideoDefaults and AudioDefaults fill format fields an arm request
	// leaves unset, per the source's media kind.
	VideoDefaults types.FormatRequest
	AudioDefaults types.FormatRequest
}

func (o *Options) defaults() {
	if o.DirPrefix == "" {
		o.DirPrefix = "multirec"
	}
	if o.SegmentLength <= 0 {
		o.SegmentLength = 60 * time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 10 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.EncodeBatch <= 0 {
		o.EncodeBatch = 8
	}
}

// ErrNoSources is returned when Arm is called with an empty source list.
var ErrNoSources = errors.New("no sources selected")

// ErrDuplicateSource is returned when a source id appears twice in one Arm.
var ErrDuplicateSource = errors.New("source selected twice")

// TrackStatus is the live view of one recording track.
type TrackStatus struct {
	SourceID string           `json:"source_id"`
	Kind     types.SourceKind `json:"kind"`
	Name     string           `json:"name"`
	Segments int              `json:"segments"`
	Frames   uint64           `json:"frames"`
	Dropped  uint64           `json:"dropped"`
	Bytes    int64            `json:"bytes"`
	Failure  string           `json:"failure,omitempty"`
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State     types.RecordingState `json:"state"`
	SessionID string               `json:"session_id,omitempty"`
	Dir       string               `json:"dir,omitempty"`
	Elapsed   time.Duration        `json:"elapsed_ns,omitempty"`
	Degraded  bool                 `json:"degraded,omitempty"`
	Tracks    []TrackStatus        `json:"tracks,omitempty"`
}

// Controller drives one recording session at a time through
// idle/armed/recording/paused/stopping and into a terminal state. State
// changes are atomic across all pipelines: either every source starts or
// none does, and a stop is broadcast to all of them.
//
// The controller is the only writer of the session manifest. Pipeline events
// are serialized through a single event loop, so manifest mutation needs no
// coordination beyond the controller mutex.
type Controller struct {
	log     *slog.Logger
	reg     *registry.Registry
	open    capture.OpenFunc
	factory pipeline.Factory
	bus     *eventbus.Bus
	opts    Options

	mu        sync.Mutex
	state     types.RecordingState
	sessionID string
	dir       string
	clk       *types.Clock
	man       *manifest.Manifest
	store     *manifest.Store
	specs     []SourceSpec
	srcInfo   map[string]types.Source
	labels    map[string]string
	pipes     map[string]*pipeline.Pipeline
	trackDone map[string]bool
	lost      map[string]bool
	failed    int
	pauseFrom time.Duration

	events   chan pipeline.Event
	allDone  chan struct{}
	doneOnce sync.Once
	quit     chan struct{}
	evWG     sync.WaitGroup
}

// New creates an idle controller.
func New(log *slog.Logger, reg *registry.Registry, open capture.OpenFunc, factory pipeline.Factory, bus *eventbus.Bus, opts Options) *Controller {
	opts.defaults()
	return &Controller{
		log:     log,
		reg:     reg,
		open:    open,
		factory: factory,
		bus:     bus,
		opts:    opts,
		state:   types.StateIdle,
	}
}

// State returns the current session state.
func (c *Controller) State() types.RecordingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Arm validates the selection and prepares a new session: sources resolved
// and live, session directory created, manifest persisted in armed state. A
// controller whose previous session reached a terminal state can be armed
// again; the new session gets a fresh id.
func (c *Controller) Arm(specs []SourceSpec) (string, error) {
	if len(specs) == 0 {
		return "", ErrNoSources
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		c.resetLocked()
	}
	if !c.state.CanTransition(types.StateArmed) {
		return "", fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, c.state, types.StateArmed)
	}

	seen := make(map[string]bool, len(specs))
	srcInfo := make(map[string]types.Source, len(specs))
	resolved := make([]SourceSpec, len(specs))
	for i, spec := range specs {
		if seen[spec.SourceID] {
			return "", fmt.Errorf("%w: %s", ErrDuplicateSource, spec.SourceID)
		}
		seen[spec.SourceID] = true

		src, err := c.reg.Get(spec.SourceID)
		if err != nil {
			return "", err
		}
		if !src.Live {
			return "", types.NewSourceError(src.ID, types.ErrorDevice, types.ErrSourceNotLive)
		}
		srcInfo[src.ID] = src
		resolved[i] = SourceSpec{
			SourceID: spec.SourceID,
			Format:   c.formatWithDefaults(spec.Format, src.Kind.Media()),
		}
	}

	dir := sessionDir(c.opts.BaseDir, c.opts.DirPrefix, time.Now())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}

	sessionID := uuid.New().String()
	man := manifest.New(sessionID, c.opts.InstanceID, dir)
	store := manifest.NewStore(dir)
	if err := store.Save(man); err != nil {
		return "", err
	}

	c.sessionID = sessionID
	c.dir = dir
	c.man = man
	c.store = store
	c.specs = resolved
	c.srcInfo = srcInfo
	c.state = types.StateArmed

	c.log.Info("session armed",
		"session_id", sessionID,
		"dir", dir,
		"sources", len(specs),
	)
	c.publishStateLocked()
	return sessionID, nil
}

// Disarm returns an armed session to idle without recording anything. The
// session directory and its armed manifest are removed.
func (c *Controller) Disarm() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CanTransition(types.StateIdle) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, c.state, types.StateIdle)
	}

	if err := os.RemoveAll(c.dir); err != nil {
		c.log.Warn("failed to remove disarmed session directory", "dir", c.dir, "error", err)
	}
	c.log.Info("session disarmed", "session_id", c.sessionID)
	c.resetLocked()
	c.state = types.StateIdle
	c.publishStateLocked()
	return nil
}

// Start begins recording on every armed source atomically: all sources
// negotiate a format and start within the start timeout, or every partially
// started source is torn down and the whole session fails. Partial
// multi-source sessions are never left running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.CanTransition(types.StateRecording) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, c.state, types.StateRecording)
	}
	specs := c.specs
	srcInfo := c.srcInfo
	c.mu.Unlock()

	clk := types.NewClock()
	clk.Start()

	type startedSource struct {
		info   types.Source
		cap    capture.Source
		format types.AcceptedFormat
	}
	started := make([]startedSource, len(specs))

	startCtx, cancel := context.WithTimeout(ctx, c.opts.StartTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(startCtx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			info := srcInfo[spec.SourceID]
			capSrc, err := c.open(info, clk)
			if err != nil {
				return types.NewSourceError(info.ID, types.ErrorDevice, err)
			}
			format, err := capSrc.Start(gctx, spec.Format)
			if err != nil {
				capSrc.Stop()
				return err
			}
			started[i] = startedSource{info: info, cap: capSrc, format: format}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range started {
			if s.cap != nil {
				s.cap.Stop()
			}
		}
		c.log.Error("session start failed, all sources torn down", "error", err)
		c.mu.Lock()
		c.finalizeLocked(types.StateFailed)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clk = clk
	c.events = make(chan pipeline.Event, 64)
	c.allDone = make(chan struct{})
	c.doneOnce = sync.Once{}
	c.quit = make(chan struct{})
	c.pipes = make(map[string]*pipeline.Pipeline, len(started))
	c.trackDone = make(map[string]bool, len(started))
	c.lost = make(map[string]bool, len(started))
	c.labels = make(map[string]string, len(started))
	c.failed = 0
	c.man.StartedAt = time.Now().UTC()

	for _, s := range started {
		label := c.uniqueLabelLocked(s.info)
		c.labels[s.info.ID] = label
		c.man.AddTrack(s.info, label, s.format)

		batch := c.opts.EncodeBatch
		factory := c.factory
		if factory == nil {
			factory = pipeline.NewChunkFactory(batch)
		}

		var params types.EncoderParams
		if probe, err := factory(s.info.Kind.Media(), s.format); err == nil {
			params = probe.Params()
			probe.Close()
		}

		writer := pipeline.NewSegmentWriter(c.dir, label, s.info.ID, params)
		p := pipeline.New(c.log, s.cap, factory, writer, pipeline.Options{
			SegmentLength: c.opts.SegmentLength,
			QueueDepth:    c.opts.QueueDepth,
			DropTolerance: c.opts.DropTolerance,
		}, c.events)

		if err := p.Start(context.Background(), s.format); err != nil {
			for _, other := range started {
				other.cap.Stop()
			}
			for _, running := range c.pipes {
				running.Stop()
			}
			c.pipes = nil
			c.log.Error("pipeline start failed, all sources torn down", "error", err)
			c.finalizeLocked(types.StateFailed)
			return err
		}
		c.pipes[s.info.ID] = p
	}

	c.state = types.StateRecording
	c.man.State = c.state
	c.saveManifestLocked()

	c.evWG.Add(1)
	go c.eventLoop()

	c.log.Info("recording started",
		"session_id", c.sessionID,
		"tracks", len(c.pipes),
	)
	c.publishStateLocked()
	return nil
}

// Pause suspends all pipelines without closing segments. The pause interval
// becomes an explicit gap in every track when recording resumes.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CanTransition(types.StatePaused) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, c.state, types.StatePaused)
	}

	c.pauseFrom = c.clk.Now()
	for _, p := range c.pipes {
		p.Pause()
	}
	c.state = types.StatePaused
	c.man.State = c.state
	c.saveManifestLocked()

	c.log.Info("recording paused", "session_id", c.sessionID, "at", c.pauseFrom)
	c.publishStateLocked()
	return nil
}

// Resume continues recording and records the pause gap on every track.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.StatePaused {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, c.state, types.StateRecording)
	}

	gap := types.Gap{Start: c.pauseFrom, End: c.clk.Now(), Reason: "pause"}
	for id := range c.pipes {
		c.man.AppendGap(id, gap)
		c.bus.Publish(eventbus.Event{
			Kind:      eventbus.EventGapRecorded,
			SessionID: c.sessionID,
			SourceID:  id,
			Gap:       &gap,
		})
	}
	for _, p := range c.pipes {
		p.Resume()
	}
	c.state = types.StateRecording
	c.man.State = c.state
	c.saveManifestLocked()

	c.log.Info("recording resumed", "session_id", c.sessionID, "gap", gap.End-gap.Start)
	c.publishStateLocked()
	return nil
}

// Stop broadcasts shutdown to every pipeline and waits up to the grace
// period for each to flush and acknowledge. Tracks that do not acknowledge
// in time are recorded as truncated by timeout. The session always reaches
// finalized.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.CanTransition(types.StateStopping) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, c.state, types.StateStopping)
	}
	c.state = types.StateStopping
	c.man.State = c.state
	c.saveManifestLocked()
	c.publishStateLocked()
	pipes := c.pipes
	allDone := c.allDone
	c.mu.Unlock()

	for _, p := range pipes {
		p.Stop()
	}

	select {
	case <-allDone:
	case <-time.After(c.opts.StopGrace):
		c.log.Warn("stop grace period expired", "session_id", c.sessionID)
	case <-ctx.Done():
		c.log.Warn("stop wait cancelled", "session_id", c.sessionID, "error", ctx.Err())
	}

	c.mu.Lock()
	for id := range c.pipes {
		if !c.trackDone[id] {
			c.man.RecordFailure(id, types.ErrorTimeout,
				"did not acknowledge stop within grace period, tail may be truncated")
			c.log.Warn("track did not acknowledge stop", "source_id", id)
		}
	}
	c.finalizeLocked(types.StateFinalized)
	c.mu.Unlock()

	c.stopEventLoop()
	return nil
}

// Status returns a snapshot for the control surface.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:     c.state,
		SessionID: c.sessionID,
		Dir:       c.dir,
		Degraded:  c.reg.Degraded(),
	}
	if c.clk != nil && c.clk.Started() && !c.state.Terminal() {
		st.Elapsed = c.clk.Now()
	}
	if c.man != nil {
		for _, id := range c.man.TrackIDs() {
			t := c.man.Tracks[id]
			ts := TrackStatus{
				SourceID: t.SourceID,
				Kind:     t.Kind,
				Name:     t.Name,
				Segments: len(t.Segments),
				Failure:  t.Failure,
			}
			if p, ok := c.pipes[id]; ok {
				s := p.Stats()
				ts.Frames = s.FramesIn
				ts.Dropped = s.FramesDropped
				ts.Bytes = s.BytesWritten
			}
			st.Tracks = append(st.Tracks, ts)
		}
	}
	return st
}

// HandleSourceLost records a device disconnect against its in-session track.
// The track is failed with a device error and its pipeline stopped so frames
// captured before the disconnect still flush; sibling tracks keep recording.
// Outside an active session this is a no-op, arming already checks liveness.
func (c *Controller) HandleSourceLost(sourceID string) {
	c.mu.Lock()
	if c.state != types.StateRecording && c.state != types.StatePaused {
		c.mu.Unlock()
		return
	}
	p, ok := c.pipes[sourceID]
	if !ok || c.trackDone[sourceID] || c.lost[sourceID] {
		c.mu.Unlock()
		return
	}
	c.lost[sourceID] = true
	c.failed++
	c.man.RecordFailure(sourceID, types.ErrorDevice, "device disconnected mid-session")
	c.saveManifestLocked()

	allFailed := c.failed == len(c.pipes)
	c.bus.Publish(eventbus.Event{
		Kind:      eventbus.EventPipelineError,
		SessionID: c.sessionID,
		SourceID:  sourceID,
		ErrorKind: types.ErrorDevice,
		Error:     "device disconnected mid-session",
		Halts:     allFailed,
	})
	c.log.Warn("source lost mid-session, stopping its track",
		"source_id", sourceID,
		"remaining", len(c.pipes)-c.failed,
	)
	c.mu.Unlock()

	// Stop flushes whatever the pipeline already captured; the resulting
	// acknowledgement retires the track.
	p.Stop()
}

// eventLoop serializes all pipeline events into manifest updates and bus
// publications. It is the single writer of the manifest during recording.
func (c *Controller) eventLoop() {
	defer c.evWG.Done()
	for {
		select {
		case <-c.quit:
			return
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleEvent(ev pipeline.Event) {
	c.mu.Lock()

	switch ev.Type {
	case pipeline.EventSegment:
		c.man.AppendSegment(*ev.Segment)
		c.saveManifestLocked()
		c.bus.Publish(eventbus.Event{
			Kind:      eventbus.EventSegmentClosed,
			SessionID: c.sessionID,
			SourceID:  ev.SourceID,
			Segment:   ev.Segment,
		})

	case pipeline.EventGap:
		c.man.AppendGap(ev.SourceID, *ev.Gap)
		c.saveManifestLocked()
		c.bus.Publish(eventbus.Event{
			Kind:      eventbus.EventGapRecorded,
			SessionID: c.sessionID,
			SourceID:  ev.SourceID,
			Gap:       ev.Gap,
		})

	case pipeline.EventFailed:
		c.trackDone[ev.SourceID] = true
		kind := types.KindOf(ev.Err)
		if c.lost[ev.SourceID] {
			// Already counted and recorded as a device loss.
			break
		}
		c.failed++
		c.man.RecordFailure(ev.SourceID, kind, ev.Err.Error())
		c.saveManifestLocked()

		allFailed := c.failed == len(c.pipes)
		c.bus.Publish(eventbus.Event{
			Kind:      eventbus.EventPipelineError,
			SessionID: c.sessionID,
			SourceID:  ev.SourceID,
			ErrorKind: kind,
			Error:     ev.Err.Error(),
			Halts:     allFailed,
		})
		if allFailed && !c.state.Terminal() && c.state != types.StateStopping {
			c.log.Error("all tracks failed, session failed", "session_id", c.sessionID)
			c.finalizeLocked(types.StateFailed)
		} else {
			c.log.Warn("track failed, session continues",
				"source_id", ev.SourceID,
				"remaining", len(c.pipes)-c.failed,
			)
		}

	case pipeline.EventStopped:
		c.trackDone[ev.SourceID] = true
	}

	allAcked := len(c.pipes) > 0 && len(c.trackDone) == len(c.pipes)
	c.mu.Unlock()

	if allAcked {
		c.doneOnce.Do(func() { close(c.allDone) })
		c.mu.Lock()
		// Every source ended on its own (windows closed, devices gone,
		// or every track failed). Finalize without an explicit stop.
		if c.state == types.StateRecording || c.state == types.StatePaused {
			c.state = types.StateStopping
			c.man.State = c.state
			if len(c.pipes) > 0 && c.failed == len(c.pipes) {
				c.finalizeLocked(types.StateFailed)
			} else {
				c.finalizeLocked(types.StateFinalized)
			}
		}
		if c.state.Terminal() {
			select {
			case <-c.quit:
			default:
				close(c.quit)
			}
		}
		c.mu.Unlock()
	}
}

// finalizeLocked moves the session to its terminal state and persists the
// manifest one last time. Caller holds c.mu.
func (c *Controller) finalizeLocked(terminal types.RecordingState) {
	if c.state.Terminal() {
		return
	}
	c.state = terminal
	c.man.State = terminal
	c.man.StoppedAt = time.Now().UTC()
	c.saveManifestLocked()
	c.publishStateLocked()
	c.log.Info("session finalized",
		"session_id", c.sessionID,
		"state", string(terminal),
		"dir", c.dir,
	)
}

func (c *Controller) stopEventLoop() {
	c.mu.Lock()
	quit := c.quit
	c.mu.Unlock()
	if quit == nil {
		return
	}
	select {
	case <-quit:
	default:
		close(quit)
	}
	c.evWG.Wait()
}

func (c *Controller) saveManifestLocked() {
	if err := c.store.Save(c.man); err != nil {
		c.log.Error("failed to persist manifest", "error", err)
	}
}

func (c *Controller) publishStateLocked() {
	c.bus.Publish(eventbus.Event{
		Kind:      eventbus.EventStateChanged,
		SessionID: c.sessionID,
		State:     c.state,
	})
}

// formatWithDefaults fills unset format fields from the configured capture
// defaults for the source's media kind.
func (c *Controller) formatWithDefaults(f types.FormatRequest, media types.MediaKind) types.FormatRequest {
	switch media {
	case types.MediaVideo:
		if f.Width <= 0 {
			f.Width = c.opts.VideoDefaults.Width
		}
		if f.Height <= 0 {
			f.Height = c.opts.VideoDefaults.Height
		}
		if f.FPS <= 0 {
			f.FPS = c.opts.VideoDefaults.FPS
		}
	case types.MediaAudio:
		if f.SampleRate <= 0 {
			f.SampleRate = c.opts.AudioDefaults.SampleRate
		}
		if f.Channels <= 0 {
			f.Channels = c.opts.AudioDefaults.Channels
		}
	}
	return f
}

// uniqueLabelLocked derives a collision-free file label for a source.
func (c *Controller) uniqueLabelLocked(src types.Source) string {
	base := SanitizeLabel(string(src.Kind) + "_" + src.Name)
	label := base
	for i := 2; ; i++ {
		taken := false
		for _, existing := range c.labels {
			if existing == label {
				taken = true
				break
			}
		}
		if !taken {
			return label
		}
		label = fmt.Sprintf("%s_%d", base, i)
	}
}

func (c *Controller) resetLocked() {
	c.state = types.StateIdle
	c.sessionID = ""
	c.dir = ""
	c.clk = nil
	c.man = nil
	c.store = nil
	c.specs = nil
	c.srcInfo = nil
	c.labels = nil
	c.pipes = nil
	c.trackDone = nil
	c.lost = nil
	c.failed = 0
}
