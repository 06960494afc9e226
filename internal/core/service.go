// Package core wires every recorder component together and owns the service
// lifecycle.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nav9/multi-recorder/internal/capture"
	"github.com/nav9/multi-recorder/internal/config"
	"github.com/nav9/multi-recorder/internal/control"
	"github.com/nav9/multi-recorder/internal/emitter"
	"github.com/nav9/multi-recorder/internal/eventbus"
	"github.com/nav9/multi-recorder/internal/metrics"
	"github.com/nav9/multi-recorder/internal/registry"
	"github.com/nav9/multi-recorder/internal/session"
	"github.com/nav9/multi-recorder/internal/types"
)

// Service is the recorder daemon orchestrator.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	bus        *eventbus.Bus
	reg        *registry.Registry
	controller *session.Controller
	mets       *metrics.Metrics
	emitter    *emitter.MQTTEmitter
	handler    *control.Handler

	metricsEvents chan eventbus.Event
	sourceEvents  chan registry.SourceEvent
	notifier      registry.Notifier

	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc
}

// NewService builds the component graph from configuration.
func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	bus := eventbus.New()
	reg := registry.New(log)

	var opener capture.OpenFunc
	switch cfg.Capture.Backend {
	case "gst":
		opener = capture.GstOpener()
	default:
		opener = capture.SyntheticOpener()
	}

	controller := session.New(log, reg, opener, nil, bus, session.Options{
		InstanceID:    cfg.InstanceID,
		BaseDir:       cfg.Output.BaseDir,
		DirPrefix:     cfg.Output.DirPrefix,
		SegmentLength: time.Duration(cfg.Output.SegmentSeconds) * time.Second,
		StartTimeout:  time.Duration(cfg.Session.StartTimeoutS) * time.Second,
		StopGrace:     time.Duration(cfg.Session.StopGraceS) * time.Second,
		DropTolerance: cfg.Capture.Video.DropTolerance,
		VideoDefaults: types.FormatRequest{
			Width:  cfg.Capture.Video.Width,
			Height: cfg.Capture.Video.Height,
			FPS:    cfg.Capture.Video.FPS,
		},
		AudioDefaults: types.FormatRequest{
			SampleRate: cfg.Capture.Audio.SampleRate,
			Channels:   cfg.Capture.Audio.Channels,
		},
	})

	return &Service{
		cfg:           cfg,
		log:           log,
		bus:           bus,
		reg:           reg,
		controller:    controller,
		mets:          metrics.New(),
		metricsEvents: make(chan eventbus.Event, 256),
		sourceEvents:  make(chan registry.SourceEvent, 64),
	}, nil
}

// SetNotifier overrides the default polling notifier, for platforms with a
// native hotplug API. Must be called before Run.
func (s *Service) SetNotifier(n registry.Notifier) {
	s.notifier = n
}

// Run starts all components and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	s.log.Info("recorder service starting",
		"instance_id", s.cfg.InstanceID,
		"backend", s.cfg.Capture.Backend,
	)

	var enumerator registry.Enumerator
	if s.cfg.Capture.Backend == "gst" {
		enumerator = capture.SystemEnumerator{}
	} else {
		enumerator = capture.SyntheticEnumerator{}
	}
	if err := s.reg.Bootstrap(ctx, enumerator); err != nil {
		return fmt.Errorf("device enumeration failed: %w", err)
	}
	s.log.Info("sources enumerated", "count", len(s.reg.List()))

	if err := s.reg.Subscribe("core", s.sourceEvents); err != nil {
		return fmt.Errorf("failed to watch source events: %w", err)
	}
	s.wg.Add(1)
	go s.consumeSourceEvents(ctx)

	notifier := s.notifier
	if notifier == nil {
		poll := registry.NewPollNotifier(enumerator, 5*time.Second)
		poll.Start(ctx)
		notifier = poll
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reg.Run(ctx, notifier)
	}()

	if err := s.bus.Subscribe("metrics", s.metricsEvents); err != nil {
		return fmt.Errorf("failed to attach metrics observer: %w", err)
	}
	s.wg.Add(1)
	go s.consumeMetricsEvents(ctx)

	if s.cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(s.cfg)
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		if err := s.bus.Subscribe("mqtt-emitter", s.emitter.Events()); err != nil {
			return fmt.Errorf("failed to attach mqtt emitter: %w", err)
		}

		s.handler = control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
			OnListSources: s.reg.List,
			OnGetStatus:   s.controller.Status,
			OnArm:         s.controller.Arm,
			OnDisarm:      s.controller.Disarm,
			OnStart:       s.controller.Start,
			OnPause:       s.controller.Pause,
			OnResume:      s.controller.Resume,
			OnStop:        s.controller.Stop,
			OnShutdown:    s.shutdownViaControl,
		})
		if err := s.handler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	} else {
		s.log.Warn("no mqtt broker configured, control plane disabled")
	}

	if err := s.StartHTTPServer(ctx, s.cfg.HTTP.Port); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}

	s.log.Info("recorder service running")

	<-ctx.Done()

	s.log.Info("recorder service run loop exiting")
	return nil
}

// Shutdown stops components in dependency order: the active session first so
// segments flush, then the control plane, then transports.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.log.Info("shutting down recorder service")

	// 1. Finalize any active recording before anything else goes away.
	switch s.controller.State() {
	case types.StateRecording, types.StatePaused:
		s.log.Info("stopping active session before shutdown")
		if err := s.controller.Stop(ctx); err != nil {
			s.log.Error("failed to stop active session", "error", err)
		}
	}

	// 2. Stop accepting commands.
	if s.handler != nil {
		if err := s.handler.Stop(); err != nil {
			s.log.Error("failed to stop control handler", "error", err)
		}
	}

	// 3. Stop the run-context goroutines.
	s.mu.Lock()
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
	s.mu.Unlock()
	s.wg.Wait()

	// 4. Drop transports and observers.
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			s.log.Error("failed to disconnect mqtt", "error", err)
		}
	}
	s.bus.Close()
	s.reg.Close()

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	s.log.Info("recorder service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown bound.
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

// shutdownViaControl handles the MQTT shutdown command.
func (s *Service) shutdownViaControl() error {
	s.mu.Lock()
	cancel := s.cancelCtx
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// consumeSourceEvents republishes registry hotplug changes on the status bus
// and tells the controller when an in-session device disappears.
func (s *Service) consumeSourceEvents(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.sourceEvents:
			switch ev.Type {
			case registry.DeviceAdded:
				s.bus.Publish(eventbus.Event{
					Kind:     eventbus.EventSourceLive,
					SourceID: ev.Source.ID,
				})
			case registry.DeviceRemoved:
				s.bus.Publish(eventbus.Event{
					Kind:     eventbus.EventSourceLost,
					SourceID: ev.Source.ID,
				})
				s.controller.HandleSourceLost(ev.Source.ID)
			}
		}
	}
}

// consumeMetricsEvents keeps counters in sync with the event stream.
func (s *Service) consumeMetricsEvents(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.metricsEvents:
			switch ev.Kind {
			case eventbus.EventSegmentClosed:
				s.mets.IncSegmentsClosed()
				if ev.Segment != nil {
					s.mets.AddBytesWritten(float64(ev.Segment.Bytes))
				}
			case eventbus.EventPipelineError:
				s.mets.IncPipelineErrors(string(ev.ErrorKind))
			case eventbus.EventStateChanged:
				s.mets.SetSessionState(string(ev.State))
			}
		}
	}
}

// updateGauges refreshes scrape-time gauges from live snapshots.
func (s *Service) updateGauges() {
	s.mets.SetSourcesKnown(len(s.reg.List()))

	st := s.controller.Status()
	s.mets.SetSessionState(string(st.State))

	active := 0
	for _, t := range st.Tracks {
		s.mets.SetFramesCaptured(t.SourceID, float64(t.Frames))
		s.mets.SetFramesDropped(t.SourceID, float64(t.Dropped))
		if t.Failure == "" {
			active++
		}
	}
	if st.State == types.StateRecording || st.State == types.StatePaused {
		s.mets.SetActivePipelines(active)
	} else {
		s.mets.SetActivePipelines(0)
	}
}
