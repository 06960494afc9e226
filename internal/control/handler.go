// Package control implements the MQTT command surface of the recorder.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nav9/multi-recorder/internal/config"
	"github.com/nav9/multi-recorder/internal/session"
	"github.com/nav9/multi-recorder/internal/types"
)

// Command is a control plane command. Sources is only used by arm.
type Command struct {
	Command string               `json:"command"`
	Sources []session.SourceSpec `json:"sources,omitempty"`
}

// Response is a command response, published to the health topic.
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnListSources func() []types.Source
	OnGetStatus   func() session.Status
	OnArm         func([]session.SourceSpec) (string, error)
	OnDisarm      func() error
	OnStart       func(ctx context.Context) error
	OnPause       func() error
	OnResume      func() error
	OnStop        func(ctx context.Context) error
	OnShutdown    func() error
}

// Handler subscribes to the control topic and dispatches commands to the
// session controller. Commands are serialized through one queue; a full
// queue drops new commands rather than blocking the MQTT client.
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command

	callbacks CommandCallbacks
}

// NewHandler creates a control plane handler on an existing MQTT client.
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start subscribes to the control topic and begins processing.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes and stops processing.
func (h *Handler) Stop() error {
	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.Wait()
	}

	close(h.commands)

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(ctx, cmd)
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(ctx context.Context, cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "list_sources":
		if h.callbacks.OnListSources != nil {
			sources := h.callbacks.OnListSources()
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"sources": sources,
				"count":   len(sources),
			}
		} else {
			resp.Status = "error"
			resp.Error = "list_sources not implemented"
		}

	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"session": h.callbacks.OnGetStatus(),
			}
		} else {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
		}

	case "arm":
		if h.callbacks.OnArm != nil {
			if len(cmd.Sources) == 0 {
				resp.Status = "error"
				resp.Error = "missing or empty 'sources' parameter"
			} else if sessionID, err := h.callbacks.OnArm(cmd.Sources); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"session_id": sessionID,
					"sources":    len(cmd.Sources),
				}
			}
		} else {
			resp.Status = "error"
			resp.Error = "arm not implemented"
		}

	case "disarm":
		resp = h.simple(cmd, h.callbacks.OnDisarm)

	case "start":
		if h.callbacks.OnStart != nil {
			if err := h.callbacks.OnStart(ctx); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{"recording": true}
			}
		} else {
			resp.Status = "error"
			resp.Error = "start not implemented"
		}

	case "pause":
		resp = h.simple(cmd, h.callbacks.OnPause)

	case "resume":
		resp = h.simple(cmd, h.callbacks.OnResume)

	case "stop":
		if h.callbacks.OnStop != nil {
			if err := h.callbacks.OnStop(ctx); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{"recording": false}
			}
		} else {
			resp.Status = "error"
			resp.Error = "stop not implemented"
		}

	case "shutdown":
		if h.callbacks.OnShutdown != nil {
			slog.Warn("shutdown command received via MQTT control plane")
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"shutdown_initiated": true,
			}
			// Send response BEFORE triggering shutdown
			h.sendResponse(resp)

			go func() {
				time.Sleep(500 * time.Millisecond)
				if err := h.callbacks.OnShutdown(); err != nil {
					slog.Error("shutdown callback failed", "error", err)
				}
			}()
			return
		}
		resp.Status = "error"
		resp.Error = "shutdown not implemented"

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

// simple runs a no-argument callback and builds the standard response.
func (h *Handler) simple(cmd Command, fn func() error) Response {
	resp := Response{CommandAck: cmd.Command}
	if fn == nil {
		resp.Status = "error"
		resp.Error = fmt.Sprintf("%s not implemented", cmd.Command)
		return resp
	}
	if err := fn(); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	resp.Status = "success"
	return resp
}

// sendResponse publishes a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Health
	qos := h.cfg.MQTT.QoS["health"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
