package raven

import (
	"context"

	"go.uber.org/zap"
)

// RPC provides RPC methods for PHP communication
type RPC struct {
	plugin *Plugin
	logger *zap.Logger
}

// NewRPC creates a new RPC instance
func NewRPC(plugin *Plugin, logger *zap.Logger) *RPC {
	return &RPC{
		plugin: plugin,
		logger: logger,
	}
}

// MessageRequest captures a message on behalf of a worker.
type MessageRequest struct {
	Message string            `json:"message"`
	Level   string            `json:"level,omitempty"`
	Culprit string            `json:"culprit,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
	Extra   map[string]any    `json:"extra,omitempty"`
}

// ReportRequest sends an event assembled by the worker.
type ReportRequest struct {
	Event *Event            `json:"event"`
	Tags  map[string]string `json:"tags,omitempty"`
	Extra map[string]any    `json:"extra,omitempty"`
}

// CaptureResult represents the result of a capture
type CaptureResult struct {
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Stats reports the async queue state
type Stats struct {
	QueueLength  int  `json:"queue_length"`
	DrainRunning bool `json:"drain_running"`
}

// CaptureMessage captures a single message
func (r *RPC) CaptureMessage(req *MessageRequest, result *CaptureResult) error {
	opts := &CaptureOptions{Culprit: req.Culprit, Tags: req.Tags, Extra: req.Extra}
	if opts.Culprit == "" {
		// the Go stack here is net/rpc dispatch, not the worker's
		opts.Culprit = "rpc"
	}
	if req.Level != "" {
		level, err := ParseLevel(req.Level)
		if err != nil {
			*result = CaptureResult{Error: err.Error()}
			return nil
		}
		opts.Level = level
	}

	id, err := r.plugin.client.CaptureMessage(context.Background(), req.Message, opts)
	r.fill(result, id, err)
	return nil
}

// SendReport sends a pre-built event
func (r *RPC) SendReport(req *ReportRequest, result *CaptureResult) error {
	opts := &CaptureOptions{Tags: req.Tags, Extra: req.Extra}

	id, err := r.plugin.client.SendReport(context.Background(), req.Event, opts)
	r.fill(result, id, err)
	return nil
}

// Stats returns the queue state
func (r *RPC) Stats(_ bool, stats *Stats) error {
	queue := r.plugin.client.Queue()
	*stats = Stats{
		QueueLength:  queue.Len(),
		DrainRunning: queue.Running(),
	}
	return nil
}

// fill reports failures in the result, never as an RPC error, so that the
// worker always gets an id or a message back.
func (r *RPC) fill(result *CaptureResult, id string, err error) {
	if err != nil {
		r.logger.Error("Failed to capture event via RPC", zap.Error(err))
		*result = CaptureResult{Error: err.Error()}
		return
	}

	r.logger.Debug("Event accepted via RPC", zap.String("event_id", id))
	*result = CaptureResult{EventID: id}
}
