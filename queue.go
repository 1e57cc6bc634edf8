package raven

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AsyncSender buffers prepared requests while the host forbids I/O and
// empties the buffer from a single deferred drain task.
//
// States: Idle (empty queue, no task), Draining (a task is scheduled or
// running). The queue and taskRunning only change under mu, so the
// check-and-set that schedules a task is atomic with respect to every other
// enqueue, and at most one drain task exists per AsyncSender.
type AsyncSender struct {
	transport  Transport
	host       Host
	config     *QueueConfig
	logger     *zap.Logger
	metrics    *metricsCollector
	onSchedule func()

	mu          sync.Mutex
	queue       []*Request
	taskRunning bool
	closed      bool
}

// AsyncOption configures an AsyncSender.
type AsyncOption func(*AsyncSender)

// WithOnSchedule registers a hook invoked every time a drain task is scheduled.
func WithOnSchedule(fn func()) AsyncOption {
	return func(s *AsyncSender) {
		s.onSchedule = fn
	}
}

func withQueueMetrics(mc *metricsCollector) AsyncOption {
	return func(s *AsyncSender) {
		s.metrics = mc
	}
}

// NewAsyncSender wraps transport with a bounded FIFO queue.
func NewAsyncSender(transport Transport, host Host, config *QueueConfig, logger *zap.Logger, opts ...AsyncOption) *AsyncSender {
	s := &AsyncSender{
		transport: transport,
		host:      host,
		config:    config,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delivers synchronously when the host allows I/O and ForceAsync is
// off; otherwise the request is queued and nil is returned once accepted.
func (s *AsyncSender) Send(ctx context.Context, payload []byte) error {
	if !s.config.ForceAsync && s.host.Phase().CanDoIO() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return ErrQueueClosed
		}
		return s.transport.Send(ctx, payload)
	}

	req, err := s.transport.Prepare(payload)
	if err != nil {
		return err
	}
	return s.enqueue(req)
}

func (s *AsyncSender) enqueue(req *Request) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrQueueClosed
	}
	if len(s.queue) >= s.config.Size {
		s.mu.Unlock()
		s.logger.Warn("Queue is full, dropping event", zap.Int("queue_size", s.config.Size))
		s.metrics.IncDroppedEvents()
		return ErrQueueFull
	}

	s.queue = append(s.queue, req)
	if s.taskRunning {
		s.mu.Unlock()
		s.metrics.IncQueuedEvents()
		return nil
	}

	// mu stays held across Schedule: no other enqueue may see a task that
	// was never scheduled.
	if err := s.host.Schedule(s.drain, s.config.DrainDelay); err != nil {
		s.remove(req)
		pending := len(s.queue)
		s.mu.Unlock()

		s.logger.Error("Failed to schedule drain task, event rejected", zap.Int("queue_length", pending), zap.Error(err))
		return &Error{Op: "queue_schedule", Kind: KindTransport, Message: fmt.Sprintf("failed to schedule drain task: %v", err), Err: err}
	}
	s.taskRunning = true
	s.mu.Unlock()

	s.metrics.IncQueuedEvents()
	s.metrics.IncDrainTasks()
	if s.onSchedule != nil {
		s.onSchedule()
	}
	return nil
}

// remove drops req from the queue. Callers hold mu.
func (s *AsyncSender) remove(req *Request) {
	for i := len(s.queue) - 1; i >= 0; i-- {
		if s.queue[i] == req {
			copy(s.queue[i:], s.queue[i+1:])
			s.queue[len(s.queue)-1] = nil
			s.queue = s.queue[:len(s.queue)-1]
			return
		}
	}
}

// drain delivers queued requests in FIFO order. Every head entry is removed
// after one attempt, whatever the outcome.
func (s *AsyncSender) drain() {
	ctx := context.Background()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.taskRunning = false
			s.mu.Unlock()
			return
		}
		req := s.queue[0]
		s.mu.Unlock()

		err := s.deliver(ctx, req)

		s.mu.Lock()
		s.queue[0] = nil
		s.queue = s.queue[1:]
		remaining := len(s.queue)
		s.mu.Unlock()

		if err != nil {
			s.metrics.IncFailedEvents()
			s.logger.Error("Failed to deliver queued event, dropping it",
				zap.Int("queue_length", remaining),
				zap.Error(err))
			continue
		}
		s.metrics.IncDeliveredEvents()
	}
}

// deliver turns a panicking transport into an ordinary failure so the
// drain loop always reaches the point where it clears taskRunning.
func (s *AsyncSender) deliver(ctx context.Context, req *Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Op: "queue_drain", Kind: KindTransport, Message: fmt.Sprintf("transport panicked: %v", r)}
		}
	}()
	return s.transport.Deliver(ctx, req)
}

// Len returns the number of pending requests.
func (s *AsyncSender) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Running reports whether a drain task is scheduled or running.
func (s *AsyncSender) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskRunning
}

// Flush blocks until the queue is idle or ctx is done.
func (s *AsyncSender) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		idle := len(s.queue) == 0 && !s.taskRunning
		s.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close rejects further sends. Requests already queued are still drained.
func (s *AsyncSender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
