package raven

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Plugin represents the main plugin structure
type Plugin struct {
	config  *Config
	logger  *zap.Logger
	client  *Client
	host    *GoroutineHost
	metrics *metricsCollector

	// network I/O is only allowed once Serve has started
	serving atomic.Bool

	// Lifecycle
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// Configurer interface for config plugin
type Configurer interface {
	UnmarshalKey(name string, out any) error
	Has(name string) bool
}

// Logger interface for logger plugin
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Init initializes the plugin
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("raven_plugin_init")

	// Check if configuration section exists
	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	config := &Config{}
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return errors.E(op, err)
	}

	if !config.Enabled {
		return errors.E(op, errors.Disabled)
	}

	// RPC callers are PHP workers; sends always go through the queue
	// unless the configuration says otherwise.
	config.Queue.Enabled = true
	if !cfg.Has(PluginName + ".queue.force_async") {
		config.Queue.ForceAsync = true
	}
	config.InitDefaults()

	p.logger = log.NamedLogger(PluginName)
	if level, err := zapcore.ParseLevel(config.Logging.Level); err == nil {
		p.logger = p.logger.WithOptions(zap.IncreaseLevel(level))
	}

	p.metrics = newMetricsCollector()
	p.host = NewGoroutineHost(p.phase)

	client, err := NewClient(config,
		WithLogger(p.logger),
		WithHost(p.host),
		withMetrics(p.metrics))
	if err != nil {
		return errors.E(op, err)
	}

	p.config = config
	p.client = client
	p.metrics.queueLength = client.Queue().Len

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Info("Raven plugin initialized",
		zap.String("transport", string(config.Transport.Kind)),
		zap.Int("queue_size", config.Queue.Size),
		zap.Bool("force_async", config.Queue.ForceAsync))

	return nil
}

// Serve starts the plugin
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	if p.config == nil {
		errCh <- errors.E(errors.Op("raven_plugin_serve"), errors.Str("plugin not initialized"))
		return errCh
	}

	p.serving.Store(true)

	go func() {
		defer close(p.doneCh)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go p.cleanupRoutine(ctx)

		p.logger.Info("Raven plugin started")

		<-p.stopCh
		p.logger.Info("Raven plugin stopping")

		p.serving.Store(false)
		queue := p.client.Queue()
		queue.Close()

		flushCtx, flushCancel := context.WithTimeout(ctx, p.config.Queue.FlushTimeout)
		defer flushCancel()
		if err := queue.Flush(flushCtx); err != nil {
			p.logger.Warn("Queue not drained before shutdown, pending events are lost",
				zap.Int("queue_length", queue.Len()),
				zap.Error(err))
		}

		if closer, ok := p.client.transport.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				p.logger.Error("Error closing transport", zap.Error(err))
			}
		}

		p.logger.Info("Raven plugin stopped")
	}()

	return errCh
}

// Stop stops the plugin. Calls after the first return the first result.
func (p *Plugin) Stop(ctx context.Context) error {
	if p.stopCh == nil {
		return nil
	}
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *Plugin) stop(ctx context.Context) error {
	close(p.stopCh)

	// Wait for graceful shutdown with timeout
	select {
	case <-p.doneCh:
		p.host.Close()
		return nil
	case <-ctx.Done():
		p.logger.Warn("Plugin stop timed out, cancelling pending drain tasks")
		p.host.Cancel()
		return ctx.Err()
	}
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface
func (p *Plugin) RPC() any {
	return NewRPC(p, p.logger)
}

// Provides returns the dependencies this plugin provides
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*Capturer)(nil), p.Capturer),
	}
}

// MetricsCollector implements the metrics plugin's StatProvider
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	return []prometheus.Collector{p.metrics}
}

// Capturer returns the client as the capture interface
func (p *Plugin) Capturer() Capturer {
	return p.client
}

func (p *Plugin) phase() Phase {
	if p.serving.Load() {
		return PhaseRequest
	}
	return PhaseInit
}

// cleanupRoutine periodically drops expired rate limits
func (p *Plugin) cleanupRoutine(ctx context.Context) {
	limited, ok := p.client.transport.(interface{ RateLimiter() *RateLimiter })
	if !ok {
		return
	}

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limited.RateLimiter().CleanupExpired()
		}
	}
}
