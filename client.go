package raven

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"
)

// maxErrorDepth bounds how far CaptureError walks an error chain.
const maxErrorDepth = 10

// CaptureOptions are call-scoped values; Tags and Extra win over the
// client defaults on key collision.
type CaptureOptions struct {
	Level   Level
	Logger  string
	Culprit string
	Tags    map[string]string
	Extra   map[string]any
	// TraceLevel moves the culprit that many frames outwards from the
	// innermost caller frame, for helpers that wrap the client.
	TraceLevel int
}

// Capturer is the capture surface provided to other plugins.
type Capturer interface {
	CaptureMessage(ctx context.Context, message string, opts *CaptureOptions) (string, error)
	CaptureException(ctx context.Context, exceptions []Exception, opts *CaptureOptions) (string, error)
	CaptureError(ctx context.Context, err error, opts *CaptureOptions) (string, error)
	SendReport(ctx context.Context, event *Event, opts *CaptureOptions) (string, error)
}

// Client assembles events and hands them to a Sender. Defaults are set at
// construction and never mutated, so a Client is safe for concurrent use.
type Client struct {
	level       Level
	logger      string
	release     string
	environment string
	tags        map[string]string
	extra       map[string]any

	sender     Sender
	codec      Codec
	log        *zap.Logger
	serverName func() string
	now        func() time.Time
	metrics    *metricsCollector

	host       Host
	asyncOpts  []AsyncOption
	transport  Transport
	asyncQueue *AsyncSender
}

// Option configures a Client.
type Option func(*Client)

// WithSender replaces the transport built from the configuration.
func WithSender(sender Sender) Option {
	return func(c *Client) {
		c.sender = sender
	}
}

// WithHost wraps the configured transport in an AsyncSender driven by host.
func WithHost(host Host, opts ...AsyncOption) Option {
	return func(c *Client) {
		c.host = host
		c.asyncOpts = append(c.asyncOpts, opts...)
	}
}

// WithLogger sets the logger internal failures are reported to.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.log = logger
	}
}

// WithServerName overrides the host-name resolver.
func WithServerName(fn func() string) Option {
	return func(c *Client) {
		c.serverName = fn
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithCodec replaces the JSON serializer.
func WithCodec(codec Codec) Option {
	return func(c *Client) {
		c.codec = codec
	}
}

func withMetrics(mc *metricsCollector) Option {
	return func(c *Client) {
		c.metrics = mc
	}
}

// NewClient validates cfg and builds the sender it describes.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	cfg.InitDefaults()
	endpoint, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	level, _ := ParseLevel(cfg.Level)

	c := &Client{
		level:       level,
		logger:      cfg.Logger,
		release:     cfg.Release,
		environment: cfg.Environment,
		tags:        merge(cfg.Tags),
		extra:       merge(cfg.Extra),
		codec:       jsonCodec{},
		log:         zap.NewNop(),
		now:         time.Now,
	}
	c.serverName = func() string { return "undefined" }
	if cfg.ServerName != "" {
		name := cfg.ServerName
		c.serverName = func() string { return name }
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.sender == nil {
		transport, err := NewTransport(&cfg.Transport, endpoint, c.log)
		if err != nil {
			return nil, err
		}
		c.transport = transport
		c.sender = transport

		if c.host == nil && cfg.Queue.Enabled {
			c.host = NewGoroutineHost(nil)
		}
		if c.host != nil {
			asyncOpts := append([]AsyncOption{withQueueMetrics(c.metrics)}, c.asyncOpts...)
			c.asyncQueue = NewAsyncSender(transport, c.host, &cfg.Queue, c.log, asyncOpts...)
			c.sender = c.asyncQueue
		}
	}

	return c, nil
}

// Queue returns the async queue, or nil when sends are not queued.
func (c *Client) Queue() *AsyncSender {
	return c.asyncQueue
}

// CaptureMessage reports a plain message.
func (c *Client) CaptureMessage(ctx context.Context, message string, opts *CaptureOptions) (string, error) {
	opts = normalize(opts)
	event := &Event{
		Message: message,
		Culprit: c.culprit(opts),
	}
	return c.SendReport(ctx, event, opts)
}

// CaptureException reports an exception chain; the first exception's value
// becomes the event message. A missing stack trace on the first exception
// is filled from the call site.
func (c *Client) CaptureException(ctx context.Context, exceptions []Exception, opts *CaptureOptions) (string, error) {
	opts = normalize(opts)
	if len(exceptions) == 0 {
		return "", &Error{Op: "capture_exception", Kind: KindCapture, Message: "no exception to capture"}
	}

	exceptions = append([]Exception(nil), exceptions...)
	if exceptions[0].Stacktrace == nil {
		exceptions[0].Stacktrace = newStacktrace()
	}

	event := &Event{
		Message:   exceptions[0].Value,
		Culprit:   c.culprit(opts),
		Exception: exceptions,
	}
	return c.SendReport(ctx, event, opts)
}

// CaptureError reports err and the errors it wraps, outermost first.
func (c *Client) CaptureError(ctx context.Context, err error, opts *CaptureOptions) (string, error) {
	if err == nil {
		return "", &Error{Op: "capture_error", Kind: KindCapture, Message: "no error to capture"}
	}
	opts = normalize(opts)
	event := c.eventFromError(err, opts)
	return c.SendReport(ctx, event, opts)
}

// SendReport finalizes and delivers an event, which may have been built
// earlier (see Protect). It returns the fresh event id on success.
func (c *Client) SendReport(ctx context.Context, event *Event, opts *CaptureOptions) (string, error) {
	const op = "send_report"

	if event == nil {
		return "", &Error{Op: op, Kind: KindCapture, Message: "nil event"}
	}
	opts = normalize(opts)

	final := *event
	final.EventID = newEventID()
	final.Timestamp = FormatTimestamp(c.now())
	final.ServerName = c.serverName()
	final.Platform = Platform

	final.Level = firstNonEmpty(opts.Level, final.Level, c.level)
	final.Logger = firstNonEmpty(opts.Logger, final.Logger, c.logger)
	final.Release = firstNonEmpty(final.Release, c.release)
	final.Environment = firstNonEmpty(final.Environment, c.environment)
	if opts.Culprit != "" {
		final.Culprit = opts.Culprit
	}
	final.Tags = merge(c.tags, event.Tags, opts.Tags)
	final.Extra = merge(c.extra, event.Extra, opts.Extra)

	payload, err := c.codec.Encode(&final)
	if err != nil {
		c.log.Error("Failed to serialize event, sending degraded event",
			zap.String("event_id", final.EventID),
			zap.Error(err))
		payload, err = c.codec.Encode(degraded(&final))
		if err != nil {
			c.metrics.IncEvents(final.Level, "failed")
			return "", &Error{Op: op, Kind: KindCapture, Message: fmt.Sprintf("failed to serialize event: %v", err), Err: err}
		}
	}

	if err := c.sender.Send(ctx, payload); err != nil {
		c.metrics.IncEvents(final.Level, "failed")
		c.log.Warn("Failed to send event",
			zap.String("event_id", final.EventID),
			zap.Error(err))
		return "", err
	}

	outcome := "sent"
	if c.asyncQueue != nil {
		// delivery outcome is counted by the queue
		outcome = "accepted"
	}
	c.metrics.IncEvents(final.Level, outcome)
	return final.EventID, nil
}

func (c *Client) culprit(opts *CaptureOptions) string {
	if opts.Culprit != "" {
		return opts.Culprit
	}
	return culpritAt(callerFrames(), opts.TraceLevel)
}

func (c *Client) eventFromError(err error, opts *CaptureOptions) *Event {
	frames := callerFrames()

	exceptions := exceptionsFromError(err)
	if exceptions[0].Stacktrace == nil && len(frames) > 0 {
		exceptions[0].Stacktrace = &Stacktrace{Frames: frames}
	}

	culprit := opts.Culprit
	if culprit == "" {
		culprit = culpritAt(exceptions[0].Stacktrace.framesOrNil(), opts.TraceLevel)
	}

	return &Event{
		Message:   err.Error(),
		Culprit:   culprit,
		Exception: exceptions,
	}
}

func exceptionsFromError(err error) []Exception {
	var exceptions []Exception
	for i := 0; i < maxErrorDepth && err != nil; i++ {
		typeName, module := errorType(err)
		exc := Exception{
			Type:       typeName,
			Value:      err.Error(),
			Module:     module,
			Stacktrace: errorStacktrace(err),
		}
		err = unwrapError(err)

		// pkg/errors.Wrap layers a stack over a message with the same text
		if n := len(exceptions); n > 0 && exceptions[n-1].Value == exc.Value {
			if exceptions[n-1].Stacktrace == nil {
				exceptions[n-1].Stacktrace = exc.Stacktrace
			}
			continue
		}
		exceptions = append(exceptions, exc)
	}
	return exceptions
}

func unwrapError(err error) error {
	if next := errors.Unwrap(err); next != nil {
		return next
	}
	// github.com/pkg/errors before Unwrap support
	if causer, ok := err.(interface{ Cause() error }); ok {
		return causer.Cause()
	}
	return nil
}

func errorType(err error) (string, string) {
	t := reflect.TypeOf(err)
	name := t.String()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return name, t.PkgPath()
}

func (s *Stacktrace) framesOrNil() []Frame {
	if s == nil {
		return nil
	}
	return s.Frames
}

// degraded keeps only what is needed to identify the event.
func degraded(e *Event) *Event {
	return &Event{
		EventID:     e.EventID,
		Timestamp:   e.Timestamp,
		Level:       e.Level,
		Message:     e.Message,
		Logger:      e.Logger,
		Platform:    e.Platform,
		Release:     e.Release,
		Environment: e.Environment,
		ServerName:  e.ServerName,
	}
}

func normalize(opts *CaptureOptions) *CaptureOptions {
	if opts == nil {
		return &CaptureOptions{}
	}
	return opts
}

func firstNonEmpty[T ~string](values ...T) T {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
