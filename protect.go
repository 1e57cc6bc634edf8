package raven

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// PanicError carries a value recovered by Protect.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return "panic: " + err.Error()
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error value.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Result is the outcome of a protected call. On failure Event holds the
// captured event, assembled but not yet sent.
type Result struct {
	Err   error
	Event *Event
}

// Failed reports whether the protected function failed.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Protect runs fn and captures a returned error or a panic without doing
// any I/O. The panic trace is taken inside the deferred handler, before the
// stack unwinds; sending is left to the caller.
func (c *Client) Protect(fn func() error, opts *CaptureOptions) (res Result) {
	opts = normalize(opts)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		perr := &PanicError{Value: r}
		res = Result{Err: perr, Event: c.safeEvent(perr, opts, c.eventFromPanic)}
	}()

	if err := fn(); err != nil {
		return Result{Err: err, Event: c.safeEvent(err, opts, c.eventFromError)}
	}
	return Result{}
}

// Call runs fn under Protect and reports a failure once fn has unwound.
// It returns fn's own error, or a *PanicError if fn panicked.
func (c *Client) Call(ctx context.Context, fn func() error, opts *CaptureOptions) error {
	res := c.Protect(fn, opts)
	if !res.Failed() {
		return nil
	}

	if _, err := c.SendReport(ctx, res.Event, opts); err != nil {
		c.log.Error("Failed to report protected call failure", zap.Error(err))
	}
	return res.Err
}

// CallValue is Call for functions with a result, which is returned as is.
func CallValue[T any](ctx context.Context, c *Client, fn func() (T, error), opts *CaptureOptions) (T, error) {
	var out T
	err := c.Call(ctx, func() error {
		var err error
		out, err = fn()
		return err
	}, opts)
	return out, err
}

func (c *Client) eventFromPanic(perr error, opts *CaptureOptions) *Event {
	pe := perr.(*PanicError)
	frames := callerFrames()

	typeName := "panic"
	module := ""
	if err, ok := pe.Value.(error); ok {
		typeName, module = errorType(err)
	}

	var trace *Stacktrace
	if len(frames) > 0 {
		trace = &Stacktrace{Frames: frames}
	}

	culprit := opts.Culprit
	if culprit == "" {
		culprit = culpritAt(frames, opts.TraceLevel)
	}

	return &Event{
		Level:   LevelFatal,
		Message: pe.Error(),
		Culprit: culprit,
		Exception: []Exception{{
			Type:       typeName,
			Value:      pe.Error(),
			Module:     module,
			Stacktrace: trace,
		}},
	}
}

// safeEvent never lets a failure while assembling the event escape: it
// falls back to a message-only event and logs the internal failure.
func (c *Client) safeEvent(err error, opts *CaptureOptions, build func(error, *CaptureOptions) *Event) (event *Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Failed to assemble event, using degraded event",
				zap.Any("panic", r),
				zap.NamedError("original", err))
			event = &Event{Message: err.Error()}
		}
	}()
	return build(err, opts)
}
