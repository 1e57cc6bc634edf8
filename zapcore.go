package raven

import (
	"context"

	"go.uber.org/zap/zapcore"
)

var zapLevels = map[zapcore.Level]Level{
	zapcore.DebugLevel:  LevelDebug,
	zapcore.InfoLevel:   LevelInfo,
	zapcore.WarnLevel:   LevelWarning,
	zapcore.ErrorLevel:  LevelError,
	zapcore.DPanicLevel: LevelFatal,
	zapcore.PanicLevel:  LevelFatal,
	zapcore.FatalLevel:  LevelFatal,
}

// zapCore reports log entries as events. Do not tee it into the logger
// given to the same client, or transport failures will report themselves.
type zapCore struct {
	zapcore.LevelEnabler
	client Capturer
	fields map[string]any
	errs   []error
}

// NewZapCore returns a zapcore.Core reporting entries enabled by level.
// An entry carrying zap.Error fields is reported as an exception.
func NewZapCore(client Capturer, level zapcore.LevelEnabler) zapcore.Core {
	return &zapCore{LevelEnabler: level, client: client, fields: map[string]any{}}
}

func (c *zapCore) With(fs []zapcore.Field) zapcore.Core {
	return c.with(fs)
}

func (c *zapCore) with(fs []zapcore.Field) *zapCore {
	fields := make(map[string]any, len(c.fields)+len(fs))
	for k, v := range c.fields {
		fields[k] = v
	}
	errs := append([]error(nil), c.errs...)

	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fs {
		if f.Type == zapcore.ErrorType {
			if err, ok := f.Interface.(error); ok {
				errs = append(errs, err)
				continue
			}
		}
		f.AddTo(enc)
	}
	for k, v := range enc.Fields {
		fields[k] = v
	}

	return &zapCore{LevelEnabler: c.LevelEnabler, client: c.client, fields: fields, errs: errs}
}

func (c *zapCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *zapCore) Write(ent zapcore.Entry, fs []zapcore.Field) error {
	clone := c.with(fs)

	opts := &CaptureOptions{
		Level:  zapLevels[ent.Level],
		Logger: ent.LoggerName,
		Extra:  clone.fields,
	}
	if ent.Caller.Defined {
		opts.Culprit = ent.Caller.TrimmedPath()
	}

	ctx := context.Background()
	var err error
	if len(clone.errs) > 0 {
		opts.Extra = merge(clone.fields, map[string]any{"log_message": ent.Message})
		_, err = c.client.CaptureError(ctx, clone.errs[len(clone.errs)-1], opts)
	} else {
		_, err = c.client.CaptureMessage(ctx, ent.Message, opts)
	}
	return err
}

func (c *zapCore) Sync() error {
	return nil
}
