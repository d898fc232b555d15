package logger

import (
	"fmt"
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
)

// HCLogAdapter exposes a GatedLogger as an hclog.Logger, for libraries such
// as go-retryablehttp that log through the hclog interfaces.
type HCLogAdapter struct {
	logger *GatedLogger
	name   string
	args   []any
}

var _ hclog.Logger = (*HCLogAdapter)(nil)

func NewHCLogAdapter(logger *GatedLogger) hclog.Logger {
	return &HCLogAdapter{logger: logger}
}

func (a *HCLogAdapter) Log(level hclog.Level, msg string, args ...any) {
	switch level {
	case hclog.Trace:
		a.Trace(msg, args...)
	case hclog.Debug:
		a.Debug(msg, args...)
	case hclog.Warn:
		a.Warn(msg, args...)
	case hclog.Error:
		a.Error(msg, args...)
	default:
		a.Info(msg, args...)
	}
}

func (a *HCLogAdapter) Trace(msg string, args ...any) { a.logger.Trace(msg, a.fields(args)...) }
func (a *HCLogAdapter) Debug(msg string, args ...any) { a.logger.Debug(msg, a.fields(args)...) }
func (a *HCLogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, a.fields(args)...) }
func (a *HCLogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, a.fields(args)...) }
func (a *HCLogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, a.fields(args)...) }

// fields converts alternating hclog key/value pairs, implied args first.
// Error values are rendered as strings; a dangling key is dropped.
func (a *HCLogAdapter) fields(args []any) []TypedField {
	all := make([]any, 0, len(a.args)+len(args))
	all = append(all, a.args...)
	all = append(all, args...)

	fields := make([]TypedField, 0, len(all)/2)
	for i := 0; i+1 < len(all); i += 2 {
		key, ok := all[i].(string)
		if !ok {
			key = fmt.Sprint(all[i])
		}
		switch v := all[i+1].(type) {
		case error:
			fields = append(fields, String(key, v.Error()))
		case string:
			fields = append(fields, String(key, v))
		default:
			fields = append(fields, Any(key, v))
		}
	}
	return fields
}

func (a *HCLogAdapter) Named(name string) hclog.Logger {
	full := name
	if a.name != "" {
		full = a.name + "." + name
	}
	return &HCLogAdapter{logger: a.logger.WithSubsystem(name), name: full, args: a.args}
}

func (a *HCLogAdapter) ResetNamed(name string) hclog.Logger {
	return &HCLogAdapter{logger: a.logger.WithSystem(name), name: name, args: a.args}
}

func (a *HCLogAdapter) With(args ...any) hclog.Logger {
	merged := make([]any, 0, len(a.args)+len(args))
	merged = append(merged, a.args...)
	merged = append(merged, args...)
	return &HCLogAdapter{logger: a.logger, name: a.name, args: merged}
}

func (a *HCLogAdapter) Name() string        { return a.name }
func (a *HCLogAdapter) ImpliedArgs() []any  { return a.args }
func (a *HCLogAdapter) IsTrace() bool       { return a.logger.IsLevelEnabled(TraceLevel) }
func (a *HCLogAdapter) IsDebug() bool       { return a.logger.IsLevelEnabled(DebugLevel) }
func (a *HCLogAdapter) IsInfo() bool        { return a.logger.IsLevelEnabled(InfoLevel) }
func (a *HCLogAdapter) IsWarn() bool        { return a.logger.IsLevelEnabled(WarnLevel) }
func (a *HCLogAdapter) IsError() bool       { return a.logger.IsLevelEnabled(ErrorLevel) }
func (a *HCLogAdapter) SetLevel(hclog.Level) {}

func (a *HCLogAdapter) GetLevel() hclog.Level {
	for _, l := range []struct {
		ours   LogLevel
		theirs hclog.Level
	}{
		{TraceLevel, hclog.Trace},
		{DebugLevel, hclog.Debug},
		{InfoLevel, hclog.Info},
		{WarnLevel, hclog.Warn},
		{ErrorLevel, hclog.Error},
	} {
		if a.logger.IsLevelEnabled(l.ours) {
			return l.theirs
		}
	}
	return hclog.Off
}

// StandardLogger routes the standard library logger through the adapter at
// the level requested in opts (info when unset).
func (a *HCLogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(a.StandardWriter(opts), "", 0)
}

func (a *HCLogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	level := hclog.Info
	if opts != nil && opts.ForceLevel != hclog.NoLevel {
		level = opts.ForceLevel
	}
	return &stdWriter{adapter: a, level: level}
}

type stdWriter struct {
	adapter *HCLogAdapter
	level   hclog.Level
}

func (w *stdWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	w.adapter.Log(w.level, msg)
	return len(p), nil
}
