package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func (f StringField) apply(e *zerolog.Event) *zerolog.Event   { return e.Str(f.Key, f.Value) }
func (f IntField) apply(e *zerolog.Event) *zerolog.Event      { return e.Int(f.Key, f.Value) }
func (f Int64Field) apply(e *zerolog.Event) *zerolog.Event    { return e.Int64(f.Key, f.Value) }
func (f BoolField) apply(e *zerolog.Event) *zerolog.Event     { return e.Bool(f.Key, f.Value) }
func (f DurationField) apply(e *zerolog.Event) *zerolog.Event { return e.Dur(f.Key, f.Value) }
func (f TimeField) apply(e *zerolog.Event) *zerolog.Event     { return e.Time(f.Key, f.Value) }
func (f ErrorField) apply(e *zerolog.Event) *zerolog.Event    { return e.Err(f.Value) }
func (f AnyField) apply(e *zerolog.Event) *zerolog.Event      { return e.Interface(f.Key, f.Value) }

func (f StringField) key() string   { return f.Key }
func (f IntField) key() string      { return f.Key }
func (f Int64Field) key() string    { return f.Key }
func (f BoolField) key() string     { return f.Key }
func (f DurationField) key() string { return f.Key }
func (f TimeField) key() string     { return f.Key }
func (f ErrorField) key() string    { return zerolog.ErrorFieldName }
func (f AnyField) key() string      { return f.Key }

func (f StringField) value() any   { return f.Value }
func (f IntField) value() any      { return f.Value }
func (f Int64Field) value() any    { return f.Value }
func (f BoolField) value() any     { return f.Value }
func (f DurationField) value() any { return f.Value }
func (f TimeField) value() any     { return f.Value }
func (f ErrorField) value() any {
	if f.Value == nil {
		return nil
	}
	return f.Value.Error()
}
func (f AnyField) value() any { return f.Value }

// ZerologLogger implements Logger using zerolog
type ZerologLogger struct {
	base       zerolog.Logger // everything but the module field
	logger     zerolog.Logger
	config     *Config
	subsystem  string
	fileWriter *lumberjack.Logger
}

// NewZerologLogger creates a new ZerologLogger. A nil config yields DefaultConfig.
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	writer, fileWriter := buildWriter(config)

	base := zerolog.New(writer).Level(config.Level.zerolog()).With().Timestamp().Logger()
	if config.EnableCaller {
		base = base.With().CallerWithSkipFrameCount(4).Logger()
	}

	return &ZerologLogger{
		base:       base,
		logger:     withModule(base, config.Subsystem),
		config:     config,
		subsystem:  config.Subsystem,
		fileWriter: fileWriter,
	}
}

func buildWriter(config *Config) (io.Writer, *lumberjack.Logger) {
	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if config.FileConfig != nil && config.FileConfig.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(config.FileConfig.Filename), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		} else {
			fileWriter = &lumberjack.Logger{
				Filename:   config.FileConfig.Filename,
				MaxSize:    config.FileConfig.MaxSize,
				MaxAge:     config.FileConfig.MaxAge,
				MaxBackups: config.FileConfig.MaxBackups,
				Compress:   config.FileConfig.Compress,
				LocalTime:  true,
			}
			writers = append(writers, fileWriter)
		}
	}

	for _, output := range config.Outputs {
		if config.Format == JSONFormat {
			writers = append(writers, output)
			continue
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
			PartsOrder: []string{
				zerolog.TimestampFieldName,
				zerolog.LevelFieldName,
				zerolog.CallerFieldName,
				"module",
				zerolog.MessageFieldName,
			},
		})
	}

	switch len(writers) {
	case 0:
		return io.Discard, fileWriter
	case 1:
		return writers[0], fileWriter
	default:
		return zerolog.MultiLevelWriter(writers...), fileWriter
	}
}

func withModule(base zerolog.Logger, module string) zerolog.Logger {
	if module == "" {
		return base
	}
	return base.With().Str("module", module).Logger()
}

func (zl *ZerologLogger) log(event *zerolog.Event, msg string, fields []TypedField) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = f.apply(event)
	}
	event.Msg(msg)
}

func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.log(zl.logger.Trace(), msg, fields)
}

func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.log(zl.logger.Debug(), msg, fields)
}

func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.log(zl.logger.Info(), msg, fields)
}

func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.log(zl.logger.Warn(), msg, fields)
}

func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.log(zl.logger.Error(), msg, fields)
}

// Fatal logs a message at fatal level and exits the process
func (zl *ZerologLogger) Fatal(msg string, fields ...TypedField) {
	zl.log(zl.logger.Fatal(), msg, fields)
}

func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	if zl.subsystem != "" {
		name = zl.subsystem + "." + name
	}
	return zl.derive(name)
}

func (zl *ZerologLogger) WithSystem(name string) Logger {
	return zl.derive(name)
}

// derive shares the writers of zl; child loggers never reopen the log file.
func (zl *ZerologLogger) derive(module string) Logger {
	child := *zl.config
	child.Subsystem = module
	return &ZerologLogger{
		base:       zl.base,
		logger:     withModule(zl.base, module),
		config:     &child,
		subsystem:  module,
		fileWriter: zl.fileWriter,
	}
}

func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}
	ctx := zl.base.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.key(), f.value())
	}
	base := ctx.Logger()
	return &ZerologLogger{
		base:       base,
		logger:     withModule(base, zl.subsystem),
		config:     zl.config,
		subsystem:  zl.subsystem,
		fileWriter: zl.fileWriter,
	}
}

func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	return zl.logger.GetLevel() <= level.zerolog()
}

// Close releases the rotated log file, if any
func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}
