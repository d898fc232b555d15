package logger

import (
	"bytes"
	"io"
	"sync"
)

// GateState represents the state of the log gate
type GateState int

const (
	// GateClosed buffers writes
	GateClosed GateState = iota
	// GateOpen passes writes straight through
	GateOpen
)

// GatedWriter is an io.Writer that holds start-up output back until the
// server has printed its configuration banner.
type GatedWriter struct {
	mu         sync.Mutex
	underlying io.Writer
	buffer     bytes.Buffer
	state      GateState
	maxBuffer  int
}

// GatedWriterConfig configures a GatedWriter
type GatedWriterConfig struct {
	Underlying   io.Writer
	InitialState GateState
	// MaxBufferSize limits buffered bytes (0 = unlimited); the oldest bytes are dropped first
	MaxBufferSize int
}

func NewGatedWriter(config GatedWriterConfig) *GatedWriter {
	if config.Underlying == nil {
		config.Underlying = io.Discard
	}
	return &GatedWriter{
		underlying: config.Underlying,
		state:      config.InitialState,
		maxBuffer:  config.MaxBufferSize,
	}
}

func (gw *GatedWriter) Write(p []byte) (int, error) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.state == GateOpen {
		return gw.underlying.Write(p)
	}
	if gw.maxBuffer > 0 && gw.buffer.Len()+len(p) > gw.maxBuffer {
		gw.buffer.Next(gw.buffer.Len() + len(p) - gw.maxBuffer)
	}
	return gw.buffer.Write(p)
}

// OpenGate flushes the buffer and lets subsequent writes through
func (gw *GatedWriter) OpenGate() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.state == GateOpen {
		return nil
	}
	gw.state = GateOpen
	if gw.buffer.Len() == 0 {
		return nil
	}
	_, err := gw.underlying.Write(gw.buffer.Bytes())
	gw.buffer.Reset()
	return err
}

func (gw *GatedWriter) IsOpen() bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.state == GateOpen
}

func (gw *GatedWriter) BufferedSize() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.buffer.Len()
}

// GatedLogger wraps a logger with gate control
type GatedLogger struct {
	Logger
	gate *GatedWriter
}

// NewGatedLogger creates a logger whose console output goes through a gate.
// The file writer, when configured, is never gated.
func NewGatedLogger(config *Config, gateConfig GatedWriterConfig) (*GatedLogger, *GatedWriter) {
	if config == nil {
		config = DefaultConfig()
	}
	if gateConfig.Underlying == nil && len(config.Outputs) > 0 {
		gateConfig.Underlying = config.Outputs[0]
	}

	gate := NewGatedWriter(gateConfig)

	gated := *config
	gated.Outputs = []io.Writer{gate}

	return &GatedLogger{
		Logger: NewZerologLogger(&gated),
		gate:   gate,
	}, gate
}

// NewTestLogger returns an open, discarding logger for tests and tools
func NewTestLogger() *GatedLogger {
	log, _ := NewGatedLogger(&Config{Level: TraceLevel, Format: JSONFormat}, GatedWriterConfig{
		Underlying:   io.Discard,
		InitialState: GateOpen,
	})
	return log
}

func (gl *GatedLogger) WithSystem(name string) *GatedLogger {
	return &GatedLogger{Logger: gl.Logger.WithSystem(name), gate: gl.gate}
}

func (gl *GatedLogger) WithSubsystem(name string) *GatedLogger {
	return &GatedLogger{Logger: gl.Logger.WithSubsystem(name), gate: gl.gate}
}

func (gl *GatedLogger) WithFields(fields ...TypedField) *GatedLogger {
	return &GatedLogger{Logger: gl.Logger.WithFields(fields...), gate: gl.gate}
}

func (gl *GatedLogger) OpenGate() error {
	return gl.gate.OpenGate()
}

func (gl *GatedLogger) IsGateOpen() bool {
	return gl.gate.IsOpen()
}
