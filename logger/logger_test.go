package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(t *testing.T, buf *bytes.Buffer, state GateState) (*GatedLogger, *GatedWriter) {
	t.Helper()
	return NewGatedLogger(&Config{Level: DebugLevel, Format: JSONFormat}, GatedWriterConfig{
		Underlying:   buf,
		InitialState: state,
	})
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "<empty>", Preview(""))
	assert.Equal(t, "short", Preview("short"))
	assert.Equal(t, "0123456789abcdef", Preview("0123456789abcdef"))
	assert.Equal(t, "0123456789abcdef...", Preview("0123456789abcdefXYZ"))
}

func TestGatedLogger_BuffersUntilOpen(t *testing.T) {
	var buf bytes.Buffer
	log, gate := newJSONLogger(t, &buf, GateClosed)

	log.Info("starting", String("phase", "init"))
	assert.Zero(t, buf.Len())
	assert.Positive(t, gate.BufferedSize())
	assert.False(t, log.IsGateOpen())

	require.NoError(t, log.OpenGate())
	assert.Zero(t, gate.BufferedSize())

	log.Info("running")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "starting", lines[0]["message"])
	assert.Equal(t, "init", lines[0]["phase"])
	assert.Equal(t, "running", lines[1]["message"])
}

func TestGatedWriter_MaxBufferDropsOldest(t *testing.T) {
	var buf bytes.Buffer
	gw := NewGatedWriter(GatedWriterConfig{Underlying: &buf, MaxBufferSize: 4})

	_, _ = gw.Write([]byte("abcd"))
	_, _ = gw.Write([]byte("ef"))
	require.NoError(t, gw.OpenGate())

	assert.Equal(t, "cdef", buf.String())
}

func TestZerologLogger_SubsystemAndFields(t *testing.T) {
	var buf bytes.Buffer
	log, _ := newJSONLogger(t, &buf, GateOpen)

	child := log.WithSystem("revocation").WithSubsystem("listener").WithFields(String("channel", "revoked_tokens"))
	child.Warn("connection lost", Err(errors.New("eof")), TokenPreview("token", "abcdefghijklmnopqrstuvwxyz"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "revocation.listener", lines[0]["module"])
	assert.Equal(t, "revoked_tokens", lines[0]["channel"])
	assert.Equal(t, "eof", lines[0]["error"])
	assert.Equal(t, "abcdefghijklmnop...", lines[0]["token"])
}

func TestZerologLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, _ := NewGatedLogger(&Config{Level: WarnLevel, Format: JSONFormat}, GatedWriterConfig{
		Underlying:   &buf,
		InitialState: GateOpen,
	})

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")

	assert.False(t, log.IsLevelEnabled(DebugLevel))
	assert.True(t, log.IsLevelEnabled(ErrorLevel))
	assert.Len(t, decodeLines(t, &buf), 1)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, TraceLevel, ParseLogLevel("TRACE"))
	assert.Equal(t, WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLogLevel("err"))
	assert.Equal(t, InfoLevel, ParseLogLevel("bogus"))
	assert.Equal(t, JSONFormat, ParseOutputFormat("Json"))
	assert.Equal(t, DefaultFormat, ParseOutputFormat(""))
}

func TestHCLogAdapter(t *testing.T) {
	var buf bytes.Buffer
	log, _ := newJSONLogger(t, &buf, GateOpen)

	adapter := NewHCLogAdapter(log).With("client", "introspection")
	adapter.Debug("retrying request", "attempt", 2, "error", errors.New("connection reset"), "dangling")
	adapter.Log(hclog.Error, "giving up")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "debug", lines[0]["level"])
	assert.Equal(t, "introspection", lines[0]["client"])
	assert.Equal(t, float64(2), lines[0]["attempt"])
	assert.Equal(t, "connection reset", lines[0]["error"])
	assert.NotContains(t, lines[0], "dangling")
	assert.Equal(t, "error", lines[1]["level"])
	assert.Equal(t, hclog.Debug, adapter.GetLevel())
}
