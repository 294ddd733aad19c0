package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/memsync/internal/config"
)

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig("memsync-test")
	cfg.Sampling.Enabled = false
	cfg.Level = TraceLevel
	if mutate != nil {
		mutate(cfg)
	}
	var buf bytes.Buffer
	l, err := newLogger(cfg, nil, &buf)
	require.NoError(t, err)
	return l, &buf
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

func TestLogger_Levels(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	ctx := context.Background()

	l.Trace(ctx, "trace message")
	l.Debug(ctx, "debug message")
	l.Info(ctx, "info message")
	l.Warn(ctx, "warn message")
	l.Error(ctx, "error message")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 5)
	assert.Equal(t, "info message", lines[2]["msg"])
	assert.Equal(t, "memsync-test", lines[2]["service"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) { c.Level = zapcore.WarnLevel })
	ctx := context.Background()

	l.Debug(ctx, "hidden")
	l.Info(ctx, "hidden")
	l.Warn(ctx, "shown")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.False(t, l.Enabled(zapcore.InfoLevel))
}

func TestLogger_ContextFields(t *testing.T) {
	l, buf := newBufferLogger(t, nil)

	ctx := WithDeviceID(context.Background(), "dev-1")
	ctx = WithCycleID(ctx, "cycle-9")
	ctx = WithPrincipal(ctx, "alice")
	l.Info(ctx, "sync cycle finished")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "dev-1", lines[0]["device.id"])
	assert.Equal(t, "cycle-9", lines[0]["cycle.id"])
	assert.Equal(t, "alice", lines[0]["principal.user"])
	assert.Equal(t, "dev-1", DeviceIDFromContext(ctx))
}

func TestLogger_Redaction(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	ctx := context.Background()

	l.Info(ctx, "per call fields",
		zap.String("api_key", "sk-live-123"),
		zap.String("content", "private memory body"),
		zap.String("header", "Bearer abc.def"),
		zap.String("record_id", "r-1"),
	)
	l.With(zap.String("token", "tok-1")).Info(ctx, "with fields")
	l.Info(ctx, "secret helper", Secret("remote_key", config.Secret("abcd")))

	out := buf.String()
	assert.NotContains(t, out, "sk-live-123")
	assert.NotContains(t, out, "private memory body")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "tok-1")
	assert.Contains(t, out, "[REDACTED:4]")
	assert.Contains(t, out, `"record_id":"r-1"`)
}

func TestLogger_Sampling(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) {
		c.Sampling = SamplingConfig{Enabled: true, Tick: config.Duration(1 << 62), Initial: 2, Thereafter: 0}
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Info(ctx, "repeated")
	}
	for i := 0; i < 3; i++ {
		l.Error(ctx, "always kept")
	}

	var info, errs int
	for _, line := range decodeLines(t, buf) {
		switch line["msg"] {
		case "repeated":
			info++
		case "always kept":
			errs++
		}
	}
	assert.Equal(t, 2, info)
	assert.Equal(t, 3, errs)
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig("svc")
	require.NoError(t, cfg.Validate())

	cfg.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig("svc")
	cfg.Stdout = false
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig("svc")
	cfg.Redaction.Patterns = []string{"("}
	assert.Error(t, cfg.Validate())
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig("memsyncd", config.LoggingConfig{Level: "trace", Format: "console", OTEL: true})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.True(t, cfg.OTEL)
	assert.Equal(t, "memsyncd", cfg.Fields["service"])

	_, err = FromAppConfig("memsyncd", config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(WithDeviceID(context.Background(), "dev-2"), "pushed batch", zap.Int("count", 3))

	tl.AssertLogged(t, zapcore.InfoLevel, "pushed")
	tl.AssertField(t, "pushed batch", "device.id", "dev-2")
	assert.Len(t, tl.All(), 1)
}
