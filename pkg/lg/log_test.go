package lg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConfigFromFlags(t *testing.T) {
	cfg, rest := NewConfigFromFlags("provisioner", []string{"-debug", "-log-format", "console", "-config", "x.yaml"})
	assert.Equal(t, "provisioner", cfg.ServiceName)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, []string{"-config", "x.yaml"}, rest)
}

func TestFromContext(t *testing.T) {
	assert.IsType(t, defaultLogger{}, FromContext(context.Background()))

	ctx := Attach(context.Background(), Discard)
	assert.Equal(t, Discard, FromContext(ctx))
}

func TestFlatten(t *testing.T) {
	assert.Empty(t, flatten())
	out := flatten(String("host", "build-01"), Int("pending", 3), Duration("budget", 2*time.Minute), Err(errors.New("boom")))
	assert.Contains(t, out, "build-01")
	assert.Contains(t, out, "boom")
}

func TestNewLogger(t *testing.T) {
	l := New(&Config{ServiceName: "test", Format: "console"})
	l.With(String("run_id", "r1")).Debug("hidden at info level")
	_ = l.Sync()
}

func TestFieldHelpers(t *testing.T) {
	out := flatten(Any("steps", []string{"a"}), Int32("code", 1619), Bool("remaining", true),
		Float64("ratio", 0.5), Time("at", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	for _, want := range []string{"steps", "1619", "true", "0.5", "at"} {
		assert.Contains(t, out, want)
	}

	d := Discard.With(String("run_id", "r1"))
	d.Info("dropped")
	assert.NoError(t, d.Sync())
	assert.NoError(t, defaultLogger{}.With(Bool("x", true)).Sync())
}
