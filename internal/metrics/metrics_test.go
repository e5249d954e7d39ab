package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	assert.NotPanics(t, func() {
		r.Poll(ctx, "scheduled", OutcomeOK, time.Second, 3, 1)
		r.Dispatch(ctx, "manual")
		r.WatermarkPush(ctx, false)
		r.TaskFailed(ctx, "push")
	})
}

func TestRecorderOnNoopProvider(t *testing.T) {
	r, err := New(noop.NewMeterProvider())
	require.NoError(t, err)
	require.NotNil(t, r)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		r.Poll(ctx, "scheduled", OutcomeError, 250*time.Millisecond, 0, 0)
		r.Poll(ctx, "manual", OutcomeOK, time.Second, 4, 2)
		r.Dispatch(ctx, "manual")
		r.WatermarkPush(ctx, true)
		r.TaskFailed(ctx, "push")
	})
}

func TestNewUsesGlobalProvider(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, r)
}
