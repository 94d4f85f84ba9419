package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleRatio(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  float64
	}{
		{"unset", "", 1},
		{"valid", "0.25", 0.25},
		{"full", "1", 1},
		{"zero ignored", "0", 1},
		{"negative ignored", "-0.5", 1},
		{"above one ignored", "1.5", 1},
		{"garbage ignored", "lots", 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(sampleRatioEnv, tc.value)
			assert.Equal(t, tc.want, sampleRatio())
		})
	}
}

func TestStartSpan_PropagatesTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("delver-test"))

	ctx, span := StartSpan(context.Background(), "delver.test", "test.op")
	defer span.End()

	require.NotNil(t, span)
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestStartSpan_KeepsExistingTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-abc")
	ctx, span := StartSpan(ctx, "delver.test", "test.op")
	defer span.End()

	assert.Equal(t, "trace-abc", GetTraceID(ctx))
}
