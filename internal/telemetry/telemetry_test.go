package telemetry_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/Aidin1998/tradeguard/internal/telemetry"
)

func TestSetupExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Config{Tracing: true, Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry_test").Start(context.Background(), "settle-trade")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "settle-trade")
	assert.Contains(t, buf.String(), telemetry.ServiceName)
}

func TestSetupDisabledIsNoop(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Config{Writer: &buf})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.Empty(t, buf.String())
}

func TestShutdownIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Config{Tracing: true, Metrics: true, Writer: &buf})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.NoError(t, shutdown(context.Background()))
}
