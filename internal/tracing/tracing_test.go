package tracing

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/hsm-crypto-gateway/internal/config"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingConfig{Enabled: false}, testLogger())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_Stdout(t *testing.T) {
	cfg := config.TracingConfig{
		Enabled:       true,
		ServiceName:   "test-service",
		Exporter:      "stdout",
		SamplingRatio: 1.0,
	}
	shutdown, err := Init(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := config.TracingConfig{
		Enabled:  true,
		Exporter: "jaeger",
	}
	_, err := Init(context.Background(), cfg, testLogger())
	assert.Error(t, err)
}
