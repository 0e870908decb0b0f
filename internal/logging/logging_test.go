package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWithDefaults(t *testing.T) {
	logger, err := New(nil, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("hello")
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(&Config{Level: "loud", Format: "json", Output: OutputConfig{Stdout: true}}, nil)
	assert.Error(t, err)
}

func TestNewRequiresAnOutput(t *testing.T) {
	_, err := New(&Config{Level: "info", Format: "json"}, nil)
	assert.Error(t, err)
}

func TestNewConsoleFormat(t *testing.T) {
	logger, err := New(&Config{Level: "debug", Format: "console", Output: OutputConfig{Stdout: true}}, nil)
	require.NoError(t, err)
	logger.Debug("console output")
}

func TestConstantFields(t *testing.T) {
	logger, err := New(&Config{
		Level:  "info",
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Fields: map[string]string{"service": "shipd"},
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithRequestID(ctx, "req-9")

	fields := ContextFields(ctx)
	assert.Contains(t, fields, zap.String("run_id", "run-1"))
	assert.Contains(t, fields, zap.String("request_id", "req-9"))

	assert.Equal(t, "run-1", RunIDFromContext(ctx))
	assert.Equal(t, "req-9", RequestIDFromContext(ctx))
}
