package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.False(t, tel.Degraded())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestEnabledRequiresEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{Enabled: true})
	assert.Error(t, err)
}

func TestUnknownProtocolRejected(t *testing.T) {
	res := newResource(Config{ServiceName: "shipd"})
	_, err := newTracerProvider(context.Background(), Config{Protocol: "carrier-pigeon"}, res)
	assert.Error(t, err)
	_, err = newMeterProvider(context.Background(), Config{Protocol: "carrier-pigeon"}, res)
	assert.Error(t, err)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestNilTelemetryAccessorsAreSafe(t *testing.T) {
	var tel *Telemetry
	assert.False(t, tel.Degraded())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}
