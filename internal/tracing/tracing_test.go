package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.IsEnabled())
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NotNil(t, p.GetTracer("test"))
}

func TestEnabledWithoutEndpointFails(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint not configured")
}

func TestEnabledWithBadCAPathFails(t *testing.T) {
	_, err := NewProvider(Config{
		Enabled:   true,
		Endpoint:  "localhost:4317",
		TLSCAPath: "/nonexistent/ca.pem",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read CA certificate")
}
