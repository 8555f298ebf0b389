package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"liqhunter/internal/logging"
)

func TestAggregation(t *testing.T) {
	m := NewManager(logging.Discard())

	assert.True(t, m.IsHealthy(), "empty registry is healthy")

	m.Register("store", func() error { return nil })
	assert.True(t, m.IsHealthy())

	m.Register("stream", func() error { return errors.New("stale") })
	assert.False(t, m.IsHealthy())

	status := m.GetStatus()
	assert.Equal(t, "healthy", status["store"])
	assert.Equal(t, "unhealthy: stale", status["stream"])
}

func TestRegisterReplacesCheck(t *testing.T) {
	m := NewManager(logging.Discard())

	m.Register("stream", func() error { return errors.New("down") })
	assert.False(t, m.IsHealthy())

	m.Register("stream", func() error { return nil })
	assert.True(t, m.IsHealthy())
}
