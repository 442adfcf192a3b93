package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"LISTEN_ADDR", "GRACE_PERIOD", "HEARTBEAT_INTERVAL", "RECONNECT_ATTEMPTS", "LOG_FORMAT"} {
		t.Setenv(k, "")
	}
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.ListenAddr)
	assert.Equal(t, 10*time.Second, c.GracePeriod)
	assert.Equal(t, 30*time.Second, c.Heartbeat)
	assert.Equal(t, 5, c.ReconnectAttempts)
	assert.Equal(t, "json", c.LogFormat)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", " :9090 ")
	t.Setenv("GRACE_PERIOD", "15s")
	t.Setenv("COMMAND_DEBOUNCE", "250ms")
	t.Setenv("RECONNECT_ATTEMPTS", "7")
	t.Setenv("LOG_FORMAT", "console")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.ListenAddr)
	assert.Equal(t, 15*time.Second, c.GracePeriod)
	assert.Equal(t, 250*time.Millisecond, c.CommandDebounce)
	assert.Equal(t, 7, c.ReconnectAttempts)
	assert.Equal(t, "console", c.LogFormat)
}

func TestLoad_ReportsEveryBadValue(t *testing.T) {
	t.Setenv("GRACE_PERIOD", "ten")
	t.Setenv("RECONNECT_ATTEMPTS", "-1")
	t.Setenv("LOG_FORMAT", "xml")

	_, err := Load()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
	assert.Contains(t, err.Error(), "GRACE_PERIOD")
	assert.Contains(t, err.Error(), "RECONNECT_ATTEMPTS")
}
