package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bittoy/subjectgraph/config"
)

func TestDecodeConnectorConfigAppliesDefaults(t *testing.T) {
	cfg, err := config.DecodeConnectorConfig("mqtt-main", nil)
	require.NoError(t, err)
	assert.Equal(t, "mqtt-main", cfg.Name)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
}

func TestDecodeConnectorConfigOverridesAndParsesDurationStrings(t *testing.T) {
	cfg, err := config.DecodeConnectorConfig("mqtt-main", map[string]any{
		"breaker_failure_threshold": 10,
		"reconnect_delay":           "500ms",
		"max_reconnect_delay":       "2m",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.BreakerFailureThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 2*time.Minute, cfg.MaxReconnectDelay)
}

func TestDecodeConnectorConfigRejectsInvertedBackoffRange(t *testing.T) {
	_, err := config.DecodeConnectorConfig("mqtt-main", map[string]any{
		"reconnect_delay":     "10s",
		"max_reconnect_delay": "1s",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_reconnect_delay")
}

func TestDecodeConnectorConfigRejectsEmptyName(t *testing.T) {
	_, err := config.DecodeConnectorConfig("", nil)
	require.Error(t, err)
}
