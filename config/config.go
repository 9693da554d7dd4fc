// Package config decodes loosely-typed configuration maps — the shape a
// deployment's YAML/JSON/env layer naturally produces — into the typed
// option structs connrt and the connectors packages consume, the way the
// teacher's engine/config.go decoded a types.Configuration map into a
// validated engine Config before any component ever saw it.
package config

import (
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/bittoy/subjectgraph/connrt"
	"github.com/bittoy/subjectgraph/errs"
)

// ConnectorConfig is the decoded, validated shape of one connector's
// entry in a deployment's source list: its identity, the circuit breaker
// it runs behind, and its monitor-loop cadence (spec §4.H).
type ConnectorConfig struct {
	Name                    string        `mapstructure:"name"`
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `mapstructure:"breaker_cooldown"`
	HealthCheckInterval     time.Duration `mapstructure:"health_check_interval"`
	ReconnectDelay          time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay       time.Duration `mapstructure:"max_reconnect_delay"`
	MaxConcurrentReconnects int64         `mapstructure:"max_concurrent_reconnects"`
}

// DefaultConnectorConfig returns the baseline a decoded map is merged
// over, so an operator's config only needs to name what it overrides.
func DefaultConnectorConfig(name string) ConnectorConfig {
	return ConnectorConfig{
		Name:                    name,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         30 * time.Second,
		HealthCheckInterval:     10 * time.Second,
		ReconnectDelay:          time.Second,
		MaxReconnectDelay:       time.Minute,
		MaxConcurrentReconnects: 4,
	}
}

// DecodeConnectorConfig decodes raw (as produced by unmarshalling YAML or
// JSON into map[string]any) over DefaultConnectorConfig(name) and
// validates the result, returning errs.ConfigurationFailure for anything
// a connector could not safely start with (spec §7.6: "fails fast — no
// partial system ever starts").
func DecodeConnectorConfig(name string, raw map[string]any) (ConnectorConfig, error) {
	cfg := DefaultConnectorConfig(name)
	if raw != nil {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		})
		if err != nil {
			return ConnectorConfig{}, &errs.ConfigurationFailure{Field: name, Reason: err.Error()}
		}
		if err := decoder.Decode(raw); err != nil {
			return ConnectorConfig{}, &errs.ConfigurationFailure{Field: name, Reason: err.Error()}
		}
	}
	if err := cfg.validate(); err != nil {
		return ConnectorConfig{}, err
	}
	return cfg, nil
}

func (c ConnectorConfig) validate() error {
	if c.Name == "" {
		return &errs.ConfigurationFailure{Field: "name", Reason: "must not be empty"}
	}
	if c.BreakerFailureThreshold <= 0 {
		return &errs.ConfigurationFailure{Field: "breaker_failure_threshold", Reason: "must be positive"}
	}
	if c.BreakerCooldown <= 0 {
		return &errs.ConfigurationFailure{Field: "breaker_cooldown", Reason: "must be positive"}
	}
	if c.HealthCheckInterval <= 0 {
		return &errs.ConfigurationFailure{Field: "health_check_interval", Reason: "must be positive"}
	}
	if c.ReconnectDelay <= 0 {
		return &errs.ConfigurationFailure{Field: "reconnect_delay", Reason: "must be positive"}
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		return &errs.ConfigurationFailure{Field: "max_reconnect_delay", Reason: "must be >= reconnect_delay"}
	}
	return nil
}

// Breaker builds the connrt.Breaker this configuration describes.
func (c ConnectorConfig) Breaker() *connrt.Breaker {
	return connrt.NewBreaker(c.BreakerFailureThreshold, c.BreakerCooldown)
}

// MonitorConfig projects the decoded configuration into the
// connrt.MonitorConfig its monitor loop runs with.
func (c ConnectorConfig) MonitorConfig() connrt.MonitorConfig {
	return connrt.MonitorConfig{
		HealthCheckInterval:     c.HealthCheckInterval,
		ReconnectDelay:          c.ReconnectDelay,
		MaxReconnectDelay:       c.MaxReconnectDelay,
		MaxConcurrentReconnects: c.MaxConcurrentReconnects,
	}
}
