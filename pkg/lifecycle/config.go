package lifecycle

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kabili207/meshrelay/pkg/radio"
)

const (
	PolicyFixed       = "fixed"
	PolicyExponential = "exponential"

	DefaultHeartbeatInterval = 60 * time.Second
	DefaultProbeTimeout      = 30 * time.Second
	DefaultConnectTimeout    = 60 * time.Second
	DefaultReconnectInterval = 10 * time.Second
	DefaultMaxInterval       = 5 * time.Minute
	DefaultBackoffFactor     = 2.0
	DefaultPollInterval      = time.Second
)

// HealthConfig controls periodic link probing.
type HealthConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// ProbeTimeout bounds a single probe and is independent of the interval
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// ReconnectConfig controls the spacing of reconnect attempts.
type ReconnectConfig struct {
	Policy      string        `mapstructure:"policy" validate:"omitempty,oneof=fixed exponential"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	Factor      float64       `mapstructure:"factor"`
	// PollInterval is how often a backoff wait checks for shutdown
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Config is everything the Manager needs.
type Config struct {
	Health         HealthConfig
	Reconnect      ReconnectConfig
	ConnectTimeout time.Duration
	Radio          radio.Config
}

func DefaultConfig() Config {
	return Config{
		Health: HealthConfig{
			Enabled:           true,
			HeartbeatInterval: DefaultHeartbeatInterval,
			ProbeTimeout:      DefaultProbeTimeout,
		},
		Reconnect: ReconnectConfig{
			Policy:       PolicyFixed,
			Interval:     DefaultReconnectInterval,
			MaxInterval:  DefaultMaxInterval,
			Factor:       DefaultBackoffFactor,
			PollInterval: DefaultPollInterval,
		},
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Validate replaces unusable values with defaults. It never fails.
func (c *Config) Validate() {
	if c.Health.HeartbeatInterval <= 0 {
		c.Health.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Health.ProbeTimeout <= 0 {
		c.Health.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}

	r := &c.Reconnect
	r.Policy = strings.ToLower(r.Policy)
	if r.Policy != PolicyExponential {
		r.Policy = PolicyFixed
	}
	if r.Interval <= 0 {
		r.Interval = DefaultReconnectInterval
	}
	if r.MaxInterval < r.Interval {
		r.MaxInterval = max(DefaultMaxInterval, r.Interval)
	}
	if r.Factor <= 1 {
		r.Factor = DefaultBackoffFactor
	}
	if r.PollInterval <= 0 {
		r.PollInterval = DefaultPollInterval
	}
}

// NewBackoff builds the configured policy. Delays are deterministic and
// never give up; shutdown is what ends the reconnect loop.
func (r ReconnectConfig) NewBackoff() backoff.BackOff {
	if r.Policy != PolicyExponential {
		return backoff.NewConstantBackOff(r.Interval)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.Interval,
		RandomizationFactor: 0,
		Multiplier:          r.Factor,
		MaxInterval:         r.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}
