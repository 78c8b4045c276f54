package config

import (
	"fmt"
	"time"
)

type Config struct {
	Env                     string
	HTTPListenAddr          string
	DatabaseURL             string
	RoomGracePeriodSec      int
	ReconnectGracePeriodSec int
	RoomIdleTimeoutMin      int
	NoShowAfterMin          int
	SweepIntervalSec        int
	VideoProviderURL        string
	VideoAPIKey             string
	VideoAPISecret          string
	VideoTokenTTLMin        int
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	for _, d := range c.positiveDurationChecks() {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", d.name, d.value)
		}
	}
	if c.VideoConfigured() {
		if c.VideoProviderURL == "" || c.VideoAPIKey == "" || c.VideoAPISecret == "" {
			return fmt.Errorf("VIDEO_PROVIDER_URL, VIDEO_API_KEY and VIDEO_API_SECRET must be set together")
		}
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "HTTP_LISTEN_ADDR", value: c.HTTPListenAddr},
		{name: "DATABASE_URL", value: c.DatabaseURL},
	}
}

type positiveEnvField struct {
	name  string
	value int
}

func (c *Config) positiveDurationChecks() []positiveEnvField {
	return []positiveEnvField{
		{name: "ROOM_GRACE_PERIOD_SEC", value: c.RoomGracePeriodSec},
		{name: "RECONNECT_GRACE_PERIOD_SEC", value: c.ReconnectGracePeriodSec},
		{name: "ROOM_IDLE_TIMEOUT_MIN", value: c.RoomIdleTimeoutMin},
		{name: "NO_SHOW_AFTER_MIN", value: c.NoShowAfterMin},
		{name: "SWEEP_INTERVAL_SEC", value: c.SweepIntervalSec},
		{name: "VIDEO_TOKEN_TTL_MIN", value: c.VideoTokenTTLMin},
	}
}

// VideoConfigured reports whether any managed-video credential is present.
// Validate enforces that the three credentials are set all-or-none.
func (c *Config) VideoConfigured() bool {
	return c.VideoProviderURL != "" || c.VideoAPIKey != "" || c.VideoAPISecret != ""
}

func (c *Config) RoomGracePeriod() time.Duration {
	return time.Duration(c.RoomGracePeriodSec) * time.Second
}

func (c *Config) ReconnectGracePeriod() time.Duration {
	return time.Duration(c.ReconnectGracePeriodSec) * time.Second
}

func (c *Config) RoomIdleTimeout() time.Duration {
	return time.Duration(c.RoomIdleTimeoutMin) * time.Minute
}

func (c *Config) NoShowAfter() time.Duration {
	return time.Duration(c.NoShowAfterMin) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c *Config) VideoTokenTTL() time.Duration {
	return time.Duration(c.VideoTokenTTLMin) * time.Minute
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
