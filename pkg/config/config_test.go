package config

import (
	"testing"
	"time"
)

func TestValidate_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestValidate_TimingInvariants(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "stale threshold must exceed poll interval",
			mutate: func(c *Config) {
				c.Room.PollInterval = time.Second
				c.Room.StaleThreshold = time.Second
			},
		},
		{
			name: "evict interval must be > 0",
			mutate: func(c *Config) {
				c.Room.EvictInterval = 0
			},
		},
		{
			name: "stats interval must be > 0",
			mutate: func(c *Config) {
				c.Room.StatsInterval = 0
			},
		},
		{
			name: "position interval must be > 0",
			mutate: func(c *Config) {
				c.Signal.PositionInterval = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_ProximityInvariants(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "audio distance must cover subscribe distance",
			mutate: func(c *Config) {
				c.Proximity.SubscribeDistance = 500
				c.Proximity.AudioDistance = 499
			},
		},
		{
			name: "subscribe distance must be > 0",
			mutate: func(c *Config) {
				c.Proximity.SubscribeDistance = 0
			},
		},
		{
			name: "rolloff must be > 0",
			mutate: func(c *Config) {
				c.Proximity.AudioRolloff = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_AuthRequiresSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when auth enabled without secret, got nil")
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.MessagesPerSecond = 0
	cfg.RateLimiting.Burst = 0
	cfg.RateLimiting.ConnectionsPerMinute = 0
	cfg.RateLimiting.MaxMessageSizeBytes = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}
