package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address           string        `yaml:"address"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		PositionInterval  time.Duration `yaml:"position_interval"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		AudioLevelInterval  time.Duration `yaml:"audio_level_interval"`
		AudioLevelThreshold int           `yaml:"audio_level_threshold"`
	} `yaml:"webrtc"`

	Room struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		EvictInterval  time.Duration `yaml:"evict_interval"`
		StaleThreshold time.Duration `yaml:"stale_threshold"`
		StatsInterval  time.Duration `yaml:"stats_interval"`
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
	} `yaml:"room"`

	Proximity struct {
		SubscribeDistance float64 `yaml:"subscribe_distance"`
		AudioDistance     float64 `yaml:"audio_distance"`
		AudioRolloff      float64 `yaml:"audio_rolloff"`
	} `yaml:"proximity"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Auth struct {
		Enabled        bool     `yaml:"enabled"`
		JWTSecret      string   `yaml:"jwt_secret"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled              bool    `yaml:"enabled"`
		MessagesPerSecond    float64 `yaml:"messages_per_second"`
		Burst                int     `yaml:"burst"`
		ConnectionsPerMinute int     `yaml:"connections_per_minute"`
		MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}
	if c.Signal.PositionInterval <= 0 {
		return fmt.Errorf("signal.position_interval must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.AudioLevelInterval <= 0 {
		return fmt.Errorf("webrtc.audio_level_interval must be > 0")
	}

	// Room
	if c.Room.PollInterval <= 0 {
		return fmt.Errorf("room.poll_interval must be > 0")
	}
	if c.Room.EvictInterval <= 0 {
		return fmt.Errorf("room.evict_interval must be > 0")
	}
	if c.Room.StaleThreshold <= c.Room.PollInterval {
		return fmt.Errorf("room.stale_threshold must be > room.poll_interval or every peer is evicted between polls")
	}
	if c.Room.StatsInterval <= 0 {
		return fmt.Errorf("room.stats_interval must be > 0")
	}
	if c.Room.IdleTimeout <= 0 {
		return fmt.Errorf("room.idle_timeout must be > 0")
	}

	// Proximity
	if c.Proximity.SubscribeDistance <= 0 {
		return fmt.Errorf("proximity.subscribe_distance must be > 0")
	}
	if c.Proximity.AudioDistance < c.Proximity.SubscribeDistance {
		return fmt.Errorf("proximity.audio_distance must be >= subscribe_distance or audible peers would be unsubscribed")
	}
	if c.Proximity.AudioRolloff <= 0 {
		return fmt.Errorf("proximity.audio_rolloff must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Auth
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.PositionInterval = 200 * time.Millisecond
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.WebRTC.AudioLevelInterval = 800 * time.Millisecond
	cfg.WebRTC.AudioLevelThreshold = -80

	cfg.Room.PollInterval = time.Second
	cfg.Room.EvictInterval = time.Second
	cfg.Room.StaleThreshold = 4 * time.Second
	cfg.Room.StatsInterval = 3 * time.Second
	cfg.Room.IdleTimeout = 30 * time.Second

	cfg.Proximity.SubscribeDistance = 500
	cfg.Proximity.AudioDistance = 2500
	cfg.Proximity.AudioRolloff = 50

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = ""
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.MessagesPerSecond = 100
	cfg.RateLimiting.Burst = 200
	cfg.RateLimiting.ConnectionsPerMinute = 60
	cfg.RateLimiting.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	// Apply environment variable overrides
	if addr := os.Getenv("ATRIUM_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("ATRIUM_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("ATRIUM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("ATRIUM_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
