package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"peercall/pkg/circuitbreaker"
	"peercall/pkg/retry"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"
)

// Relay transport modes.
const (
	TransportHTTP   = "http"
	TransportRedis  = "redis"
	TransportInproc = "inproc"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Call struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		Video struct {
			Width      int    `yaml:"width"`
			Height     int    `yaml:"height"`
			FrameRate  int    `yaml:"frame_rate"`
			FacingMode string `yaml:"facing_mode"`
		} `yaml:"video"`
		ICEDisconnectedTimeout time.Duration `yaml:"ice_disconnected_timeout"`
		ICEFailedTimeout       time.Duration `yaml:"ice_failed_timeout"`
		MaxOrphanCandidates    int           `yaml:"max_orphan_candidates"`
	} `yaml:"call"`

	Media struct {
		CameraFile     string `yaml:"camera_file"`
		MicrophoneFile string `yaml:"microphone_file"`
		DisplayFile    string `yaml:"display_file"`
	} `yaml:"media"`

	Relay struct {
		Transport      string                `yaml:"transport"`
		FunctionURL    string                `yaml:"function_url"`
		FeedURL        string                `yaml:"feed_url"`
		APIKey         string                `yaml:"api_key"`
		Token          string                `yaml:"token"`
		RequestTimeout time.Duration         `yaml:"request_timeout"`
		PingInterval   time.Duration         `yaml:"ping_interval"`
		PongTimeout    time.Duration         `yaml:"pong_timeout"`
		Retry          retry.Config          `yaml:"retry"`
		CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
		RateLimit      struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"relay"`

	Presence struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		TTL               time.Duration `yaml:"ttl"`
	} `yaml:"presence"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Control struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// Token, when set, is required as a bearer token on every request.
		Token     string `yaml:"token"`
		RateLimit struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"rate_limit"`
	} `yaml:"control"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Call
	for _, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers entries must have at least one url")
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("call.ice_servers: %w", err)
			}
		}
	}
	if c.Call.PortRange.Min > 0 || c.Call.PortRange.Max > 0 {
		if c.Call.PortRange.Min == 0 || c.Call.PortRange.Max == 0 {
			return fmt.Errorf("call.port_range.min and max must both be set when one is set")
		}
		if c.Call.PortRange.Min >= c.Call.PortRange.Max {
			return fmt.Errorf("call.port_range.min must be < max")
		}
	}
	if c.Call.Video.Width <= 0 || c.Call.Video.Height <= 0 {
		return fmt.Errorf("call.video.width and height must be > 0")
	}
	if c.Call.Video.FrameRate <= 0 {
		return fmt.Errorf("call.video.frame_rate must be > 0")
	}
	if c.Call.MaxOrphanCandidates < 0 {
		return fmt.Errorf("call.max_orphan_candidates must be >= 0")
	}

	// Relay
	switch c.Relay.Transport {
	case TransportHTTP:
		if err := validation.ValidateURL(c.Relay.FunctionURL); err != nil {
			return fmt.Errorf("relay.function_url: %w", err)
		}
		if err := validation.ValidateURL(c.Relay.FeedURL); err != nil {
			return fmt.Errorf("relay.feed_url: %w", err)
		}
		if err := validation.ValidateNonEmptyString(c.Relay.Token, "relay.token"); err != nil {
			return fmt.Errorf("%w when relay.transport=http", err)
		}
		// presence runs on redis in http mode
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when relay.transport=http")
		}
	case TransportRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when relay.transport=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when relay.transport=redis")
		}
	case TransportInproc:
	default:
		return fmt.Errorf("relay.transport must be one of http, redis, inproc (got %q)", c.Relay.Transport)
	}
	if c.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("relay.request_timeout must be > 0")
	}
	if c.Relay.Retry.Enabled && c.Relay.Retry.MaxAttempts < 0 {
		return fmt.Errorf("relay.retry.max_attempts must be >= 0")
	}
	if c.Relay.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("relay.circuit_breaker.failure_threshold must be > 0")
	}
	if c.Relay.RateLimit.Enabled {
		if c.Relay.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("relay.rate_limit.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.Relay.RateLimit.Burst <= 0 {
			return fmt.Errorf("relay.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}

	// Presence
	if c.Presence.HeartbeatInterval <= 0 {
		return fmt.Errorf("presence.heartbeat_interval must be > 0")
	}
	if c.Presence.TTL <= c.Presence.HeartbeatInterval {
		return fmt.Errorf("presence.ttl must be greater than presence.heartbeat_interval")
	}

	// Control
	if c.Control.Enabled {
		if c.Control.Address == "" {
			return fmt.Errorf("control.address must not be empty when control.enabled=true")
		}
		if c.Control.ShutdownTimeout <= 0 {
			return fmt.Errorf("control.shutdown_timeout must be > 0")
		}
		if c.Control.RateLimit.Enabled && (c.Control.RateLimit.RequestsPerSecond <= 0 || c.Control.RateLimit.Burst <= 0) {
			return fmt.Errorf("control.rate_limit requests_per_second and burst must be > 0 when enabled")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
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

	cfg.Call.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
	cfg.Call.Video.Width = 1280
	cfg.Call.Video.Height = 720
	cfg.Call.Video.FrameRate = 30
	cfg.Call.Video.FacingMode = "user"
	cfg.Call.ICEDisconnectedTimeout = 5 * time.Second
	cfg.Call.ICEFailedTimeout = 25 * time.Second
	cfg.Call.MaxOrphanCandidates = 64

	cfg.Media.CameraFile = "media/camera.ivf"
	cfg.Media.MicrophoneFile = "media/microphone.ogg"
	cfg.Media.DisplayFile = "media/display.ivf"

	cfg.Relay.Transport = TransportInproc
	cfg.Relay.RequestTimeout = 10 * time.Second
	cfg.Relay.PingInterval = 25 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.Retry = retry.DefaultConfig()
	cfg.Relay.CircuitBreaker = circuitbreaker.DefaultConfig()
	cfg.Relay.RateLimit.Enabled = true
	cfg.Relay.RateLimit.RequestsPerSecond = 50
	cfg.Relay.RateLimit.Burst = 100

	cfg.Presence.HeartbeatInterval = 10 * time.Second
	cfg.Presence.TTL = 30 * time.Second

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Control.Enabled = true
	cfg.Control.Address = "127.0.0.1:8090"
	cfg.Control.ReadTimeout = 10 * time.Second
	cfg.Control.WriteTimeout = 10 * time.Second
	cfg.Control.ShutdownTimeout = 10 * time.Second
	cfg.Control.RateLimit.Enabled = true
	cfg.Control.RateLimit.RequestsPerSecond = 20
	cfg.Control.RateLimit.Burst = 40
	cfg.Control.RateLimit.MaxConcurrent = 16

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if transport := os.Getenv("PEERCALL_TRANSPORT"); transport != "" {
		c.Relay.Transport = strings.ToLower(transport)
	}
	if url := os.Getenv("PEERCALL_RELAY_FUNCTION_URL"); url != "" {
		c.Relay.FunctionURL = url
	}
	if url := os.Getenv("PEERCALL_RELAY_FEED_URL"); url != "" {
		c.Relay.FeedURL = url
	}
	if key := os.Getenv("PEERCALL_RELAY_API_KEY"); key != "" {
		c.Relay.APIKey = key
	}
	if token := os.Getenv("PEERCALL_RELAY_TOKEN"); token != "" {
		c.Relay.Token = token
	}
	if addr := os.Getenv("PEERCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if addr := os.Getenv("PEERCALL_CONTROL_ADDRESS"); addr != "" {
		c.Control.Address = addr
	}
	if token := os.Getenv("PEERCALL_CONTROL_TOKEN"); token != "" {
		c.Control.Token = token
	}
	if level := os.Getenv("PEERCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
