package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Agent struct {
		Name             string        `yaml:"name"`
		StateDir         string        `yaml:"state_dir"`
		CaptureTimeout   time.Duration `yaml:"capture_timeout"`
		FailureThreshold int           `yaml:"failure_threshold"`
		StopTimeout      time.Duration `yaml:"stop_timeout"`
	} `yaml:"agent"`

	Signaling struct {
		URL             string        `yaml:"url"`
		Address         string        `yaml:"address"` // rendezvous server listen address
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

		Reconnect struct {
			InitialDelay time.Duration `yaml:"initial_delay"`
			Multiplier   float64       `yaml:"multiplier"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			MaxAttempts  int           `yaml:"max_attempts"`
		} `yaml:"reconnect"`
	} `yaml:"signaling"`

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
	} `yaml:"webrtc"`

	Video struct {
		DefaultTier    string `yaml:"default_tier"`
		Codec          string `yaml:"codec"`
		DefaultBitrate int    `yaml:"default_bitrate"` // bits per second
	} `yaml:"video"`

	Bitrate struct {
		Cycle            time.Duration `yaml:"cycle"`
		WindowSize       int           `yaml:"window_size"`
		RTTHigh          time.Duration `yaml:"rtt_high"`
		RTTLow           time.Duration `yaml:"rtt_low"`
		LossHigh         float64       `yaml:"loss_high"`
		LossLow          float64       `yaml:"loss_low"`
		FastLoss         float64       `yaml:"fast_loss"`
		ScaleDown        float64       `yaml:"scale_down"`
		ScaleUp          float64       `yaml:"scale_up"`
		HysteresisCycles int           `yaml:"hysteresis_cycles"`
		TierSwitchCycles int           `yaml:"tier_switch_cycles"`
	} `yaml:"bitrate"`

	Control struct {
		Enabled bool   `yaml:"enabled"`
		Profile string `yaml:"profile"`
	} `yaml:"control"`

	Clipboard struct {
		CompressThreshold int `yaml:"compress_threshold"` // bytes
	} `yaml:"clipboard"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		ServiceName string  `yaml:"service_name"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled              bool    `yaml:"enabled"`
		MessagesPerSecond    float64 `yaml:"messages_per_second"`
		Burst                int     `yaml:"burst"`
		ConnectionsPerMinute int     `yaml:"connections_per_minute"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Agent.CaptureTimeout <= 0 {
		return fmt.Errorf("agent.capture_timeout must be > 0")
	}
	if c.Agent.FailureThreshold <= 0 {
		return fmt.Errorf("agent.failure_threshold must be > 0")
	}

	if c.Signaling.URL == "" && c.Signaling.Address == "" {
		return fmt.Errorf("signaling.url or signaling.address must be set")
	}
	if c.Signaling.PingInterval <= 0 {
		return fmt.Errorf("signaling.ping_interval must be > 0")
	}
	if c.Signaling.PongTimeout <= 0 {
		return fmt.Errorf("signaling.pong_timeout must be > 0")
	}
	if c.Signaling.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("signaling.reconnect.max_attempts must be >= 0")
	}
	if c.Signaling.Reconnect.Multiplier < 1 {
		return fmt.Errorf("signaling.reconnect.multiplier must be >= 1")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.Bitrate.Cycle <= 0 {
		return fmt.Errorf("bitrate.cycle must be > 0")
	}
	if c.Bitrate.WindowSize <= 0 {
		return fmt.Errorf("bitrate.window_size must be > 0")
	}
	if c.Bitrate.ScaleDown <= 0 || c.Bitrate.ScaleDown >= 1 {
		return fmt.Errorf("bitrate.scale_down must be in (0, 1)")
	}
	if c.Bitrate.ScaleUp <= 1 {
		return fmt.Errorf("bitrate.scale_up must be > 1")
	}
	if c.Bitrate.HysteresisCycles <= 0 {
		return fmt.Errorf("bitrate.hysteresis_cycles must be > 0")
	}
	if c.Bitrate.FastLoss <= c.Bitrate.LossHigh {
		return fmt.Errorf("bitrate.fast_loss must be > bitrate.loss_high")
	}
	if c.Bitrate.RTTLow >= c.Bitrate.RTTHigh {
		return fmt.Errorf("bitrate.rtt_low must be < bitrate.rtt_high")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
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

// DefaultConfig returns configuration with the reference defaults. The
// controller thresholds and reconnect constants are deliberately
// configuration, not constants in code.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Agent.Name = "deskbridge-agent"
	cfg.Agent.StateDir = "."
	cfg.Agent.CaptureTimeout = 100 * time.Millisecond
	cfg.Agent.FailureThreshold = 10
	cfg.Agent.StopTimeout = 5 * time.Second

	cfg.Signaling.URL = "ws://localhost:8081/ws"
	cfg.Signaling.Address = ":8081"
	cfg.Signaling.PingInterval = 30 * time.Second
	cfg.Signaling.PongTimeout = 60 * time.Second
	cfg.Signaling.WriteTimeout = 10 * time.Second
	cfg.Signaling.ShutdownTimeout = 30 * time.Second
	cfg.Signaling.Reconnect.InitialDelay = time.Second
	cfg.Signaling.Reconnect.Multiplier = 2.0
	cfg.Signaling.Reconnect.MaxDelay = 32 * time.Second
	cfg.Signaling.Reconnect.MaxAttempts = 5

	cfg.Video.DefaultTier = "high"
	cfg.Video.Codec = "vp8"
	cfg.Video.DefaultBitrate = 2_000_000

	cfg.Bitrate.Cycle = 2 * time.Second
	cfg.Bitrate.WindowSize = 5
	cfg.Bitrate.RTTHigh = 200 * time.Millisecond
	cfg.Bitrate.RTTLow = 50 * time.Millisecond
	cfg.Bitrate.LossHigh = 0.05
	cfg.Bitrate.LossLow = 0.01
	cfg.Bitrate.FastLoss = 0.15
	cfg.Bitrate.ScaleDown = 0.8
	cfg.Bitrate.ScaleUp = 1.2
	cfg.Bitrate.HysteresisCycles = 2
	cfg.Bitrate.TierSwitchCycles = 3

	cfg.Control.Enabled = true
	cfg.Control.Profile = "view_only"

	cfg.Clipboard.CompressThreshold = 4 * 1024

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.ServiceName = "deskbridge"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 24 * time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.MessagesPerSecond = 100
	cfg.RateLimiting.Burst = 200
	cfg.RateLimiting.ConnectionsPerMinute = 60

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("DESKBRIDGE_SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if addr := os.Getenv("DESKBRIDGE_SIGNALING_ADDRESS"); addr != "" {
		c.Signaling.Address = addr
	}
	if level := os.Getenv("DESKBRIDGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("DESKBRIDGE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
