package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"meshcall/internal/core/domain"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Identity struct {
		ID   string      `yaml:"id"`
		Name string      `yaml:"name"`
		Role domain.Role `yaml:"role"`
	} `yaml:"identity"`

	Room struct {
		ID string `yaml:"id"`
	} `yaml:"room"`

	Relay struct {
		URL           string        `yaml:"url"`
		JoinTimeout   time.Duration `yaml:"join_timeout"`
		PingInterval  time.Duration `yaml:"ping_interval"`
		PongTimeout   time.Duration `yaml:"pong_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		SendQueueSize int           `yaml:"send_queue_size"`

		Reconnection struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnection"`

		SendRate struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"send_rate"`
	} `yaml:"relay"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Mesh struct {
		SignalTimeout time.Duration `yaml:"signal_timeout"`
	} `yaml:"mesh"`

	Media struct {
		Profile         string                           `yaml:"profile"`
		AudioDeviceID   string                           `yaml:"audio_device_id"`
		VideoDeviceID   string                           `yaml:"video_device_id"`
		QualityProfiles map[string]domain.QualityProfile `yaml:"quality_profiles"`
	} `yaml:"media"`

	Quality struct {
		StatsInterval time.Duration        `yaml:"stats_interval"`
		Bitrate       domain.BitrateBounds `yaml:"bitrate"`
		HistorySize   int                  `yaml:"history_size"`
		StatsBreaker  struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"stats_breaker"`
	} `yaml:"quality"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`
		HTTP    struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

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
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Identity.Role != "" && !c.Identity.Role.Valid() {
		return fmt.Errorf("identity.role must be one of host, moderator, participant")
	}

	// Relay
	if c.Relay.JoinTimeout <= 0 {
		return fmt.Errorf("relay.join_timeout must be > 0")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.SendQueueSize <= 0 {
		return fmt.Errorf("relay.send_queue_size must be > 0")
	}
	if c.Relay.Reconnection.MaxAttempts < 0 {
		return fmt.Errorf("relay.reconnection.max_attempts must be >= 0")
	}
	if c.Relay.Reconnection.InitialDelay <= 0 {
		return fmt.Errorf("relay.reconnection.initial_delay must be > 0")
	}
	if c.Relay.Reconnection.MaxDelay < c.Relay.Reconnection.InitialDelay {
		return fmt.Errorf("relay.reconnection.max_delay must be >= initial_delay")
	}
	if c.Relay.SendRate.MessagesPerSecond <= 0 || c.Relay.SendRate.Burst <= 0 {
		return fmt.Errorf("relay.send_rate.messages_per_second and burst must be > 0")
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
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	if c.Mesh.SignalTimeout <= 0 {
		return fmt.Errorf("mesh.signal_timeout must be > 0")
	}

	// Media
	if len(c.Media.QualityProfiles) == 0 {
		return fmt.Errorf("media.quality_profiles must not be empty")
	}
	for name, p := range c.Media.QualityProfiles {
		if p.Width <= 0 || p.Height <= 0 || p.FrameRate <= 0 {
			return fmt.Errorf("media.quality_profiles.%s must have positive width, height and frame_rate", name)
		}
	}
	if _, ok := c.Media.QualityProfiles[c.Media.Profile]; !ok {
		return fmt.Errorf("media.profile %q is not a configured quality profile", c.Media.Profile)
	}

	// Quality
	if c.Quality.StatsInterval <= 0 {
		return fmt.Errorf("quality.stats_interval must be > 0")
	}
	b := c.Quality.Bitrate
	if b.Min <= 0 || b.Min > b.Initial || b.Initial > b.Max {
		return fmt.Errorf("quality.bitrate must satisfy 0 < min <= initial <= max")
	}
	if c.Quality.HistorySize <= 0 {
		return fmt.Errorf("quality.history_size must be > 0")
	}
	if c.Quality.StatsBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("quality.stats_breaker.failure_threshold must be > 0")
	}
	if c.Quality.StatsBreaker.Timeout <= 0 {
		return fmt.Errorf("quality.stats_breaker.timeout must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second and burst must be > 0")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// QualityProfile returns the configured capture profile.
func (c *Config) QualityProfile() domain.QualityProfile {
	return c.Media.QualityProfiles[c.Media.Profile]
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
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
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Identity.Role = domain.RoleParticipant

	cfg.Relay.URL = "ws://localhost:8081/ws"
	cfg.Relay.JoinTimeout = 10 * time.Second
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.SendQueueSize = 256
	cfg.Relay.Reconnection.MaxAttempts = 10
	cfg.Relay.Reconnection.InitialDelay = time.Second
	cfg.Relay.Reconnection.MaxDelay = 10 * time.Second
	cfg.Relay.SendRate.MessagesPerSecond = 100
	cfg.Relay.SendRate.Burst = 200

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Mesh.SignalTimeout = 15 * time.Second

	cfg.Media.Profile = domain.ProfileMedium.Name
	cfg.Media.QualityProfiles = domain.DefaultQualityProfiles()

	cfg.Quality.StatsInterval = 2 * time.Second
	cfg.Quality.Bitrate = domain.DefaultBitrateBounds()
	cfg.Quality.HistorySize = 100
	cfg.Quality.StatsBreaker.FailureThreshold = 5
	cfg.Quality.StatsBreaker.Timeout = 30 * time.Second

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 64

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "meshcall:events"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "meshcall"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("MESHCALL_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if room := os.Getenv("MESHCALL_ROOM_ID"); room != "" {
		c.Room.ID = room
	}
	if name := os.Getenv("MESHCALL_IDENTITY_NAME"); name != "" {
		c.Identity.Name = name
	}
	if role := os.Getenv("MESHCALL_IDENTITY_ROLE"); role != "" {
		c.Identity.Role = domain.Role(role)
	}
	if level := os.Getenv("MESHCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("MESHCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("MESHCALL_STATS_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Quality.StatsInterval = time.Duration(ms) * time.Millisecond
		}
	}
}
