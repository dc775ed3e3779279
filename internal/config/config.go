package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type (
	Config struct {
		Server  ServerConfig  `yaml:"server"`
		Client  ClientConfig  `yaml:"client"`
		Logging LoggingConfig `yaml:"logging"`
	}

	ServerConfig struct {
		Address  string        `yaml:"address"`
		RedisURL string        `yaml:"redis_url"`
		MongoURI string        `yaml:"mongo_uri"`
		MongoDB  string        `yaml:"mongo_db"`
		Auth     AuthConfig    `yaml:"auth"`
		Stream   StreamConfig  `yaml:"stream"`
		Limits   LimitConfig   `yaml:"rate_limit"`
		Shutdown time.Duration `yaml:"shutdown_timeout"`
	}

	AuthConfig struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	}

	// StreamConfig maps onto redis XADD / XREAD arguments.
	StreamConfig struct {
		MaxLen    int64         `yaml:"max_len"`
		ReadCount int64         `yaml:"read_count"`
		ReadBlock time.Duration `yaml:"read_block"`
	}

	LimitConfig struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	}

	ClientConfig struct {
		ServerURL   string `yaml:"server_url"`
		Transport   string `yaml:"transport"`
		RedisURL    string `yaml:"redis_url"`
		KeyPrefix   string `yaml:"key_prefix"`
		Description string `yaml:"device_description"`

		PollDelay     time.Duration `yaml:"poll_delay"`
		RetryDelay    time.Duration `yaml:"retry_delay"`
		MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
		AuthAttempts  int           `yaml:"auth_attempts"`
		JoinTimeout   time.Duration `yaml:"join_timeout"`
		Retention     time.Duration `yaml:"retention"`

		// DecryptFailure is "drop" or "placeholder".
		DecryptFailure string `yaml:"decrypt_failure"`
	}

	LoggingConfig struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	}
)

const (
	TransportLongPoll  = "longpoll"
	TransportWebsocket = "websocket"

	DecryptFailureDrop        = "drop"
	DecryptFailurePlaceholder = "placeholder"
)

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:  "localhost:9090",
			RedisURL: "redis://localhost:6379/0",
			MongoURI: "mongodb://localhost:27017",
			MongoDB:  "mypaste",
			Auth:     AuthConfig{TokenTTL: 72 * time.Hour},
			Stream: StreamConfig{
				MaxLen:    100,
				ReadCount: 100,
				ReadBlock: 5 * time.Minute,
			},
			Limits: LimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				Burst:             40,
			},
			Shutdown: 10 * time.Second,
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:9090",
			Transport:      TransportLongPoll,
			RedisURL:       "redis://localhost:6379/1",
			KeyPrefix:      "mypaste:local:",
			PollDelay:      10 * time.Millisecond,
			RetryDelay:     5 * time.Second,
			MaxRetryDelay:  30 * time.Second,
			AuthAttempts:   3,
			JoinTimeout:    120 * time.Second,
			DecryptFailure: DecryptFailureDrop,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path uses the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		name   string
		target *string
	}{
		{"PASTE_JWT_SECRET", &c.Server.Auth.JWTSecret},
		{"PASTE_REDIS_URL", &c.Server.RedisURL},
		{"PASTE_MONGO_URI", &c.Server.MongoURI},
		{"PASTE_SERVER_URL", &c.Client.ServerURL},
		{"PASTE_LOCAL_REDIS_URL", &c.Client.RedisURL},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.name); v != "" {
			*o.target = v
		}
	}
}

// ValidateServer checks the settings cmd/server depends on.
func (c *Config) ValidateServer() error {
	s := c.Server
	if s.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if s.RedisURL == "" {
		return fmt.Errorf("server.redis_url must not be empty")
	}
	if s.MongoURI == "" || s.MongoDB == "" {
		return fmt.Errorf("server.mongo_uri and server.mongo_db must not be empty")
	}
	if len(s.Auth.JWTSecret) < 16 {
		return fmt.Errorf("server.auth.jwt_secret must be at least 16 characters")
	}
	if s.Auth.TokenTTL <= 0 {
		return fmt.Errorf("server.auth.token_ttl must be > 0")
	}
	if s.Stream.MaxLen <= 0 || s.Stream.ReadCount <= 0 {
		return fmt.Errorf("server.stream.max_len and read_count must be > 0")
	}
	if s.Stream.ReadBlock < 0 {
		return fmt.Errorf("server.stream.read_block must be >= 0")
	}
	if s.Limits.Enabled && (s.Limits.RequestsPerSecond <= 0 || s.Limits.Burst <= 0) {
		return fmt.Errorf("server.rate_limit requires requests_per_second and burst > 0")
	}
	return nil
}

// ValidateClient checks the settings cmd/client depends on.
func (c *Config) ValidateClient() error {
	cl := c.Client
	if cl.ServerURL == "" {
		return fmt.Errorf("client.server_url must not be empty")
	}
	if cl.RedisURL == "" {
		return fmt.Errorf("client.redis_url must not be empty")
	}
	if cl.Transport != TransportLongPoll && cl.Transport != TransportWebsocket {
		return fmt.Errorf("client.transport must be %q or %q", TransportLongPoll, TransportWebsocket)
	}
	if cl.DecryptFailure != DecryptFailureDrop && cl.DecryptFailure != DecryptFailurePlaceholder {
		return fmt.Errorf("client.decrypt_failure must be %q or %q", DecryptFailureDrop, DecryptFailurePlaceholder)
	}
	if cl.RetryDelay <= 0 {
		return fmt.Errorf("client.retry_delay must be > 0")
	}
	if cl.MaxRetryDelay < cl.RetryDelay {
		return fmt.Errorf("client.max_retry_delay must be >= retry_delay")
	}
	if cl.AuthAttempts < 1 {
		return fmt.Errorf("client.auth_attempts must be >= 1")
	}
	if cl.JoinTimeout < 0 || cl.Retention < 0 || cl.PollDelay < 0 {
		return fmt.Errorf("client durations must not be negative")
	}
	return nil
}
